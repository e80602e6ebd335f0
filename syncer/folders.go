package syncer

import (
	"sort"
	"strings"

	"github.com/emersion/go-imap/v2"

	"github.com/migadu/mailarchive/cache"
	"github.com/migadu/mailarchive/db"
)

// FromListData converts a LIST response into an unpersisted mailbox. The
// client has already decoded the modified UTF-7 name. A NIL delimiter is
// kept as nil.
func FromListData(data *imap.ListData) cache.Mailbox {
	m := cache.Mailbox{Name: data.Mailbox}
	if data.Delim != 0 {
		delim := string(data.Delim)
		m.Delimiter = &delim
	}
	m.Attributes = make([]cache.Attribute, 0, len(data.Attrs))
	for _, attr := range data.Attrs {
		m.Attributes = append(m.Attributes, cache.AttributeFromIMAP(attr))
	}
	return m
}

// Changes is the outcome of comparing the remote folder names with the
// persisted known folders.
type Changes struct {
	// Baseline is set on the first pass of an account. No diff is computed.
	Baseline bool
	Added    []string
	Removed  []string
	// Update holds what must be persisted. Empty when nothing changed.
	Update db.FolderUpdate
	// SyncFolders is the subscription after pruning removed folders.
	SyncFolders []string
}

// DetectChanges compares current against known. A nil known means the
// account was never synchronized: current becomes the baseline. Otherwise
// removed folders are pruned from the subscription, which is persisted only
// when it shrank, and known is persisted only when the set changed.
func DetectChanges(known *[]string, syncFolders []string, current []string) Changes {
	currentSet := toSet(current)
	names := sortedKeys(currentSet)

	if known == nil {
		return Changes{
			Baseline:    true,
			Update:      db.FolderUpdate{KnownFolders: &names},
			SyncFolders: syncFolders,
		}
	}

	knownSet := toSet(*known)
	c := Changes{SyncFolders: syncFolders}
	for _, name := range names {
		if _, ok := knownSet[name]; !ok {
			c.Added = append(c.Added, name)
		}
	}
	for _, name := range sortedKeys(knownSet) {
		if _, ok := currentSet[name]; !ok {
			c.Removed = append(c.Removed, name)
		}
	}

	if len(c.Removed) > 0 {
		removed := toSet(c.Removed)
		remaining := make([]string, 0, len(syncFolders))
		for _, name := range syncFolders {
			if _, gone := removed[name]; !gone {
				remaining = append(remaining, name)
			}
		}
		if len(remaining) != len(syncFolders) {
			c.SyncFolders = remaining
			c.Update.SyncFolders = &remaining
		}
	}

	if len(c.Added) > 0 || len(c.Removed) > 0 {
		c.Update.KnownFolders = &names
	}
	return c
}

// SelectFolders picks the folders to synchronize. A non-empty subscription
// takes strict precedence. Otherwise INBOX (any case) and the \Sent folder
// form the default, and defaulted is true. \Noselect folders are never
// selected.
func SelectFolders(mailboxes []cache.Mailbox, syncFolders []string) (selected []cache.Mailbox, defaulted bool) {
	if len(syncFolders) > 0 {
		subscribed := toSet(syncFolders)
		for _, m := range mailboxes {
			if _, ok := subscribed[m.Name]; ok && m.Selectable() {
				selected = append(selected, m)
			}
		}
		return selected, false
	}

	for _, m := range mailboxes {
		if !m.Selectable() {
			continue
		}
		if strings.EqualFold(m.Name, "INBOX") || m.HasAttribute(cache.AttrSent) {
			selected = append(selected, m)
		}
	}
	return selected, true
}

func names(mailboxes []cache.Mailbox) []string {
	out := make([]string, len(mailboxes))
	for i, m := range mailboxes {
		out[i] = m.Name
	}
	return out
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
