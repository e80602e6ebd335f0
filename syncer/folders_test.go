package syncer

import (
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/mailarchive/cache"
)

// strs builds an expected folder set. An empty call yields an empty, non-nil
// slice: a nil slice would be stored as NULL, meaning "never set".
func strs(v ...string) *[]string {
	if v == nil {
		v = []string{}
	}
	return &v
}

func TestDetectChanges(t *testing.T) {
	tests := []struct {
		name        string
		known       *[]string
		sync        []string
		current     []string
		wantKnown   *[]string
		wantSync    *[]string
		wantAdded   []string
		wantRemoved []string
	}{
		{
			name:      "first run records baseline",
			known:     nil,
			current:   []string{"Work", "INBOX", "Sent"},
			wantKnown: strs("INBOX", "Sent", "Work"),
		},
		{
			name:    "unchanged set persists nothing",
			known:   strs("INBOX", "Sent"),
			sync:    []string{"INBOX"},
			current: []string{"Sent", "INBOX"},
		},
		{
			name:        "deleted subscribed folder empties subscription",
			known:       strs("A", "B"),
			sync:        []string{"A"},
			current:     []string{"B", "C"},
			wantKnown:   strs("B", "C"),
			wantSync:    strs(),
			wantAdded:   []string{"C"},
			wantRemoved: []string{"A"},
		},
		{
			name:      "added folder keeps subscription",
			known:     strs("INBOX"),
			sync:      []string{"INBOX"},
			current:   []string{"INBOX", "Work"},
			wantKnown: strs("INBOX", "Work"),
			wantAdded: []string{"Work"},
		},
		{
			name:        "deleted unsubscribed folder",
			known:       strs("INBOX", "Old"),
			sync:        []string{"INBOX"},
			current:     []string{"INBOX"},
			wantKnown:   strs("INBOX"),
			wantRemoved: []string{"Old"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DetectChanges(tt.known, tt.sync, tt.current)
			assert.Equal(t, tt.known == nil, c.Baseline)
			assert.Equal(t, tt.wantKnown, c.Update.KnownFolders)
			assert.Equal(t, tt.wantSync, c.Update.SyncFolders)
			assert.Equal(t, tt.wantAdded, c.Added)
			assert.Equal(t, tt.wantRemoved, c.Removed)
			if tt.wantSync != nil {
				assert.Equal(t, *tt.wantSync, c.SyncFolders)
			} else {
				assert.Equal(t, tt.sync, c.SyncFolders)
			}
		})
	}
}

func mailbox(name string, attrs ...cache.AttributeKind) cache.Mailbox {
	m := cache.Mailbox{Name: name}
	for _, a := range attrs {
		m.Attributes = append(m.Attributes, cache.Attribute{Kind: a})
	}
	return m
}

func TestSelectFolders(t *testing.T) {
	remote := []cache.Mailbox{
		mailbox("INBOX"),
		mailbox("Sent", cache.AttrSent),
		mailbox("Work"),
	}

	t.Run("default is inbox and sent", func(t *testing.T) {
		selected, defaulted := SelectFolders(remote, nil)
		assert.True(t, defaulted)
		assert.Equal(t, []string{"INBOX", "Sent"}, names(selected))
	})

	t.Run("subscription takes precedence", func(t *testing.T) {
		selected, defaulted := SelectFolders(remote, []string{"Work"})
		assert.False(t, defaulted)
		assert.Equal(t, []string{"Work"}, names(selected))
	})

	t.Run("subscription without match does not fall back", func(t *testing.T) {
		selected, defaulted := SelectFolders(remote, []string{"Gone"})
		assert.False(t, defaulted)
		assert.Empty(t, selected)
	})

	t.Run("inbox matches any case", func(t *testing.T) {
		selected, _ := SelectFolders([]cache.Mailbox{mailbox("Inbox"), mailbox("Other")}, nil)
		assert.Equal(t, []string{"Inbox"}, names(selected))
	})

	t.Run("noselect is never selected", func(t *testing.T) {
		withNoSelect := []cache.Mailbox{
			mailbox("INBOX", cache.AttrNoSelect),
			mailbox("Sent", cache.AttrSent, cache.AttrNoSelect),
			mailbox("Work", cache.AttrNoSelect),
			mailbox("Archive"),
		}
		selected, _ := SelectFolders(withNoSelect, nil)
		assert.Empty(t, selected)

		selected, _ = SelectFolders(withNoSelect, []string{"Work", "Archive"})
		assert.Equal(t, []string{"Archive"}, names(selected))
	})
}

func TestFromListData(t *testing.T) {
	m := FromListData(&imap.ListData{
		Mailbox: "Archiv/Übersicht",
		Delim:   '/',
		Attrs:   []imap.MailboxAttr{imap.MailboxAttrHasNoChildren, imap.MailboxAttrArchive, "$Custom"},
	})
	assert.Equal(t, "Archiv/Übersicht", m.Name)
	require.NotNil(t, m.Delimiter)
	assert.Equal(t, "/", *m.Delimiter)
	assert.Equal(t, []cache.Attribute{
		{Kind: cache.AttrExtension, Extension: "HasNoChildren"},
		{Kind: cache.AttrArchive},
		{Kind: cache.AttrUnknown, Extension: "$Custom"},
	}, m.Attributes)
	assert.Zero(t, m.ID, "ids are assigned when the folder is examined")

	flat := FromListData(&imap.ListData{Mailbox: "INBOX"})
	assert.Nil(t, flat.Delimiter)
	assert.Empty(t, flat.Attributes)
}

func TestEmptiedSubscriptionIsNotNil(t *testing.T) {
	c := DetectChanges(strs("A"), []string{"A"}, []string{"B"})
	require.NotNil(t, c.Update.SyncFolders)
	assert.NotNil(t, *c.Update.SyncFolders, "nil would be stored as NULL")
	assert.Empty(t, *c.Update.SyncFolders)
}
