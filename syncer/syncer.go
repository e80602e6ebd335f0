// Package syncer discovers the remote folders of an account, reconciles them
// with the persisted known and subscribed folder sets and refreshes the
// mailbox cache.
package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/migadu/mailarchive/cache"
	"github.com/migadu/mailarchive/db"
	"github.com/migadu/mailarchive/executor"
	"github.com/migadu/mailarchive/logger"
	errs "github.com/migadu/mailarchive/pkg/errors"
	"github.com/migadu/mailarchive/pkg/metrics"
	"github.com/migadu/mailarchive/session"
)

// AccountStore is the account persistence the syncer needs. UpdateFolders
// applies the whole update in one transaction.
type AccountStore interface {
	GetAccount(ctx context.Context, id int64) (*db.Account, error)
	UpdateFolders(ctx context.Context, accountID int64, update db.FolderUpdate) error
}

// Executors hands out the session pool of an account.
type Executors interface {
	GetOrCreate(ctx context.Context, accountID int64) (*executor.Executor, error)
}

// PurgeSink receives the mailboxes whose indexed envelopes and messages must
// be dropped.
type PurgeSink interface {
	EnqueueMailboxPurge(ctx context.Context, accountID int64, mailboxIDs []uint64) error
}

type Syncer struct {
	accounts  AccountStore
	executors Executors
	cache     *cache.Cache
	purge     PurgeSink
}

func New(accounts AccountStore, executors Executors, c *cache.Cache, purge PurgeSink) *Syncer {
	return &Syncer{accounts: accounts, executors: executors, cache: c, purge: purge}
}

// SyncAccount loads an account and runs one discovery pass over it.
func (s *Syncer) SyncAccount(ctx context.Context, accountID int64) ([]cache.Mailbox, error) {
	account, err := s.loadAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return s.DiscoverAndReconcile(ctx, account)
}

// DiscoverAndReconcile lists the remote folders, persists the detected
// changes, examines the selected folders and stores them in the cache.
// Folders that disappeared remotely are removed from the cache and handed to
// the purge sink before the new folder sets are persisted.
func (s *Syncer) DiscoverAndReconcile(ctx context.Context, account *db.Account) (mailboxes []cache.Mailbox, err error) {
	if !account.IsIMAP() {
		return nil, errs.New(errs.InvalidParameter, "account %d is not an IMAP account", account.ID)
	}

	start := time.Now()
	defer func() {
		metrics.ObserveSince(metrics.DiscoveryDuration, start)
		metrics.DiscoveryPassesTotal.WithLabelValues(metrics.Status(err)).Inc()
	}()

	var changes Changes
	err = s.withSession(ctx, account.ID, func(sess session.Session) error {
		remote, err := listRemote(ctx, account.ID, sess)
		if err != nil {
			return err
		}

		changes = DetectChanges(account.KnownFolders, account.SyncFolders, names(remote))
		logChanges(account, changes)

		selected, defaulted := SelectFolders(remote, changes.SyncFolders)
		update := changes.Update
		if defaulted && len(selected) > 0 {
			defaults := names(selected)
			update.SyncFolders = &defaults
			logger.Info("Selected default folders", "account_id", account.ID, "folders", defaults)
		}
		if err := s.dropRemoved(ctx, account.ID, changes.Removed, names(remote)); err != nil {
			return err
		}
		if !update.IsEmpty() {
			if err := s.accounts.UpdateFolders(ctx, account.ID, update); err != nil {
				return errs.Wrap(errs.InternalError, err, "failed to persist folders of account %d", account.ID)
			}
		}

		if defaulted && len(selected) == 0 {
			logger.Warn("No INBOX or Sent folder on server", "account_id", account.ID)
			return errs.New(errs.ImapUnexpectedResult,
				"no default mailboxes found for account %d; the server should provide at least INBOX", account.ID)
		}
		if len(selected) == 0 {
			logger.Warn("No subscribed folder is selectable", "account_id", account.ID, "sync_folders", changes.SyncFolders)
		}

		mailboxes, err = examineAll(ctx, account.ID, sess, selected)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := s.cache.BatchUpsert(ctx, mailboxes); err != nil {
		return nil, err
	}

	logger.Info("Discovery pass finished", "account_id", account.ID, "selected", len(mailboxes),
		"added", len(changes.Added), "removed", len(changes.Removed), "elapsed", time.Since(start))
	return mailboxes, nil
}

// ListRemote lists and examines every selectable remote folder without
// persisting anything.
func (s *Syncer) ListRemote(ctx context.Context, accountID int64) ([]cache.Mailbox, error) {
	var out []cache.Mailbox
	err := s.withSession(ctx, accountID, func(sess session.Session) error {
		remote, err := listRemote(ctx, accountID, sess)
		if err != nil {
			return err
		}
		selectable := remote[:0]
		for _, m := range remote {
			if m.Selectable() {
				selectable = append(selectable, m)
			}
		}
		out, err = examineAll(ctx, accountID, sess, selectable)
		return err
	})
	return out, err
}

// ListMailboxes returns the cached mailboxes of an account, or the live
// remote state when remote is set. Remote listing needs an IMAP account.
func (s *Syncer) ListMailboxes(ctx context.Context, accountID int64, remote bool) ([]cache.Mailbox, error) {
	account, err := s.loadAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !remote {
		return s.cache.ListAll(ctx, account.ID)
	}
	if !account.IsIMAP() {
		return nil, errs.New(errs.InvalidParameter,
			"account %d is of type %s; remote mailbox listing needs an IMAP account", account.ID, account.Type)
	}
	return s.ListRemote(ctx, account.ID)
}

// dropRemoved deletes the cached rows of folders that disappeared remotely,
// descendants included, and queues their index purge. Descendants still
// listed remotely are kept. It runs before the
// folder sets are persisted so a failure leaves the removal to be detected
// again on the next pass.
func (s *Syncer) dropRemoved(ctx context.Context, accountID int64, removed, present []string) error {
	if len(removed) == 0 {
		return nil
	}
	ids, err := s.cache.PruneCascade(ctx, accountID, removed, present)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	if err := s.purge.EnqueueMailboxPurge(ctx, accountID, ids); err != nil {
		return errs.Wrap(errs.InternalError, err, "failed to queue purge for account %d", accountID)
	}
	return nil
}

func (s *Syncer) loadAccount(ctx context.Context, accountID int64) (*db.Account, error) {
	account, err := s.accounts.GetAccount(ctx, accountID)
	if errors.Is(err, db.ErrAccountNotFound) {
		return nil, errs.New(errs.InvalidParameter, "account %d not found", accountID)
	}
	if err != nil {
		return nil, errs.Wrap(errs.InternalError, err, "failed to load account %d", accountID)
	}
	return account, nil
}

// withSession runs fn on a pooled session of the account. Sessions that hit
// a transport or protocol error are discarded.
func (s *Syncer) withSession(ctx context.Context, accountID int64, fn func(session.Session) error) error {
	e, err := s.executors.GetOrCreate(ctx, accountID)
	if err != nil {
		return err
	}
	return e.Pool.Do(ctx, fn)
}

func listRemote(ctx context.Context, accountID int64, sess session.Session) ([]cache.Mailbox, error) {
	list, err := sess.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		logger.Warn("Server returned no mailboxes", "account_id", accountID)
		return nil, errs.New(errs.ImapUnexpectedResult,
			"no mailboxes returned from IMAP server for account %d", accountID)
	}
	out := make([]cache.Mailbox, 0, len(list))
	for _, data := range list {
		m := FromListData(data)
		logger.Debug("Remote mailbox", "account_id", accountID, "mailbox", m.Name, "attributes", m.Attributes)
		out = append(out, m)
	}
	return out, nil
}

func examineAll(ctx context.Context, accountID int64, sess session.Session, selected []cache.Mailbox) ([]cache.Mailbox, error) {
	out := make([]cache.Mailbox, 0, len(selected))
	for _, m := range selected {
		status, err := sess.Examine(ctx, m.Name)
		if err != nil {
			return nil, err
		}
		m.ID = cache.MailboxID(accountID, m.Name)
		m.AccountID = accountID
		m.Exists = status.Exists
		m.Unseen = status.Unseen
		m.UIDNext = status.UIDNext
		m.UIDValidity = status.UIDValidity
		out = append(out, m)
	}
	return out, nil
}

func logChanges(account *db.Account, c Changes) {
	if c.Baseline {
		logger.Info("Recorded initial folder baseline", "account_id", account.ID, "folders", len(*c.Update.KnownFolders))
		return
	}
	if len(c.Added) > 0 {
		metrics.FolderChangesTotal.WithLabelValues("added").Add(float64(len(c.Added)))
		logger.Info("New folders detected", "account_id", account.ID, "folders", c.Added)
	}
	if len(c.Removed) > 0 {
		metrics.FolderChangesTotal.WithLabelValues("removed").Add(float64(len(c.Removed)))
		logger.Info("Folders deleted", "account_id", account.ID, "folders", c.Removed)
	}
	if c.Update.SyncFolders != nil {
		logger.Info("Removed deleted folders from sync folders", "account_id", account.ID,
			"count", len(account.SyncFolders)-len(*c.Update.SyncFolders))
	}
}
