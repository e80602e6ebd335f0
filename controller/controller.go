// Package controller schedules the per-account synchronization loops.
//
// Every enabled IMAP account gets one goroutine that runs a discovery pass,
// sleeps for the sync interval and starts over. A failing pass backs off
// exponentially; it never affects the loops of other accounts.
package controller

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/migadu/mailarchive/cache"
	"github.com/migadu/mailarchive/db"
	"github.com/migadu/mailarchive/logger"
	errs "github.com/migadu/mailarchive/pkg/errors"
	"github.com/migadu/mailarchive/pkg/retry"
)

// AccountLister is the account persistence the controller needs.
type AccountLister interface {
	ListAccounts(ctx context.Context) ([]db.Account, error)
	SetAccountEnabled(ctx context.Context, id int64, enabled bool) error
}

// Syncer runs one discovery pass of an account.
type Syncer interface {
	SyncAccount(ctx context.Context, accountID int64) ([]cache.Mailbox, error)
}

// Executors is the executor registry as seen by the controller.
type Executors interface {
	Remove(accountID int64) bool
	Close()
}

// PurgeSink receives the mailboxes whose indexes must be dropped.
type PurgeSink interface {
	EnqueueMailboxPurge(ctx context.Context, accountID int64, mailboxIDs []uint64) error
}

type Options struct {
	Interval time.Duration
	Backoff  retry.BackoffConfig
}

type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type Controller struct {
	accounts  AccountLister
	syncer    Syncer
	executors Executors
	cache     *cache.Cache
	purge     PurgeSink
	opts      Options

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	loops  map[int64]*loop
	closed bool
	wg     sync.WaitGroup
}

func New(accounts AccountLister, syncer Syncer, executors Executors, c *cache.Cache, purge PurgeSink, opts Options) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		accounts:  accounts,
		syncer:    syncer,
		executors: executors,
		cache:     c,
		purge:     purge,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		loops:     make(map[int64]*loop),
	}
}

// Start launches a loop for every enabled IMAP account and returns how many
// were started.
func (c *Controller) Start(ctx context.Context) (int, error) {
	accounts, err := c.accounts.ListAccounts(ctx)
	if err != nil {
		return 0, errs.Wrap(errs.InternalError, err, "failed to list accounts")
	}

	started := 0
	for _, a := range accounts {
		if !a.Enabled || !a.IsIMAP() {
			continue
		}
		if c.TriggerStart(a.ID) {
			logger.Info("Synchronization scheduled", "account_id", a.ID, "email", a.Email)
			started++
		}
	}
	logger.Info("Controller started", "accounts", len(accounts), "scheduled", started)
	return started, nil
}

// TriggerStart starts the loop of an account. It reports false when the loop
// is already running or the controller is shut down.
func (c *Controller) TriggerStart(accountID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if _, running := c.loops[accountID]; running {
		return false
	}

	ctx, cancel := context.WithCancel(c.ctx)
	l := &loop{cancel: cancel, done: make(chan struct{})}
	c.loops[accountID] = l
	c.wg.Add(1)
	go c.run(ctx, accountID, l)
	return true
}

// TriggerStop stops the loop of an account, waits for it to exit and drops
// the account's executor.
func (c *Controller) TriggerStop(accountID int64) {
	c.mu.Lock()
	l, running := c.loops[accountID]
	c.mu.Unlock()

	if running {
		l.cancel()
		<-l.done
		logger.Info("Synchronization stopped", "account_id", accountID)
	}
	c.executors.Remove(accountID)
}

// SyncNow runs one pass outside the schedule.
func (c *Controller) SyncNow(ctx context.Context, accountID int64) ([]cache.Mailbox, error) {
	return c.syncer.SyncAccount(ctx, accountID)
}

// SetEnabled persists the enabled flag and starts or stops the loop.
func (c *Controller) SetEnabled(ctx context.Context, accountID int64, enabled bool) error {
	err := c.accounts.SetAccountEnabled(ctx, accountID, enabled)
	if errors.Is(err, db.ErrAccountNotFound) {
		return errs.New(errs.InvalidParameter, "account %d not found", accountID)
	}
	if err != nil {
		return errs.Wrap(errs.InternalError, err, "failed to update account %d", accountID)
	}
	if enabled {
		c.TriggerStart(accountID)
	} else {
		c.TriggerStop(accountID)
	}
	return nil
}

// CleanAccount stops the account and deletes all of its cached mailboxes,
// queueing their index purge.
func (c *Controller) CleanAccount(ctx context.Context, accountID int64) ([]uint64, error) {
	c.TriggerStop(accountID)
	ids, err := c.cache.Clean(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if err := c.enqueuePurge(ctx, accountID, ids); err != nil {
		return nil, err
	}
	logger.Info("Account cleaned", "account_id", accountID, "mailboxes", len(ids))
	return ids, nil
}

// DeleteMailboxes deletes the named mailboxes and their descendants from the
// cache, queueing their index purge.
func (c *Controller) DeleteMailboxes(ctx context.Context, accountID int64, names []string) ([]uint64, error) {
	if len(names) == 0 {
		return nil, errs.New(errs.InvalidParameter, "no mailbox names given")
	}
	ids, err := c.cache.DeleteCascade(ctx, accountID, names)
	if err != nil {
		return nil, err
	}
	if err := c.enqueuePurge(ctx, accountID, ids); err != nil {
		return nil, err
	}
	logger.Info("Mailboxes deleted", "account_id", accountID, "names", names, "deleted", len(ids))
	return ids, nil
}

// Running returns the accounts whose loop is active, sorted.
func (c *Controller) Running() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int64, 0, len(c.loops))
	for id := range c.loops {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Shutdown stops every loop, waits for them and closes the registry.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.executors.Close()
	logger.Info("Controller stopped")
}

func (c *Controller) enqueuePurge(ctx context.Context, accountID int64, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.purge.EnqueueMailboxPurge(ctx, accountID, ids); err != nil {
		return errs.Wrap(errs.InternalError, err, "failed to queue purge for account %d", accountID)
	}
	return nil
}

func (c *Controller) run(ctx context.Context, accountID int64, l *loop) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		if c.loops[accountID] == l {
			delete(c.loops, accountID)
		}
		c.mu.Unlock()
		l.cancel()
		close(l.done)
	}()

	backoff := retry.NewBackoff(c.opts.Backoff)
	for {
		delay := c.opts.Interval
		_, err := c.syncer.SyncAccount(ctx, accountID)
		switch {
		case ctx.Err() != nil:
			return
		case errs.Is(err, errs.InvalidParameter):
			// Configuration problems do not heal by retrying.
			logger.Error("Synchronization halted", "account_id", accountID, "error", err)
			return
		case err != nil:
			delay = backoff.Next()
			logger.Warn("Synchronization pass failed", "account_id", accountID,
				"failures", backoff.Failures(), "retry_in", delay, "error", err)
		default:
			backoff.Reset()
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
