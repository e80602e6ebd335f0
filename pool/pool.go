// Package pool keeps a bounded set of authenticated IMAP sessions per
// account.
//
// A Pool is built once per account by Builder.Build, which validates the
// account and dials one warm session so that bad credentials surface
// immediately. Callers borrow sessions with Acquire and give them back with
// Release, or with Discard when the session is no longer trustworthy. Do
// wraps that protocol for the common case.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/migadu/mailarchive/logger"
	errs "github.com/migadu/mailarchive/pkg/errors"
	"github.com/migadu/mailarchive/pkg/metrics"
	"github.com/migadu/mailarchive/session"
	"github.com/migadu/mailarchive/transport"
)

// DialFunc opens one authenticated session.
type DialFunc func(ctx context.Context, params session.DialParams) (session.Session, error)

// Options bound the pool and the sessions it dials.
type Options struct {
	MaxSessions    int
	AcquireTimeout time.Duration
	IdleProbeAfter time.Duration
	ConnectTimeout time.Duration
	Timeouts       transport.Timeouts
	Debug          bool
}

// DefaultOptions returns the pool defaults.
func DefaultOptions() Options {
	return Options{
		MaxSessions:    3,
		AcquireTimeout: 30 * time.Second,
		IdleProbeAfter: time.Minute,
		ConnectTimeout: transport.DefaultConnectTimeout,
		Timeouts:       transport.DefaultTimeouts(),
	}
}

type idleSession struct {
	s     session.Session
	since time.Time
}

// Pool is the session pool of one account. It is safe for concurrent use.
type Pool struct {
	accountID int64
	params    session.DialParams
	dial      DialFunc
	opts      Options

	// slots holds one token per checked-out session.
	slots chan struct{}

	mu     sync.Mutex
	idle   []idleSession
	inUse  int
	closed bool
}

func newPool(accountID int64, params session.DialParams, dial DialFunc, opts Options) *Pool {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 1
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 30 * time.Second
	}
	return &Pool{
		accountID: accountID,
		params:    params,
		dial:      dial,
		opts:      opts,
		slots:     make(chan struct{}, opts.MaxSessions),
	}
}

func (p *Pool) AccountID() int64 {
	return p.accountID
}

// Acquire returns a live session. It reuses an idle session when one is
// available, probing it with NOOP first if it sat idle for longer than
// IdleProbeAfter, dials a new one while below MaxSessions, and otherwise
// waits for a release. Waiting is bounded by AcquireTimeout.
func (p *Pool) Acquire(ctx context.Context) (session.Session, error) {
	if p.isClosed() {
		return nil, errs.New(errs.InternalError, "session pool of account %d is closed", p.accountID)
	}

	start := time.Now()
	timer := time.NewTimer(p.opts.AcquireTimeout)
	defer timer.Stop()

	select {
	case p.slots <- struct{}{}:
	case <-timer.C:
		metrics.PoolAcquireTimeoutsTotal.Inc()
		return nil, errs.New(errs.ConnectionTimeout, "no IMAP session available for account %d after %s", p.accountID, p.opts.AcquireTimeout)
	case <-ctx.Done():
		return nil, errs.Wrap(errs.RequestTimeout, ctx.Err(), "waiting for an IMAP session of account %d", p.accountID)
	}
	metrics.ObserveSince(metrics.PoolAcquireDuration, start)

	for {
		is, ok := p.popIdle()
		if !ok {
			break
		}
		if is.s.Broken() {
			is.s.Close()
			continue
		}
		if p.opts.IdleProbeAfter > 0 && time.Since(is.since) > p.opts.IdleProbeAfter {
			if err := is.s.Noop(ctx); err != nil {
				logger.Debug("Dropping stale IMAP session", "account_id", p.accountID, "error", err)
				is.s.Close()
				continue
			}
		}
		p.markInUse(1)
		return is.s, nil
	}

	s, err := p.dial(ctx, p.params)
	if err != nil {
		<-p.slots
		return nil, err
	}
	if p.isClosed() {
		<-p.slots
		s.Close()
		return nil, errs.New(errs.InternalError, "session pool of account %d is closed", p.accountID)
	}
	p.markInUse(1)
	return s, nil
}

// Release returns a session obtained from Acquire. Broken sessions are
// discarded.
func (p *Pool) Release(s session.Session) {
	if s.Broken() {
		p.Discard(s)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.Discard(s)
		return
	}
	p.idle = append(p.idle, idleSession{s: s, since: time.Now()})
	p.inUse--
	p.mu.Unlock()

	metrics.PoolSessions.WithLabelValues("in_use").Dec()
	metrics.PoolSessions.WithLabelValues("idle").Inc()
	<-p.slots
}

// Discard closes a session obtained from Acquire and frees its slot.
func (p *Pool) Discard(s session.Session) {
	s.Close()
	p.markInUse(-1)
	<-p.slots
}

// Do runs fn on a pooled session. The session is discarded when fn fails
// with an error that Poisons reports, and released otherwise.
func (p *Pool) Do(ctx context.Context, fn func(session.Session) error) error {
	s, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	err = fn(s)
	if err != nil && Poisons(err) {
		p.Discard(s)
	} else {
		p.Release(s)
	}
	return err
}

// Poisons reports whether err leaves a session in an unknown protocol state.
// Store failures and unexpected results do not touch the connection.
func Poisons(err error) bool {
	switch errs.CodeOf(err) {
	case errs.NetworkError, errs.ConnectionTimeout, errs.ImapCommandFailed, errs.RequestTimeout:
		return true
	}
	return false
}

// Stats reports idle and checked-out session counts.
func (p *Pool) Stats() (idle, inUse int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), p.inUse
}

// Close logs out every idle session. Sessions still checked out are closed
// when they come back. Further Acquire calls fail.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, is := range idle {
		if err := is.s.Logout(ctx); err != nil {
			logger.Debug("Logout failed while closing pool", "account_id", p.accountID, "error", err)
		}
		metrics.PoolSessions.WithLabelValues("idle").Dec()
	}
	logger.Debug("Session pool closed", "account_id", p.accountID, "sessions", len(idle))
	return nil
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) popIdle() (idleSession, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.idle)
	if n == 0 {
		return idleSession{}, false
	}
	// Most recently used first; older sessions age out through the probe.
	is := p.idle[n-1]
	p.idle = p.idle[:n-1]
	metrics.PoolSessions.WithLabelValues("idle").Dec()
	return is, true
}

func (p *Pool) markInUse(delta int) {
	p.mu.Lock()
	p.inUse += delta
	p.mu.Unlock()
	metrics.PoolSessions.WithLabelValues("in_use").Add(float64(delta))
}

// addIdle parks a freshly dialed session without taking a slot.
func (p *Pool) addIdle(s session.Session) {
	p.mu.Lock()
	p.idle = append(p.idle, idleSession{s: s, since: time.Now()})
	p.mu.Unlock()
	metrics.PoolSessions.WithLabelValues("idle").Inc()
}
