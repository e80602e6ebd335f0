// Package executor owns the live per-account session pools.
//
// The Registry guarantees at most one Executor per account. Lookups are
// lock-free. On a miss the pool is built outside any lock, concurrent first
// calls for the same account share one build, and the result is inserted
// with insert-or-discard semantics: if another executor won the race the
// freshly built pool is closed and the winner is returned.
package executor

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/migadu/mailarchive/logger"
	errs "github.com/migadu/mailarchive/pkg/errors"
	"github.com/migadu/mailarchive/pkg/metrics"
	"github.com/migadu/mailarchive/pool"
)

// DefaultBuildTimeout bounds one executor build, including the first dial.
const DefaultBuildTimeout = 60 * time.Second

// PoolBuilder creates the session pool of an account.
type PoolBuilder interface {
	Build(ctx context.Context, accountID int64) (*pool.Pool, error)
}

// Executor is the in-memory handle of one account's synchronization state.
type Executor struct {
	AccountID int64
	Pool      *pool.Pool
	CreatedAt time.Time
}

type Registry struct {
	builder      PoolBuilder
	buildTimeout time.Duration
	executors    sync.Map // int64 -> *Executor
	builds       singleflight.Group
	count        atomic.Int64
	closed       atomic.Bool
	started      time.Time
}

func NewRegistry(builder PoolBuilder) *Registry {
	return &Registry{builder: builder, buildTimeout: DefaultBuildTimeout, started: time.Now()}
}

// WithBuildTimeout overrides DefaultBuildTimeout.
func (r *Registry) WithBuildTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.buildTimeout = d
	}
	return r
}

// Get returns the executor of an account if one exists.
func (r *Registry) Get(accountID int64) (*Executor, bool) {
	v, ok := r.executors.Load(accountID)
	if !ok {
		return nil, false
	}
	return v.(*Executor), true
}

// GetOrCreate returns the executor of an account, building it on first use.
// Build failures are returned as is and leave nothing behind.
//
// The shared build does not inherit any caller's cancellation, so one caller
// giving up does not fail the others; each caller still stops waiting when
// its own ctx is done.
func (r *Registry) GetOrCreate(ctx context.Context, accountID int64) (*Executor, error) {
	if r.closed.Load() {
		return nil, errs.New(errs.InternalError, "executor registry is closed")
	}
	if e, ok := r.Get(accountID); ok {
		return e, nil
	}

	ch := r.builds.DoChan(strconv.FormatInt(accountID, 10), func() (any, error) {
		if e, ok := r.Get(accountID); ok {
			return e, nil
		}
		buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.buildTimeout)
		defer cancel()
		return r.build(buildCtx, accountID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Executor), nil
	case <-ctx.Done():
		return nil, errs.Wrap(errs.RequestTimeout, ctx.Err(), "waiting for executor of account %d", accountID)
	}
}

func (r *Registry) build(ctx context.Context, accountID int64) (*Executor, error) {
	p, err := r.builder.Build(ctx, accountID)
	if err != nil {
		var coded *errs.Error
		if !errors.As(err, &coded) && errors.Is(err, context.DeadlineExceeded) {
			err = errs.Wrap(errs.ConnectionTimeout, err, "building executor of account %d", accountID)
		}
		metrics.ExecutorBuildsTotal.WithLabelValues("failed").Inc()
		logger.Warn("Failed to build executor", "account_id", accountID, "error", err)
		return nil, err
	}

	candidate := &Executor{AccountID: accountID, Pool: p, CreatedAt: time.Now()}
	actual, loaded := r.executors.LoadOrStore(accountID, candidate)
	if loaded {
		metrics.ExecutorBuildsTotal.WithLabelValues("discarded").Inc()
		p.Close()
		return actual.(*Executor), nil
	}

	if r.closed.Load() {
		r.executors.CompareAndDelete(accountID, candidate)
		p.Close()
		return nil, errs.New(errs.InternalError, "executor registry is closed")
	}

	r.count.Add(1)
	metrics.ExecutorBuildsTotal.WithLabelValues("stored").Inc()
	metrics.ExecutorsActive.Inc()
	return candidate, nil
}

// Remove evicts and closes the executor of an account. It reports whether
// one existed.
func (r *Registry) Remove(accountID int64) bool {
	v, ok := r.executors.LoadAndDelete(accountID)
	if !ok {
		return false
	}
	r.count.Add(-1)
	metrics.ExecutorsActive.Dec()
	v.(*Executor).Pool.Close()
	logger.Info("Executor removed", "account_id", accountID)
	return true
}

// Len returns the number of live executors.
func (r *Registry) Len() int {
	return int(r.count.Load())
}

// AccountIDs returns the accounts that currently hold an executor.
func (r *Registry) AccountIDs() []int64 {
	var ids []int64
	r.executors.Range(func(k, _ any) bool {
		ids = append(ids, k.(int64))
		return true
	})
	return ids
}

// Uptime reports how long the registry has been running.
func (r *Registry) Uptime() time.Duration {
	return time.Since(r.started)
}

// Close removes every executor. Further GetOrCreate calls fail.
func (r *Registry) Close() {
	if r.closed.Swap(true) {
		return
	}
	for _, id := range r.AccountIDs() {
		r.Remove(id)
	}
}
