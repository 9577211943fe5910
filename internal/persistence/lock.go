package persistence

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/petrijr/runflow/pkg/api"
)

// LockOptions bounds how long a writer waits for a contended run.
type LockOptions struct {
	// MaxWait is the total time a write may spend waiting on the per-run
	// lock and retrying backend busy errors.
	MaxWait time.Duration
	// BaseDelay is the first retry delay; it doubles per attempt (with
	// jitter) up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultLockOptions are used when a store is created without options.
func DefaultLockOptions() LockOptions {
	return LockOptions{
		MaxWait:   5 * time.Second,
		BaseDelay: 5 * time.Millisecond,
		MaxDelay:  250 * time.Millisecond,
	}
}

func (o LockOptions) withDefaults() LockOptions {
	d := DefaultLockOptions()
	if o.MaxWait <= 0 {
		o.MaxWait = d.MaxWait
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = d.BaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = d.MaxDelay
	}
	return o
}

// Option configures a store.
type Option func(*storeConfig)

type storeConfig struct {
	lock   LockOptions
	prefix string
}

// WithLockOptions overrides the contention bounds of a store.
func WithLockOptions(o LockOptions) Option {
	return func(c *storeConfig) { c.lock = o }
}

// WithKeyPrefix sets the key prefix (Redis) or database name (Mongo).
func WithKeyPrefix(prefix string) Option {
	return func(c *storeConfig) { c.prefix = prefix }
}

func newStoreConfig(opts []Option) storeConfig {
	var c storeConfig
	for _, o := range opts {
		o(&c)
	}
	c.lock = c.lock.withDefaults()
	return c
}

// runLocks serializes writers per run id inside one process. Each key owns
// a one-slot channel so waiting can be bounded and cancelled.
type runLocks struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

func newRunLocks() *runLocks {
	return &runLocks{slots: make(map[string]*lockSlot)}
}

// acquire waits at most maxWait for the run's slot. The returned func
// releases it.
func (l *runLocks) acquire(ctx context.Context, runID string, maxWait time.Duration) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[runID]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[runID] = slot
	}
	slot.refs++
	l.mu.Unlock()

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case slot.ch <- struct{}{}:
		return func() {
			<-slot.ch
			l.unref(runID, slot)
		}, nil
	case <-timer.C:
		l.unref(runID, slot)
		return nil, api.NewError(api.CodePersistenceBusy, "run %q is locked by another writer", runID)
	case <-ctx.Done():
		l.unref(runID, slot)
		return nil, ctx.Err()
	}
}

func (l *runLocks) unref(runID string, slot *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, runID)
	}
}

// retryBusy runs fn until it succeeds, fails with an error isBusy rejects,
// or opts.MaxWait elapses. Delays grow exponentially with jitter.
func retryBusy(ctx context.Context, opts LockOptions, isBusy func(error) bool, fn func() error) error {
	deadline := time.Now().Add(opts.MaxWait)
	delay := opts.BaseDelay
	for {
		err := fn()
		if err == nil || !isBusy(err) {
			return err
		}
		if time.Now().Add(delay).After(deadline) {
			return api.NewError(api.CodePersistenceBusy, "store busy after %s: %v", opts.MaxWait, err)
		}
		jitter := time.Duration(rand.Int64N(int64(delay)/2 + 1)) //nolint:gosec // jitter needs no crypto randomness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
		if delay > opts.MaxDelay {
			delay = opts.MaxDelay
		}
	}
}

// withRunLock holds the in-process run lock while fn is retried against
// backend contention. Time spent waiting for the lock counts against MaxWait.
func withRunLock(ctx context.Context, locks *runLocks, opts LockOptions, runID string, isBusy func(error) bool, fn func() error) error {
	start := time.Now()
	release, err := locks.acquire(ctx, runID, opts.MaxWait)
	if err != nil {
		return err
	}
	defer release()

	remaining := opts
	remaining.MaxWait = opts.MaxWait - time.Since(start)
	if remaining.MaxWait < opts.BaseDelay {
		remaining.MaxWait = opts.BaseDelay
	}
	return retryBusy(ctx, remaining, isBusy, fn)
}

func neverBusy(error) bool { return false }
