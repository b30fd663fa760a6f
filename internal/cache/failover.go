package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Reporter receives the outcome of calls to the primary backend.
type Reporter interface {
	RecordFailure(err error)
	RecordSuccess()
}

type nopReporter struct{}

func (nopReporter) RecordFailure(error) {}
func (nopReporter) RecordSuccess()      {}

// DefaultProbeInterval is how often a down primary is pinged.
const DefaultProbeInterval = 5 * time.Second

// Failover runs every operation against a primary Client and retries it on
// a secondary when the primary errors. Once the primary fails it is treated
// as down, and operations go straight to the secondary until the liveness
// probe in Run sees it answer again.
//
// Writes that succeed on the primary are copied to the secondary, so the
// secondary always holds the last known state when the primary drops.
// Keys written to the secondary alone are replayed onto the primary before
// it is used again. The secondary is normally a Memory, which makes every
// operation total.
type Failover struct {
	primary   Client
	secondary Client
	reporter  Reporter
	interval  time.Duration
	down      atomic.Bool

	mu    sync.Mutex
	dirty map[string]struct{}
}

// NewFailover returns a Failover. A nil primary runs on the secondary alone.
func NewFailover(primary, secondary Client, reporter Reporter, probeInterval time.Duration) *Failover {
	if reporter == nil {
		reporter = nopReporter{}
	}
	if probeInterval <= 0 {
		probeInterval = DefaultProbeInterval
	}
	return &Failover{
		primary:   primary,
		secondary: secondary,
		reporter:  reporter,
		interval:  probeInterval,
		dirty:     make(map[string]struct{}),
	}
}

// Up reports whether operations are currently routed to the primary.
func (f *Failover) Up() bool {
	return f.primary != nil && !f.down.Load()
}

// Run pings the primary on the probe interval until ctx is done, flipping
// the failover state when the primary goes away or comes back.
func (f *Failover) Run(ctx context.Context) {
	if f.primary == nil {
		return
	}
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.Probe(ctx)
		}
	}
}

// Probe pings the primary once and updates the up/down state. A primary
// coming back is brought up to date with the outage writes first.
func (f *Failover) Probe(ctx context.Context) error {
	if f.primary == nil {
		return nil
	}
	err := f.primary.Ping(ctx)
	if err == nil && f.down.Load() {
		err = f.resync(ctx)
	}
	if err != nil {
		f.down.Store(true)
		f.reporter.RecordFailure(err)
		return err
	}
	f.down.Store(false)
	f.reporter.RecordSuccess()
	return nil
}

// resync copies every key written while the primary was down from the
// secondary onto the primary, deleting those that no longer exist.
func (f *Failover) resync(ctx context.Context) error {
	f.mu.Lock()
	keys := f.dirty
	f.dirty = make(map[string]struct{})
	f.mu.Unlock()

	for key := range keys {
		if err := f.replay(ctx, key); err != nil {
			f.mu.Lock()
			for k := range keys {
				f.dirty[k] = struct{}{}
			}
			f.mu.Unlock()
			return fmt.Errorf("cache resync %s: %w", key, err)
		}
	}
	return nil
}

func (f *Failover) replay(ctx context.Context, key string) error {
	value, err := f.secondary.Get(ctx, key)
	if errors.Is(err, ErrMiss) {
		_, err = f.primary.Del(ctx, key)
		return err
	}
	if err != nil {
		return err
	}
	ttl, err := f.secondary.TTL(ctx, key)
	if errors.Is(err, ErrMiss) {
		_, err = f.primary.Del(ctx, key)
		return err
	}
	if err != nil {
		return err
	}
	if ttl == NoExpiry {
		ttl = 0
	}
	return f.primary.Set(ctx, key, value, ttl)
}

// markDirty records a write that reached the secondary but not the primary.
func (f *Failover) markDirty(key string) {
	if f.primary == nil {
		return
	}
	f.mu.Lock()
	f.dirty[key] = struct{}{}
	f.mu.Unlock()
}

// Pending reports how many keys are waiting to be replayed onto the primary.
func (f *Failover) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dirty)
}

// failed records a primary failure. A caller that gave up on its own
// context is not evidence that the primary is down.
func (f *Failover) failed(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	f.down.Store(true)
	f.reporter.RecordFailure(err)
}

func (f *Failover) Get(ctx context.Context, key string) (string, error) {
	if f.Up() {
		v, err := f.primary.Get(ctx, key)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrMiss) {
			f.failed(ctx, err)
		}
	}
	return f.secondary.Get(ctx, key)
}

func (f *Failover) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if f.Up() {
		err := f.primary.Set(ctx, key, value, ttl)
		if err == nil {
			f.mirror(ctx, key, value, ttl)
			return nil
		}
		f.failed(ctx, err)
	}
	f.markDirty(key)
	return f.secondary.Set(ctx, key, value, ttl)
}

func (f *Failover) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if f.Up() {
		ok, err := f.primary.SetNX(ctx, key, value, ttl)
		if err == nil {
			if ok {
				f.mirror(ctx, key, value, ttl)
			}
			return ok, nil
		}
		f.failed(ctx, err)
	}
	ok, err := f.secondary.SetNX(ctx, key, value, ttl)
	if ok {
		f.markDirty(key)
	}
	return ok, err
}

// mirror copies a write the primary accepted onto the secondary.
func (f *Failover) mirror(ctx context.Context, key, value string, ttl time.Duration) {
	_ = f.secondary.Set(ctx, key, value, ttl)
}

func (f *Failover) Del(ctx context.Context, key string) (bool, error) {
	deleted, reached := false, false
	if f.Up() {
		ok, err := f.primary.Del(ctx, key)
		if err != nil {
			f.failed(ctx, err)
		}
		deleted, reached = ok, err == nil
	}
	if !reached {
		f.markDirty(key)
	}
	ok, err := f.secondary.Del(ctx, key)
	if err != nil {
		return deleted, err
	}
	return deleted || ok, nil
}

func (f *Failover) Exists(ctx context.Context, key string) (bool, error) {
	if f.Up() {
		ok, err := f.primary.Exists(ctx, key)
		if err == nil && ok {
			return true, nil
		}
		if err != nil {
			f.failed(ctx, err)
		}
	}
	return f.secondary.Exists(ctx, key)
}

func (f *Failover) TTL(ctx context.Context, key string) (time.Duration, error) {
	if f.Up() {
		d, err := f.primary.TTL(ctx, key)
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, ErrMiss) {
			f.failed(ctx, err)
		}
	}
	return f.secondary.TTL(ctx, key)
}

func (f *Failover) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	deleted, reached := false, false
	if f.Up() {
		ok, err := f.primary.CompareAndDelete(ctx, key, value)
		if err != nil {
			f.failed(ctx, err)
		}
		deleted, reached = ok, err == nil
	}
	ok, err := f.secondary.CompareAndDelete(ctx, key, value)
	if ok && !reached {
		f.markDirty(key)
	}
	if err != nil {
		return deleted, err
	}
	return deleted || ok, nil
}

// Ping checks the primary, or the secondary when running without one.
func (f *Failover) Ping(ctx context.Context) error {
	if f.primary == nil {
		return f.secondary.Ping(ctx)
	}
	return f.primary.Ping(ctx)
}
