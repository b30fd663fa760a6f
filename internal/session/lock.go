package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/session-timer/backend/internal/cache"
	"github.com/session-timer/backend/internal/clock"
)

// DefaultLockTTL bounds how long a crashed process can hold a user's lock.
const DefaultLockTTL = 30 * time.Second

func LockKey(userID string) string {
	return "lock:milking:" + userID
}

// Lease identifies one acquisition of a user's lock.
type Lease struct {
	Token      string
	AcquiredAt time.Time
}

// String is the value stored under the lock key.
func (l Lease) String() string {
	return fmt.Sprintf("%s@%d", l.Token, l.AcquiredAt.UnixMilli())
}

// Locker serializes session creation per user with a set-if-absent key.
// It carries no session data.
type Locker struct {
	kv       cache.Client
	clock    clock.Clock
	ttl      time.Duration
	newToken func() string
}

func NewLocker(kv cache.Client, c clock.Clock, ttl time.Duration) *Locker {
	if c == nil {
		c = clock.System{}
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &Locker{kv: kv, clock: c, ttl: ttl, newToken: uuid.NewString}
}

// Acquire takes the user's lock. ok is true only if the caller now holds
// it; a second Acquire while the lock is held returns false. A ttl of zero
// uses the locker default.
func (l *Locker) Acquire(ctx context.Context, userID string, ttl time.Duration) (Lease, bool, error) {
	if ttl <= 0 {
		ttl = l.ttl
	}
	lease := Lease{Token: l.newToken(), AcquiredAt: l.clock.Now()}
	ok, err := l.kv.SetNX(ctx, LockKey(userID), lease.String(), ttl)
	if err != nil {
		return Lease{}, false, fmt.Errorf("acquire lock %s: %w", userID, err)
	}
	if !ok {
		return Lease{}, false, nil
	}
	return lease, true, nil
}

// Release deletes the user's lock if it still holds value, so a holder
// whose lease expired cannot release a lock re-acquired by someone else.
// An empty value deletes unconditionally.
func (l *Locker) Release(ctx context.Context, userID, value string) (bool, error) {
	var (
		ok  bool
		err error
	)
	if value == "" {
		ok, err = l.kv.Del(ctx, LockKey(userID))
	} else {
		ok, err = l.kv.CompareAndDelete(ctx, LockKey(userID), value)
	}
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", userID, err)
	}
	return ok, nil
}

func (l *Locker) Exists(ctx context.Context, userID string) (bool, error) {
	ok, err := l.kv.Exists(ctx, LockKey(userID))
	if err != nil {
		return false, fmt.Errorf("check lock %s: %w", userID, err)
	}
	return ok, nil
}

// Remaining returns how long the user's lock will still be held, or zero
// when it is not held.
func (l *Locker) Remaining(ctx context.Context, userID string) (time.Duration, error) {
	d, err := l.kv.TTL(ctx, LockKey(userID))
	if errors.Is(err, cache.ErrMiss) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("lock ttl %s: %w", userID, err)
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}
