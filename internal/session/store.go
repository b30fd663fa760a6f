package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/session-timer/backend/internal/cache"
	"github.com/session-timer/backend/internal/clock"
)

// DefaultTTL is the sliding expiry window of a live session record.
const DefaultTTL = 24 * time.Hour

func Key(userID string) string {
	return "active_session:" + userID
}

// Store keeps one live Session per user in the cache. It does not enforce
// the one-session-per-user invariant itself; callers take the user's lock
// and check for an existing record before Create.
//
// Every mutation is a single read-modify-write of the record. Pass a
// cache.Failover to make operations total over cache outages.
type Store struct {
	kv    cache.Client
	clock clock.Clock
	ttl   time.Duration
}

func NewStore(kv cache.Client, c clock.Clock, ttl time.Duration) *Store {
	if c == nil {
		c = clock.System{}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{kv: kv, clock: c, ttl: ttl}
}

// Create writes a fresh active session with zero elapsed time. A ttl of
// zero uses the store default.
func (s *Store) Create(ctx context.Context, userID, lockToken string, ttl time.Duration) (*Session, error) {
	if ttl <= 0 {
		ttl = s.ttl
	}
	now := s.clock.Now()
	sess := &Session{
		UserID:         userID,
		Status:         Active,
		StartTime:      now,
		LastUpdateTime: now,
		LockToken:      lockToken,
	}
	if err := s.write(ctx, sess, ttl); err != nil {
		return nil, err
	}
	return sess, nil
}

// Read returns the user's live session. ok is false when none exists.
func (s *Store) Read(ctx context.Context, userID string) (*Session, bool, error) {
	raw, err := s.kv.Get(ctx, Key(userID))
	if errors.Is(err, cache.ErrMiss) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read session %s: %w", userID, err)
	}
	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, false, fmt.Errorf("decode session %s: %w", userID, err)
	}
	return &sess, true, nil
}

// Reconcile folds elapsed wall-clock time into an active session and
// refreshes its expiry. Paused sessions are returned unchanged.
func (s *Store) Reconcile(ctx context.Context, userID string) (*Session, bool, error) {
	return s.update(ctx, userID, func(sess *Session, now time.Time) bool {
		if sess.Status != Active {
			return false
		}
		sess.reconcile(now)
		return true
	})
}

// Pause reconciles and pauses an active session. Pausing a paused session
// returns it unchanged.
func (s *Store) Pause(ctx context.Context, userID string) (*Session, bool, error) {
	return s.update(ctx, userID, func(sess *Session, now time.Time) bool {
		if sess.Status != Active {
			return false
		}
		sess.pause(now)
		return true
	})
}

// Resume moves a paused session back to active, adding the pause interval
// to TotalPausedTime. Resuming a session that is not paused is a no-op.
func (s *Store) Resume(ctx context.Context, userID string) (*Session, bool, error) {
	return s.update(ctx, userID, func(sess *Session, now time.Time) bool {
		if sess.Status != Paused {
			return false
		}
		sess.resume(now)
		return true
	})
}

func (s *Store) Delete(ctx context.Context, userID string) (bool, error) {
	ok, err := s.kv.Del(ctx, Key(userID))
	if err != nil {
		return false, fmt.Errorf("delete session %s: %w", userID, err)
	}
	return ok, nil
}

// Now returns the store's notion of the current time.
func (s *Store) Now() time.Time {
	return s.clock.Now()
}

func (s *Store) update(ctx context.Context, userID string, fn func(*Session, time.Time) bool) (*Session, bool, error) {
	sess, ok, err := s.Read(ctx, userID)
	if err != nil || !ok {
		return nil, ok, err
	}
	if !fn(sess, s.clock.Now()) {
		return sess, true, nil
	}
	if err := s.write(ctx, sess, s.ttl); err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

func (s *Store) write(ctx context.Context, sess *Session, ttl time.Duration) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.UserID, err)
	}
	if err := s.kv.Set(ctx, Key(sess.UserID), string(data), ttl); err != nil {
		return fmt.Errorf("write session %s: %w", sess.UserID, err)
	}
	return nil
}
