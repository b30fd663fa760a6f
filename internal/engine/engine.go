// Package engine drives the session lifecycle: it validates transitions,
// takes the per-user start lock, keeps one tick timer per active session
// and fans events out to every connection bound to the user.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/session-timer/backend/internal/history"
	"github.com/session-timer/backend/internal/session"
)

// Recorder writes completed sessions to durable history.
type Recorder interface {
	Persist(ctx context.Context, completed *session.Session) (history.Result, error)
}

type Options struct {
	SessionTTL   time.Duration
	LockTTL      time.Duration
	TickInterval time.Duration
}

type Option func(*Engine)

func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func WithOptions(o Options) Option {
	return func(e *Engine) { e.opts = o }
}

// WithRecorder sets where completed sessions are persisted. Without one,
// stopped sessions are not recorded.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

const stripes = 64

type Engine struct {
	store     *session.Store
	locks     *session.Locker
	recorder  Recorder
	out       Sender
	registry  *Registry
	scheduler *Scheduler
	log       *slog.Logger
	opts      Options

	// Per-user mutations are serialized in-process so a tick cannot
	// overwrite a concurrent pause or resurrect a stopped record.
	userMu [stripes]sync.Mutex
}

func New(store *session.Store, locks *session.Locker, out Sender, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		locks:    locks,
		out:      out,
		registry: NewRegistry(),
		log:      slog.Default(),
		opts: Options{
			SessionTTL:   session.DefaultTTL,
			LockTTL:      session.DefaultLockTTL,
			TickInterval: time.Second,
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.scheduler = NewScheduler(e.opts.TickInterval, e.tick)
	return e
}

func (e *Engine) Registry() *Registry   { return e.registry }
func (e *Engine) Scheduler() *Scheduler { return e.scheduler }

// Handle dispatches one client command received on connID.
func (e *Engine) Handle(ctx context.Context, connID string, op EventType, userID string) {
	switch op {
	case EventStart:
		e.run(connID, op, userID, func() error { return e.start(ctx, connID, userID) })
	case EventPause:
		e.run(connID, op, userID, func() error { return e.pause(ctx, connID, userID) })
	case EventResume:
		e.run(connID, op, userID, func() error { return e.resume(ctx, connID, userID) })
	case EventStop:
		e.run(connID, op, userID, func() error { return e.stop(ctx, connID, userID) })
	case EventSync:
		e.run(connID, op, userID, func() error { return e.sync(ctx, connID, userID, false) })
	default:
		e.Reject(connID, fmt.Errorf("%w: %q", ErrUnknownEvent, op))
	}
}

// Connect runs the implicit sync for a connection that supplied a user at
// handshake time. A user with no live session gets an idle state.
func (e *Engine) Connect(ctx context.Context, connID, userID string) {
	if userID == "" {
		return
	}
	e.run(connID, EventSync, userID, func() error { return e.sync(ctx, connID, userID, true) })
}

// Disconnect unbinds connID and stops the user's timer when it was their
// last connection. The session itself keeps accruing time.
func (e *Engine) Disconnect(connID string) {
	userID, ok := e.registry.Owner(connID)
	if !ok {
		return
	}
	e.unbind(userID, connID)
}

// Shutdown stops every timer. Live session records are left in place.
func (e *Engine) Shutdown() {
	e.scheduler.StopAll()
}

// Reject reports an unusable client frame back to connID.
func (e *Engine) Reject(connID string, err error) {
	e.log.Info("client message rejected", "conn", connID, "err", err)
	msg := ErrInvalidMessage.Error()
	if errors.Is(err, ErrUnknownEvent) {
		msg = ErrUnknownEvent.Error()
	}
	e.out.Send(connID, Message{Type: EventError, Payload: ErrorPayload{Message: msg, Code: CodeInvalidMessage}})
}

func (e *Engine) run(connID string, op EventType, userID string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("handler panic", "op", op, "user", userID, "conn", connID, "panic", r)
			e.fail(connID, op, userID, fmt.Errorf("panic: %v", r))
		}
	}()
	if userID == "" {
		e.fail(connID, op, userID, errMissingUser)
		return
	}
	if err := fn(); err != nil {
		e.fail(connID, op, userID, err)
	}
}

func (e *Engine) fail(connID string, op EventType, userID string, err error) {
	code, msg, expected := codeFor(op, err)
	if expected {
		e.log.Info("session request rejected", "op", op, "user", userID, "code", code, "err", err)
	} else {
		e.log.Error("session request failed", "op", op, "user", userID, "code", code, "err", err)
	}
	e.out.Send(connID, Message{Type: EventError, Payload: ErrorPayload{Message: msg, Code: code}})
}

func (e *Engine) lockUser(userID string) func() {
	h := fnv.New32a()
	h.Write([]byte(userID))
	mu := &e.userMu[h.Sum32()%stripes]
	mu.Lock()
	return mu.Unlock
}

// authorize rejects a connection bound to a different user. When bound is
// set the connection must already belong to userID.
func (e *Engine) authorize(connID, userID string, bound bool) error {
	owner, ok := e.registry.Owner(connID)
	if ok && owner != userID {
		return ErrUnauthorized
	}
	if !ok && bound {
		return ErrUnauthorized
	}
	return nil
}

func (e *Engine) start(ctx context.Context, connID, userID string) error {
	if err := e.authorize(connID, userID, false); err != nil {
		return err
	}
	sess, err := e.create(ctx, userID)
	if err != nil {
		return err
	}
	if err := e.registry.Bind(userID, connID); err != nil {
		return err
	}
	e.scheduler.Start(userID)
	e.log.Info("session started", "user", userID)
	e.broadcast(userID, Message{Type: EventStarted, Payload: StartedPayload{
		UserID:      userID,
		StartTime:   sess.StartTime,
		ElapsedTime: sess.ElapsedTime,
	}})
	return nil
}

func (e *Engine) create(ctx context.Context, userID string) (*session.Session, error) {
	unlock := e.lockUser(userID)
	defer unlock()

	lease, ok, err := e.locks.Acquire(ctx, userID, e.opts.LockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		if rem, err := e.locks.Remaining(ctx, userID); err == nil && rem > 0 {
			return nil, fmt.Errorf("%w, retry in %s", ErrLockFailed, rem.Round(time.Second))
		}
		return nil, ErrLockFailed
	}
	_, exists, err := e.store.Read(ctx, userID)
	if err == nil && exists {
		err = ErrSessionExists
	}
	if err == nil {
		var sess *session.Session
		sess, err = e.store.Create(ctx, userID, lease.String(), e.opts.SessionTTL)
		if err == nil {
			return sess, nil
		}
	}
	if _, rerr := e.locks.Release(ctx, userID, lease.String()); rerr != nil {
		e.log.Warn("lock release failed", "user", userID, "err", rerr)
	}
	return nil, err
}

func (e *Engine) pause(ctx context.Context, connID, userID string) error {
	if err := e.authorize(connID, userID, true); err != nil {
		return err
	}
	unlock := e.lockUser(userID)
	defer unlock()
	sess, ok, err := e.store.Pause(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	e.broadcast(userID, Message{Type: EventPaused, Payload: ElapsedPayload{
		UserID:      userID,
		ElapsedTime: sess.ElapsedTime,
	}})
	return nil
}

func (e *Engine) resume(ctx context.Context, connID, userID string) error {
	if err := e.authorize(connID, userID, true); err != nil {
		return err
	}
	unlock := e.lockUser(userID)
	defer unlock()
	sess, ok, err := e.store.Resume(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	// Ensure does not block on the timer goroutine.
	e.scheduler.Ensure(userID)
	e.broadcast(userID, Message{Type: EventResumed, Payload: ElapsedPayload{
		UserID:      userID,
		ElapsedTime: sess.ElapsedTime,
	}})
	return nil
}

func (e *Engine) stop(ctx context.Context, connID, userID string) error {
	if err := e.authorize(connID, userID, true); err != nil {
		return err
	}
	final, err := e.finish(ctx, userID)
	if err != nil {
		return err
	}
	e.scheduler.Stop(userID)

	targets := e.registry.Connections(userID)
	if !contains(targets, connID) {
		targets = append(targets, connID)
	}
	e.unbind(userID, connID)

	msg := Message{Type: EventStopped, Payload: StoppedPayload{
		UserID:           userID,
		TotalElapsedTime: final.ElapsedTime,
	}}
	for _, c := range targets {
		e.out.Send(c, msg)
	}
	e.log.Info("session stopped", "user", userID, "elapsed", final.ElapsedTime, "paused", final.TotalPausedTime)
	return nil
}

// finish completes the user's session, records it, and removes the live
// record and lock. A durable store failure is logged and does not block.
func (e *Engine) finish(ctx context.Context, userID string) (*session.Session, error) {
	unlock := e.lockUser(userID)
	defer unlock()

	sess, ok, err := e.store.Read(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	final := sess.Complete(e.store.Now())

	if e.recorder == nil {
		e.log.Warn("no durable store configured, session not recorded", "user", userID)
	} else if res, err := e.recorder.Persist(ctx, final); err != nil {
		e.log.Error("session not recorded", "user", userID, "err", err)
	} else if !res.Created {
		e.log.Info("session already recorded", "user", userID, "id", res.ID)
	}

	if _, err := e.store.Delete(ctx, userID); err != nil {
		return nil, err
	}
	if _, err := e.locks.Release(ctx, userID, sess.LockToken); err != nil {
		e.log.Warn("lock release failed", "user", userID, "err", err)
	}
	return final, nil
}

func (e *Engine) sync(ctx context.Context, connID, userID string, implicit bool) error {
	if err := e.authorize(connID, userID, false); err != nil {
		return err
	}
	sess, ok, err := e.store.Read(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		if !implicit {
			return ErrNotFound
		}
		if err := e.registry.Bind(userID, connID); err != nil {
			return err
		}
		e.out.Send(connID, Message{Type: EventState, Payload: StatePayload{
			UserID: userID,
			Status: session.Idle,
		}})
		return nil
	}
	if err := e.registry.Bind(userID, connID); err != nil {
		return err
	}
	if sess.Status == session.Active {
		e.scheduler.Ensure(userID)
	}

	// Elapsed is projected to now, so the state is reported as of now.
	now := e.store.Now()
	elapsed := sess.ElapsedAt(now)
	start, last := sess.StartTime, now
	e.out.Send(connID, Message{Type: EventSyncResponse, Payload: SyncPayload{
		UserID:      userID,
		ElapsedTime: elapsed,
		Status:      sess.Status,
		StartTime:   &start,
	}})
	e.out.Send(connID, Message{Type: EventState, Payload: StatePayload{
		UserID:         userID,
		ElapsedTime:    elapsed,
		Status:         sess.Status,
		StartTime:      &start,
		LastUpdateTime: &last,
	}})
	return nil
}

// tick reconciles an active session and broadcasts the new elapsed time.
// It reports false once the session is gone so the timer stops itself.
func (e *Engine) tick(ctx context.Context, userID string) (keep bool) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("tick panic", "user", userID, "panic", r)
			keep = true
		}
	}()

	// The tick is broadcast under the user lock so it cannot trail a
	// concurrent pause or stop.
	unlock := e.lockUser(userID)
	defer unlock()
	sess, ok, err := e.store.Reconcile(ctx, userID)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			e.log.Warn("tick failed", "user", userID, "err", err)
		}
		return true
	}
	if !ok {
		e.log.Debug("session gone, stopping timer", "user", userID)
		return false
	}
	if sess.Status != session.Active {
		return true
	}
	e.broadcast(userID, Message{Type: EventTick, Payload: TickPayload{
		UserID:      userID,
		ElapsedTime: sess.ElapsedTime,
		Status:      sess.Status,
	}})
	return true
}

func (e *Engine) broadcast(userID string, msg Message) {
	for _, c := range e.registry.Connections(userID) {
		e.out.Send(c, msg)
	}
}

func (e *Engine) unbind(userID, connID string) {
	if e.registry.Unbind(userID, connID) == 0 {
		e.scheduler.Stop(userID)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
