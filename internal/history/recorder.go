package history

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/session-timer/backend/internal/cache"
	"github.com/session-timer/backend/internal/clock"
	"github.com/session-timer/backend/internal/durable"
	"github.com/session-timer/backend/internal/session"
)

// ErrUnavailable is returned when the durable store cannot be reached or
// was never configured.
var ErrUnavailable = durable.ErrUnavailable

// Repository is the durable store as seen by the history package.
type Repository interface {
	CreateIfAbsent(ctx context.Context, rec durable.Record) (durable.Record, bool, error)
	ListByUser(ctx context.Context, userID string) ([]durable.Record, error)
}

func Key(userID string) string {
	return "history:" + userID
}

type Result struct {
	ID      int64
	Created bool
	Record  durable.Record
}

// Recorder turns completed sessions into durable records. Persisting the
// same (user, start time) twice yields one record.
type Recorder struct {
	repo     Repository
	kv       cache.Client
	clock    clock.Clock
	reporter cache.Reporter
	log      *slog.Logger
}

// NewRecorder returns a Recorder. repo may be nil when no durable store is
// configured; every Persist then reports ErrUnavailable.
func NewRecorder(repo Repository, kv cache.Client, c clock.Clock, reporter cache.Reporter, log *slog.Logger) *Recorder {
	if c == nil {
		c = clock.System{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{repo: repo, kv: kv, clock: c, reporter: reporter, log: log}
}

func (r *Recorder) Persist(ctx context.Context, completed *session.Session) (Result, error) {
	if r.repo == nil {
		return Result{}, fmt.Errorf("%w: not configured", ErrUnavailable)
	}
	rec := durable.Record{
		UserID:      completed.UserID,
		StartTime:   completed.StartTime,
		EndTime:     r.clock.Now(),
		Duration:    int64(math.Round(completed.ElapsedTime)),
		ElapsedTime: completed.ElapsedTime,
		PausedTime:  completed.TotalPausedTime,
		CreatedAt:   r.clock.Now(),
	}
	saved, created, err := r.repo.CreateIfAbsent(ctx, rec)
	if err != nil {
		if r.reporter != nil {
			r.reporter.RecordFailure(err)
		}
		return Result{}, fmt.Errorf("persist session %s: %w", completed.UserID, err)
	}
	if r.reporter != nil {
		r.reporter.RecordSuccess()
	}
	if created && r.kv != nil {
		if _, err := r.kv.Del(ctx, Key(completed.UserID)); err != nil {
			r.log.Debug("history cache invalidation failed", "user", completed.UserID, "err", err)
		}
	}
	return Result{ID: saved.ID, Created: created, Record: saved}, nil
}
