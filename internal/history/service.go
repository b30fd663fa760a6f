package history

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/session-timer/backend/internal/cache"
	"github.com/session-timer/backend/internal/durable"
)

const DefaultCacheTTL = 30 * time.Second

const unavailableMessage = "session history is temporarily unavailable"

type Response struct {
	UserID   string           `json:"userId"`
	Sessions []durable.Record `json:"sessions"`
	Cached   bool             `json:"cached"`
	Message  string           `json:"message,omitempty"`
}

// Service answers history queries through a short-lived cache in front of
// the durable store. It never fails: an unreachable store yields an empty,
// uncached response with an explanatory message.
type Service struct {
	repo     Repository
	kv       cache.Client
	ttl      time.Duration
	reporter cache.Reporter
	log      *slog.Logger
}

func NewService(repo Repository, kv cache.Client, ttl time.Duration, reporter cache.Reporter, log *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, kv: kv, ttl: ttl, reporter: reporter, log: log}
}

func (s *Service) List(ctx context.Context, userID string) Response {
	if recs, ok := s.cached(ctx, userID); ok {
		return Response{UserID: userID, Sessions: recs, Cached: true}
	}

	empty := Response{UserID: userID, Sessions: []durable.Record{}, Message: unavailableMessage}
	if s.repo == nil {
		return empty
	}
	recs, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		if s.reporter != nil {
			s.reporter.RecordFailure(err)
		}
		return empty
	}
	if s.reporter != nil {
		s.reporter.RecordSuccess()
	}

	if data, err := json.Marshal(recs); err == nil {
		if err := s.kv.Set(ctx, Key(userID), string(data), s.ttl); err != nil {
			s.log.Debug("history cache write failed", "user", userID, "err", err)
		}
	}
	return Response{UserID: userID, Sessions: recs}
}

func (s *Service) cached(ctx context.Context, userID string) ([]durable.Record, bool) {
	raw, err := s.kv.Get(ctx, Key(userID))
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			s.log.Debug("history cache read failed", "user", userID, "err", err)
		}
		return nil, false
	}
	var recs []durable.Record
	if err := json.Unmarshal([]byte(raw), &recs); err != nil {
		s.log.Warn("discarding corrupt history cache entry", "user", userID, "err", err)
		s.kv.Del(ctx, Key(userID))
		return nil, false
	}
	if recs == nil {
		recs = []durable.Record{}
	}
	return recs, true
}
