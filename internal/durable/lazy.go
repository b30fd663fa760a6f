package durable

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var errNotOpen = errors.New("database not open")

// Lazy is a Repository that may not exist yet. Queries report
// ErrUnavailable until Connect manages to open the database, after which
// they go to the opened Repository.
type Lazy struct {
	path    string
	timeout time.Duration

	mu   sync.Mutex
	repo atomic.Pointer[Repository]
}

func NewLazy(path string, timeout time.Duration) *Lazy {
	return &Lazy{path: path, timeout: timeout}
}

// Connect opens the database unless it is already open.
func (l *Lazy) Connect() (*Repository, error) {
	if r := l.repo.Load(); r != nil {
		return r, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if r := l.repo.Load(); r != nil {
		return r, nil
	}
	r, err := Open(l.path, l.timeout)
	if err != nil {
		return nil, err
	}
	l.repo.Store(r)
	return r, nil
}

// Opened reports whether the database has been opened.
func (l *Lazy) Opened() bool {
	return l.repo.Load() != nil
}

func (l *Lazy) CreateIfAbsent(ctx context.Context, rec Record) (Record, bool, error) {
	r := l.repo.Load()
	if r == nil {
		return Record{}, false, unavailable("create session", errNotOpen)
	}
	return r.CreateIfAbsent(ctx, rec)
}

func (l *Lazy) ListByUser(ctx context.Context, userID string) ([]Record, error) {
	r := l.repo.Load()
	if r == nil {
		return nil, unavailable("list sessions", errNotOpen)
	}
	return r.ListByUser(ctx, userID)
}

// Ping opens the database if needed, then pings it.
func (l *Lazy) Ping(ctx context.Context) error {
	r, err := l.Connect()
	if err != nil {
		return unavailable("open", err)
	}
	return r.Ping(ctx)
}

func (l *Lazy) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.repo.Swap(nil)
	if r == nil {
		return nil
	}
	return r.Close()
}
