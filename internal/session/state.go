package session

import (
	"encoding/json"
	"time"
)

type Status int

const (
	Idle Status = iota // client-visible only: no live session
	Active
	Paused
	Completed
)

var statusNames = map[Status]string{
	Idle:      "idle",
	Active:    "active",
	Paused:    "paused",
	Completed: "completed",
}

var statusFromName = map[string]Status{
	"idle":      Idle,
	"active":    Active,
	"paused":    Paused,
	"completed": Completed,
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if v, ok := statusFromName[n]; ok {
		*s = v
	}
	return nil
}

// Session is the live record for one user's timed activity. ElapsedTime and
// TotalPausedTime are in seconds.
type Session struct {
	UserID          string     `json:"userId"`
	Status          Status     `json:"status"`
	StartTime       time.Time  `json:"startTime"`
	LastUpdateTime  time.Time  `json:"lastUpdateTime"`
	ElapsedTime     float64    `json:"elapsedTime"`
	PausedAt        *time.Time `json:"pausedAt,omitempty"`
	TotalPausedTime float64    `json:"totalPausedTime"`
	// LockToken is the lease value taken when the session was started.
	// It is never sent to clients.
	LockToken string `json:"lockToken,omitempty"`
}

// Clone returns a deep copy of the Session.
func (s *Session) Clone() *Session {
	c := *s
	if s.PausedAt != nil {
		t := *s.PausedAt
		c.PausedAt = &t
	}
	return &c
}

// reconcile folds the time since LastUpdateTime into ElapsedTime. It only
// has an effect while the session is active.
func (s *Session) reconcile(now time.Time) {
	if s.Status != Active {
		return
	}
	if d := now.Sub(s.LastUpdateTime); d > 0 {
		s.ElapsedTime += d.Seconds()
	}
	s.LastUpdateTime = now
}

func (s *Session) pause(now time.Time) {
	if s.Status != Active {
		return
	}
	s.reconcile(now)
	s.Status = Paused
	s.PausedAt = &now
}

func (s *Session) resume(now time.Time) {
	if s.Status != Paused {
		return
	}
	if s.PausedAt != nil {
		if d := now.Sub(*s.PausedAt); d > 0 {
			s.TotalPausedTime += d.Seconds()
		}
	}
	s.Status = Active
	s.PausedAt = nil
	s.LastUpdateTime = now
}

// Complete returns a completed copy of the session with elapsed time
// reconciled to now. A session stopped while paused has its final pause
// interval added to TotalPausedTime.
func (s *Session) Complete(now time.Time) *Session {
	c := s.Clone()
	switch c.Status {
	case Active:
		c.reconcile(now)
	case Paused:
		if c.PausedAt != nil {
			if d := now.Sub(*c.PausedAt); d > 0 {
				c.TotalPausedTime += d.Seconds()
			}
		}
		c.PausedAt = nil
	}
	c.Status = Completed
	c.LastUpdateTime = now
	return c
}

// ElapsedAt returns the elapsed time the session would report at now
// without modifying it.
func (s *Session) ElapsedAt(now time.Time) float64 {
	if s.Status != Active {
		return s.ElapsedTime
	}
	if d := now.Sub(s.LastUpdateTime); d > 0 {
		return s.ElapsedTime + d.Seconds()
	}
	return s.ElapsedTime
}

func (s *Session) IsTerminal() bool {
	return s.Status == Completed
}
