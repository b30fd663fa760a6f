package engine

import (
	"time"

	"github.com/session-timer/backend/internal/session"
)

type EventType string

// Client to server.
const (
	EventStart  EventType = "SESSION_START"
	EventPause  EventType = "SESSION_PAUSE"
	EventResume EventType = "SESSION_RESUME"
	EventStop   EventType = "SESSION_STOP"
	EventSync   EventType = "SESSION_SYNC"
)

// Server to client. SESSION_SYNC is used in both directions.
const (
	EventStarted      EventType = "SESSION_STARTED"
	EventPaused       EventType = "SESSION_PAUSED"
	EventResumed      EventType = "SESSION_RESUMED"
	EventStopped      EventType = "SESSION_STOPPED"
	EventTick         EventType = "SESSION_TICK"
	EventSyncResponse EventType = "SESSION_SYNC"
	EventState        EventType = "SESSION_STATE"
	EventError        EventType = "error"
)

type Message struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

type StartedPayload struct {
	UserID      string    `json:"userId"`
	StartTime   time.Time `json:"startTime"`
	ElapsedTime float64   `json:"elapsedTime"`
}

// ElapsedPayload is sent with SESSION_PAUSED and SESSION_RESUMED.
type ElapsedPayload struct {
	UserID      string  `json:"userId"`
	ElapsedTime float64 `json:"elapsedTime"`
}

type StoppedPayload struct {
	UserID           string  `json:"userId"`
	TotalElapsedTime float64 `json:"totalElapsedTime"`
}

type TickPayload struct {
	UserID      string         `json:"userId"`
	ElapsedTime float64        `json:"elapsedTime"`
	Status      session.Status `json:"status"`
}

type SyncPayload struct {
	UserID      string         `json:"userId"`
	ElapsedTime float64        `json:"elapsedTime"`
	Status      session.Status `json:"status"`
	StartTime   *time.Time     `json:"startTime"`
}

type StatePayload struct {
	UserID         string         `json:"userId"`
	ElapsedTime    float64        `json:"elapsedTime"`
	Status         session.Status `json:"status"`
	StartTime      *time.Time     `json:"startTime"`
	LastUpdateTime *time.Time     `json:"lastUpdateTime"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    Code   `json:"code"`
}

// Sender delivers a message to one connection. Implementations must not
// block the caller.
type Sender interface {
	Send(connID string, msg Message)
}
