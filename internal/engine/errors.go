package engine

import "errors"

type Code string

const (
	CodeLockFailed   Code = "SESSION_LOCK_FAILED"
	CodeExists       Code = "SESSION_EXISTS"
	CodeNotFound     Code = "SESSION_NOT_FOUND"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeStartError   Code = "SESSION_START_ERROR"
	CodePauseError   Code = "SESSION_PAUSE_ERROR"
	CodeResumeError  Code = "SESSION_RESUME_ERROR"
	CodeStopError    Code = "SESSION_STOP_ERROR"
	CodeSyncError    Code = "SESSION_SYNC_ERROR"

	CodeInvalidMessage Code = "INVALID_MESSAGE"
)

var (
	ErrLockFailed    = errors.New("another session start is in progress")
	ErrSessionExists = errors.New("a session is already running")
	ErrNotFound      = errors.New("no active session")
	ErrUnauthorized  = errors.New("connection is not bound to this user")
	errMissingUser   = errors.New("userId is required")

	ErrInvalidMessage = errors.New("malformed message")
	ErrUnknownEvent   = errors.New("unknown event type")
)

var opErrors = map[EventType]struct {
	code    Code
	message string
}{
	EventStart:  {CodeStartError, "failed to start session"},
	EventPause:  {CodePauseError, "failed to pause session"},
	EventResume: {CodeResumeError, "failed to resume session"},
	EventStop:   {CodeStopError, "failed to stop session"},
	EventSync:   {CodeSyncError, "failed to sync session"},
}

// codeFor maps a handler error onto the code and message sent to the
// client. Unexpected errors get the operation's generic code so internal
// details never reach the client. expected is false for those.
func codeFor(op EventType, err error) (code Code, message string, expected bool) {
	switch {
	case errors.Is(err, ErrLockFailed):
		return CodeLockFailed, err.Error(), true
	case errors.Is(err, ErrSessionExists):
		return CodeExists, err.Error(), true
	case errors.Is(err, ErrNotFound):
		return CodeNotFound, err.Error(), true
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized, err.Error(), true
	}
	generic := opErrors[op]
	if errors.Is(err, errMissingUser) {
		return generic.code, err.Error(), true
	}
	return generic.code, generic.message, false
}
