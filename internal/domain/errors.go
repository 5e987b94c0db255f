package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyActive is returned when a session is started while another one is running.
	ErrAlreadyActive = errors.New("workout session already active")
	// ErrNoActiveSession is returned when a transition requires a running session.
	ErrNoActiveSession = errors.New("no active workout session")
	// ErrPlatformUnavailable indicates the sensor platform cannot be engaged.
	ErrPlatformUnavailable = errors.New("sensor platform unavailable")
	// ErrStartFailed wraps platform start failures; see StartFailedError.
	ErrStartFailed = errors.New("workout start failed")
	// ErrPeerUnreachable is returned when the companion device cannot be messaged directly.
	ErrPeerUnreachable = errors.New("peer device unreachable")
	// ErrUnknownAction is returned for commands with an unrecognised action name.
	ErrUnknownAction = errors.New("unknown action")
	// ErrStaleCommand is returned when a queued command is older than the staleness bound.
	ErrStaleCommand = errors.New("stale command")
	// ErrPersistenceFailed indicates the backing store rejected a write.
	ErrPersistenceFailed = errors.New("persistence failed")
	// ErrInvalidTransition is returned when a session transition is not allowed from the current state.
	ErrInvalidTransition = errors.New("invalid session transition")
	// ErrRequestTimeout is returned when a peer request receives no reply in time.
	ErrRequestTimeout = errors.New("peer request timed out")
	// ErrNotFound is returned when a document or activity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidRequest is returned for commands or records missing required fields.
	ErrInvalidRequest = errors.New("invalid request")
)

// StartFailedError carries the platform's reason for refusing to start a session.
type StartFailedError struct {
	Reason string
}

func (e *StartFailedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrStartFailed, e.Reason)
}

// Unwrap lets errors.Is match ErrStartFailed.
func (e *StartFailedError) Unwrap() error { return ErrStartFailed }

// Wire codes used in structured command replies.
const (
	CodeAlreadyActive       = "already_active"
	CodeNoActiveSession     = "no_active_session"
	CodePlatformUnavailable = "platform_unavailable"
	CodeStartFailed         = "start_failed"
	CodePeerUnreachable     = "peer_unreachable"
	CodeUnknownAction       = "unknown_action"
	CodeStaleCommand        = "stale_command"
	CodePersistenceFailed   = "persistence_failed"
	CodeInvalidTransition   = "invalid_transition"
	CodeInvalidRequest      = "invalid_request"
	CodeInternal            = "internal"
)

var codeToErr = map[string]error{
	CodeAlreadyActive:       ErrAlreadyActive,
	CodeNoActiveSession:     ErrNoActiveSession,
	CodePlatformUnavailable: ErrPlatformUnavailable,
	CodeStartFailed:         ErrStartFailed,
	CodePeerUnreachable:     ErrPeerUnreachable,
	CodeUnknownAction:       ErrUnknownAction,
	CodeStaleCommand:        ErrStaleCommand,
	CodePersistenceFailed:   ErrPersistenceFailed,
	CodeInvalidTransition:   ErrInvalidTransition,
	CodeInvalidRequest:      ErrInvalidRequest,
}

// ErrorCode maps an error onto its wire code.
func ErrorCode(err error) string {
	for code, sentinel := range codeToErr {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeInternal
}

// RemoteError is an error reported by the peer device in a structured reply.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "peer error: " + e.Code
	}
	return fmt.Sprintf("peer error %s: %s", e.Code, e.Message)
}

// Unwrap maps the wire code back to its sentinel, when there is one.
func (e *RemoteError) Unwrap() error {
	return codeToErr[e.Code]
}
