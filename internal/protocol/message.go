// Package protocol carries commands and notifications between the primary device and its wearable.
//
// Two tiers are used. Immediate messages need the peer to be reachable and are answered with a
// Reply within a bounded timeout. The durable context holds at most one pending command that the
// peer picks up on its next connection and executes at most once, if it is not stale.
package protocol

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"example.com/workoutsync/internal/domain"
)

// Action names understood by the router.
const (
	ActionStartWorkout  = "startWorkout"
	ActionPauseWorkout  = "pauseWorkout"
	ActionResumeWorkout = "resumeWorkout"
	ActionEndWorkout    = "endWorkout"
	ActionCancelWorkout = "cancelWorkout"
	ActionGetMetrics    = "getMetrics"
	ActionRequestToken  = "requestAuthToken"

	ActionWorkoutStarted = "workoutStarted"
	ActionWorkoutEnded   = "workoutEnded"
)

// Well-known keys.
const (
	KeyAction  = "action"
	KeyError   = "error"
	KeyMessage = "message"

	KeyPendingCommand = "pendingCommand"
	KeyIssuedAt       = "issuedAt"
	KeyCommandID      = "commandId"
)

// Message is a key-value payload with a mandatory action.
type Message map[string]any

// NewMessage builds a message for action with optional fields.
func NewMessage(action string, fields map[string]any) Message {
	msg := Message{KeyAction: action}
	for k, v := range fields {
		if k == KeyAction {
			continue
		}
		msg[k] = v
	}
	return msg
}

// Action returns the action name, or "" when missing.
func (m Message) Action() string {
	action, _ := m[KeyAction].(string)
	return action
}

// Field returns the string field key, or "".
func (m Message) Field(key string) string {
	v, _ := m[key].(string)
	return v
}

// Reply is a key-value response carrying either a result payload or an error code.
type Reply map[string]any

// OK returns a Reply with the given payload. An empty payload still marks success.
func OK(payload map[string]any) Reply {
	reply := Reply{"ok": true}
	for k, v := range payload {
		reply[k] = v
	}
	return reply
}

// ErrorReply converts err to a structured reply.
func ErrorReply(err error) Reply {
	return Reply{KeyError: domain.ErrorCode(err), KeyMessage: err.Error()}
}

// Err returns the reply's error as a *domain.RemoteError, or nil for a successful reply.
func (r Reply) Err() error {
	code, _ := r[KeyError].(string)
	if code == "" {
		if len(r) == 0 {
			return &domain.RemoteError{Code: domain.CodeInternal, Message: "empty reply"}
		}
		return nil
	}
	message, _ := r[KeyMessage].(string)
	return &domain.RemoteError{Code: code, Message: message}
}

// Field returns the string field key, or "".
func (r Reply) Field(key string) string {
	v, _ := r[key].(string)
	return v
}

// Float returns the numeric field key. JSON decoding yields float64 for every number.
func (r Reply) Float(key string) float64 {
	switch v := r[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

// Transport moves messages to the peer device.
type Transport interface {
	Reachable() bool
	Request(ctx context.Context, msg Message) (Reply, error)
	Notify(ctx context.Context, msg Message) error
	UpdateContext(ctx context.Context, values map[string]any) error
}

// Receiver handles traffic arriving from the peer.
type Receiver interface {
	HandleMessage(ctx context.Context, msg Message) Reply
	HandleNotification(ctx context.Context, msg Message)
	HandleContext(ctx context.Context, values map[string]any) error
}

// PendingCommand is a queued instruction read from the durable context.
type PendingCommand struct {
	ID       string
	Action   string
	IssuedAt time.Time
}

// pendingCommandFrom parses the durable context. ok is false when no command is present.
func pendingCommandFrom(values map[string]any) (PendingCommand, bool, error) {
	action, _ := values[KeyPendingCommand].(string)
	if action == "" {
		return PendingCommand{}, false, nil
	}
	issuedAt, err := parseIssuedAt(values[KeyIssuedAt])
	if err != nil {
		return PendingCommand{}, true, err
	}
	id, _ := values[KeyCommandID].(string)
	if id == "" {
		id = fmt.Sprintf("%s@%d", action, issuedAt.UnixMilli())
	}
	return PendingCommand{ID: id, Action: action, IssuedAt: issuedAt}, true, nil
}

// parseIssuedAt accepts epoch seconds as a number or numeric string, or an RFC 3339 timestamp.
func parseIssuedAt(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case float64:
		return epochSeconds(v), nil
	case int64:
		return time.Unix(v, 0), nil
	case int:
		return time.Unix(int64(v), 0), nil
	case time.Time:
		return v, nil
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return epochSeconds(f), nil
		}
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid %s: %v", KeyIssuedAt, raw)
}

func epochSeconds(f float64) time.Time {
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}
