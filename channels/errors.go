package channels

import "fmt"

// ErrInvalidConfig is returned when a channel config fails its connector's
// validation. User-correctable; reported at the admin boundary before
// anything is persisted.
type ErrInvalidConfig struct {
	Type   ChannelType
	Errors []string
}

func (e *ErrInvalidConfig) Error() string {
	return fmt.Sprintf("channels: invalid %s config: %v", e.Type, e.Errors)
}

// ErrUnknownChannelType is returned when no connector is registered for a
// channel type. Always a programming or configuration error — routing
// never silently drops on it.
type ErrUnknownChannelType struct {
	Type ChannelType
}

func (e *ErrUnknownChannelType) Error() string {
	return fmt.Sprintf("channels: no connector registered for type %q", e.Type)
}

// ErrChannelNotFound is returned when an operation targets a channel that
// does not exist in the channels table (or belongs to another workspace).
type ErrChannelNotFound struct {
	ChannelID string
}

func (e *ErrChannelNotFound) Error() string {
	return fmt.Sprintf("channels: channel not found: %s", e.ChannelID)
}

// ErrConversationNotFound is returned when an operation targets a missing
// conversation.
type ErrConversationNotFound struct {
	ConversationID string
}

func (e *ErrConversationNotFound) Error() string {
	return fmt.Sprintf("channels: conversation not found: %s", e.ConversationID)
}

// ErrConversationResolved is returned when a mutation targets a resolved
// conversation. Resolved is terminal.
type ErrConversationResolved struct {
	ConversationID string
}

func (e *ErrConversationResolved) Error() string {
	return fmt.Sprintf("channels: conversation already resolved: %s", e.ConversationID)
}

// ErrConnectFailed is returned when a connector could not establish the
// channel at create time. The Service compensates by deleting the
// just-inserted row, so the failure leaves no orphan state.
type ErrConnectFailed struct {
	ChannelID string
	Type      ChannelType
	Cause     error
}

func (e *ErrConnectFailed) Error() string {
	return fmt.Sprintf("channels: connect failed for %s (%s): %v", e.ChannelID, e.Type, e.Cause)
}

func (e *ErrConnectFailed) Unwrap() error { return e.Cause }

// ErrSendFailed is returned when an outbound message could not be
// delivered. No message row is written for a failed send. Retryable marks
// transient transport failures (timeouts, 5xx).
type ErrSendFailed struct {
	ChannelID string
	Type      ChannelType
	Retryable bool
	Cause     error
}

func (e *ErrSendFailed) Error() string {
	return fmt.Sprintf("channels: send failed on %s (%s): %v", e.ChannelID, e.Type, e.Cause)
}

func (e *ErrSendFailed) Unwrap() error { return e.Cause }

// ErrBadWebhook is returned when a payload for a recognized event type is
// malformed or fails signature verification. Unrecognized event types are
// not errors; connectors return a nil message for those.
type ErrBadWebhook struct {
	ChannelID string
	EventType string
	Cause     error
}

func (e *ErrBadWebhook) Error() string {
	return fmt.Sprintf("channels: bad webhook for %s (event %q): %v", e.ChannelID, e.EventType, e.Cause)
}

func (e *ErrBadWebhook) Unwrap() error { return e.Cause }
