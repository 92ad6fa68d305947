// Package channels is the multi-channel message ingestion, normalization
// and dispatch layer: pluggable connectors (one per external communication
// surface — embedded chat widget, email, and by extension social/SMS
// providers) behind one canonical message contract, fronted by a Service
// that persists conversations and messages, routes inbound webhook events
// to the right connector, and routes outbound replies back through the
// right transport.
//
// A connector abstracts one vendor protocol: identity model, attachment
// model, content encoding, webhook security scheme. Everything past the
// connector boundary is channel-agnostic; connectors never touch the
// message store.
//
//	reg, _ := channels.NewRegistry(
//	    channels.NewChatWidgetConnector("https://app.example.com"),
//	    channels.NewEmailConnector(),
//	)
//	svc := channels.NewService(store, reg, channels.WithLogger(logger))
//
// The channels, conversations, conversation_messages and
// conversation_participants tables in SQLite hold all durable state.
package channels

import (
	"context"
	"encoding/json"
	"time"
)

// ChannelType identifies one external communication surface. The set is
// closed: every type has exactly one Connector implementation and the
// registry is assembled explicitly at startup.
type ChannelType string

const (
	TypeChatWidget ChannelType = "chat_widget"
	TypeEmail      ChannelType = "email"
	TypeWhatsApp   ChannelType = "whatsapp"
	TypeSMS        ChannelType = "sms"
	TypeFacebook   ChannelType = "facebook"
	TypeInstagram  ChannelType = "instagram"
	TypeTwitter    ChannelType = "twitter"
)

// Valid reports whether t is a known channel type.
func (t ChannelType) Valid() bool {
	switch t {
	case TypeChatWidget, TypeEmail, TypeWhatsApp, TypeSMS,
		TypeFacebook, TypeInstagram, TypeTwitter:
		return true
	}
	return false
}

// Channel is one configured integration point to an external surface.
// Type is immutable after creation. Config is a per-type JSON bag that is
// opaque to the Service; only the matching connector decodes it.
type Channel struct {
	ID                string          `json:"id"`
	WorkspaceID       string          `json:"workspace_id"`
	Type              ChannelType     `json:"type"`
	Name              string          `json:"name"`
	Config            json.RawMessage `json:"config"`
	Status            string          `json:"status"` // "pending", "connected", "disconnected", "error"
	ExternalChannelID string          `json:"external_channel_id,omitempty"`
	WebhookURL        string          `json:"webhook_url,omitempty"`
	LastSyncAt        *time.Time      `json:"last_sync_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Attachment is the canonical attachment shape. Connectors map
// vendor-specific metadata into it; FileType is classified from the MIME
// prefix (image/video/audio/document/other).
type Attachment struct {
	FileName string `json:"file_name"`
	FileType string `json:"file_type"`
	MimeType string `json:"mime_type"`
	FileSize int64  `json:"file_size,omitempty"`
	URL      string `json:"url"`
}

// ClassifyFileType maps a MIME type to the canonical attachment file type.
func ClassifyFileType(mimeType string) string {
	switch {
	case hasPrefix(mimeType, "image/"):
		return "image"
	case hasPrefix(mimeType, "video/"):
		return "video"
	case hasPrefix(mimeType, "audio/"):
		return "audio"
	case mimeType == "application/pdf",
		hasPrefix(mimeType, "application/msword"),
		hasPrefix(mimeType, "application/vnd.openxmlformats-officedocument"),
		hasPrefix(mimeType, "application/vnd.oasis.opendocument"),
		hasPrefix(mimeType, "text/"):
		return "document"
	default:
		return "other"
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// IncomingMessage is the canonical inbound message every connector
// produces from a vendor webhook payload. ContactKey is the identity the
// conversation is threaded on: session ID for the chat widget, sender
// address for email, phone number for SMS/WhatsApp. ExternalID is the
// provider-assigned message ID and drives webhook redelivery dedup; it may
// be empty for providers that assign none.
type IncomingMessage struct {
	ChannelID   string            `json:"channel_id"`
	WorkspaceID string            `json:"workspace_id"`
	ChannelType ChannelType       `json:"channel_type"`
	ExternalID  string            `json:"external_id,omitempty"`
	ContactKey  string            `json:"contact_key"`
	Sender      Contact           `json:"sender"`
	Content     string            `json:"content"`
	ContentType string            `json:"content_type"` // always plain "text" past the connector boundary
	RichContent json.RawMessage   `json:"rich_content,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Contact is the external party's identity as far as the channel knows it.
type Contact struct {
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// OutgoingMessage is the canonical outbound message handed to
// Service.SendMessage by the reply producer (AI pipeline or human agent).
type OutgoingMessage struct {
	ConversationID string            `json:"conversation_id"`
	Content        string            `json:"content"`
	ContentType    string            `json:"content_type,omitempty"`
	RichContent    json.RawMessage   `json:"rich_content,omitempty"`
	Attachments    []Attachment      `json:"attachments,omitempty"`
	SenderName     string            `json:"sender_name,omitempty"`
	IsAIGenerated  bool              `json:"is_ai_generated"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// ConnectionResult is the outcome of Connector.Connect.
type ConnectionResult struct {
	Success           bool   `json:"success"`
	Error             string `json:"error,omitempty"`
	ExternalChannelID string `json:"external_channel_id,omitempty"`
	WebhookURL        string `json:"webhook_url,omitempty"`
}

// SendResult is the outcome of Connector.SendMessage. Retryable marks
// transient transport failures (timeouts, 5xx) that the caller may retry;
// it is never set on success.
type SendResult struct {
	Success           bool       `json:"success"`
	ExternalMessageID string     `json:"external_message_id,omitempty"`
	Error             string     `json:"error,omitempty"`
	Retryable         bool       `json:"retryable,omitempty"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
}

// Status describes channel connectivity as derived by GetStatus.
type Status struct {
	Connected  bool       `json:"connected"`
	State      string     `json:"state"` // mirrors Channel.Status, connectors may refine it
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// ValidationResult is the outcome of Connector.ValidateConfig.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// WebhookPayload is the envelope delivered to the webhook ingress for one
// channel event. EventType and Payload are interpreted per vendor contract
// by the owning connector; Signature, where present, must be verified by
// the connector before the payload is trusted.
type WebhookPayload struct {
	ChannelType ChannelType     `json:"channel_type"`
	ChannelID   string          `json:"channel_id"`
	WorkspaceID string          `json:"workspace_id"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	Signature   string          `json:"signature,omitempty"`
	RawBody     []byte          `json:"-"` // exact bytes the signature was computed over
	Timestamp   time.Time       `json:"timestamp"`
}

// Connector speaks one channel type's external protocol. Implementations
// are stateless with respect to conversations: HandleWebhook is a pure
// transform and SendMessage performs delivery only — all persistence is
// the Service's job, keeping message bookkeeping centralized and
// channel-agnostic.
type Connector interface {
	// Type returns the channel type this connector serves.
	Type() ChannelType

	// ValidateConfig checks a per-type config bag. Pure and synchronous;
	// runs before any persistence of new or changed config.
	ValidateConfig(config json.RawMessage) ValidationResult

	// Connect establishes or announces reachability (computing a webhook
	// URL, validating credentials upstream). Idempotent: safe to call on
	// an already-connected channel.
	Connect(ctx context.Context, ch *Channel) (ConnectionResult, error)

	// Disconnect is best-effort teardown. It must not panic; errors are
	// logged by the caller and never block local deletion.
	Disconnect(ctx context.Context, ch *Channel) error

	// GetStatus is cheap and side-effect-free, derived from the channel
	// row at minimum.
	GetStatus(ctx context.Context, ch *Channel) Status

	// SendMessage delivers one outbound message over the channel's
	// transport. It must not write to the message store. Delivery
	// failures are reported in the result with Success=false, not as a
	// Go error; errors are reserved for invalid input.
	SendMessage(ctx context.Context, ch *Channel, msg OutgoingMessage) (SendResult, error)

	// HandleWebhook transforms a vendor payload into a canonical
	// IncomingMessage, or returns (nil, nil) when the event does not
	// create a message (delivery receipts, typing indicators). A
	// malformed payload for a recognized event type is an error. Must not
	// touch persistence.
	HandleWebhook(ch *Channel, payload WebhookPayload) (*IncomingMessage, error)
}
