package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/hazyhaar/courrier/guard"
	"github.com/hazyhaar/courrier/idgen"
)

// ChatWidgetConfig is the per-channel config for the embedded chat widget.
type ChatWidgetConfig struct {
	// WelcomeMessage is shown to visitors when the widget opens.
	WelcomeMessage string `json:"welcome_message,omitempty"`
	// WidgetColor is the widget accent color as "#rrggbb".
	WidgetColor string `json:"widget_color,omitempty"`
	// CallbackURL, when set, receives outbound replies as signed JSON
	// POSTs so the widget host can push them to connected visitors.
	// When empty, replies are only persisted and the widget picks them
	// up on its next poll.
	CallbackURL string `json:"callback_url,omitempty"`
	// WebhookSecret enables HMAC-SHA256 verification of inbound webhook
	// bodies (X-Signature-256, "sha256=<hex>").
	WebhookSecret string `json:"webhook_secret,omitempty"`
}

var hexColorRe = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// ChatWidgetConnector serves the embedded chat widget. Visitors are
// identified by session ID; the widget host delivers events to
// /api/widget/chat/{channelID}.
type ChatWidgetConnector struct {
	baseURL     string
	client      *http.Client
	newID       idgen.Generator
	validateURL func(string) error
}

// ChatWidgetOption configures a ChatWidgetConnector.
type ChatWidgetOption func(*ChatWidgetConnector)

// WithWidgetHTTPClient sets the HTTP client used for callback delivery.
func WithWidgetHTTPClient(c *http.Client) ChatWidgetOption {
	return func(w *ChatWidgetConnector) { w.client = c }
}

// WithWidgetIDGenerator sets the generator for external message IDs.
func WithWidgetIDGenerator(gen idgen.Generator) ChatWidgetOption {
	return func(w *ChatWidgetConnector) { w.newID = gen }
}

// withWidgetURLValidator overrides the callback SSRF check in tests.
func withWidgetURLValidator(fn func(string) error) ChatWidgetOption {
	return func(w *ChatWidgetConnector) { w.validateURL = fn }
}

// NewChatWidgetConnector creates the chat widget connector. baseURL is the
// public base URL of this deployment, used to compute per-channel webhook
// URLs at connect time.
func NewChatWidgetConnector(baseURL string, opts ...ChatWidgetOption) *ChatWidgetConnector {
	w := &ChatWidgetConnector{
		baseURL:     strings.TrimRight(baseURL, "/"),
		client:      &http.Client{Timeout: 30 * time.Second},
		newID:       idgen.Prefixed("wm_", idgen.Default),
		validateURL: guard.ValidateURL,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *ChatWidgetConnector) Type() ChannelType { return TypeChatWidget }

// ValidateConfig checks the widget config bag. Pure: the callback URL is
// only parsed here; the SSRF check runs at send time.
func (w *ChatWidgetConnector) ValidateConfig(config json.RawMessage) ValidationResult {
	var cfg ChatWidgetConfig
	if err := unmarshalConfig(config, &cfg); err != nil {
		return ValidationResult{Errors: []string{err.Error()}}
	}
	var errs []string
	if cfg.WidgetColor != "" && !hexColorRe.MatchString(cfg.WidgetColor) {
		errs = append(errs, "widget_color must be a #rrggbb hex color")
	}
	if cfg.CallbackURL != "" {
		u, err := url.Parse(cfg.CallbackURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, "callback_url must be an absolute http(s) URL")
		}
	}
	if len(errs) > 0 {
		return ValidationResult{Errors: errs}
	}
	return ValidationResult{Valid: true}
}

// Connect computes the widget's webhook URL from the persisted channel ID.
// No upstream call is involved; calling it again on a connected channel
// yields the same result.
func (w *ChatWidgetConnector) Connect(_ context.Context, ch *Channel) (ConnectionResult, error) {
	if ch.ID == "" {
		return ConnectionResult{}, errors.New("chat widget: channel must be persisted before connect")
	}
	return ConnectionResult{
		Success:           true,
		ExternalChannelID: ch.ID,
		WebhookURL:        w.baseURL + "/api/widget/chat/" + ch.ID,
	}, nil
}

// Disconnect is a no-op: the widget holds no upstream subscription.
func (w *ChatWidgetConnector) Disconnect(context.Context, *Channel) error { return nil }

func (w *ChatWidgetConnector) GetStatus(_ context.Context, ch *Channel) Status {
	return Status{
		Connected:  ch.Status == "connected",
		State:      ch.Status,
		LastSyncAt: ch.LastSyncAt,
	}
}

// widgetEvent is the vendor payload for widget webhook events.
type widgetEvent struct {
	Message       string `json:"message"`
	MessageID     string `json:"messageId"`
	SessionID     string `json:"sessionId"`
	VisitorName   string `json:"visitorName"`
	VisitorEmail  string `json:"visitorEmail"`
	VisitorAvatar string `json:"visitorAvatar"`
	Attachments   []struct {
		FileName string `json:"fileName"`
		MimeType string `json:"mimeType"`
		FileSize int64  `json:"fileSize"`
		URL      string `json:"url"`
	} `json:"attachments"`
}

// HandleWebhook normalizes a widget event. Only "message" events create
// messages; everything else (typing, read receipts, widget opens) is
// discarded with a nil result.
func (w *ChatWidgetConnector) HandleWebhook(ch *Channel, payload WebhookPayload) (*IncomingMessage, error) {
	var cfg ChatWidgetConfig
	if err := unmarshalConfig(ch.Config, &cfg); err != nil {
		return nil, &ErrBadWebhook{ChannelID: ch.ID, EventType: payload.EventType, Cause: err}
	}
	if !guard.VerifySignature(cfg.WebhookSecret, payload.RawBody, payload.Signature) {
		return nil, &ErrBadWebhook{ChannelID: ch.ID, EventType: payload.EventType,
			Cause: errors.New("invalid signature")}
	}

	if payload.EventType != "message" {
		return nil, nil
	}

	var ev widgetEvent
	if err := json.Unmarshal(payload.Payload, &ev); err != nil {
		return nil, &ErrBadWebhook{ChannelID: ch.ID, EventType: payload.EventType, Cause: err}
	}
	if ev.SessionID == "" {
		return nil, &ErrBadWebhook{ChannelID: ch.ID, EventType: payload.EventType,
			Cause: errors.New("sessionId is required")}
	}
	if ev.Message == "" && len(ev.Attachments) == 0 {
		return nil, &ErrBadWebhook{ChannelID: ch.ID, EventType: payload.EventType,
			Cause: errors.New("empty message")}
	}

	msg := &IncomingMessage{
		ChannelID:   ch.ID,
		WorkspaceID: ch.WorkspaceID,
		ChannelType: TypeChatWidget,
		ExternalID:  ev.MessageID,
		ContactKey:  ev.SessionID,
		Sender: Contact{
			Name:      ev.VisitorName,
			Email:     ev.VisitorEmail,
			AvatarURL: ev.VisitorAvatar,
		},
		Content:     ev.Message,
		ContentType: "text",
		Metadata:    map[string]string{"session_id": ev.SessionID},
		Timestamp:   payload.Timestamp,
	}
	for _, a := range ev.Attachments {
		msg.Attachments = append(msg.Attachments, Attachment{
			FileName: a.FileName,
			FileType: ClassifyFileType(a.MimeType),
			MimeType: a.MimeType,
			FileSize: a.FileSize,
			URL:      a.URL,
		})
	}
	return msg, nil
}

// widgetDelivery is the JSON body POSTed to the widget host's callback.
type widgetDelivery struct {
	MessageID      string          `json:"message_id"`
	ConversationID string          `json:"conversation_id"`
	SessionID      string          `json:"session_id,omitempty"`
	Content        string          `json:"content"`
	ContentType    string          `json:"content_type,omitempty"`
	RichContent    json.RawMessage `json:"rich_content,omitempty"`
	Attachments    []Attachment    `json:"attachments,omitempty"`
	SenderName     string          `json:"sender_name,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// SendMessage makes the reply available to the widget. Without a callback
// URL delivery is local: the reply is persisted by the Service and served
// on the widget's next poll. With a callback URL the reply is pushed to
// the widget host as a signed POST.
func (w *ChatWidgetConnector) SendMessage(ctx context.Context, ch *Channel, msg OutgoingMessage) (SendResult, error) {
	var cfg ChatWidgetConfig
	if err := unmarshalConfig(ch.Config, &cfg); err != nil {
		return SendResult{}, fmt.Errorf("chat widget: parse config: %w", err)
	}

	externalID := w.newID()
	now := time.Now().UTC()

	if cfg.CallbackURL == "" {
		return SendResult{Success: true, ExternalMessageID: externalID, DeliveredAt: &now}, nil
	}

	if err := w.validateURL(cfg.CallbackURL); err != nil {
		return SendResult{Error: err.Error()}, nil
	}

	body, err := json.Marshal(widgetDelivery{
		MessageID:      externalID,
		ConversationID: msg.ConversationID,
		SessionID:      msg.Metadata["contact_key"],
		Content:        msg.Content,
		ContentType:    defaultContentType(msg.ContentType),
		RichContent:    msg.RichContent,
		Attachments:    msg.Attachments,
		SenderName:     msg.SenderName,
		Timestamp:      now,
	})
	if err != nil {
		return SendResult{}, fmt.Errorf("chat widget: marshal delivery: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, fmt.Errorf("chat widget: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.WebhookSecret != "" {
		req.Header.Set("X-Signature-256", guard.SignBody(cfg.WebhookSecret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return SendResult{Error: err.Error(), Retryable: true}, nil
	}
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		return SendResult{
			Error:     fmt.Sprintf("callback returned %d", resp.StatusCode),
			Retryable: resp.StatusCode >= 500,
		}, nil
	}

	delivered := time.Now().UTC()
	return SendResult{Success: true, ExternalMessageID: externalID, DeliveredAt: &delivered}, nil
}

// unmarshalConfig decodes a config bag, treating empty as the zero config.
func unmarshalConfig(config json.RawMessage, v any) error {
	if len(config) == 0 {
		return nil
	}
	if err := json.Unmarshal(config, v); err != nil {
		return fmt.Errorf("invalid config JSON: %w", err)
	}
	return nil
}
