package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/hazyhaar/courrier/guard"
)

// WhatsAppConfig is the per-channel config for WhatsApp Business Cloud
// API channels.
type WhatsAppConfig struct {
	// PhoneNumberID is the Cloud API phone number ID the channel sends
	// from.
	PhoneNumberID string `json:"phone_number_id"`
	// AccessToken authenticates against the Cloud API.
	AccessToken string `json:"access_token"`
	// WebhookSecret verifies inbound webhook signatures.
	WebhookSecret string `json:"webhook_secret,omitempty"`
}

var phoneRe = regexp.MustCompile(`^\+?[0-9]{6,15}$`)

// WhatsAppConnector follows the same contract as the built-out connectors;
// inbound normalization and threading by phone number are complete, the
// Cloud API transport is not wired yet.
type WhatsAppConnector struct {
	baseURL string
}

// NewWhatsAppConnector creates the WhatsApp connector. baseURL is used to
// compute the webhook URL registered with the Cloud API.
func NewWhatsAppConnector(baseURL string) *WhatsAppConnector {
	return &WhatsAppConnector{baseURL: strings.TrimRight(baseURL, "/")}
}

func (w *WhatsAppConnector) Type() ChannelType { return TypeWhatsApp }

func (w *WhatsAppConnector) ValidateConfig(config json.RawMessage) ValidationResult {
	var cfg WhatsAppConfig
	if err := unmarshalConfig(config, &cfg); err != nil {
		return ValidationResult{Errors: []string{err.Error()}}
	}
	var errs []string
	if cfg.PhoneNumberID == "" {
		errs = append(errs, "phone_number_id is required")
	}
	if cfg.AccessToken == "" {
		errs = append(errs, "access_token is required")
	}
	if len(errs) > 0 {
		return ValidationResult{Errors: errs}
	}
	return ValidationResult{Valid: true}
}

func (w *WhatsAppConnector) Connect(_ context.Context, ch *Channel) (ConnectionResult, error) {
	if ch.ID == "" {
		return ConnectionResult{}, errors.New("whatsapp: channel must be persisted before connect")
	}
	var cfg WhatsAppConfig
	if err := unmarshalConfig(ch.Config, &cfg); err != nil {
		return ConnectionResult{}, fmt.Errorf("whatsapp: parse config: %w", err)
	}
	// TODO: verify the access token against the Cloud API and subscribe
	// the webhook URL once the Graph API client is wired.
	return ConnectionResult{
		Success:           true,
		ExternalChannelID: cfg.PhoneNumberID,
		WebhookURL:        w.baseURL + "/api/channels/whatsapp/" + ch.ID + "/webhook",
	}, nil
}

func (w *WhatsAppConnector) Disconnect(context.Context, *Channel) error { return nil }

func (w *WhatsAppConnector) GetStatus(_ context.Context, ch *Channel) Status {
	return Status{
		Connected:  ch.Status == "connected",
		State:      ch.Status,
		LastSyncAt: ch.LastSyncAt,
	}
}

// whatsAppEvent is the normalized inbound shape for one message event.
type whatsAppEvent struct {
	From        string `json:"from"` // sender phone in E.164
	MessageID   string `json:"id"`
	Text        string `json:"text"`
	ProfileName string `json:"profileName"`
}

func (w *WhatsAppConnector) HandleWebhook(ch *Channel, payload WebhookPayload) (*IncomingMessage, error) {
	var cfg WhatsAppConfig
	if err := unmarshalConfig(ch.Config, &cfg); err != nil {
		return nil, &ErrBadWebhook{ChannelID: ch.ID, EventType: payload.EventType, Cause: err}
	}
	if !guard.VerifySignature(cfg.WebhookSecret, payload.RawBody, payload.Signature) {
		return nil, &ErrBadWebhook{ChannelID: ch.ID, EventType: payload.EventType,
			Cause: errors.New("invalid signature")}
	}

	// Status callbacks (sent/delivered/read) are not message-creating.
	if payload.EventType != "message" {
		return nil, nil
	}

	var ev whatsAppEvent
	if err := json.Unmarshal(payload.Payload, &ev); err != nil {
		return nil, &ErrBadWebhook{ChannelID: ch.ID, EventType: payload.EventType, Cause: err}
	}
	if !phoneRe.MatchString(ev.From) {
		return nil, &ErrBadWebhook{ChannelID: ch.ID, EventType: payload.EventType,
			Cause: fmt.Errorf("bad sender phone %q", ev.From)}
	}
	if ev.Text == "" {
		return nil, &ErrBadWebhook{ChannelID: ch.ID, EventType: payload.EventType,
			Cause: errors.New("empty message")}
	}

	return &IncomingMessage{
		ChannelID:   ch.ID,
		WorkspaceID: ch.WorkspaceID,
		ChannelType: TypeWhatsApp,
		ExternalID:  ev.MessageID,
		ContactKey:  ev.From,
		Sender: Contact{
			Name:  ev.ProfileName,
			Phone: ev.From,
		},
		Content:     ev.Text,
		ContentType: "text",
		Timestamp:   payload.Timestamp,
	}, nil
}

func (w *WhatsAppConnector) SendMessage(_ context.Context, ch *Channel, _ OutgoingMessage) (SendResult, error) {
	// TODO: wire the Cloud API /messages call. Until then every send
	// fails cleanly so no message row is written for an undelivered
	// reply.
	return SendResult{Error: "whatsapp transport not wired"}, nil
}
