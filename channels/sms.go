package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hazyhaar/courrier/guard"
)

// SMSConfig is the per-channel config for SMS channels backed by a
// Twilio-style provider.
type SMSConfig struct {
	// AccountSID / AuthToken authenticate against the provider API.
	AccountSID string `json:"account_sid"`
	AuthToken  string `json:"auth_token"`
	// FromNumber is the provisioned number the channel sends from, E.164.
	FromNumber string `json:"from_number"`
	// WebhookSecret verifies inbound webhook signatures.
	WebhookSecret string `json:"webhook_secret,omitempty"`
}

// SMSConnector follows the connector contract for SMS; inbound
// normalization and phone-keyed threading are complete, the provider REST
// transport is not wired yet.
type SMSConnector struct {
	baseURL string
}

// NewSMSConnector creates the SMS connector.
func NewSMSConnector(baseURL string) *SMSConnector {
	return &SMSConnector{baseURL: strings.TrimRight(baseURL, "/")}
}

func (s *SMSConnector) Type() ChannelType { return TypeSMS }

func (s *SMSConnector) ValidateConfig(config json.RawMessage) ValidationResult {
	var cfg SMSConfig
	if err := unmarshalConfig(config, &cfg); err != nil {
		return ValidationResult{Errors: []string{err.Error()}}
	}
	var errs []string
	if cfg.AccountSID == "" {
		errs = append(errs, "account_sid is required")
	}
	if cfg.AuthToken == "" {
		errs = append(errs, "auth_token is required")
	}
	if cfg.FromNumber == "" {
		errs = append(errs, "from_number is required")
	} else if !phoneRe.MatchString(cfg.FromNumber) {
		errs = append(errs, "from_number must be an E.164 phone number")
	}
	if len(errs) > 0 {
		return ValidationResult{Errors: errs}
	}
	return ValidationResult{Valid: true}
}

func (s *SMSConnector) Connect(_ context.Context, ch *Channel) (ConnectionResult, error) {
	if ch.ID == "" {
		return ConnectionResult{}, errors.New("sms: channel must be persisted before connect")
	}
	var cfg SMSConfig
	if err := unmarshalConfig(ch.Config, &cfg); err != nil {
		return ConnectionResult{}, fmt.Errorf("sms: parse config: %w", err)
	}
	// TODO: register the webhook URL on the provider number via its REST
	// API once the client is wired.
	return ConnectionResult{
		Success:           true,
		ExternalChannelID: cfg.FromNumber,
		WebhookURL:        s.baseURL + "/api/channels/sms/" + ch.ID + "/webhook",
	}, nil
}

func (s *SMSConnector) Disconnect(context.Context, *Channel) error { return nil }

func (s *SMSConnector) GetStatus(_ context.Context, ch *Channel) Status {
	return Status{
		Connected:  ch.Status == "connected",
		State:      ch.Status,
		LastSyncAt: ch.LastSyncAt,
	}
}

// smsEvent is the inbound shape for one received SMS.
type smsEvent struct {
	From      string `json:"from"`
	Body      string `json:"body"`
	MessageID string `json:"messageSid"`
}

func (s *SMSConnector) HandleWebhook(ch *Channel, payload WebhookPayload) (*IncomingMessage, error) {
	var cfg SMSConfig
	if err := unmarshalConfig(ch.Config, &cfg); err != nil {
		return nil, &ErrBadWebhook{ChannelID: ch.ID, EventType: payload.EventType, Cause: err}
	}
	if !guard.VerifySignature(cfg.WebhookSecret, payload.RawBody, payload.Signature) {
		return nil, &ErrBadWebhook{ChannelID: ch.ID, EventType: payload.EventType,
			Cause: errors.New("invalid signature")}
	}

	if payload.EventType != "inbound_sms" {
		return nil, nil
	}

	var ev smsEvent
	if err := json.Unmarshal(payload.Payload, &ev); err != nil {
		return nil, &ErrBadWebhook{ChannelID: ch.ID, EventType: payload.EventType, Cause: err}
	}
	if !phoneRe.MatchString(ev.From) {
		return nil, &ErrBadWebhook{ChannelID: ch.ID, EventType: payload.EventType,
			Cause: fmt.Errorf("bad sender phone %q", ev.From)}
	}
	if ev.Body == "" {
		return nil, &ErrBadWebhook{ChannelID: ch.ID, EventType: payload.EventType,
			Cause: errors.New("empty message")}
	}

	return &IncomingMessage{
		ChannelID:   ch.ID,
		WorkspaceID: ch.WorkspaceID,
		ChannelType: TypeSMS,
		ExternalID:  ev.MessageID,
		ContactKey:  ev.From,
		Sender:      Contact{Phone: ev.From},
		Content:     ev.Body,
		ContentType: "text",
		Timestamp:   payload.Timestamp,
	}, nil
}

func (s *SMSConnector) SendMessage(_ context.Context, ch *Channel, _ OutgoingMessage) (SendResult, error) {
	// TODO: wire the provider's Messages REST call. Failing cleanly keeps
	// the store consistent with actual delivery outcome.
	return SendResult{Error: "sms transport not wired"}, nil
}
