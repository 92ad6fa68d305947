package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/courrier/observability"
)

// Service orchestrates the subsystem: channel CRUD, webhook routing,
// outbound dispatch and conversation state transitions. It owns all
// persistence; connectors only translate protocols.
type Service struct {
	store       *Store
	registry    *Registry
	logger      *slog.Logger
	events      *observability.EventLogger
	sendTimeout time.Duration
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithEventLogger records business events (channel created, message
// received/sent, conversation resolved) to the observability store.
func WithEventLogger(el *observability.EventLogger) ServiceOption {
	return func(s *Service) { s.events = el }
}

// WithSendTimeout bounds every connector SendMessage call. A timeout is a
// retryable delivery failure, never a permanent one. Default: 30s.
func WithSendTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.sendTimeout = d
		}
	}
}

// NewService creates a Service over the given store and connector registry.
func NewService(store *Store, registry *Registry, opts ...ServiceOption) *Service {
	s := &Service{
		store:       store,
		registry:    registry,
		logger:      slog.Default(),
		sendTimeout: 30 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Registry exposes the connector registry (read-only after startup).
func (s *Service) Registry() *Registry { return s.registry }

// CreateChannelInput is the admin-boundary input for CreateChannel.
type CreateChannelInput struct {
	WorkspaceID string          `json:"workspace_id"`
	Type        ChannelType     `json:"type"`
	Name        string          `json:"name"`
	Config      json.RawMessage `json:"config"`
}

// CreateChannel validates the config with the matching connector, inserts
// the channel row, then connects. Insert comes before connect because some
// connectors need a persisted channel ID to compute their webhook URL. Any
// connect failure triggers a compensating delete (after a best-effort
// disconnect, so no external subscription dangles) — zero orphan rows on
// every failure path.
func (s *Service) CreateChannel(ctx context.Context, in CreateChannelInput) (*Channel, error) {
	connector, err := s.registry.Get(in.Type)
	if err != nil {
		return nil, err
	}
	if in.WorkspaceID == "" {
		return nil, fmt.Errorf("channels: create channel: workspace_id is required")
	}
	if in.Name == "" {
		return nil, fmt.Errorf("channels: create channel: name is required")
	}
	if vr := connector.ValidateConfig(in.Config); !vr.Valid {
		return nil, &ErrInvalidConfig{Type: in.Type, Errors: vr.Errors}
	}

	ch := &Channel{
		WorkspaceID: in.WorkspaceID,
		Type:        in.Type,
		Name:        in.Name,
		Config:      in.Config,
	}
	if err := s.store.InsertChannel(ctx, ch); err != nil {
		return nil, err
	}

	res, err := connector.Connect(ctx, ch)
	if err != nil || !res.Success {
		if err == nil {
			err = errors.New(res.Error)
		}
		// Compensate: tear down whatever the connector may have
		// registered upstream, then remove the just-inserted row.
		if derr := connector.Disconnect(ctx, ch); derr != nil {
			s.logger.Error("disconnect during connect rollback failed",
				"channel", ch.ID, "type", ch.Type, "error", derr)
		}
		if derr := s.store.DeleteChannel(ctx, ch.ID); derr != nil {
			s.logger.Error("compensating delete failed",
				"channel", ch.ID, "type", ch.Type, "error", derr)
		}
		return nil, &ErrConnectFailed{ChannelID: ch.ID, Type: ch.Type, Cause: err}
	}

	if err := s.store.MarkChannelConnected(ctx, ch.ID, res); err != nil {
		return nil, err
	}
	ch.Status = "connected"
	ch.ExternalChannelID = res.ExternalChannelID
	ch.WebhookURL = res.WebhookURL
	now := time.Now().UTC().Truncate(time.Second)
	ch.LastSyncAt = &now

	s.logger.Info("channel created",
		"channel", ch.ID, "type", ch.Type, "workspace", ch.WorkspaceID)
	s.record(ctx, "channel_created", "channel", ch.ID, true)
	return ch, nil
}

// GetChannel returns a workspace's channel by ID.
func (s *Service) GetChannel(ctx context.Context, workspaceID, id string) (*Channel, error) {
	return s.store.GetChannel(ctx, workspaceID, id)
}

// GetWorkspaceChannels lists a workspace's channels.
func (s *Service) GetWorkspaceChannels(ctx context.Context, workspaceID string) ([]*Channel, error) {
	return s.store.ListChannels(ctx, workspaceID)
}

// GetChannelStatus derives current connectivity via the connector.
func (s *Service) GetChannelStatus(ctx context.Context, workspaceID, id string) (Status, error) {
	ch, err := s.store.GetChannel(ctx, workspaceID, id)
	if err != nil {
		return Status{}, err
	}
	connector, err := s.registry.Get(ch.Type)
	if err != nil {
		return Status{}, err
	}
	return connector.GetStatus(ctx, ch), nil
}

// UpdateChannel updates name and config. The new config is validated by
// the connector before anything is persisted; the channel type is
// immutable. After the update the connector re-connects (idempotent) so
// config changes take effect upstream; a re-connect failure is surfaced
// but the updated row is kept for the admin to correct.
func (s *Service) UpdateChannel(ctx context.Context, workspaceID, id, name string, config json.RawMessage) (*Channel, error) {
	ch, err := s.store.GetChannel(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}
	connector, err := s.registry.Get(ch.Type)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = ch.Name
	}
	if len(config) == 0 {
		config = ch.Config
	}
	if vr := connector.ValidateConfig(config); !vr.Valid {
		return nil, &ErrInvalidConfig{Type: ch.Type, Errors: vr.Errors}
	}
	if err := s.store.UpdateChannel(ctx, workspaceID, id, name, config); err != nil {
		return nil, err
	}
	ch.Name = name
	ch.Config = config

	res, err := connector.Connect(ctx, ch)
	if err != nil || !res.Success {
		if err == nil {
			err = errors.New(res.Error)
		}
		return nil, &ErrConnectFailed{ChannelID: ch.ID, Type: ch.Type, Cause: err}
	}
	if err := s.store.MarkChannelConnected(ctx, ch.ID, res); err != nil {
		return nil, err
	}
	return s.store.GetChannel(ctx, workspaceID, id)
}

// DeleteChannel disconnects best-effort, then hard-deletes the row.
// Remote teardown failures are logged, never propagated: local deletion
// proceeds regardless.
func (s *Service) DeleteChannel(ctx context.Context, workspaceID, id string) error {
	ch, err := s.store.GetChannel(ctx, workspaceID, id)
	if err != nil {
		return err
	}
	connector, err := s.registry.Get(ch.Type)
	if err != nil {
		return err
	}
	if derr := connector.Disconnect(ctx, ch); derr != nil {
		s.logger.Error("disconnect failed, deleting anyway",
			"channel", ch.ID, "type", ch.Type, "error", derr)
	}
	if err := s.store.DeleteChannel(ctx, id); err != nil {
		return err
	}
	s.logger.Info("channel deleted", "channel", id, "type", ch.Type)
	s.record(ctx, "channel_deleted", "channel", id, true)
	return nil
}

// HandleWebhook is the single chokepoint where inbound traffic either
// becomes durable state or is intentionally discarded: it loads the
// channel, asks its connector to normalize the vendor payload, and — for
// message-creating events — materializes the conversation and message.
// A nil message and nil error means the event was recognized but creates
// no message (delivery receipt, typing indicator).
func (s *Service) HandleWebhook(ctx context.Context, channelID string, payload WebhookPayload) (*ConversationMessage, *Conversation, error) {
	ch, err := s.store.GetChannel(ctx, "", channelID)
	if err != nil {
		return nil, nil, err
	}
	connector, err := s.registry.Get(ch.Type)
	if err != nil {
		return nil, nil, err
	}

	msg, err := connector.HandleWebhook(ch, payload)
	if err != nil {
		return nil, nil, err
	}
	if msg == nil {
		s.logger.Debug("webhook discarded: non-message event",
			"channel", channelID, "event_type", payload.EventType)
		return nil, nil, nil
	}

	msg.ChannelID = ch.ID
	msg.WorkspaceID = ch.WorkspaceID
	msg.ChannelType = ch.Type
	return s.ProcessIncoming(ctx, msg)
}

// ProcessIncoming materializes a canonical inbound message. It raises —
// never silently drops — when the message's channel type has no registered
// connector. Redelivered messages (same provider ExternalID) are a logged
// no-op returning the previously stored message.
func (s *Service) ProcessIncoming(ctx context.Context, msg *IncomingMessage) (*ConversationMessage, *Conversation, error) {
	if _, err := s.registry.Get(msg.ChannelType); err != nil {
		return nil, nil, err
	}
	stored, conv, deduped, err := s.store.AppendIncoming(ctx, msg)
	if err != nil {
		return nil, nil, err
	}
	if deduped {
		s.logger.Info("duplicate webhook delivery ignored",
			"channel", msg.ChannelID, "external_id", msg.ExternalID,
			"conversation", conv.ID)
		return stored, conv, nil
	}
	s.logger.Info("message received",
		"channel", msg.ChannelID, "conversation", conv.ID,
		"contact", msg.ContactKey, "message", stored.ID)
	s.record(ctx, "message_received", "conversation", conv.ID, true)
	return stored, conv, nil
}

// SendMessage delivers an outbound reply through the channel's transport
// and, only on delivery success, appends the message row (sender type
// derived from IsAIGenerated) and updates conversation bookkeeping. The
// connector call is bounded by the send timeout and holds no database
// transaction, so one slow provider cannot serialize unrelated
// conversations.
func (s *Service) SendMessage(ctx context.Context, channelID string, out OutgoingMessage) (*ConversationMessage, error) {
	ch, err := s.store.GetChannel(ctx, "", channelID)
	if err != nil {
		return nil, err
	}
	connector, err := s.registry.Get(ch.Type)
	if err != nil {
		return nil, err
	}
	conv, err := s.store.GetConversation(ctx, out.ConversationID)
	if err != nil {
		return nil, err
	}
	if conv.ChannelID != ch.ID {
		return nil, fmt.Errorf("channels: conversation %s does not belong to channel %s",
			out.ConversationID, channelID)
	}

	// Connectors are stateless: the recipient identity travels in the
	// message metadata, resolved here from the conversation participant.
	if out.Metadata == nil {
		out.Metadata = make(map[string]string)
	}
	out.Metadata["contact_key"] = conv.ContactKey
	if p, perr := s.store.GetParticipant(ctx, conv.ID); perr == nil && p != nil {
		if out.Metadata["recipient_email"] == "" && p.Email != "" {
			out.Metadata["recipient_email"] = p.Email
		}
		if out.Metadata["recipient_phone"] == "" && p.Phone != "" {
			out.Metadata["recipient_phone"] = p.Phone
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()
	res, err := connector.SendMessage(sendCtx, ch, out)
	if err != nil {
		retryable := errors.Is(err, context.DeadlineExceeded)
		s.record(ctx, "send_failed", "conversation", conv.ID, false)
		return nil, &ErrSendFailed{ChannelID: ch.ID, Type: ch.Type, Retryable: retryable, Cause: err}
	}
	if !res.Success {
		s.record(ctx, "send_failed", "conversation", conv.ID, false)
		return nil, &ErrSendFailed{ChannelID: ch.ID, Type: ch.Type,
			Retryable: res.Retryable, Cause: errors.New(res.Error)}
	}

	stored, err := s.store.AppendOutgoing(ctx, conv.ID, &out, res.ExternalMessageID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("message sent",
		"channel", ch.ID, "conversation", conv.ID, "message", stored.ID,
		"sender_type", stored.SenderType)
	s.record(ctx, "message_sent", "conversation", conv.ID, true)
	return stored, nil
}

// GetConversation returns a conversation by ID.
func (s *Service) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return s.store.GetConversation(ctx, id)
}

// GetWorkspaceConversations lists a workspace's conversations.
func (s *Service) GetWorkspaceConversations(ctx context.Context, workspaceID string) ([]*Conversation, error) {
	return s.store.ListConversations(ctx, workspaceID)
}

// GetConversationMessages lists a conversation's messages chronologically.
func (s *Service) GetConversationMessages(ctx context.Context, conversationID string) ([]*ConversationMessage, error) {
	return s.store.ListMessages(ctx, conversationID)
}

// GetParticipant returns a conversation's contact identity.
func (s *Service) GetParticipant(ctx context.Context, conversationID string) (*Participant, error) {
	return s.store.GetParticipant(ctx, conversationID)
}

// AssignConversation assigns a conversation to a human agent, or back to
// the bot when agentID is nil/empty. is_handled_by_bot is derived: true
// iff no agent is assigned. The reply producer must respect it — a
// conversation assigned to a human suppresses automatic replies.
func (s *Service) AssignConversation(ctx context.Context, id string, agentID *string) (*Conversation, error) {
	conv, err := s.store.AssignConversation(ctx, id, agentID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("conversation assigned",
		"conversation", id, "status", conv.Status, "bot", conv.IsHandledByBot)
	return conv, nil
}

// ResolveConversation marks a conversation resolved (terminal).
func (s *Service) ResolveConversation(ctx context.Context, id string) (*Conversation, error) {
	conv, err := s.store.ResolveConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	s.logger.Info("conversation resolved", "conversation", id)
	s.record(ctx, "conversation_resolved", "conversation", id, true)
	return conv, nil
}

func (s *Service) record(ctx context.Context, eventType, entityType, entityID string, success bool) {
	if s.events == nil {
		return
	}
	s.events.LogEvent(ctx, observability.BusinessEvent{
		EventType:   eventType,
		ServiceName: "courrier",
		EntityType:  entityType,
		EntityID:    entityID,
		Success:     success,
	})
}
