package channels

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/courrier/idgen"
)

// Conversation is a threaded message sequence between a workspace and one
// external contact on one channel. MessageCount always equals the number
// of persisted messages; IsHandledByBot is derived — true iff no agent is
// assigned.
type Conversation struct {
	ID              string     `json:"id"`
	WorkspaceID     string     `json:"workspace_id"`
	ChannelID       string     `json:"channel_id"`
	ContactKey      string     `json:"contact_key"`
	Status          string     `json:"status"`
	AssignedAgentID *string    `json:"assigned_agent_id,omitempty"`
	IsHandledByBot  bool       `json:"is_handled_by_bot"`
	MessageCount    int        `json:"message_count"`
	LastMessageAt   *time.Time `json:"last_message_at,omitempty"`
	FirstResponseAt *time.Time `json:"first_response_at,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// ConversationMessage is one persisted message. Append-only: nothing is
// mutated after insert except Status.
type ConversationMessage struct {
	ID                string          `json:"id"`
	ConversationID    string          `json:"conversation_id"`
	ChannelID         string          `json:"channel_id"`
	SenderType        string          `json:"sender_type"` // "user", "bot", "agent"
	SenderName        string          `json:"sender_name,omitempty"`
	Content           string          `json:"content"`
	ContentType       string          `json:"content_type"`
	RichContent       json.RawMessage `json:"rich_content,omitempty"`
	Attachments       []Attachment    `json:"attachments,omitempty"`
	IsAIGenerated     bool            `json:"is_ai_generated"`
	ExternalMessageID string          `json:"external_message_id,omitempty"`
	Status            string          `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Participant is the external contact's identity for a conversation.
type Participant struct {
	ConversationID string `json:"conversation_id"`
	Name           string `json:"name,omitempty"`
	Email          string `json:"email,omitempty"`
	Phone          string `json:"phone,omitempty"`
	AvatarURL      string `json:"avatar_url,omitempty"`
}

// Store is the persistence layer over the four channel tables. It is the
// only component that writes conversation and message rows.
type Store struct {
	db     *sql.DB
	window time.Duration
	newID  idgen.Generator
	locks  keyedLocks
	now    func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithConversationWindow sets the recency window for conversation
// threading: an inbound message joins an existing open conversation for
// its (channelID, contactKey) only if that conversation saw traffic within
// the window. Default: 24h.
func WithConversationWindow(d time.Duration) StoreOption {
	return func(s *Store) { s.window = d }
}

// WithIDGenerator sets a custom ID generator (entity prefixes are applied
// on top).
func WithIDGenerator(gen idgen.Generator) StoreOption {
	return func(s *Store) { s.newID = gen }
}

// withClock overrides time.Now in tests.
func withClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates a Store. The database must have the channels schema
// applied (via Init or OpenDB).
func NewStore(db *sql.DB, opts ...StoreOption) *Store {
	s := &Store{
		db:     db,
		window: 24 * time.Hour,
		newID:  idgen.Default,
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// --- channels -------------------------------------------------------------

// InsertChannel persists a new channel row in status "pending".
func (s *Store) InsertChannel(ctx context.Context, ch *Channel) error {
	if ch.ID == "" {
		ch.ID = "ch_" + s.newID()
	}
	if len(ch.Config) == 0 {
		ch.Config = json.RawMessage(`{}`)
	}
	ch.Status = "pending"
	ch.CreatedAt = s.now().UTC().Truncate(time.Second)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels (id, workspace_id, type, name, config, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ch.ID, ch.WorkspaceID, string(ch.Type), ch.Name, string(ch.Config), ch.Status,
		ch.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("channels: insert channel: %w", err)
	}
	return nil
}

// GetChannel returns a channel by ID. When workspaceID is non-empty the
// lookup is workspace-scoped.
func (s *Store) GetChannel(ctx context.Context, workspaceID, id string) (*Channel, error) {
	query := `SELECT id, workspace_id, type, name, config, status,
	                 external_channel_id, webhook_url, last_sync_at, created_at
	          FROM channels WHERE id = ?`
	args := []any{id}
	if workspaceID != "" {
		query += ` AND workspace_id = ?`
		args = append(args, workspaceID)
	}
	ch, err := scanChannel(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, &ErrChannelNotFound{ChannelID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("channels: get channel: %w", err)
	}
	return ch, nil
}

// ListChannels returns all channels for a workspace, newest first.
func (s *Store) ListChannels(ctx context.Context, workspaceID string) ([]*Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workspace_id, type, name, config, status,
		        external_channel_id, webhook_url, last_sync_at, created_at
		 FROM channels WHERE workspace_id = ? ORDER BY created_at DESC, id`,
		workspaceID)
	if err != nil {
		return nil, fmt.Errorf("channels: list channels: %w", err)
	}
	defer rows.Close()

	var out []*Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("channels: scan channel: %w", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// UpdateChannel updates the mutable channel fields (name, config). Type is
// immutable after creation.
func (s *Store) UpdateChannel(ctx context.Context, workspaceID, id, name string, config json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE channels SET name = ?, config = ? WHERE id = ? AND workspace_id = ?`,
		name, string(config), id, workspaceID)
	if err != nil {
		return fmt.Errorf("channels: update channel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrChannelNotFound{ChannelID: id}
	}
	return nil
}

// MarkChannelConnected records a successful connect: status, external
// channel ID, webhook URL and sync time.
func (s *Store) MarkChannelConnected(ctx context.Context, id string, res ConnectionResult) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE channels SET status = 'connected', external_channel_id = ?,
		        webhook_url = ?, last_sync_at = ?
		 WHERE id = ?`,
		res.ExternalChannelID, res.WebhookURL, s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("channels: mark connected: %w", err)
	}
	return nil
}

// DeleteChannel hard-deletes a channel row. Conversations and messages
// cascade.
func (s *Store) DeleteChannel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("channels: delete channel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrChannelNotFound{ChannelID: id}
	}
	return nil
}

func scanChannel(row interface{ Scan(...any) error }) (*Channel, error) {
	var ch Channel
	var typ, cfg string
	var lastSync sql.NullInt64
	var created int64
	err := row.Scan(&ch.ID, &ch.WorkspaceID, &typ, &ch.Name, &cfg, &ch.Status,
		&ch.ExternalChannelID, &ch.WebhookURL, &lastSync, &created)
	if err != nil {
		return nil, err
	}
	ch.Type = ChannelType(typ)
	ch.Config = json.RawMessage(cfg)
	ch.CreatedAt = time.Unix(created, 0).UTC()
	if lastSync.Valid {
		t := time.Unix(lastSync.Int64, 0).UTC()
		ch.LastSyncAt = &t
	}
	return &ch, nil
}

// --- inbound --------------------------------------------------------------

// AppendIncoming materializes one inbound message: it resolves or creates
// the conversation for (channelID, contactKey) atomically, inserts the
// message, bumps the conversation bookkeeping and upserts the participant
// identity. Returns deduped=true (and the previously stored message) when
// the provider redelivered an ExternalID that was already processed.
//
// Concurrent calls for the same (channelID, contactKey) are serialized by
// a per-key lock so that rapid double-sends cannot create two
// conversations; the unique index on (channel_id, external_message_id)
// remains the final arbiter for redelivery across processes.
func (s *Store) AppendIncoming(ctx context.Context, msg *IncomingMessage) (m *ConversationMessage, conv *Conversation, deduped bool, err error) {
	if msg.ContactKey == "" {
		return nil, nil, false, fmt.Errorf("channels: append incoming: empty contact key")
	}

	unlock := s.locks.lock(msg.ChannelID + "\x00" + msg.ContactKey)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, false, fmt.Errorf("channels: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC().Truncate(time.Second)
	conv, err = s.findOrCreateConversation(ctx, tx, msg, now)
	if err != nil {
		return nil, nil, false, err
	}

	attachments, richContent, err := encodeContent(msg.Attachments, msg.RichContent)
	if err != nil {
		return nil, nil, false, err
	}

	msgID := "msg_" + s.newID()
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = now
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversation_messages
		     (id, conversation_id, channel_id, sender_type, sender_name, content,
		      content_type, rich_content, attachments, is_ai_generated,
		      external_message_id, status, created_at)
		 VALUES (?, ?, ?, 'user', ?, ?, ?, ?, ?, 0, ?, 'received', ?)`,
		msgID, conv.ID, msg.ChannelID, msg.Sender.Name, msg.Content,
		defaultContentType(msg.ContentType), richContent, attachments,
		msg.ExternalID, ts.Unix()); err != nil {
		if isDedupConflict(err) {
			// Redelivery of an already-processed ExternalID. Roll back
			// (which also undoes a conversation created in this tx) and
			// report the stored message.
			tx.Rollback()
			existing, conv, lerr := s.lookupByExternalID(ctx, msg.ChannelID, msg.ExternalID)
			if lerr != nil {
				return nil, nil, false, lerr
			}
			return existing, conv, true, nil
		}
		return nil, nil, false, fmt.Errorf("channels: insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations
		 SET message_count = message_count + 1, last_message_at = ?
		 WHERE id = ?`,
		now.Unix(), conv.ID); err != nil {
		return nil, nil, false, fmt.Errorf("channels: bump conversation: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversation_participants (conversation_id, name, email, phone, avatar_url, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(conversation_id) DO UPDATE SET
		     name       = COALESCE(NULLIF(excluded.name, ''), name),
		     email      = COALESCE(NULLIF(excluded.email, ''), email),
		     phone      = COALESCE(NULLIF(excluded.phone, ''), phone),
		     avatar_url = COALESCE(NULLIF(excluded.avatar_url, ''), avatar_url),
		     updated_at = excluded.updated_at`,
		conv.ID, msg.Sender.Name, msg.Sender.Email, msg.Sender.Phone,
		msg.Sender.AvatarURL, now.Unix()); err != nil {
		return nil, nil, false, fmt.Errorf("channels: upsert participant: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, false, fmt.Errorf("channels: commit: %w", err)
	}

	conv.MessageCount++
	conv.LastMessageAt = &now

	stored := &ConversationMessage{
		ID:                msgID,
		ConversationID:    conv.ID,
		ChannelID:         msg.ChannelID,
		SenderType:        "user",
		SenderName:        msg.Sender.Name,
		Content:           msg.Content,
		ContentType:       defaultContentType(msg.ContentType),
		RichContent:       msg.RichContent,
		Attachments:       msg.Attachments,
		ExternalMessageID: msg.ExternalID,
		Status:            "received",
		CreatedAt:         ts,
	}
	return stored, conv, false, nil
}

// findOrCreateConversation resolves the open conversation for the message's
// (channelID, contactKey) within the recency window, or creates a new one.
// Runs inside the caller's transaction.
func (s *Store) findOrCreateConversation(ctx context.Context, tx *sql.Tx, msg *IncomingMessage, now time.Time) (*Conversation, error) {
	cutoff := now.Add(-s.window).Unix()
	conv, err := scanConversation(tx.QueryRowContext(ctx,
		`SELECT id, workspace_id, channel_id, contact_key, status, assigned_agent_id,
		        is_handled_by_bot, message_count, last_message_at, first_response_at,
		        resolved_at, created_at
		 FROM conversations
		 WHERE channel_id = ? AND contact_key = ? AND status != 'resolved'
		   AND COALESCE(last_message_at, created_at) >= ?
		 ORDER BY COALESCE(last_message_at, created_at) DESC
		 LIMIT 1`,
		msg.ChannelID, msg.ContactKey, cutoff))
	if err == nil {
		return conv, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("channels: find conversation: %w", err)
	}

	conv = &Conversation{
		ID:             "cv_" + s.newID(),
		WorkspaceID:    msg.WorkspaceID,
		ChannelID:      msg.ChannelID,
		ContactKey:     msg.ContactKey,
		Status:         "new",
		IsHandledByBot: true,
		CreatedAt:      now,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, workspace_id, channel_id, contact_key, status,
		                            is_handled_by_bot, message_count, created_at)
		 VALUES (?, ?, ?, ?, 'new', 1, 0, ?)`,
		conv.ID, conv.WorkspaceID, conv.ChannelID, conv.ContactKey, now.Unix()); err != nil {
		return nil, fmt.Errorf("channels: create conversation: %w", err)
	}
	return conv, nil
}

// isDedupConflict reports whether err is the redelivery conflict on the
// inbound dedup index, as opposed to any other constraint failure.
func isDedupConflict(err error) bool {
	return err != nil && strings.Contains(err.Error(),
		"UNIQUE constraint failed: conversation_messages.channel_id, conversation_messages.external_message_id")
}

func (s *Store) lookupByExternalID(ctx context.Context, channelID, externalID string) (*ConversationMessage, *Conversation, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, channel_id, sender_type, sender_name, content,
		        content_type, rich_content, attachments, is_ai_generated,
		        external_message_id, status, created_at
		 FROM conversation_messages
		 WHERE channel_id = ? AND external_message_id = ? AND sender_type = 'user'`,
		channelID, externalID))
	if err != nil {
		return nil, nil, fmt.Errorf("channels: lookup deduped message: %w", err)
	}
	conv, err := s.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return nil, nil, err
	}
	return msg, conv, nil
}

// --- outbound -------------------------------------------------------------

// AppendOutgoing persists one successfully delivered outbound message and
// updates the conversation bookkeeping: message_count += 1, last_message_at
// = now, and first_response_at only if currently null (write-once; it
// captures the latency from conversation creation to the first reply).
// Call only after the connector reported delivery success. The inbound
// dedup index does not bind outbound rows, so a provider reusing a known
// external message ID never fails a delivered reply.
func (s *Store) AppendOutgoing(ctx context.Context, conversationID string, msg *OutgoingMessage, externalMessageID string) (*ConversationMessage, error) {
	senderType := "agent"
	if msg.IsAIGenerated {
		senderType = "bot"
	}
	attachments, richContent, err := encodeContent(msg.Attachments, msg.RichContent)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("channels: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC().Truncate(time.Second)
	msgID := "msg_" + s.newID()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversation_messages
		     (id, conversation_id, channel_id, sender_type, sender_name, content,
		      content_type, rich_content, attachments, is_ai_generated,
		      external_message_id, status, created_at)
		 SELECT ?, id, channel_id, ?, ?, ?, ?, ?, ?, ?, ?, 'sent', ?
		 FROM conversations WHERE id = ?`,
		msgID, senderType, msg.SenderName, msg.Content,
		defaultContentType(msg.ContentType), richContent, attachments,
		boolInt(msg.IsAIGenerated), externalMessageID, now.Unix(),
		conversationID); err != nil {
		return nil, fmt.Errorf("channels: insert outbound message: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE conversations
		 SET message_count = message_count + 1,
		     last_message_at = ?,
		     first_response_at = COALESCE(first_response_at, ?)
		 WHERE id = ?`,
		now.Unix(), now.Unix(), conversationID)
	if err != nil {
		return nil, fmt.Errorf("channels: bump conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, &ErrConversationNotFound{ConversationID: conversationID}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("channels: commit: %w", err)
	}

	return &ConversationMessage{
		ID:                msgID,
		ConversationID:    conversationID,
		SenderType:        senderType,
		SenderName:        msg.SenderName,
		Content:           msg.Content,
		ContentType:       defaultContentType(msg.ContentType),
		RichContent:       msg.RichContent,
		Attachments:       msg.Attachments,
		IsAIGenerated:     msg.IsAIGenerated,
		ExternalMessageID: externalMessageID,
		Status:            "sent",
		CreatedAt:         now,
	}, nil
}

// --- conversations --------------------------------------------------------

// GetConversation returns a conversation by ID.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	conv, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, channel_id, contact_key, status, assigned_agent_id,
		        is_handled_by_bot, message_count, last_message_at, first_response_at,
		        resolved_at, created_at
		 FROM conversations WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, &ErrConversationNotFound{ConversationID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("channels: get conversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns a workspace's conversations, most recently
// active first.
func (s *Store) ListConversations(ctx context.Context, workspaceID string) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workspace_id, channel_id, contact_key, status, assigned_agent_id,
		        is_handled_by_bot, message_count, last_message_at, first_response_at,
		        resolved_at, created_at
		 FROM conversations WHERE workspace_id = ?
		 ORDER BY COALESCE(last_message_at, created_at) DESC, id`,
		workspaceID)
	if err != nil {
		return nil, fmt.Errorf("channels: list conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("channels: scan conversation: %w", err)
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// ListMessages returns a conversation's messages in chronological order.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]*ConversationMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, channel_id, sender_type, sender_name, content,
		        content_type, rich_content, attachments, is_ai_generated,
		        external_message_id, status, created_at
		 FROM conversation_messages
		 WHERE conversation_id = ? ORDER BY created_at, id`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("channels: list messages: %w", err)
	}
	defer rows.Close()

	var out []*ConversationMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("channels: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetParticipant returns the contact identity for a conversation, or nil
// when none was recorded yet.
func (s *Store) GetParticipant(ctx context.Context, conversationID string) (*Participant, error) {
	var p Participant
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, name, email, phone, avatar_url
		 FROM conversation_participants WHERE conversation_id = ?`,
		conversationID).Scan(&p.ConversationID, &p.Name, &p.Email, &p.Phone, &p.AvatarURL)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("channels: get participant: %w", err)
	}
	return &p, nil
}

// AssignConversation sets the assigned agent (nil hands the conversation
// back to the bot) and derives is_handled_by_bot and status from it.
func (s *Store) AssignConversation(ctx context.Context, id string, agentID *string) (*Conversation, error) {
	status := "bot_handled"
	handledByBot := 1
	var agent any
	if agentID != nil && *agentID != "" {
		status = "assigned"
		handledByBot = 0
		agent = *agentID
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations
		 SET assigned_agent_id = ?, is_handled_by_bot = ?, status = ?
		 WHERE id = ? AND status != 'resolved'`,
		agent, handledByBot, status, id)
	if err != nil {
		return nil, fmt.Errorf("channels: assign conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		conv, err := s.GetConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		if conv.Status == "resolved" {
			return nil, &ErrConversationResolved{ConversationID: id}
		}
		return nil, &ErrConversationNotFound{ConversationID: id}
	}
	return s.GetConversation(ctx, id)
}

// ResolveConversation marks a conversation resolved. Terminal: further
// assigns fail and a later inbound message from the same contact starts a
// fresh conversation.
func (s *Store) ResolveConversation(ctx context.Context, id string) (*Conversation, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = 'resolved', resolved_at = ?
		 WHERE id = ? AND status != 'resolved'`,
		s.now().Unix(), id)
	if err != nil {
		return nil, fmt.Errorf("channels: resolve conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		conv, err := s.GetConversation(ctx, id)
		if err != nil {
			return nil, err
		}
		if conv.Status == "resolved" {
			return nil, &ErrConversationResolved{ConversationID: id}
		}
		return nil, &ErrConversationNotFound{ConversationID: id}
	}
	return s.GetConversation(ctx, id)
}

// --- scan helpers ---------------------------------------------------------

func scanConversation(row interface{ Scan(...any) error }) (*Conversation, error) {
	var c Conversation
	var agent sql.NullString
	var handled int
	var lastMsg, firstResp, resolved sql.NullInt64
	var created int64
	err := row.Scan(&c.ID, &c.WorkspaceID, &c.ChannelID, &c.ContactKey, &c.Status,
		&agent, &handled, &c.MessageCount, &lastMsg, &firstResp, &resolved, &created)
	if err != nil {
		return nil, err
	}
	c.IsHandledByBot = handled == 1
	if agent.Valid {
		c.AssignedAgentID = &agent.String
	}
	c.CreatedAt = time.Unix(created, 0).UTC()
	c.LastMessageAt = unixPtr(lastMsg)
	c.FirstResponseAt = unixPtr(firstResp)
	c.ResolvedAt = unixPtr(resolved)
	return &c, nil
}

func scanMessage(row interface{ Scan(...any) error }) (*ConversationMessage, error) {
	var m ConversationMessage
	var rich, attach sql.NullString
	var aiGen int
	var created int64
	err := row.Scan(&m.ID, &m.ConversationID, &m.ChannelID, &m.SenderType,
		&m.SenderName, &m.Content, &m.ContentType, &rich, &attach, &aiGen,
		&m.ExternalMessageID, &m.Status, &created)
	if err != nil {
		return nil, err
	}
	m.IsAIGenerated = aiGen == 1
	m.CreatedAt = time.Unix(created, 0).UTC()
	if rich.Valid && rich.String != "" {
		m.RichContent = json.RawMessage(rich.String)
	}
	if attach.Valid && attach.String != "" {
		if err := json.Unmarshal([]byte(attach.String), &m.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments: %w", err)
		}
	}
	return &m, nil
}

func encodeContent(attachments []Attachment, rich json.RawMessage) (attach, richOut any, err error) {
	if len(attachments) > 0 {
		data, err := json.Marshal(attachments)
		if err != nil {
			return nil, nil, fmt.Errorf("channels: encode attachments: %w", err)
		}
		attach = string(data)
	}
	if len(rich) > 0 {
		richOut = string(rich)
	}
	return attach, richOut, nil
}

func unixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func defaultContentType(ct string) string {
	if ct == "" {
		return "text"
	}
	return ct
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// --- per-key serialization ------------------------------------------------

// keyedLocks serializes conversation resolution per (channelID, contactKey)
// so concurrent webhook deliveries for the same contact cannot each create
// a conversation. Entries are refcounted and dropped when idle.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedLocks) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
