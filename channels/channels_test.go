package channels

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/courrier/dbopen"
	_ "modernc.org/sqlite"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// setupTestDB creates an in-memory SQLite database with the channels schema.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := Init(db); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return db
}

// stubConnector is a scriptable Connector for service tests. Zero value
// behaves like a healthy chat widget connector.
type stubConnector struct {
	typ         ChannelType
	validateFn  func(json.RawMessage) ValidationResult
	connectFn   func(context.Context, *Channel) (ConnectionResult, error)
	sendFn      func(context.Context, *Channel, OutgoingMessage) (SendResult, error)
	handleFn    func(*Channel, WebhookPayload) (*IncomingMessage, error)
	disconnects int32
}

func (s *stubConnector) Type() ChannelType {
	if s.typ == "" {
		return TypeChatWidget
	}
	return s.typ
}

func (s *stubConnector) ValidateConfig(config json.RawMessage) ValidationResult {
	if s.validateFn != nil {
		return s.validateFn(config)
	}
	return ValidationResult{Valid: true}
}

func (s *stubConnector) Connect(ctx context.Context, ch *Channel) (ConnectionResult, error) {
	if s.connectFn != nil {
		return s.connectFn(ctx, ch)
	}
	return ConnectionResult{
		Success:           true,
		ExternalChannelID: "ext-" + ch.ID,
		WebhookURL:        "https://hooks.example/" + ch.ID,
	}, nil
}

func (s *stubConnector) Disconnect(context.Context, *Channel) error {
	atomic.AddInt32(&s.disconnects, 1)
	return nil
}

func (s *stubConnector) GetStatus(_ context.Context, ch *Channel) Status {
	return Status{Connected: ch.Status == "connected", State: ch.Status}
}

func (s *stubConnector) SendMessage(ctx context.Context, ch *Channel, msg OutgoingMessage) (SendResult, error) {
	if s.sendFn != nil {
		return s.sendFn(ctx, ch, msg)
	}
	return SendResult{Success: true, ExternalMessageID: "stub-out"}, nil
}

func (s *stubConnector) HandleWebhook(ch *Channel, payload WebhookPayload) (*IncomingMessage, error) {
	if s.handleFn != nil {
		return s.handleFn(ch, payload)
	}
	return nil, nil
}

// newTestService wires a service over an in-memory store and the given
// connector.
func newTestService(t *testing.T, stub *stubConnector, opts ...ServiceOption) (*Service, *Store, *sql.DB) {
	t.Helper()
	db := setupTestDB(t)
	store := NewStore(db)
	registry, err := NewRegistry(stub)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return NewService(store, registry, opts...), store, db
}

// mustCreateChannel creates a connected channel through the service.
func mustCreateChannel(t *testing.T, svc *Service, typ ChannelType) *Channel {
	t.Helper()
	ch, err := svc.CreateChannel(context.Background(), CreateChannelInput{
		WorkspaceID: "ws1",
		Type:        typ,
		Name:        "test channel",
	})
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}
	return ch
}

// seedChannel inserts a channel row directly through the store so that
// conversations created in store-level tests satisfy the channel foreign
// key.
func seedChannel(t *testing.T, store *Store) string {
	t.Helper()
	ch := &Channel{WorkspaceID: "ws1", Type: TypeChatWidget, Name: "store test"}
	if err := store.InsertChannel(context.Background(), ch); err != nil {
		t.Fatalf("insert channel: %v", err)
	}
	return ch.ID
}

func inbound(channelID, externalID, contactKey, content string) *IncomingMessage {
	return &IncomingMessage{
		ChannelID:   channelID,
		WorkspaceID: "ws1",
		ChannelType: TypeChatWidget,
		ExternalID:  externalID,
		ContactKey:  contactKey,
		Sender:      Contact{Name: "Visitor"},
		Content:     content,
	}
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

func TestRegistryUnknownType(t *testing.T) {
	r, err := NewRegistry(&stubConnector{typ: TypeChatWidget})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if _, err := r.Get(TypeEmail); err == nil {
		t.Fatal("expected error for unregistered type")
	}
	var unknown *ErrUnknownChannelType
	if _, err := r.Get("carrier_pigeon"); !errors.As(err, &unknown) {
		t.Fatalf("expected ErrUnknownChannelType, got %v", err)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	_, err := NewRegistry(
		&stubConnector{typ: TypeChatWidget},
		&stubConnector{typ: TypeChatWidget},
	)
	if err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

// ---------------------------------------------------------------------------
// Channel lifecycle
// ---------------------------------------------------------------------------

func TestCreateChannelInvalidConfigInsertsNothing(t *testing.T) {
	stub := &stubConnector{
		validateFn: func(json.RawMessage) ValidationResult {
			return ValidationResult{Errors: []string{"api_key is required"}}
		},
	}
	svc, _, db := newTestService(t, stub)

	_, err := svc.CreateChannel(context.Background(), CreateChannelInput{
		WorkspaceID: "ws1", Type: TypeChatWidget, Name: "bad",
	})
	var invalid *ErrInvalidConfig
	if !errors.As(err, &invalid) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if n := countRows(t, db, "channels"); n != 0 {
		t.Fatalf("expected no channel rows, got %d", n)
	}
}

func TestCreateChannelConnectFailureCompensates(t *testing.T) {
	stub := &stubConnector{
		connectFn: func(context.Context, *Channel) (ConnectionResult, error) {
			return ConnectionResult{Error: "provider rejected credentials"}, nil
		},
	}
	svc, _, db := newTestService(t, stub)

	_, err := svc.CreateChannel(context.Background(), CreateChannelInput{
		WorkspaceID: "ws1", Type: TypeChatWidget, Name: "doomed",
	})
	var connectFailed *ErrConnectFailed
	if !errors.As(err, &connectFailed) {
		t.Fatalf("expected ErrConnectFailed, got %v", err)
	}
	if n := countRows(t, db, "channels"); n != 0 {
		t.Fatalf("expected compensating delete to leave no rows, got %d", n)
	}
	if atomic.LoadInt32(&stub.disconnects) != 1 {
		t.Fatal("expected disconnect before compensating delete")
	}
}

func TestCreateChannelSuccess(t *testing.T) {
	svc, _, _ := newTestService(t, &stubConnector{})
	ch := mustCreateChannel(t, svc, TypeChatWidget)

	if ch.Status != "connected" {
		t.Fatalf("status = %q, want connected", ch.Status)
	}
	if ch.WebhookURL == "" || ch.ExternalChannelID == "" {
		t.Fatalf("connect result not recorded: %+v", ch)
	}

	got, err := svc.GetChannel(context.Background(), "ws1", ch.ID)
	if err != nil {
		t.Fatalf("get channel: %v", err)
	}
	if got.Status != "connected" || got.WebhookURL != ch.WebhookURL {
		t.Fatalf("persisted channel mismatch: %+v", got)
	}
}

func TestGetChannelScopedByWorkspace(t *testing.T) {
	svc, _, _ := newTestService(t, &stubConnector{})
	ch := mustCreateChannel(t, svc, TypeChatWidget)

	var notFound *ErrChannelNotFound
	if _, err := svc.GetChannel(context.Background(), "other-ws", ch.ID); !errors.As(err, &notFound) {
		t.Fatalf("expected ErrChannelNotFound for foreign workspace, got %v", err)
	}
}

func TestUpdateChannelValidatesBeforePersisting(t *testing.T) {
	calls := 0
	stub := &stubConnector{
		validateFn: func(cfg json.RawMessage) ValidationResult {
			calls++
			if calls > 1 {
				return ValidationResult{Errors: []string{"nope"}}
			}
			return ValidationResult{Valid: true}
		},
	}
	svc, _, _ := newTestService(t, stub)
	ch := mustCreateChannel(t, svc, TypeChatWidget)

	_, err := svc.UpdateChannel(context.Background(), "ws1", ch.ID, "renamed",
		json.RawMessage(`{"broken":true}`))
	var invalid *ErrInvalidConfig
	if !errors.As(err, &invalid) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}

	got, err := svc.GetChannel(context.Background(), "ws1", ch.ID)
	if err != nil {
		t.Fatalf("get channel: %v", err)
	}
	if got.Name != "test channel" {
		t.Fatalf("rejected update must not persist, name = %q", got.Name)
	}
}

// ---------------------------------------------------------------------------
// Webhook ingress and threading
// ---------------------------------------------------------------------------

func TestHandleWebhookNonMessageEvent(t *testing.T) {
	stub := &stubConnector{
		handleFn: func(*Channel, WebhookPayload) (*IncomingMessage, error) {
			return nil, nil // typing indicator
		},
	}
	svc, _, db := newTestService(t, stub)
	ch := mustCreateChannel(t, svc, TypeChatWidget)

	msg, conv, err := svc.HandleWebhook(context.Background(), ch.ID,
		WebhookPayload{EventType: "typing"})
	if err != nil {
		t.Fatalf("handle webhook: %v", err)
	}
	if msg != nil || conv != nil {
		t.Fatal("non-message event must create nothing")
	}
	if n := countRows(t, db, "conversations"); n != 0 {
		t.Fatalf("expected no conversations, got %d", n)
	}
	if n := countRows(t, db, "conversation_messages"); n != 0 {
		t.Fatalf("expected no messages, got %d", n)
	}
}

func TestHandleWebhookThreadsBySession(t *testing.T) {
	stub := &stubConnector{
		handleFn: func(ch *Channel, payload WebhookPayload) (*IncomingMessage, error) {
			var ev struct {
				Text      string `json:"text"`
				MessageID string `json:"message_id"`
				Session   string `json:"session"`
			}
			if err := json.Unmarshal(payload.Payload, &ev); err != nil {
				return nil, err
			}
			m := inbound(ch.ID, ev.MessageID, ev.Session, ev.Text)
			m.Sender.Email = "visitor@example.com"
			return m, nil
		},
	}
	svc, _, _ := newTestService(t, stub)
	ch := mustCreateChannel(t, svc, TypeChatWidget)
	ctx := context.Background()

	deliver := func(id, session, text string) (*ConversationMessage, *Conversation) {
		t.Helper()
		payload, _ := json.Marshal(map[string]string{
			"text": text, "message_id": id, "session": session,
		})
		msg, conv, err := svc.HandleWebhook(ctx, ch.ID,
			WebhookPayload{EventType: "message", Payload: payload})
		if err != nil {
			t.Fatalf("handle webhook: %v", err)
		}
		return msg, conv
	}

	m1, c1 := deliver("w1", "sess-a", "hello")
	if c1.Status != "new" || !c1.IsHandledByBot {
		t.Fatalf("fresh conversation state: %+v", c1)
	}
	if m1.SenderType != "user" || m1.Status != "received" {
		t.Fatalf("inbound message state: %+v", m1)
	}
	if c1.MessageCount != 1 {
		t.Fatalf("message count = %d, want 1", c1.MessageCount)
	}

	_, c2 := deliver("w2", "sess-a", "still me")
	if c2.ID != c1.ID {
		t.Fatalf("same session must thread into one conversation: %s vs %s", c2.ID, c1.ID)
	}
	if c2.MessageCount != 2 {
		t.Fatalf("message count = %d, want 2", c2.MessageCount)
	}

	_, c3 := deliver("w3", "sess-b", "someone else")
	if c3.ID == c1.ID {
		t.Fatal("different session must start its own conversation")
	}

	// Contact identity captured from the first message.
	p, err := svc.GetParticipant(ctx, c1.ID)
	if err != nil {
		t.Fatalf("get participant: %v", err)
	}
	if p == nil || p.Email != "visitor@example.com" {
		t.Fatalf("participant = %+v", p)
	}
}

func TestConversationWindowExpiry(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now().UTC()
	store := NewStore(db,
		WithConversationWindow(24*time.Hour),
		withClock(func() time.Time { return now }))
	ctx := context.Background()
	chID := seedChannel(t, store)

	_, c1, _, err := store.AppendIncoming(ctx, inbound(chID, "e1", "alice", "hi"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	// Within the window: same conversation.
	now = now.Add(23 * time.Hour)
	_, c2, _, err := store.AppendIncoming(ctx, inbound(chID, "e2", "alice", "again"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if c2.ID != c1.ID {
		t.Fatal("message inside window must join the open conversation")
	}

	// Past the window since the last message: fresh conversation.
	now = now.Add(25 * time.Hour)
	_, c3, _, err := store.AppendIncoming(ctx, inbound(chID, "e3", "alice", "long time"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if c3.ID == c1.ID {
		t.Fatal("message past window must start a new conversation")
	}
}

func TestDuplicateExternalIDSingleMessage(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()
	chID := seedChannel(t, store)

	_, c1, deduped, err := store.AppendIncoming(ctx, inbound(chID, "dup-1", "alice", "hi"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if deduped {
		t.Fatal("first delivery must not dedup")
	}

	m2, c2, deduped, err := store.AppendIncoming(ctx, inbound(chID, "dup-1", "alice", "hi"))
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if !deduped {
		t.Fatal("redelivery must dedup")
	}
	if c2.ID != c1.ID {
		t.Fatalf("dedup must return the original conversation: %s vs %s", c2.ID, c1.ID)
	}
	if m2.ExternalMessageID != "dup-1" {
		t.Fatalf("dedup must return the stored message: %+v", m2)
	}
	if n := countRows(t, db, "conversation_messages"); n != 1 {
		t.Fatalf("expected exactly 1 message, got %d", n)
	}
	if c2.MessageCount != 1 {
		t.Fatalf("message count = %d, want 1", c2.MessageCount)
	}
}

func TestAppendIncomingSurfacesNonDedupConstraint(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db, WithIDGenerator(func() string { return "fixed" }))
	ctx := context.Background()
	chID := seedChannel(t, store)

	if _, _, _, err := store.AppendIncoming(ctx, inbound(chID, "n1", "lena", "hi")); err != nil {
		t.Fatalf("append: %v", err)
	}

	// A colliding message primary key is not redelivery: it must surface
	// as an insert error, never be swallowed by the dedup path.
	_, _, deduped, err := store.AppendIncoming(ctx, inbound(chID, "n2", "lena", "again"))
	if err == nil {
		t.Fatal("expected constraint error from colliding message id")
	}
	if deduped {
		t.Fatal("primary key collision must not be reported as dedup")
	}
	if !strings.Contains(err.Error(), "insert message") {
		t.Fatalf("error = %v", err)
	}
}

func TestConcurrentDeliveriesOneConversation(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()
	chID := seedChannel(t, store)

	// Same ExternalID from 8 goroutines: exactly one message survives.
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _, err := store.AppendIncoming(ctx, inbound(chID, "race-1", "bob", "hello"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent append: %v", err)
		}
	}
	if n := countRows(t, db, "conversation_messages"); n != 1 {
		t.Fatalf("expected 1 message after concurrent redelivery, got %d", n)
	}
	if n := countRows(t, db, "conversations"); n != 1 {
		t.Fatalf("expected 1 conversation, got %d", n)
	}

	// Distinct ExternalIDs for the same contact: one conversation, all
	// messages kept.
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, _, err := store.AppendIncoming(ctx,
				inbound(chID, fmt.Sprintf("race-2-%d", i), "bob", "more"))
			if err != nil {
				t.Errorf("concurrent append: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if n := countRows(t, db, "conversations"); n != 1 {
		t.Fatalf("rapid double-send created %d conversations, want 1", n)
	}
	if n := countRows(t, db, "conversation_messages"); n != 5 {
		t.Fatalf("expected 5 messages, got %d", n)
	}
}

// ---------------------------------------------------------------------------
// Conversation state machine
// ---------------------------------------------------------------------------

func TestAssignDerivesBotHandling(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()
	chID := seedChannel(t, store)

	_, conv, _, err := store.AppendIncoming(ctx, inbound(chID, "a1", "carol", "help"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	agent := "agent-7"
	assigned, err := store.AssignConversation(ctx, conv.ID, &agent)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if assigned.Status != "assigned" || assigned.IsHandledByBot {
		t.Fatalf("agent assignment state: %+v", assigned)
	}
	if assigned.AssignedAgentID == nil || *assigned.AssignedAgentID != agent {
		t.Fatalf("agent id not recorded: %+v", assigned)
	}

	back, err := store.AssignConversation(ctx, conv.ID, nil)
	if err != nil {
		t.Fatalf("unassign: %v", err)
	}
	if back.Status != "bot_handled" || !back.IsHandledByBot {
		t.Fatalf("bot handoff state: %+v", back)
	}
	if back.AssignedAgentID != nil {
		t.Fatalf("agent id must clear on handoff: %+v", back)
	}
}

func TestResolveIsTerminal(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()
	chID := seedChannel(t, store)

	_, conv, _, err := store.AppendIncoming(ctx, inbound(chID, "r1", "dave", "bye"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	resolved, err := store.ResolveConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != "resolved" || resolved.ResolvedAt == nil {
		t.Fatalf("resolved state: %+v", resolved)
	}

	agent := "agent-1"
	var isResolved *ErrConversationResolved
	if _, err := store.AssignConversation(ctx, conv.ID, &agent); !errors.As(err, &isResolved) {
		t.Fatalf("assign after resolve: expected ErrConversationResolved, got %v", err)
	}
	if _, err := store.ResolveConversation(ctx, conv.ID); !errors.As(err, &isResolved) {
		t.Fatalf("double resolve: expected ErrConversationResolved, got %v", err)
	}

	// A later inbound message from the same contact starts fresh.
	_, next, _, err := store.AppendIncoming(ctx, inbound(chID, "r2", "dave", "back again"))
	if err != nil {
		t.Fatalf("append after resolve: %v", err)
	}
	if next.ID == conv.ID {
		t.Fatal("inbound after resolve must start a new conversation")
	}
	if next.Status != "new" {
		t.Fatalf("new conversation status = %q", next.Status)
	}
}

// ---------------------------------------------------------------------------
// Outbound dispatch
// ---------------------------------------------------------------------------

func TestSendMessagePersistsOnSuccess(t *testing.T) {
	var gotRecipient string
	stub := &stubConnector{
		handleFn: func(ch *Channel, payload WebhookPayload) (*IncomingMessage, error) {
			m := inbound(ch.ID, "s1", "erin", "hi there")
			m.Sender.Email = "erin@example.com"
			return m, nil
		},
		sendFn: func(_ context.Context, _ *Channel, msg OutgoingMessage) (SendResult, error) {
			gotRecipient = msg.Metadata["recipient_email"]
			return SendResult{Success: true, ExternalMessageID: "out-1"}, nil
		},
	}
	svc, _, _ := newTestService(t, stub)
	ch := mustCreateChannel(t, svc, TypeChatWidget)
	ctx := context.Background()

	_, conv, err := svc.HandleWebhook(ctx, ch.ID, WebhookPayload{EventType: "message"})
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	sent, err := svc.SendMessage(ctx, ch.ID, OutgoingMessage{
		ConversationID: conv.ID,
		Content:        "how can I help?",
		SenderName:     "Support",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent.SenderType != "agent" || sent.Status != "sent" {
		t.Fatalf("outbound message state: %+v", sent)
	}
	if sent.ExternalMessageID != "out-1" {
		t.Fatalf("external id = %q", sent.ExternalMessageID)
	}
	if gotRecipient != "erin@example.com" {
		t.Fatalf("recipient from participant = %q", gotRecipient)
	}

	after, err := svc.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if after.MessageCount != 2 {
		t.Fatalf("message count = %d, want 2", after.MessageCount)
	}
	if after.FirstResponseAt == nil {
		t.Fatal("first response time must be set by the first reply")
	}

	// AI-generated replies persist as bot messages.
	bot, err := svc.SendMessage(ctx, ch.ID, OutgoingMessage{
		ConversationID: conv.ID,
		Content:        "automated follow-up",
		IsAIGenerated:  true,
	})
	if err != nil {
		t.Fatalf("bot send: %v", err)
	}
	if bot.SenderType != "bot" || !bot.IsAIGenerated {
		t.Fatalf("bot message state: %+v", bot)
	}
}

func TestFirstResponseAtWriteOnce(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now().UTC().Truncate(time.Second)
	store := NewStore(db, withClock(func() time.Time { return now }))
	ctx := context.Background()
	chID := seedChannel(t, store)

	_, conv, _, err := store.AppendIncoming(ctx, inbound(chID, "f1", "frank", "hello"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	if _, err := store.AppendOutgoing(ctx, conv.ID,
		&OutgoingMessage{Content: "first reply"}, "x1"); err != nil {
		t.Fatalf("first reply: %v", err)
	}
	first, err := store.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if first.FirstResponseAt == nil || !first.FirstResponseAt.Equal(now) {
		t.Fatalf("first response at = %v, want %v", first.FirstResponseAt, now)
	}

	now = now.Add(time.Hour)
	if _, err := store.AppendOutgoing(ctx, conv.ID,
		&OutgoingMessage{Content: "second reply"}, "x2"); err != nil {
		t.Fatalf("second reply: %v", err)
	}
	second, err := store.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !second.FirstResponseAt.Equal(*first.FirstResponseAt) {
		t.Fatalf("first response at moved: %v -> %v",
			first.FirstResponseAt, second.FirstResponseAt)
	}
	if second.LastMessageAt.Equal(*first.LastMessageAt) {
		t.Fatal("last message at should advance with each reply")
	}
}

func TestOutgoingReusedExternalIDPersists(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()
	chID := seedChannel(t, store)

	_, conv, _, err := store.AppendIncoming(ctx, inbound(chID, "prov-9", "kate", "hi"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	// Some providers echo the same external message ID on replies; a
	// delivered reply must persist regardless.
	if _, err := store.AppendOutgoing(ctx, conv.ID,
		&OutgoingMessage{Content: "first"}, "prov-9"); err != nil {
		t.Fatalf("first reply: %v", err)
	}
	if _, err := store.AppendOutgoing(ctx, conv.ID,
		&OutgoingMessage{Content: "second"}, "prov-9"); err != nil {
		t.Fatalf("second reply: %v", err)
	}
	if n := countRows(t, db, "conversation_messages"); n != 3 {
		t.Fatalf("message rows = %d, want 3", n)
	}

	// Inbound redelivery dedup is unaffected by the outbound rows.
	m, _, deduped, err := store.AppendIncoming(ctx, inbound(chID, "prov-9", "kate", "hi"))
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if !deduped {
		t.Fatal("inbound redelivery must still dedup")
	}
	if m.SenderType != "user" {
		t.Fatalf("dedup must return the stored inbound message, got %+v", m)
	}
	if n := countRows(t, db, "conversation_messages"); n != 3 {
		t.Fatalf("redelivery added rows, got %d", n)
	}
}

func TestSendMessageFailureNotPersisted(t *testing.T) {
	stub := &stubConnector{
		handleFn: func(ch *Channel, payload WebhookPayload) (*IncomingMessage, error) {
			return inbound(ch.ID, "fail-1", "grace", "hi"), nil
		},
		sendFn: func(context.Context, *Channel, OutgoingMessage) (SendResult, error) {
			return SendResult{Error: "provider 503", Retryable: true}, nil
		},
	}
	svc, _, db := newTestService(t, stub)
	ch := mustCreateChannel(t, svc, TypeChatWidget)
	ctx := context.Background()

	_, conv, err := svc.HandleWebhook(ctx, ch.ID, WebhookPayload{EventType: "message"})
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	_, err = svc.SendMessage(ctx, ch.ID, OutgoingMessage{
		ConversationID: conv.ID, Content: "doomed reply",
	})
	var sendFailed *ErrSendFailed
	if !errors.As(err, &sendFailed) {
		t.Fatalf("expected ErrSendFailed, got %v", err)
	}
	if !sendFailed.Retryable {
		t.Fatal("connector-reported retryable failure must stay retryable")
	}
	if n := countRows(t, db, "conversation_messages"); n != 1 {
		t.Fatalf("failed delivery must not persist, message rows = %d", n)
	}

	after, err := svc.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if after.FirstResponseAt != nil {
		t.Fatal("failed delivery must not set first response time")
	}
}

func TestSendMessageTimeoutIsRetryable(t *testing.T) {
	stub := &stubConnector{
		handleFn: func(ch *Channel, payload WebhookPayload) (*IncomingMessage, error) {
			return inbound(ch.ID, "slow-1", "henry", "hi"), nil
		},
		sendFn: func(ctx context.Context, _ *Channel, _ OutgoingMessage) (SendResult, error) {
			<-ctx.Done()
			return SendResult{}, ctx.Err()
		},
	}
	svc, _, _ := newTestService(t, stub, WithSendTimeout(50*time.Millisecond))
	ch := mustCreateChannel(t, svc, TypeChatWidget)
	ctx := context.Background()

	_, conv, err := svc.HandleWebhook(ctx, ch.ID, WebhookPayload{EventType: "message"})
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	_, err = svc.SendMessage(ctx, ch.ID, OutgoingMessage{
		ConversationID: conv.ID, Content: "too slow",
	})
	var sendFailed *ErrSendFailed
	if !errors.As(err, &sendFailed) {
		t.Fatalf("expected ErrSendFailed, got %v", err)
	}
	if !sendFailed.Retryable {
		t.Fatal("timeout must be a retryable failure")
	}
}

func TestSendMessageWrongChannel(t *testing.T) {
	stub := &stubConnector{
		handleFn: func(ch *Channel, payload WebhookPayload) (*IncomingMessage, error) {
			return inbound(ch.ID, "x-"+ch.ID, "ivy", "hi"), nil
		},
	}
	svc, _, _ := newTestService(t, stub)
	ch1 := mustCreateChannel(t, svc, TypeChatWidget)
	ch2 := mustCreateChannel(t, svc, TypeChatWidget)
	ctx := context.Background()

	_, conv, err := svc.HandleWebhook(ctx, ch1.ID, WebhookPayload{EventType: "message"})
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	if _, err := svc.SendMessage(ctx, ch2.ID, OutgoingMessage{
		ConversationID: conv.ID, Content: "misrouted",
	}); err == nil {
		t.Fatal("sending through a foreign channel must fail")
	}
}
