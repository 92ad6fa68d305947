package channels

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/courrier/guard"
)

func TestHTMLToText(t *testing.T) {
	cases := []struct {
		name, in, want string
	}{
		{"entities", "<p>Hi &amp; welcome</p>", "Hi & welcome"},
		{"line breaks", "Hello<br>world", "Hello\nworld"},
		{"paragraphs", "<p>one</p><p>two</p>", "one\ntwo"},
		{"nested blocks", "<div><h1>Title</h1><div>body  text</div></div>", "Title\nbody text"},
		{"strips script", `<p>safe</p><script>alert("x")</script>`, "safe"},
		{"quotes", "<p>&quot;quoted&quot; &lt;tag&gt;</p>", `"quoted" <tag>`},
		{"empty", "", ""},
		{"whitespace collapse", "<p>a\t\t b</p>\n\n\n\n<p>c</p>", "a b\n\nc"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := HTMLToText(tc.in); got != tc.want {
				t.Fatalf("HTMLToText(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func emailChannel(t *testing.T, secret string) *Channel {
	t.Helper()
	cfg, err := json.Marshal(EmailConfig{
		InboundAddress: "support@acme.example",
		SMTPHost:       "smtp.acme.example",
		WebhookSecret:  secret,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &Channel{
		ID:          "ch_email",
		WorkspaceID: "ws1",
		Type:        TypeEmail,
		Config:      cfg,
		Status:      "connected",
	}
}

func TestEmailValidateConfig(t *testing.T) {
	e := NewEmailConnector("https://courrier.example")

	if vr := e.ValidateConfig(json.RawMessage(`{"inbound_address":"support@acme.example","smtp_host":"smtp.acme.example"}`)); !vr.Valid {
		t.Fatalf("valid config rejected: %v", vr.Errors)
	}
	vr := e.ValidateConfig(json.RawMessage(`{"inbound_address":"not-an-address"}`))
	if vr.Valid {
		t.Fatal("invalid config accepted")
	}
	if len(vr.Errors) != 2 {
		t.Fatalf("expected address + smtp_host errors, got %v", vr.Errors)
	}
}

func TestEmailHandleWebhookNormalizes(t *testing.T) {
	e := NewEmailConnector("https://courrier.example")
	ch := emailChannel(t, "")

	payload, _ := json.Marshal(map[string]any{
		"from":      `"Jane Doe" <Jane.Doe@Example.COM>`,
		"subject":   "Order question",
		"messageId": "<abc@mail.example>",
		"html":      "<p>Hi &amp; welcome</p><p>Where is my <b>order</b>?</p>",
	})
	msg, err := e.HandleWebhook(ch, WebhookPayload{
		EventType: "inbound_email",
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("handle webhook: %v", err)
	}
	if msg == nil {
		t.Fatal("expected a message")
	}
	if msg.ContactKey != "jane.doe@example.com" {
		t.Fatalf("contact key = %q, want lowercased address", msg.ContactKey)
	}
	if msg.Sender.Name != "Jane Doe" || msg.Sender.Email != "jane.doe@example.com" {
		t.Fatalf("sender = %+v", msg.Sender)
	}
	if want := "Hi & welcome\nWhere is my order?"; msg.Content != want {
		t.Fatalf("content = %q, want %q", msg.Content, want)
	}
	if msg.Metadata["subject"] != "Order question" {
		t.Fatalf("subject metadata = %q", msg.Metadata["subject"])
	}

	var rich struct {
		Subject  string `json:"subject"`
		Markdown string `json:"markdown"`
	}
	if err := json.Unmarshal(msg.RichContent, &rich); err != nil {
		t.Fatalf("rich content: %v", err)
	}
	if rich.Subject != "Order question" {
		t.Fatalf("rich subject = %q", rich.Subject)
	}
	if !strings.Contains(rich.Markdown, "**order**") {
		t.Fatalf("rich markdown should keep formatting, got %q", rich.Markdown)
	}
}

func TestEmailHandleWebhookNonMessageEvents(t *testing.T) {
	e := NewEmailConnector("https://courrier.example")
	ch := emailChannel(t, "")

	msg, err := e.HandleWebhook(ch, WebhookPayload{EventType: "bounce"})
	if err != nil {
		t.Fatalf("bounce event: %v", err)
	}
	if msg != nil {
		t.Fatal("bounce must not create a message")
	}
}

func TestEmailHandleWebhookSignature(t *testing.T) {
	e := NewEmailConnector("https://courrier.example")
	ch := emailChannel(t, "topsecret")

	body := []byte(`{"event_type":"inbound_email","payload":{"from":"a@b.example","text":"hi"}}`)
	payload := WebhookPayload{
		EventType: "inbound_email",
		Payload:   json.RawMessage(`{"from":"a@b.example","text":"hi"}`),
		RawBody:   body,
	}

	var bad *ErrBadWebhook
	if _, err := e.HandleWebhook(ch, payload); !errors.As(err, &bad) {
		t.Fatalf("missing signature: expected ErrBadWebhook, got %v", err)
	}

	payload.Signature = "sha256=deadbeef"
	if _, err := e.HandleWebhook(ch, payload); !errors.As(err, &bad) {
		t.Fatalf("wrong signature: expected ErrBadWebhook, got %v", err)
	}

	payload.Signature = guard.SignBody("topsecret", body)
	msg, err := e.HandleWebhook(ch, payload)
	if err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if msg == nil || msg.Content != "hi" {
		t.Fatalf("message = %+v", msg)
	}
}

func TestEmailHandleWebhookRejectsEmpty(t *testing.T) {
	e := NewEmailConnector("https://courrier.example")
	ch := emailChannel(t, "")

	payload, _ := json.Marshal(map[string]string{"from": "a@b.example"})
	var bad *ErrBadWebhook
	if _, err := e.HandleWebhook(ch, WebhookPayload{
		EventType: "inbound_email", Payload: payload,
	}); !errors.As(err, &bad) {
		t.Fatalf("empty body: expected ErrBadWebhook, got %v", err)
	}

	payload, _ = json.Marshal(map[string]string{"from": "not valid", "text": "hi"})
	if _, err := e.HandleWebhook(ch, WebhookPayload{
		EventType: "inbound_email", Payload: payload,
	}); !errors.As(err, &bad) {
		t.Fatalf("bad from: expected ErrBadWebhook, got %v", err)
	}
}

func TestBuildMIMEMessage(t *testing.T) {
	cfg := EmailConfig{InboundAddress: "support@acme.example", FromName: "Acme Support"}
	body := buildMIMEMessage(cfg, "jane@example.com", "Re: hello", "<id-1@acme.example>",
		OutgoingMessage{Content: "line one\nline two", SenderName: "Ana"})

	for _, want := range []string{
		"From: \"Ana\" <support@acme.example>\r\n",
		"To: jane@example.com\r\n",
		"Subject: Re: hello\r\n",
		"Message-ID: <id-1@acme.example>\r\n",
		"\r\n\r\nline one\r\nline two\r\n",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("MIME message missing %q:\n%s", want, body)
		}
	}
}

func TestDomainOf(t *testing.T) {
	if got := domainOf("support@acme.example"); got != "acme.example" {
		t.Fatalf("domainOf = %q", got)
	}
	if got := domainOf("malformed"); got != "localhost" {
		t.Fatalf("domainOf fallback = %q", got)
	}
}
