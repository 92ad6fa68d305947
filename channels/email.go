package channels

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net"
	"net/mail"
	"net/smtp"
	"regexp"
	"strconv"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/courrier/guard"
	"github.com/hazyhaar/courrier/idgen"
)

// EmailConfig is the per-channel config for the email channel. Inbound
// mail arrives via a relay that POSTs parsed messages to the channel's
// webhook; outbound goes over SMTP.
type EmailConfig struct {
	// InboundAddress is the mailbox the relay receives for
	// (e.g. "support@acme.example"). Used as the From address on replies.
	InboundAddress string `json:"inbound_address"`
	// FromName is the display name on outbound mail.
	FromName string `json:"from_name,omitempty"`
	// SMTPHost / SMTPPort locate the submission server. Port defaults
	// to 587.
	SMTPHost string `json:"smtp_host"`
	SMTPPort int    `json:"smtp_port,omitempty"`
	// SMTPUsername / SMTPPassword authenticate the submission; empty
	// disables AUTH (e.g. an internal relay).
	SMTPUsername string `json:"smtp_username,omitempty"`
	SMTPPassword string `json:"smtp_password,omitempty"`
	// WebhookSecret enables HMAC verification of the inbound relay's
	// POSTs.
	WebhookSecret string `json:"webhook_secret,omitempty"`
}

// EmailConnector speaks the email channel: inbound_email webhooks from a
// parsing relay, SMTP on the way out. Conversations are threaded on the
// sender's address. The connector owns content normalization — raw HTML
// never leaks past it.
type EmailConnector struct {
	baseURL string
	newID   idgen.Generator

	// dialTimeout bounds the connect-time SMTP reachability probe.
	dialTimeout time.Duration
}

// EmailOption configures an EmailConnector.
type EmailOption func(*EmailConnector)

// WithEmailIDGenerator sets the generator used for Message-IDs.
func WithEmailIDGenerator(gen idgen.Generator) EmailOption {
	return func(e *EmailConnector) { e.newID = gen }
}

// NewEmailConnector creates the email connector. baseURL is the public
// base URL of this deployment, used to compute the webhook URL the inbound
// relay must POST to.
func NewEmailConnector(baseURL string, opts ...EmailOption) *EmailConnector {
	e := &EmailConnector{
		baseURL:     strings.TrimRight(baseURL, "/"),
		newID:       idgen.UUIDv7(),
		dialTimeout: 10 * time.Second,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *EmailConnector) Type() ChannelType { return TypeEmail }

func (e *EmailConnector) ValidateConfig(config json.RawMessage) ValidationResult {
	var cfg EmailConfig
	if err := unmarshalConfig(config, &cfg); err != nil {
		return ValidationResult{Errors: []string{err.Error()}}
	}
	var errs []string
	if cfg.InboundAddress == "" {
		errs = append(errs, "inbound_address is required")
	} else if _, err := mail.ParseAddress(cfg.InboundAddress); err != nil {
		errs = append(errs, "inbound_address is not a valid email address")
	}
	if cfg.SMTPHost == "" {
		errs = append(errs, "smtp_host is required")
	}
	if cfg.SMTPPort < 0 || cfg.SMTPPort > 65535 {
		errs = append(errs, "smtp_port out of range")
	}
	if len(errs) > 0 {
		return ValidationResult{Errors: errs}
	}
	return ValidationResult{Valid: true}
}

// Connect probes the SMTP submission endpoint and computes the webhook URL
// for the inbound relay. Idempotent; a repeat connect re-probes and yields
// the same URL.
func (e *EmailConnector) Connect(ctx context.Context, ch *Channel) (ConnectionResult, error) {
	if ch.ID == "" {
		return ConnectionResult{}, errors.New("email: channel must be persisted before connect")
	}
	var cfg EmailConfig
	if err := unmarshalConfig(ch.Config, &cfg); err != nil {
		return ConnectionResult{}, fmt.Errorf("email: parse config: %w", err)
	}

	addr := net.JoinHostPort(cfg.SMTPHost, strconv.Itoa(smtpPort(cfg)))
	d := net.Dialer{Timeout: e.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return ConnectionResult{Error: fmt.Sprintf("smtp unreachable at %s: %v", addr, err)}, nil
	}
	conn.Close()

	return ConnectionResult{
		Success:           true,
		ExternalChannelID: strings.ToLower(cfg.InboundAddress),
		WebhookURL:        e.baseURL + "/api/channels/email/" + ch.ID + "/webhook",
	}, nil
}

// Disconnect is a no-op: the inbound relay is configured externally and
// SMTP holds no session.
func (e *EmailConnector) Disconnect(context.Context, *Channel) error { return nil }

func (e *EmailConnector) GetStatus(_ context.Context, ch *Channel) Status {
	return Status{
		Connected:  ch.Status == "connected",
		State:      ch.Status,
		LastSyncAt: ch.LastSyncAt,
	}
}

// inboundEmail is the relay's payload for one parsed inbound message.
type inboundEmail struct {
	From      string `json:"from"`
	FromName  string `json:"fromName"`
	Subject   string `json:"subject"`
	MessageID string `json:"messageId"`
	Text      string `json:"text"`
	HTML      string `json:"html"`

	Attachments []struct {
		Filename    string `json:"filename"`
		ContentType string `json:"contentType"`
		Size        int64  `json:"size"`
		URL         string `json:"url"`
	} `json:"attachments"`
}

// HandleWebhook normalizes an inbound_email event. The body is reduced to
// plain text (tags stripped, entities unescaped); the original HTML is
// preserved as Markdown in the rich content alongside the subject. Other
// event types from the relay (bounces, delivery notices) create no message.
func (e *EmailConnector) HandleWebhook(ch *Channel, payload WebhookPayload) (*IncomingMessage, error) {
	var cfg EmailConfig
	if err := unmarshalConfig(ch.Config, &cfg); err != nil {
		return nil, &ErrBadWebhook{ChannelID: ch.ID, EventType: payload.EventType, Cause: err}
	}
	if !guard.VerifySignature(cfg.WebhookSecret, payload.RawBody, payload.Signature) {
		return nil, &ErrBadWebhook{ChannelID: ch.ID, EventType: payload.EventType,
			Cause: errors.New("invalid signature")}
	}

	if payload.EventType != "inbound_email" {
		return nil, nil
	}

	var ev inboundEmail
	if err := json.Unmarshal(payload.Payload, &ev); err != nil {
		return nil, &ErrBadWebhook{ChannelID: ch.ID, EventType: payload.EventType, Cause: err}
	}
	addr, err := mail.ParseAddress(ev.From)
	if err != nil {
		return nil, &ErrBadWebhook{ChannelID: ch.ID, EventType: payload.EventType,
			Cause: fmt.Errorf("bad from address %q: %w", ev.From, err)}
	}

	content := strings.TrimSpace(ev.Text)
	if content == "" {
		content = HTMLToText(ev.HTML)
	}
	if content == "" && len(ev.Attachments) == 0 {
		return nil, &ErrBadWebhook{ChannelID: ch.ID, EventType: payload.EventType,
			Cause: errors.New("empty email body")}
	}

	senderName := ev.FromName
	if senderName == "" {
		senderName = addr.Name
	}

	msg := &IncomingMessage{
		ChannelID:   ch.ID,
		WorkspaceID: ch.WorkspaceID,
		ChannelType: TypeEmail,
		ExternalID:  ev.MessageID,
		ContactKey:  strings.ToLower(addr.Address),
		Sender: Contact{
			Name:  senderName,
			Email: strings.ToLower(addr.Address),
		},
		Content:     content,
		ContentType: "text",
		Metadata:    map[string]string{"subject": ev.Subject},
		Timestamp:   payload.Timestamp,
	}

	if rich := emailRichContent(ev.Subject, ev.HTML); rich != nil {
		msg.RichContent = rich
	}
	for _, a := range ev.Attachments {
		msg.Attachments = append(msg.Attachments, Attachment{
			FileName: a.Filename,
			FileType: ClassifyFileType(a.ContentType),
			MimeType: a.ContentType,
			FileSize: a.Size,
			URL:      a.URL,
		})
	}
	return msg, nil
}

// SendMessage submits the reply over SMTP. The recipient address comes
// from the conversation participant, carried in the message metadata by
// the Service. Connection and timeout failures are retryable; rejected
// recipients and auth failures are not.
func (e *EmailConnector) SendMessage(ctx context.Context, ch *Channel, msg OutgoingMessage) (SendResult, error) {
	var cfg EmailConfig
	if err := unmarshalConfig(ch.Config, &cfg); err != nil {
		return SendResult{}, fmt.Errorf("email: parse config: %w", err)
	}
	to := msg.Metadata["recipient_email"]
	if to == "" {
		to = msg.Metadata["contact_key"]
	}
	if to == "" {
		return SendResult{}, errors.New("email: no recipient address for conversation")
	}

	messageID := fmt.Sprintf("<%s@%s>", e.newID(), domainOf(cfg.InboundAddress))
	subject := msg.Metadata["subject"]
	if subject == "" {
		subject = "Re: your message"
	}

	body := buildMIMEMessage(cfg, to, subject, messageID, msg)

	addr := net.JoinHostPort(cfg.SMTPHost, strconv.Itoa(smtpPort(cfg)))
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return SendResult{Error: err.Error(), Retryable: true}, nil
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, cfg.SMTPHost)
	if err != nil {
		return SendResult{Error: err.Error(), Retryable: true}, nil
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: cfg.SMTPHost}); err != nil {
			return SendResult{Error: fmt.Sprintf("starttls: %v", err), Retryable: true}, nil
		}
	}
	if cfg.SMTPUsername != "" {
		auth := smtp.PlainAuth("", cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPHost)
		if err := client.Auth(auth); err != nil {
			return SendResult{Error: fmt.Sprintf("auth: %v", err)}, nil
		}
	}

	if err := client.Mail(cfg.InboundAddress); err != nil {
		return SendResult{Error: fmt.Sprintf("mail from: %v", err)}, nil
	}
	if err := client.Rcpt(to); err != nil {
		return SendResult{Error: fmt.Sprintf("rcpt to: %v", err)}, nil
	}
	wc, err := client.Data()
	if err != nil {
		return SendResult{Error: fmt.Sprintf("data: %v", err), Retryable: true}, nil
	}
	if _, err := wc.Write([]byte(body)); err != nil {
		wc.Close()
		return SendResult{Error: err.Error(), Retryable: true}, nil
	}
	if err := wc.Close(); err != nil {
		return SendResult{Error: err.Error(), Retryable: true}, nil
	}
	if err := client.Quit(); err != nil {
		// Message was accepted; a failed QUIT is not a delivery failure.
		_ = err
	}

	delivered := time.Now().UTC()
	return SendResult{Success: true, ExternalMessageID: messageID, DeliveredAt: &delivered}, nil
}

// --- content normalization ------------------------------------------------

var (
	strictPolicy = bluemonday.StrictPolicy()
	lineBreakRe  = regexp.MustCompile(`(?i)<br\s*/?>|</p>|</div>|</li>|</h[1-6]>|</tr>`)
	multiBlankRe = regexp.MustCompile(`\n{3,}`)
	spaceRunRe   = regexp.MustCompile(`[ \t]+`)
)

// HTMLToText reduces an HTML email body to plain text: block boundaries
// become newlines, all tags are stripped, entities are unescaped. Raw HTML
// never crosses the connector boundary.
func HTMLToText(s string) string {
	if s == "" {
		return ""
	}
	s = lineBreakRe.ReplaceAllString(s, "\n")
	s = strictPolicy.Sanitize(s)
	s = html.UnescapeString(s)
	s = spaceRunRe.ReplaceAllString(s, " ")
	s = multiBlankRe.ReplaceAllString(s, "\n\n")
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		lines = append(lines, strings.TrimSpace(line))
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// emailRichContent converts the HTML body to Markdown and packs it with
// the subject. Returns nil when there is nothing richer than plain text.
func emailRichContent(subject, htmlBody string) json.RawMessage {
	rich := struct {
		Subject  string `json:"subject,omitempty"`
		Markdown string `json:"markdown,omitempty"`
	}{Subject: subject}

	if htmlBody != "" {
		md, err := htmltomarkdown.ConvertString(htmlBody)
		if err == nil {
			rich.Markdown = strings.TrimSpace(md)
		}
	}
	if rich.Subject == "" && rich.Markdown == "" {
		return nil
	}
	data, err := json.Marshal(rich)
	if err != nil {
		return nil
	}
	return data
}

func buildMIMEMessage(cfg EmailConfig, to, subject, messageID string, msg OutgoingMessage) string {
	from := cfg.InboundAddress
	if cfg.FromName != "" {
		from = (&mail.Address{Name: cfg.FromName, Address: cfg.InboundAddress}).String()
	}
	if msg.SenderName != "" {
		from = (&mail.Address{Name: msg.SenderName, Address: cfg.InboundAddress}).String()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Message-ID: %s\r\n", messageID)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Content, "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.String()
}

func smtpPort(cfg EmailConfig) int {
	if cfg.SMTPPort > 0 {
		return cfg.SMTPPort
	}
	return 587
}

func domainOf(address string) string {
	if i := strings.LastIndexByte(address, '@'); i >= 0 && i < len(address)-1 {
		return address[i+1:]
	}
	return "localhost"
}
