package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-sync/internal/adapter"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/config"
)

const (
	// DefaultSMSURL is the Twilio REST API root.
	DefaultSMSURL = "https://api.twilio.com/2010-04-01"

	userAgent      = "graysync-webhook/1.0"
	maxErrorBody   = 512
	requestTimeout = 15 * time.Second
)

// Sender delivers notifications on one channel. secret is the preference
// secret, empty when none is set.
type Sender interface {
	Channel() Channel
	Send(ctx context.Context, n *Notification, secret string) error
}

// EmailSender delivers over SMTP.
type EmailSender struct {
	cfg config.SMTPConfig

	// sendMail is smtp.SendMail; tests may replace it.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailSender creates an SMTP sender.
func NewEmailSender(cfg config.SMTPConfig) *EmailSender {
	return &EmailSender{cfg: cfg, sendMail: smtp.SendMail}
}

// Channel implements Sender.
func (s *EmailSender) Channel() Channel { return ChannelEmail }

// Send implements Sender.
func (s *EmailSender) Send(_ context.Context, n *Notification, _ string) error {
	if s.cfg.Host == "" {
		return fmt.Errorf("%w: smtp host not configured", ErrChannelUnavailable)
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	msg := buildMail(s.cfg.From, n.Target, n.Subject, n.Message, time.Now())
	if err := s.sendMail(addr, auth, s.cfg.From, []string{n.Target}, msg); err != nil {
		return fmt.Errorf("sending email: %w", err)
	}
	return nil
}

func buildMail(from, to, subject, body string, at time.Time) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + headerSafe(subject) + "\r\n")
	b.WriteString("Date: " + at.UTC().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}

// headerSafe strips line breaks so a subject cannot inject headers.
func headerSafe(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}

// SMSSender posts to a Twilio-compatible Messages endpoint.
type SMSSender struct {
	cfg    config.SMSConfig
	client *http.Client
}

// NewSMSSender creates an SMS sender. A nil client uses a default.
func NewSMSSender(cfg config.SMSConfig, client *http.Client) *SMSSender {
	if cfg.URL == "" {
		cfg.URL = DefaultSMSURL
	}
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	return &SMSSender{cfg: cfg, client: client}
}

// Channel implements Sender.
func (s *SMSSender) Channel() Channel { return ChannelSMS }

// Send implements Sender.
func (s *SMSSender) Send(ctx context.Context, n *Notification, _ string) error {
	if s.cfg.AccountSID == "" || s.cfg.AuthToken == "" {
		return fmt.Errorf("%w: sms account not configured", ErrChannelUnavailable)
	}
	endpoint := strings.TrimRight(s.cfg.URL, "/") + "/Accounts/" + url.PathEscape(s.cfg.AccountSID) + "/Messages.json"

	form := url.Values{}
	form.Set("To", n.Target)
	form.Set("From", s.cfg.From)
	form.Set("Body", smsText(n))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building sms request: %w", err)
	}
	req.SetBasicAuth(s.cfg.AccountSID, s.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return do(s.client, req)
}

// smsText joins subject and message into one short text.
func smsText(n *Notification) string {
	if n.Subject == "" {
		return n.Message
	}
	if n.Message == "" {
		return n.Subject
	}
	return n.Subject + ": " + n.Message
}

// WebhookSender posts the notification as JSON.
type WebhookSender struct {
	client *http.Client

	// Now stamps the payload. Tests may replace it.
	Now func() time.Time
}

// NewWebhookSender creates a webhook sender. A nil client uses a default.
func NewWebhookSender(client *http.Client) *WebhookSender {
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	return &WebhookSender{client: client, Now: time.Now}
}

// webhookBody is the JSON document posted to webhook targets.
type webhookBody struct {
	ID             string         `json:"id"`
	EventType      EventType      `json:"event_type"`
	OrganizationID string         `json:"organization_id"`
	Subject        string         `json:"subject"`
	Message        string         `json:"message"`
	Data           map[string]any `json:"data,omitempty"`
	Timestamp      string         `json:"timestamp"`
}

// Channel implements Sender.
func (s *WebhookSender) Channel() Channel { return ChannelWebhook }

// Send implements Sender. The body is signed with the hex HMAC-SHA256 of
// secret in X-Webhook-Signature when secret is set.
func (s *WebhookSender) Send(ctx context.Context, n *Notification, secret string) error {
	body, err := json.Marshal(webhookBody{
		ID:             n.ID,
		EventType:      n.EventType,
		OrganizationID: n.OrganizationID,
		Subject:        n.Subject,
		Message:        n.Message,
		Data:           n.Payload,
		Timestamp:      s.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("encoding webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.Target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if secret != "" {
		req.Header.Set(adapter.HeaderWebhookSignature, adapter.Sign(secret, body))
	}
	return do(s.client, req)
}

func do(client *http.Client, req *http.Request) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", req.URL.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody)) //nolint:errcheck // best effort error detail
		return fmt.Errorf("%s returned %d: %s", req.URL.Host, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for connection reuse
	return nil
}

// Broadcaster pushes an event to WebSocket subscribers of a channel.
type Broadcaster interface {
	Broadcast(channel string, payload any)
}

// InAppChannel is the WebSocket channel carrying an organization's
// notifications.
func InAppChannel(organizationID string) string {
	return "notifications:" + organizationID
}

// InAppSender broadcasts on the organization's WebSocket channel.
type InAppSender struct {
	hub Broadcaster
}

// NewInAppSender creates an in-app sender.
func NewInAppSender(hub Broadcaster) *InAppSender {
	return &InAppSender{hub: hub}
}

// Channel implements Sender.
func (s *InAppSender) Channel() Channel { return ChannelInApp }

// Send implements Sender. Delivery succeeds whether or not anyone is
// connected.
func (s *InAppSender) Send(_ context.Context, n *Notification, _ string) error {
	s.hub.Broadcast(InAppChannel(n.OrganizationID), n)
	return nil
}
