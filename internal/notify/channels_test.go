package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-sync/internal/adapter"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/database"
)

func sample(ch Channel, target string) *Notification {
	return &Notification{
		ID:             "n-1",
		OrganizationID: "org-1",
		EventType:      EventSyncFailed,
		Channel:        ch,
		Target:         target,
		Subject:        "Sync failed for fleet",
		Message:        "The push of integration fleet failed",
		Payload:        database.JSONMap{"entry_id": "e-1"},
	}
}

func TestSMSSender_PostsForm(t *testing.T) {
	var (
		gotPath string
		gotUser string
		gotPass string
		gotForm map[string]string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, gotPass, _ = r.BasicAuth()
		require.NoError(t, r.ParseForm())
		gotForm = map[string]string{
			"To":   r.PostForm.Get("To"),
			"From": r.PostForm.Get("From"),
			"Body": r.PostForm.Get("Body"),
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := NewSMSSender(config.SMSConfig{
		URL:        srv.URL,
		AccountSID: "AC123",
		AuthToken:  "token",
		From:       "+15550001",
	}, srv.Client())

	require.NoError(t, s.Send(context.Background(), sample(ChannelSMS, "+15550100"), ""))
	assert.Equal(t, "/Accounts/AC123/Messages.json", gotPath)
	assert.Equal(t, "AC123", gotUser)
	assert.Equal(t, "token", gotPass)
	assert.Equal(t, "+15550100", gotForm["To"])
	assert.Equal(t, "+15550001", gotForm["From"])
	assert.Equal(t, "Sync failed for fleet: The push of integration fleet failed", gotForm["Body"])
}

func TestSMSSender_Unconfigured(t *testing.T) {
	s := NewSMSSender(config.SMSConfig{}, nil)
	err := s.Send(context.Background(), sample(ChannelSMS, "+15550100"), "")
	assert.ErrorIs(t, err, ErrChannelUnavailable)
}

func TestWebhookSender_SignsBody(t *testing.T) {
	var (
		body      []byte
		signature string
		agent     string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		signature = r.Header.Get(adapter.HeaderWebhookSignature)
		agent = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewWebhookSender(srv.Client())
	s.Now = func() time.Time { return t0 }

	require.NoError(t, s.Send(context.Background(), sample(ChannelWebhook, srv.URL), "shh"))
	assert.True(t, adapter.VerifySignature("shh", body, signature))
	assert.Equal(t, "graysync-webhook/1.0", agent)

	var got webhookBody
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "n-1", got.ID)
	assert.Equal(t, EventSyncFailed, got.EventType)
	assert.Equal(t, "e-1", got.Data["entry_id"])
	assert.Equal(t, "2026-10-14T09:30:00Z", got.Timestamp)
}

func TestWebhookSender_UnsignedWithoutSecret(t *testing.T) {
	var header []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Values(adapter.HeaderWebhookSignature)
	}))
	defer srv.Close()

	require.NoError(t, NewWebhookSender(srv.Client()).Send(context.Background(), sample(ChannelWebhook, srv.URL), ""))
	assert.Empty(t, header)
}

func TestWebhookSender_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookSender(srv.Client()).Send(context.Background(), sample(ChannelWebhook, srv.URL), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "nope")
}

func TestEmailSender(t *testing.T) {
	s := NewEmailSender(config.SMTPConfig{
		Host:     "smtp.example.com",
		Port:     587,
		Username: "mailer",
		Password: "pw",
		From:     "graysync@example.com",
	})

	var (
		addr string
		to   []string
		msg  string
		auth smtp.Auth
	)
	s.sendMail = func(a string, au smtp.Auth, _ string, rcpt []string, m []byte) error {
		addr, auth, to, msg = a, au, rcpt, string(m)
		return nil
	}

	n := sample(ChannelEmail, "ops@example.com")
	n.Subject = "Sync failed\r\nBcc: evil@example.com"
	require.NoError(t, s.Send(context.Background(), n, ""))

	assert.Equal(t, "smtp.example.com:587", addr)
	assert.NotNil(t, auth)
	assert.Equal(t, []string{"ops@example.com"}, to)
	assert.Contains(t, msg, "Subject: Sync failed  Bcc: evil@example.com\r\n")
	assert.NotContains(t, msg, "\r\nBcc:")
	assert.True(t, strings.HasSuffix(msg, "The push of integration fleet failed\r\n"))
}

func TestEmailSender_Unconfigured(t *testing.T) {
	err := NewEmailSender(config.SMTPConfig{}).Send(context.Background(), sample(ChannelEmail, "ops@example.com"), "")
	assert.ErrorIs(t, err, ErrChannelUnavailable)
}

type fakeHub struct {
	mu   sync.Mutex
	sent map[string][]any
}

func (h *fakeHub) Broadcast(channel string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sent == nil {
		h.sent = map[string][]any{}
	}
	h.sent[channel] = append(h.sent[channel], payload)
}

func (h *fakeHub) count(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sent[channel])
}

func TestInAppSender_BroadcastsToOrganization(t *testing.T) {
	hub := &fakeHub{}
	require.NoError(t, NewInAppSender(hub).Send(context.Background(), sample(ChannelInApp, ""), ""))
	assert.Equal(t, 1, hub.count("notifications:org-1"))
	assert.Zero(t, hub.count("notifications:org-2"))
}
