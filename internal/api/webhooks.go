package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-sync/internal/adapter"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/metrics"
	"github.com/nerrad567/gray-logic-sync/internal/integration"
	"github.com/nerrad567/gray-logic-sync/internal/syncerr"
	"github.com/nerrad567/gray-logic-sync/internal/syncqueue"
)

// HeaderIntegrationID names the integration on the shared webhook route.
const HeaderIntegrationID = "X-Integration-ID"

// Webhook outcomes used as metric labels.
const (
	webhookAccepted  = "accepted"
	webhookRejected  = "rejected"
	webhookMalformed = "malformed"
)

// webhookIntegrationID resolves the target integration from the path,
// then the X-Integration-ID header, then the integration_id query parameter.
func webhookIntegrationID(r *http.Request) string {
	if id := chi.URLParam(r, "integrationID"); id != "" {
		return id
	}
	if id := r.Header.Get(HeaderIntegrationID); id != "" {
		return id
	}
	return r.URL.Query().Get("integration_id")
}

// handleWebhook receives a device state delivery from a platform.
//
// The body must be signed with the integration's webhook secret. A valid
// delivery is buffered as a remote snapshot and a reconcile of the device
// is queued; the response is 202 Accepted.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	id := webhookIntegrationID(r)
	if id == "" {
		writeBadRequest(w, "integration id is required")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "webhook body too large")
			return
		}
		writeBadRequest(w, "failed to read body")
		return
	}

	in, err := s.integrations.Get(r.Context(), id)
	if err != nil || !in.Enabled {
		writeNotFound(w, "integration not found")
		return
	}
	if !s.acceptsWebhooks(in) {
		writeNotFound(w, "integration does not accept webhooks")
		return
	}

	creds, err := s.integrations.Credentials(r.Context(), in.ID)
	if err != nil {
		s.writeDomainError(w, err, "load integration credentials")
		return
	}

	rd, err := s.receiver.Receive(r.Context(), adapter.Inbound{
		Target:   adapter.Target{Integration: in, Credentials: creds},
		Header:   r.Header,
		Body:     body,
		Endpoint: r.URL.Path,
	})
	if err != nil {
		serr := syncerr.Classify(err)
		if serr.Kind == syncerr.KindSignatureInvalid {
			metrics.WebhooksTotal.WithLabelValues(string(in.Type), webhookRejected).Inc()
			s.logger.Warn("webhook signature rejected", "integration_id", in.ID, "code", serr.Code)
			writeError(w, http.StatusUnauthorized, ErrCodeSignatureFailed, "invalid webhook signature")
			return
		}
		metrics.WebhooksTotal.WithLabelValues(string(in.Type), webhookMalformed).Inc()
		writeBadRequest(w, serr.Error())
		return
	}

	entry := &syncqueue.Entry{
		OrganizationID: in.OrganizationID,
		IntegrationID:  in.ID,
		Operation:      syncqueue.OperationPull,
		Payload:        syncqueue.Payload{ExternalIDs: []string{rd.ExternalID}},
		Priority:       syncqueue.PriorityFor(syncqueue.SourceWebhook),
		Source:         syncqueue.SourceWebhook,
		MaxRetries:     in.MaxRetries,
		CreatedAt:      s.Now().UTC(),
	}
	if err := s.queue.Enqueue(r.Context(), entry); err != nil {
		s.writeDomainError(w, err, "queue webhook pull")
		return
	}
	metrics.WebhooksTotal.WithLabelValues(string(in.Type), webhookAccepted).Inc()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted":    true,
		"external_id": rd.ExternalID,
		"entry_id":    entry.ID,
	})
}

// acceptsWebhooks reports whether the integration's adapter takes pushes.
func (s *Server) acceptsWebhooks(in *integration.Integration) bool {
	if s.adapters == nil || s.receiver == nil {
		return false
	}
	ad, err := s.adapters.For(in.Type)
	if err != nil {
		return false
	}
	return ad.Capabilities().Webhook
}
