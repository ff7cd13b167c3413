package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nerrad567/gray-logic-sync/internal/activity"
	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/tracing"
	"github.com/nerrad567/gray-logic-sync/internal/integration"
	"github.com/nerrad567/gray-logic-sync/internal/syncerr"
)

// MaxResponseBytes caps how much of a response body is read.
const MaxResponseBytes = 10 << 20

// ActivityRecorder receives one entry per external exchange.
type ActivityRecorder interface {
	RecordActivity(ctx context.Context, e *activity.Entry) error
}

type deviceKey struct{}

// WithDeviceID tags ctx with the local device an adapter call concerns, so
// the exchanges it makes are attributed to that device.
func WithDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceKey{}, deviceID)
}

// DeviceIDFrom returns the device set by WithDeviceID, or "".
func DeviceIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(deviceKey{}).(string)
	return id
}

// Observer receives exchange timings, typically for metrics.
type Observer interface {
	ObserveExchange(integrationType, activity string, status int, d time.Duration)
}

// Request is one outbound exchange.
type Request struct {
	OrganizationID  string
	IntegrationID   string
	IntegrationType integration.Type

	// DeviceID is the local device the exchange concerns, when known.
	DeviceID string

	Activity activity.Type
	Method   string
	URL      string
	Header   http.Header
	Body     []byte

	// Sign is applied to the built request before it is sent.
	Sign func(req *http.Request, body []byte) error

	// Translate refines the classification of a non-2xx response.
	Translate func(resp *Response, err *syncerr.Error) *syncerr.Error
}

// Response is a fully read reply.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// HTTPClient performs adapter exchanges and records each one.
//
// It never retries; retry decisions belong to the sync queue.
type HTTPClient struct {
	http     *http.Client
	recorder ActivityRecorder
	observer Observer
	logger   Logger
	tracer   trace.Tracer
	timeout  time.Duration

	// Now is overridable in tests.
	Now func() time.Time
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) {
		if c != nil {
			h.http = c
		}
	}
}

// WithObserver attaches an exchange observer.
func WithObserver(o Observer) HTTPOption {
	return func(h *HTTPClient) { h.observer = o }
}

// WithTimeout sets the per-exchange timeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(h *HTTPClient) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// NewHTTPClient creates an activity-logged client. recorder may be nil.
func NewHTTPClient(recorder ActivityRecorder, opts ...HTTPOption) *HTTPClient {
	h := &HTTPClient{
		http:     &http.Client{},
		recorder: recorder,
		logger:   noopLogger{},
		tracer:   tracing.Tracer("graysync/adapter"),
		timeout:  DefaultTimeout,
		Now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetLogger sets the logger for the client.
func (h *HTTPClient) SetLogger(logger Logger) {
	if logger != nil {
		h.logger = logger
	}
}

// Do sends req and returns the response when its status is 2xx.
//
// Non-2xx responses, transport failures and oversized bodies come back as
// *syncerr.Error. Every call records one activity entry, whatever the
// outcome; a failure to record is logged and otherwise ignored.
func (h *HTTPClient) Do(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	ctx, span := h.tracer.Start(ctx, "adapter.http", trace.WithAttributes(
		attribute.String("integration.id", req.IntegrationID),
		attribute.String("integration.type", string(req.IntegrationType)),
		attribute.String("http.method", req.Method),
		attribute.String("activity.type", string(req.Activity)),
	))
	defer span.End()

	if req.DeviceID == "" {
		req.DeviceID = DeviceIDFrom(ctx)
	}

	start := h.Now()
	resp, err := h.exchange(ctx, req)
	elapsed := h.Now().Sub(start)

	status := 0
	if resp != nil {
		status = resp.Status
	}
	span.SetAttributes(attribute.Int("http.status_code", status))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	if h.observer != nil {
		h.observer.ObserveExchange(string(req.IntegrationType), string(req.Activity), status, elapsed)
	}
	h.record(ctx, req, resp, err, elapsed)
	return resp, err
}

func (h *HTTPClient) exchange(ctx context.Context, req Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindValidation, "INVALID_REQUEST", err)
	}
	for k, vals := range req.Header {
		for _, v := range vals {
			httpReq.Header.Add(k, v)
		}
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Sign != nil {
		if err := req.Sign(httpReq, req.Body); err != nil {
			return nil, syncerr.Wrap(syncerr.KindAuth, "SIGNING_FAILED", err)
		}
	}

	httpResp, err := h.http.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, syncerr.Wrap(syncerr.KindTransient, "TIMEOUT", err)
		}
		return nil, syncerr.Wrap(syncerr.KindTransient, "NETWORK_ERROR", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, MaxResponseBytes+1))
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindTransient, "READ_ERROR", err)
	}
	resp := &Response{Status: httpResp.StatusCode, Header: httpResp.Header, Body: data}
	if len(data) > MaxResponseBytes {
		resp.Body = data[:MaxResponseBytes]
		return resp, syncerr.New(syncerr.KindValidation, "RESPONSE_TOO_LARGE",
			fmt.Sprintf("response exceeds %d bytes", MaxResponseBytes))
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		serr := syncerr.FromHTTPStatus(httpResp.StatusCode,
			activity.Truncate(string(data), 256),
			syncerr.ParseRetryAfter(httpResp.Header.Get("Retry-After"), h.Now()))
		if req.Translate != nil {
			if translated := req.Translate(resp, serr); translated != nil {
				serr = translated
			}
		}
		return resp, serr
	}
	return resp, nil
}

func (h *HTTPClient) record(ctx context.Context, req Request, resp *Response, err error, elapsed time.Duration) {
	if h.recorder == nil {
		return
	}
	entry := &activity.Entry{
		OrganizationID: req.OrganizationID,
		IntegrationID:  req.IntegrationID,
		DeviceID:       req.DeviceID,
		ActivityType:   req.Activity,
		Method:         req.Method,
		Endpoint:       req.URL,
		RequestBody:    string(req.Body),
		ResponseTimeMS: elapsed.Milliseconds(),
		Status:         activity.StatusSuccess,
		CreatedAt:      h.Now(),
	}
	if resp != nil {
		entry.ResponseStatus = resp.Status
		entry.ResponseBody = string(resp.Body)
	}
	if err != nil {
		serr := syncerr.Classify(err)
		entry.Status = activity.StatusError
		entry.ErrorCode = string(serr.Kind)
		entry.ErrorMessage = serr.Error()
	}
	// The exchange context may already be past its deadline.
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if recErr := h.recorder.RecordActivity(recCtx, entry); recErr != nil {
		h.logger.Warn("recording adapter activity failed",
			"integration_id", req.IntegrationID,
			"activity", req.Activity,
			"error", recErr,
		)
	}
}
