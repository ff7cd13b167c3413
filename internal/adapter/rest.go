package adapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/nerrad567/gray-logic-sync/internal/activity"
	"github.com/nerrad567/gray-logic-sync/internal/syncerr"
)

// Paging defaults for REST listings.
const (
	defaultPageSize = 100
	maxPages        = 1000
)

// baseURL returns the integration's endpoint override, or def.
func baseURL(t Target, def string) string {
	if ep := strings.TrimSpace(t.Integration.BaseEndpoint); ep != "" {
		return strings.TrimRight(ep, "/")
	}
	return strings.TrimRight(def, "/")
}

// newRequest fills the identifying fields shared by every exchange.
func newRequest(t Target, act activity.Type, method, url string, body []byte) Request {
	return Request{
		OrganizationID:  t.Integration.OrganizationID,
		IntegrationID:   t.Integration.ID,
		IntegrationType: t.Integration.Type,
		Activity:        act,
		Method:          method,
		URL:             url,
		Header:          http.Header{},
		Body:            body,
	}
}

func jsonBody(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindValidation, "ENCODE_FAILED", err)
	}
	return b, nil
}

// isNotFound reports whether err is a 404 response.
func isNotFound(err error) bool {
	var se *syncerr.Error
	return errors.As(err, &se) && se.Status == http.StatusNotFound
}

func notFound(externalID string) error {
	return fmt.Errorf("%w: %s", ErrRemoteNotFound, externalID)
}

func decodeResponse(resp *Response, v any) error {
	if len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, v); err != nil {
		return syncerr.Wrap(syncerr.KindValidation, "INVALID_RESPONSE", err)
	}
	return nil
}

// listItems returns the first array found under keys, or the body itself
// when it is an array.
func listItems(resp *Response, keys ...string) ([]map[string]any, error) {
	var raw any
	if err := decodeResponse(resp, &raw); err != nil {
		return nil, err
	}
	arr, ok := raw.([]any)
	if !ok {
		doc := mapOf(raw)
		for _, k := range keys {
			if a, isArr := doc[k].([]any); isArr {
				arr = a
				break
			}
		}
	}
	out := make([]map[string]any, 0, len(arr))
	for _, item := range arr {
		if m := mapOf(item); m != nil {
			out = append(out, m)
		}
	}
	return out, nil
}

// objectItem returns the object under one of keys, or the whole body.
func objectItem(resp *Response, keys ...string) (map[string]any, error) {
	var doc map[string]any
	if err := decodeResponse(resp, &doc); err != nil {
		return nil, err
	}
	for _, k := range keys {
		if m := mapOf(doc[k]); m != nil {
			return m, nil
		}
	}
	return doc, nil
}
