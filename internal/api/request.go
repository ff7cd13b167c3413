package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// maxPageLimit caps the limit query parameter.
const maxPageLimit = 500

// decodeJSON decodes the request body into v and validates its struct tags.
// It writes the error response itself and reports whether decoding succeeded.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "request body too large")
			return false
		}
		writeBadRequest(w, "invalid JSON body")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return false
	}
	return true
}

// parsePage reads limit and offset query parameters. Invalid values are ignored.
func parsePage(r *http.Request) (limit, offset int) {
	q := r.URL.Query()
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		limit = min(n, maxPageLimit)
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n > 0 {
		offset = n
	}
	return limit, offset
}

// parseSince reads an RFC3339 since query parameter.
func parseSince(r *http.Request) (*time.Time, error) {
	v := r.URL.Query().Get("since")
	if v == "" {
		return nil, nil //nolint:nilnil // absent filter
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// queryList splits a comma separated query parameter.
func queryList(r *http.Request, key string) []string {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// pathID returns the {id} URL parameter.
func pathID(r *http.Request) string {
	return chi.URLParam(r, "id")
}

// listResponse is the envelope of paginated listings.
type listResponse struct {
	Items  any `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset"`
}
