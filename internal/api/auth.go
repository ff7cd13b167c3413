package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nerrad567/gray-logic-sync/internal/auth"
)

// Auth constants.
const (
	// ticketTTL is how long a WebSocket ticket is valid.
	ticketTTL = 60 * time.Second

	// defaultTokenTTLMinutes applies when security.jwt.access_token_ttl is unset.
	defaultTokenTTLMinutes = 15
)

// errMissingOrg is returned for tokens that carry no org_id claim.
var errMissingOrg = errors.New("api: token has no organization")

// Claims are the bearer token claims. OrgID scopes every request.
type Claims struct {
	OrgID string `json:"org_id"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 access token for the given user, organization
// and role. The token expires after ttl.
func IssueToken(secret, subject, org string, role auth.Role, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("api: jwt secret is required")
	}
	if org == "" {
		return "", errMissingOrg
	}
	if !auth.IsValidRole(role) {
		return "", auth.ErrInvalidRole
	}
	claims := Claims{
		OrgID: org,
		Role:  string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// TokenTTL returns the configured access token lifetime.
func (s *Server) TokenTTL() time.Duration {
	ttl := s.secCfg.JWT.AccessTokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTLMinutes
	}
	return time.Duration(ttl) * time.Minute
}

// parseToken verifies a bearer token against the configured secret.
func (s *Server) parseToken(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(s.secCfg.JWT.Secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.Now),
	)
	if err != nil {
		return nil, err
	}
	if claims.OrgID == "" {
		return nil, errMissingOrg
	}
	if _, err := auth.ParseRole(claims.Role); err != nil {
		return nil, err
	}
	return claims, nil
}

// ticketStore holds pending WebSocket authentication tickets.
// Tickets are single-use and expire after ticketTTL.
type ticketStore struct {
	tickets map[string]ticketEntry
	mu      sync.Mutex
}

type ticketEntry struct {
	orgID     string
	userID    string
	expiresAt time.Time
}

func newTicketStore() *ticketStore {
	return &ticketStore{tickets: make(map[string]ticketEntry)}
}

// issue stores a new ticket bound to the caller's organization.
func (ts *ticketStore) issue(org, user string, now time.Time) string {
	ticket := generateTicket()
	ts.mu.Lock()
	ts.tickets[ticket] = ticketEntry{orgID: org, userID: user, expiresAt: now.Add(ticketTTL)}
	ts.mu.Unlock()
	return ticket
}

// consume validates a ticket and removes it (single-use).
func (ts *ticketStore) consume(ticket string, now time.Time) (ticketEntry, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	entry, ok := ts.tickets[ticket]
	if !ok {
		return ticketEntry{}, false
	}
	delete(ts.tickets, ticket)
	if !now.Before(entry.expiresAt) {
		return ticketEntry{}, false
	}
	return entry, true
}

// clean removes expired tickets from the store.
func (ts *ticketStore) clean(now time.Time) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for ticket, entry := range ts.tickets {
		if now.After(entry.expiresAt) {
			delete(ts.tickets, ticket)
		}
	}
}

// handleWSTicket generates a single-use WebSocket authentication ticket.
// The client uses this ticket to authenticate the WebSocket connection
// without exposing the JWT in the URL.
func (s *Server) handleWSTicket(w http.ResponseWriter, r *http.Request) {
	ticket := s.tickets.issue(orgID(r), userID(r), s.Now())
	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     ticket,
		"expires_in": int(ticketTTL.Seconds()),
	})
}

// ticketBytes is the number of random bytes used for WebSocket tickets.
const ticketBytes = 32

// generateTicket creates a cryptographically random ticket string.
func generateTicket() string {
	b := make([]byte, ticketBytes)
	//nolint:errcheck // crypto/rand.Read always returns len(b) on supported platforms
	rand.Read(b)
	return hex.EncodeToString(b)
}

// cleanTicketsLoop removes expired tickets periodically until the context is cancelled.
func (s *Server) cleanTicketsLoop(ctx context.Context) {
	ticker := time.NewTicker(ticketTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tickets.clean(s.Now())
		}
	}
}
