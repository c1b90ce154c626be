/*
File Name:  auth.go
Author:     dpc contributors

JWT issuance/verification and the token blacklist used by /logout and
every authenticated endpoint.
*/

package hub

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenLifetime is how long an issued access token remains valid.
const TokenLifetime = 2 * time.Hour

type claims struct {
	NodeId string `json:"node_id,omitempty"`
	jwt.RegisteredClaims
}

// issueToken mints a JWT with sub=email and, once a node is registered
// to the account, the bound node_id.
func (h *Hub) issueToken(email, nodeID string) (string, error) {
	now := time.Now()
	c := claims{
		NodeId: nodeID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenLifetime)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(h.jwtSecret)
}

func (h *Hub) parseToken(raw string) (*claims, error) {
	c := &claims{}
	_, err := jwt.ParseWithClaims(raw, c, func(t *jwt.Token) (interface{}, error) {
		return h.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

type contextKey int

const claimsContextKey contextKey = iota

// bearerToken extracts a bearer token from the Authorization header,
// falling back to an access_token query parameter for the WebSocket
// endpoint (browsers cannot set arbitrary headers on upgrade requests).
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("access_token")
}

// authenticated wraps a handler, rejecting requests without a valid,
// non-blacklisted bearer token. Never distinguishes "unknown user" from
// "bad token" in the response, per the Hub's error handling design.
func (h *Hub) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if h.blacklist.contains(raw) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		c, err := h.parseToken(raw)
		if err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), claimsContextKey, c)
		ctx = context.WithValue(ctx, rawTokenContextKey, raw)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

type rawTokenKey int

const rawTokenContextKey rawTokenKey = iota

func claimsFromContext(r *http.Request) *claims {
	c, _ := r.Context().Value(claimsContextKey).(*claims)
	return c
}

func rawTokenFromContext(r *http.Request) string {
	s, _ := r.Context().Value(rawTokenContextKey).(string)
	return s
}

// tokenBlacklist is an in-memory set of revoked tokens with a
// background sweep that drops entries once they would have expired
// anyway, bounding memory growth.
type tokenBlacklist struct {
	mu      sync.Mutex
	revoked map[string]time.Time // token -> revocation time
}

func newTokenBlacklist() *tokenBlacklist {
	return &tokenBlacklist{revoked: make(map[string]time.Time)}
}

func (b *tokenBlacklist) add(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.revoked[token] = time.Now()
}

func (b *tokenBlacklist) contains(token string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.revoked[token]
	return ok
}

func (b *tokenBlacklist) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		b.sweep()
	}
}

func (b *tokenBlacklist) sweep() {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := time.Now().Add(-TokenLifetime)
	for token, revokedAt := range b.revoked {
		if revokedAt.Before(cutoff) {
			delete(b.revoked, token)
		}
	}
}
