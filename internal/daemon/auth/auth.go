// Copyright 2025 The Runplane Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth provides bearer-token authentication and per-client rate
// limiting for the daemon API. The control plane only consumes the userId
// and userTier claims; token issuance is an external concern.
package auth

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/runplane/runplane/internal/daemon/httputil"
)

type contextKey string

const identityKey contextKey = "identity"

// Identity is the authenticated caller.
type Identity struct {
	UserID   string
	UserTier string
}

// FromContext returns the request identity, if any.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// Claims is the accepted token payload.
type Claims struct {
	UserID   string `json:"userId"`
	UserTier string `json:"userTier"`
	jwt.RegisteredClaims
}

// Middleware validates bearer tokens and attaches the identity to the
// request context. An empty secret disables authentication; requests then
// run as the anonymous free-tier user.
type Middleware struct {
	secret []byte
}

// NewMiddleware creates the auth middleware.
func NewMiddleware(secret string) *Middleware {
	var key []byte
	if secret != "" {
		key = []byte(secret)
	}
	return &Middleware{secret: key}
}

// Wrap enforces authentication on the handler.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.secret == nil {
			ctx := context.WithValue(r.Context(), identityKey, Identity{
				UserID:   "anonymous",
				UserTier: "free",
			})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			httputil.WriteError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		claims := &Claims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return m.secret, nil
		})
		if err != nil || !parsed.Valid || claims.UserID == "" {
			httputil.WriteError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		tier := claims.UserTier
		if tier == "" {
			tier = "free"
		}
		ctx := context.WithValue(r.Context(), identityKey, Identity{
			UserID:   claims.UserID,
			UserTier: tier,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RateLimiter applies a token-bucket limit per authenticated user (or
// remote address when unauthenticated).
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewRateLimiter creates a per-client limiter. A non-positive limit
// disables limiting.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[key] = l
	}
	return l
}

// Wrap enforces the limit on the handler.
func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	if rl.limit <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if id, ok := FromContext(r.Context()); ok {
			key = id.UserID
		}
		if !rl.limiter(key).Allow() {
			httputil.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
