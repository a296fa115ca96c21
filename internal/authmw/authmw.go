// Package authmw provides HTTP middleware for bearer token authentication.
package authmw

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

type callerKey struct{}

// Tokens maps a bearer token to the caller name it identifies.
type Tokens map[string]string

// ParseTokens reads "name=token" pairs separated by commas, e.g.
// "scheduler=abc,console=def". A bare token is named "default".
func ParseTokens(s string) (Tokens, error) {
	out := Tokens{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, token, ok := strings.Cut(part, "=")
		if !ok {
			name, token = "default", part
		}
		name, token = strings.TrimSpace(name), strings.TrimSpace(token)
		if name == "" || token == "" {
			return nil, fmt.Errorf("malformed token entry %q", part)
		}
		if _, dup := out[token]; dup {
			return nil, fmt.Errorf("duplicate token for caller %q", name)
		}
		out[token] = name
	}
	return out, nil
}

// CallerFromContext returns the caller name set by BearerTokens, if any.
func CallerFromContext(ctx context.Context) string {
	s, _ := ctx.Value(callerKey{}).(string)
	return s
}

// BearerToken returns middleware that accepts a single token. The caller is
// recorded as "default".
func BearerToken(token string) func(http.Handler) http.Handler {
	return BearerTokens(Tokens{token: "default"})
}

// BearerTokens returns middleware that validates the Authorization header
// against every configured token and records the matching caller in the
// request context. Every token is compared in constant time.
func BearerTokens(tokens Tokens) func(http.Handler) http.Handler {
	type entry struct {
		token  []byte
		caller string
	}
	entries := make([]entry, 0, len(tokens))
	for t, c := range tokens {
		entries = append(entries, entry{token: []byte(t), caller: c})
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, "Bearer ") {
				unauthorized(w, "missing or malformed authorization header")
				return
			}

			got := []byte(auth[len("Bearer "):])

			caller := ""
			for _, e := range entries {
				if subtle.ConstantTimeCompare(got, e.token) == 1 {
					caller = e.caller
				}
			}
			if caller == "" {
				unauthorized(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, caller)))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = fmt.Fprintf(w, `{"error":"unauthorized","message":%q}`, msg)
}
