// Package authmw provides HTTP middleware for bearer token authentication.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const bearerPrefix = "Bearer "

// BearerToken returns middleware that accepts a request when its Authorization
// header carries a Bearer token equal to any of tokens. Several tokens allow
// rotation without downtime. Empty tokens are ignored, so an empty list
// rejects everything. Comparison is constant-time.
func BearerToken(tokens ...string) func(http.Handler) http.Handler {
	expected := make([][]byte, 0, len(tokens))
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			expected = append(expected, []byte(t))
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")

			if !strings.HasPrefix(auth, bearerPrefix) {
				unauthorized(w, `{"error":"missing or malformed authorization header"}`)
				return
			}

			if !matchAny([]byte(auth[len(bearerPrefix):]), expected) {
				unauthorized(w, `{"error":"invalid token"}`)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// matchAny checks every candidate so timing does not depend on which one matched.
func matchAny(got []byte, expected [][]byte) bool {
	match := 0
	for _, e := range expected {
		match |= subtle.ConstantTimeCompare(got, e)
	}
	return match == 1
}

func unauthorized(w http.ResponseWriter, body string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="capcode"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(body + "\n"))
}
