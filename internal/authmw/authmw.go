// Package authmw provides bearer token authentication for the outreach API.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const prefix = "Bearer "

// BearerToken returns middleware that accepts requests whose Authorization
// header carries one of tokens. Several tokens allow rotation without
// downtime. Empty tokens are ignored; with none left the middleware is a
// pass-through so local runs need no credentials.
func BearerToken(tokens ...string) func(http.Handler) http.Handler {
	var accepted [][]byte
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			accepted = append(accepted, []byte(t))
		}
	}
	return func(next http.Handler) http.Handler {
		if len(accepted) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, prefix) {
				deny(w, "missing or malformed authorization header")
				return
			}
			if !match([]byte(auth[len(prefix):]), accepted) {
				deny(w, "invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// match compares got against every accepted token so the time taken does not
// depend on which one matched.
func match(got []byte, accepted [][]byte) bool {
	ok := 0
	for _, want := range accepted {
		ok |= subtle.ConstantTimeCompare(got, want)
	}
	return ok == 1
}

func deny(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="outreach"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

// SplitTokens parses a comma separated token list as read from config.
func SplitTokens(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
