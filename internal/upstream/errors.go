// Package upstream holds what the remote service clients share: the typed
// failure they return and the per-request credential override.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"
)

const maxBodyBytes = 4096

var (
	// ErrMissingAPIKey is returned before any network call when neither the
	// server configuration nor the request supplied a credential.
	ErrMissingAPIKey = errors.New("upstream api key is not configured")

	ErrMalformedResponse = errors.New("malformed upstream response")
)

// Error is a non-success response from a remote service.
type Error struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	if e.Service == "" {
		return fmt.Sprintf("upstream request failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("%s request failed with status %d", e.Service, e.StatusCode)
}

// IsCredentialFailure reports whether the remote service rejected the key.
func (e *Error) IsCredentialFailure() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

type ctxKey struct{}

func WithRequestAPIKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, ctxKey{}, strings.TrimSpace(key))
}

func RequestAPIKeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(ctxKey{}).(string)
	return key
}

// TruncateBody bounds an error body for logs and responses. The cut never
// splits a UTF-8 sequence.
func TruncateBody(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxBodyBytes {
		return s
	}
	cut := maxBodyBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
