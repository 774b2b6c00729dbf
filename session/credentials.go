package session

import (
	"context"
	"net/http"
)

// CredentialsProvider produces the headers (cookies, bearer tokens) needed
// to establish the WebSocket channel. Acquiring them is the caller's concern.
type CredentialsProvider interface {
	Credentials(ctx context.Context) (http.Header, error)
}

// StaticCredentials serves a fixed header set.
type StaticCredentials http.Header

// Credentials implements CredentialsProvider
func (c StaticCredentials) Credentials(ctx context.Context) (http.Header, error) {
	return http.Header(c).Clone(), nil
}

// CookieCredentials returns static credentials carrying a Cookie header.
func CookieCredentials(cookie string) StaticCredentials {
	h := http.Header{}
	if cookie != "" {
		h.Set("Cookie", cookie)
	}
	return StaticCredentials(h)
}
