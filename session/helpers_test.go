package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/nggorpc/formrpc/internal/wstest"
)

type harness struct {
	server *wstest.Server
	app    *wstest.App
	url    string
}

func newHarness(t *testing.T, opts ...wstest.ServerOption) *harness {
	t.Helper()
	var opt wstest.ServerOption
	if len(opts) > 0 {
		opt = opts[0]
	}
	// Server goroutines outlive the test once the client hangs up
	opt.Logger = nil
	server := wstest.NewServer(opt)
	app := wstest.NewApp()
	app.Register(server)

	httpServer := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	t.Cleanup(httpServer.Close)

	return &harness{server: server, app: app, url: "ws" + httpServer.URL[4:]}
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.CallTimeout = 3 * time.Second
	cfg.OpenTimeout = 3 * time.Second
	cfg.CloseTimeout = time.Second
	cfg.Logger = zaptest.NewLogger(t)
	return cfg
}

// dial connects without opening the session
func (h *harness) dial(t *testing.T) *Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s, err := Dial(ctx, h.url, CookieCredentials("session=abc"), testConfig(t))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

// open connects and opens the session
func (h *harness) open(t *testing.T) *Session {
	t.Helper()
	s := h.dial(t)
	if _, err := s.OpenSession(context.Background(), OpenRequest{TenantID: "default", SpaInstanceID: "spa"}); err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	return s
}

// invokes returns the recorded Invoke envelopes
func (h *harness) invokes(t *testing.T) []wstest.Envelope {
	t.Helper()
	var out []wstest.Envelope
	for _, r := range h.server.Requests(MethodInvoke) {
		env, err := r.Body()
		if err != nil {
			t.Fatalf("decode recorded request: %v", err)
		}
		out = append(out, env)
	}
	return out
}

func ping() InvokeRequest {
	return InvokeRequest{Interactions: []Interaction{{Name: "KeepAlive"}}}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
