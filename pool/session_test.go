package pool_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/nggorpc/formrpc/internal/wstest"
	"github.com/nggorpc/formrpc/pool"
	"github.com/nggorpc/formrpc/session"
)

func TestPoolOfSessions(t *testing.T) {
	server := wstest.NewServer()
	wstest.NewApp().Register(server)
	httpServer := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	defer httpServer.Close()
	url := "ws" + httpServer.URL[4:]

	logger := zaptest.NewLogger(t)
	cfg := session.DefaultConfig()
	cfg.Logger = logger

	factory := func(ctx context.Context) (*session.Session, error) {
		s, err := session.Dial(ctx, url, nil, cfg)
		if err != nil {
			return nil, err
		}
		if _, err := s.OpenSession(ctx, session.OpenRequest{TenantID: "default"}); err != nil {
			s.Close(ctx)
			return nil, err
		}
		return s, nil
	}

	p := pool.New(factory, pool.Config{
		MinConnections: 2,
		MaxConnections: 2,
		AcquireTimeout: 3 * time.Second,
		Logger:         logger,
	})
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer p.Shutdown(context.Background())

	pc, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := pc.Conn.Invoke(context.Background(), session.InvokeRequest{
		Interactions: []session.Interaction{{Name: "KeepAlive"}},
	}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	p.Release(pc)

	// Sessions whose socket dropped fail the health check and are replaced
	server.CloseConnections()
	time.Sleep(100 * time.Millisecond)

	fresh, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire after drop: %v", err)
	}
	if !fresh.Conn.IsReady() || fresh.ID == pc.ID {
		t.Errorf("acquired stale connection %s", fresh.ID)
	}
	p.Release(fresh)

	if st := p.Stats(); st.Total() > 2 {
		t.Errorf("pool exceeded max: %+v", st)
	}
}
