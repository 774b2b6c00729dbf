package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type fakeConn struct {
	id     string
	ready  atomic.Bool
	closed atomic.Bool
}

func (c *fakeConn) IsReady() bool { return c.ready.Load() && !c.closed.Load() }

func (c *fakeConn) ServerSessionID() string { return c.id }

func (c *fakeConn) Close(ctx context.Context) error {
	c.closed.Store(true)
	return nil
}

type factory struct {
	mu      sync.Mutex
	made    []*fakeConn
	fail    atomic.Int64 // remaining failures
	unready atomic.Int64 // remaining connections created unhealthy
}

func (f *factory) create(ctx context.Context) (*fakeConn, error) {
	if f.fail.Add(-1) >= 0 {
		return nil, errors.New("handshake refused")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeConn{id: fmt.Sprintf("srv-%d", len(f.made)+1)}
	c.ready.Store(f.unready.Add(-1) < 0)
	f.made = append(f.made, c)
	return c, nil
}

func (f *factory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.made)
}

func newPool(t *testing.T, cfg Config) (*Pool[*fakeConn], *factory) {
	t.Helper()
	f := &factory{}
	cfg.Logger = zaptest.NewLogger(t)
	p := New(f.create, cfg)
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return p, f
}

func TestInitializeWarmsMinimum(t *testing.T) {
	p, f := newPool(t, Config{MinConnections: 3, MaxConnections: 5, CreateDelay: 10 * time.Millisecond})

	start := time.Now()
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("creations not spaced: took %v", elapsed)
	}
	if f.count() != 3 {
		t.Fatalf("created %d connections, want 3", f.count())
	}
	if st := p.Stats(); st.Available != 3 || st.Active != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestInitializeToleratesFailures(t *testing.T) {
	p, f := newPool(t, Config{MinConnections: 2, MaxConnections: 4})
	f.fail.Store(1)

	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if st := p.Stats(); st.Available != 1 {
		t.Fatalf("available = %d, want 1", st.Available)
	}

	// Acquire still works and creates on demand past the warm set
	a, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	b, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if a.ID == b.ID {
		t.Errorf("same connection acquired twice")
	}
}

func TestCapacityNeverExceeded(t *testing.T) {
	const limit = 3
	p, f := newPool(t, Config{MaxConnections: limit, AcquireTimeout: 5 * time.Second})

	var inUse, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pc, err := p.Acquire(context.Background())
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			n := inUse.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			if st := p.Stats(); st.Total() > limit {
				t.Errorf("total %d exceeds max %d", st.Total(), limit)
			}
			time.Sleep(5 * time.Millisecond)
			inUse.Add(-1)
			p.Release(pc)
		}()
	}
	wg.Wait()

	if peak.Load() > limit {
		t.Errorf("peak concurrent holders %d exceeds %d", peak.Load(), limit)
	}
	if f.count() > limit {
		t.Errorf("created %d connections, max %d", f.count(), limit)
	}
}

func TestReleaseHandsOffToWaiter(t *testing.T) {
	p, _ := newPool(t, Config{MaxConnections: 1, AcquireTimeout: 2 * time.Second})

	first, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	got := make(chan *PooledConnection[*fakeConn], 1)
	go func() {
		pc, err := p.Acquire(context.Background())
		if err != nil {
			t.Errorf("waiting Acquire: %v", err)
		}
		got <- pc
	}()

	deadline := time.Now().Add(2 * time.Second)
	for p.Stats().Waiting == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("waiter never queued")
		}
		time.Sleep(5 * time.Millisecond)
	}

	p.Release(first)
	second := <-got
	if second == nil || second.ID != first.ID {
		t.Fatalf("waiter got %v, want the released connection %s", second, first.ID)
	}
	if st := p.Stats(); st.Available != 0 || st.Active != 1 {
		t.Errorf("handoff went through the available list: %+v", st)
	}
}

func TestWaitersServedInOrder(t *testing.T) {
	p, _ := newPool(t, Config{MaxConnections: 1, AcquireTimeout: 2 * time.Second})
	held, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	order := make(chan int, 3)
	for i := 0; i < 3; i++ {
		want := i + 1
		go func() {
			pc, err := p.Acquire(context.Background())
			if err != nil {
				t.Errorf("Acquire %d: %v", want, err)
				return
			}
			order <- want
			p.Release(pc)
		}()
		deadline := time.Now().Add(2 * time.Second)
		for p.Stats().Waiting != want {
			if time.Now().After(deadline) {
				t.Fatalf("waiter %d never queued", want)
			}
			time.Sleep(2 * time.Millisecond)
		}
	}

	p.Release(held)
	for want := 1; want <= 3; want++ {
		if got := <-order; got != want {
			t.Fatalf("served waiter %d, want %d", got, want)
		}
	}
}

func TestAcquireTimeout(t *testing.T) {
	p, _ := newPool(t, Config{MaxConnections: 1, AcquireTimeout: 50 * time.Millisecond})
	if _, err := p.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	_, err := p.Acquire(context.Background())
	if !errors.Is(err, ErrAcquireTimeout) {
		t.Fatalf("error = %v, want ErrAcquireTimeout", err)
	}
	if st := p.Stats(); st.Waiting != 0 || st.Timeouts != 1 {
		t.Errorf("stats after timeout = %+v", st)
	}
}

func TestAcquireCallerCancel(t *testing.T) {
	p, _ := newPool(t, Config{MaxConnections: 1, AcquireTimeout: time.Minute})
	if _, err := p.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, err := p.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestAcquireSkipsUnhealthy(t *testing.T) {
	p, f := newPool(t, Config{MaxConnections: 5})
	f.unready.Store(2)

	pc, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if pc.Conn.id != "srv-3" {
		t.Errorf("acquired %s, want the first healthy connection srv-3", pc.Conn.id)
	}
	for _, c := range f.made[:2] {
		if !c.closed.Load() {
			t.Errorf("unhealthy %s was not destroyed", c.id)
		}
	}
	if st := p.Stats(); st.HealthFailures != 2 || st.Active != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestAcquireAttemptCap(t *testing.T) {
	p, f := newPool(t, Config{MaxConnections: 10, MaxAcquireAttempts: 5})
	f.unready.Store(100)

	_, err := p.Acquire(context.Background())
	var ce *ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v, want ConnectionError", err)
	}
	if ce.Attempts != 5 || f.count() != 5 {
		t.Errorf("attempts = %d, created = %d; want 5 each", ce.Attempts, f.count())
	}
	if st := p.Stats(); st.Total() != 0 {
		t.Errorf("unhealthy connections left tracked: %+v", st)
	}
}

func TestAcquireFactoryFailures(t *testing.T) {
	p, f := newPool(t, Config{MaxConnections: 2, MaxAcquireAttempts: 3})
	f.fail.Store(3)

	_, err := p.Acquire(context.Background())
	var ce *ConnectionError
	if !errors.As(err, &ce) || ce.Err == nil || ce.Err.Error() != "handshake refused" {
		t.Fatalf("error = %v, want ConnectionError wrapping the factory error", err)
	}
	if st := p.Stats(); st.Pending != 0 {
		t.Errorf("pending slots leaked: %+v", st)
	}
}

func TestHealthCheckEvicts(t *testing.T) {
	p, f := newPool(t, Config{MinConnections: 2, MaxConnections: 2})
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	f.made[0].ready.Store(false)

	p.checkHealth()

	if st := p.Stats(); st.Available != 1 || st.HealthFailures != 1 {
		t.Errorf("stats = %+v", st)
	}
	if !f.made[0].closed.Load() {
		t.Errorf("unhealthy connection not destroyed")
	}
	if f.count() != 2 {
		t.Errorf("replacement created inline")
	}
}

func TestHealthCheckSkipsActive(t *testing.T) {
	p, _ := newPool(t, Config{MaxConnections: 2})
	pc, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	pc.Conn.ready.Store(false)

	p.checkHealth()

	if pc.Conn.closed.Load() {
		t.Errorf("in-use connection destroyed by health check")
	}
}

func TestIdleEvictionKeepsMinimum(t *testing.T) {
	p, f := newPool(t, Config{MinConnections: 1, MaxConnections: 4, IdleTimeout: time.Minute})
	var held []*PooledConnection[*fakeConn]
	for i := 0; i < 3; i++ {
		pc, err := p.Acquire(context.Background())
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		held = append(held, pc)
	}
	for _, pc := range held {
		p.Release(pc)
	}

	p.evictIdle(time.Now().Add(30 * time.Second))
	if st := p.Stats(); st.Available != 3 {
		t.Fatalf("evicted before idle timeout: %+v", st)
	}

	p.evictIdle(time.Now().Add(2 * time.Minute))
	if st := p.Stats(); st.Available != 1 {
		t.Fatalf("available after eviction = %d, want min 1", st.Available)
	}
	closed := 0
	for _, c := range f.made {
		if c.closed.Load() {
			closed++
		}
	}
	if closed != 2 {
		t.Errorf("closed %d connections, want 2", closed)
	}
}

func TestIdleEvictionCountsActive(t *testing.T) {
	p, _ := newPool(t, Config{MinConnections: 2, MaxConnections: 4, IdleTimeout: time.Minute})
	a, _ := p.Acquire(context.Background())
	b, _ := p.Acquire(context.Background())
	p.Release(b)

	p.evictIdle(time.Now().Add(time.Hour))
	if st := p.Stats(); st.Available != 1 || st.Active != 1 {
		t.Errorf("eviction dropped total below minimum: %+v", st)
	}
	p.Release(a)
}

func TestDiscard(t *testing.T) {
	p, _ := newPool(t, Config{MaxConnections: 1, AcquireTimeout: 2 * time.Second})
	pc, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	got := make(chan error, 1)
	go func() {
		next, err := p.Acquire(context.Background())
		if err == nil && next.ID == pc.ID {
			err = errors.New("discarded connection handed out again")
		}
		got <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for p.Stats().Waiting == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("waiter never queued")
		}
		time.Sleep(2 * time.Millisecond)
	}

	p.Discard(pc)
	if err := <-got; err != nil {
		t.Fatalf("waiter after discard: %v", err)
	}
	if !pc.Conn.closed.Load() {
		t.Errorf("discarded connection not closed")
	}
}

func TestShutdown(t *testing.T) {
	p, f := newPool(t, Config{MinConnections: 1, MaxConnections: 2, AcquireTimeout: 5 * time.Second})
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	a, _ := p.Acquire(context.Background())
	b, _ := p.Acquire(context.Background())

	waitErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		waitErr <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for p.Stats().Waiting == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("waiter never queued")
		}
		time.Sleep(2 * time.Millisecond)
	}

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-waitErr; !errors.Is(err, ErrPoolShuttingDown) {
		t.Errorf("queued waiter got %v, want ErrPoolShuttingDown", err)
	}
	for _, c := range f.made {
		if !c.closed.Load() {
			t.Errorf("%s not destroyed", c.id)
		}
	}
	if _, err := p.Acquire(context.Background()); !errors.Is(err, ErrPoolShuttingDown) {
		t.Errorf("Acquire after shutdown = %v", err)
	}

	// Late releases of connections held across shutdown are ignored
	p.Release(a)
	p.Release(b)
	if st := p.Stats(); st.Total() != 0 {
		t.Errorf("stats after shutdown = %+v", st)
	}
}
