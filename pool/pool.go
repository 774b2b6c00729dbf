// Package pool keeps a bounded set of live protocol sessions with health
// checking, idle eviction and FIFO queuing of waiting callers.
package pool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Conn is the part of a session the pool depends on.
type Conn interface {
	IsReady() bool
	ServerSessionID() string
	Close(ctx context.Context) error
}

// Factory creates one ready connection, including its handshake.
type Factory[C Conn] func(ctx context.Context) (C, error)

// PooledConnection is a connection plus pool bookkeeping. It is owned by
// the caller between Acquire and Release; its fields must not be modified.
type PooledConnection[C Conn] struct {
	ID         string
	Conn       C
	CreatedAt  time.Time
	LastUsedAt time.Time
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Available      int
	Active         int
	Pending        int
	Waiting        int
	Created        int64
	Destroyed      int64
	Acquired       int64
	Timeouts       int64
	HealthFailures int64
}

// Total is the number of connections counted against MaxConnections.
func (s Stats) Total() int {
	return s.Available + s.Active + s.Pending
}

// waiter is a queued Acquire. A result with neither connection nor error
// means a slot was freed and the waiter should try again.
type waiter[C Conn] struct {
	ch chan result[C]
}

type result[C Conn] struct {
	pc  *PooledConnection[C]
	err error
}

// Pool is a bounded set of connections of type C.
type Pool[C Conn] struct {
	cfg     Config
	factory Factory[C]
	log     *zap.Logger

	mu           sync.Mutex
	available    []*PooledConnection[C]
	active       map[string]*PooledConnection[C]
	pending      int
	waiters      []*waiter[C]
	shuttingDown bool
	started      bool
	stats        Stats

	stop  chan struct{}
	loops sync.WaitGroup
}

// New creates a pool. No connection is created until Initialize or Acquire.
func New[C Conn](factory Factory[C], cfg Config) *Pool[C] {
	cfg = cfg.withDefaults()
	return &Pool[C]{
		cfg:     cfg,
		factory: factory,
		log:     cfg.Logger.Named("pool"),
		active:  make(map[string]*PooledConnection[C]),
		stop:    make(chan struct{}),
	}
}

// Initialize creates MinConnections warm connections one after another,
// spaced by CreateDelay, then starts the maintenance loops. Falling short of
// the minimum is logged, not returned; Acquire creates on demand.
func (p *Pool[C]) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return ErrPoolShuttingDown
	}
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.mu.Unlock()

	warm := 0
	for i := 0; i < p.cfg.MinConnections; i++ {
		if i > 0 && p.cfg.CreateDelay > 0 {
			select {
			case <-time.After(p.cfg.CreateDelay):
			case <-ctx.Done():
				p.startLoops()
				return ctx.Err()
			case <-p.stop:
				return ErrPoolShuttingDown
			}
		}

		p.mu.Lock()
		if p.total() >= p.cfg.MaxConnections {
			p.mu.Unlock()
			break
		}
		p.pending++
		p.mu.Unlock()

		pc, err := p.create(ctx)

		p.mu.Lock()
		p.pending--
		if err != nil {
			p.mu.Unlock()
			p.log.Warn("warm connection failed", zap.Int("index", i), zap.Error(err))
			continue
		}
		if p.shuttingDown {
			p.mu.Unlock()
			p.destroy(pc)
			return ErrPoolShuttingDown
		}
		p.available = append(p.available, pc)
		p.mu.Unlock()
		warm++
	}

	if warm < p.cfg.MinConnections {
		p.log.Warn("pool below minimum", zap.Int("warm", warm), zap.Int("min", p.cfg.MinConnections))
	} else {
		p.log.Info("pool initialized", zap.Int("warm", warm))
	}
	p.startLoops()
	return nil
}

func (p *Pool[C]) startLoops() {
	p.loops.Add(2)
	go p.healthLoop()
	go p.idleLoop()
}

// Acquire returns a healthy connection for exclusive use. It reuses an
// available connection, creates one below MaxConnections, or waits in FIFO
// order. A candidate failing its health check is destroyed and the next
// one tried, up to MaxAcquireAttempts.
func (p *Pool[C]) Acquire(ctx context.Context) (*PooledConnection[C], error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAcquireAttempts; attempt++ {
		pc, err := p.candidate(ctx)
		var ce *createError
		switch {
		case errors.As(err, &ce):
			p.log.Warn("connection create failed", zap.Int("attempt", attempt), zap.Error(ce.err))
			lastErr = ce.err
			continue
		case err != nil:
			return nil, err
		}

		if healthy(pc.Conn) {
			p.mu.Lock()
			pc.LastUsedAt = time.Now()
			p.stats.Acquired++
			p.mu.Unlock()
			return pc, nil
		}

		p.log.Warn("discarding unhealthy connection", zap.String("id", pc.ID), zap.Int("attempt", attempt))
		p.mu.Lock()
		p.stats.HealthFailures++
		p.mu.Unlock()
		p.Discard(pc)
		lastErr = errUnhealthy
	}
	return nil, &ConnectionError{Attempts: p.cfg.MaxAcquireAttempts, Err: lastErr}
}

// createError marks a factory failure, which counts as one acquire attempt
type createError struct {
	err error
}

func (e *createError) Error() string { return e.err.Error() }

// candidate takes a connection for the caller without checking its health
func (p *Pool[C]) candidate(ctx context.Context) (*PooledConnection[C], error) {
	for {
		p.mu.Lock()
		if p.shuttingDown {
			p.mu.Unlock()
			return nil, ErrPoolShuttingDown
		}

		if n := len(p.available); n > 0 {
			pc := p.available[n-1]
			p.available = p.available[:n-1]
			p.checkout(pc)
			p.mu.Unlock()
			return pc, nil
		}

		if p.total() < p.cfg.MaxConnections {
			p.pending++
			p.mu.Unlock()

			pc, err := p.create(ctx)

			p.mu.Lock()
			p.pending--
			if err != nil {
				p.wakeLocked()
				p.mu.Unlock()
				if ctx.Err() != nil {
					return nil, p.waitError(ctx)
				}
				return nil, &createError{err: err}
			}
			if p.shuttingDown {
				p.mu.Unlock()
				p.destroy(pc)
				return nil, ErrPoolShuttingDown
			}
			p.checkout(pc)
			p.mu.Unlock()
			return pc, nil
		}

		w := &waiter[C]{ch: make(chan result[C], 1)}
		p.waiters = append(p.waiters, w)
		p.mu.Unlock()

		select {
		case res := <-w.ch:
			if res.pc != nil || res.err != nil {
				return res.pc, res.err
			}
			// A slot was freed; compete for it again
		case <-ctx.Done():
			p.mu.Lock()
			queued := p.removeWaiterLocked(w)
			p.mu.Unlock()
			if !queued {
				// Lost the race with a handoff; give it back
				if res := <-w.ch; res.pc != nil {
					p.Release(res.pc)
				} else if res.err == nil {
					p.mu.Lock()
					p.wakeLocked()
					p.mu.Unlock()
				}
			}
			return nil, p.waitError(ctx)
		}
	}
}

func (p *Pool[C]) waitError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		p.mu.Lock()
		p.stats.Timeouts++
		p.mu.Unlock()
		return ErrAcquireTimeout
	}
	return ctx.Err()
}

// checkout moves pc to the active set. Caller holds mu.
func (p *Pool[C]) checkout(pc *PooledConnection[C]) {
	p.active[pc.ID] = pc
}

func (p *Pool[C]) removeWaiterLocked(w *waiter[C]) bool {
	for i, q := range p.waiters {
		if q == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// wakeLocked tells the oldest waiter that capacity was freed. Caller holds mu.
func (p *Pool[C]) wakeLocked() {
	if len(p.waiters) == 0 || p.total() >= p.cfg.MaxConnections {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	w.ch <- result[C]{}
}

// total counts connections against MaxConnections. Caller holds mu.
func (p *Pool[C]) total() int {
	return len(p.available) + len(p.active) + p.pending
}

// Release returns a connection. The oldest waiter, if any, receives it
// directly; otherwise it joins the available list.
func (p *Pool[C]) Release(pc *PooledConnection[C]) {
	p.mu.Lock()
	if _, ok := p.active[pc.ID]; !ok {
		p.mu.Unlock()
		p.log.Debug("release of untracked connection", zap.String("id", pc.ID))
		return
	}
	pc.LastUsedAt = time.Now()

	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		w.ch <- result[C]{pc: pc}
		return
	}

	delete(p.active, pc.ID)
	p.available = append(p.available, pc)
	p.mu.Unlock()
}

// Discard destroys a connection the caller found to be dead instead of
// returning it.
func (p *Pool[C]) Discard(pc *PooledConnection[C]) {
	p.mu.Lock()
	if _, ok := p.active[pc.ID]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.active, pc.ID)
	p.wakeLocked()
	p.mu.Unlock()
	p.destroy(pc)
}

func healthy(c Conn) bool {
	return c.IsReady() && c.ServerSessionID() != ""
}

func (p *Pool[C]) create(ctx context.Context) (*PooledConnection[C], error) {
	conn, err := p.factory(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	pc := &PooledConnection[C]{
		ID:         uuid.NewString(),
		Conn:       conn,
		CreatedAt:  now,
		LastUsedAt: now,
	}
	p.mu.Lock()
	p.stats.Created++
	p.mu.Unlock()
	p.log.Debug("connection created", zap.String("id", pc.ID), zap.String("serverSessionId", conn.ServerSessionID()))
	return pc, nil
}

// destroy closes a connection already removed from bookkeeping. Close
// failures are logged.
func (p *Pool[C]) destroy(pc *PooledConnection[C]) {
	p.destroyContext(context.Background(), pc)
}

func (p *Pool[C]) destroyContext(ctx context.Context, pc *PooledConnection[C]) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.DestroyTimeout)
	defer cancel()
	if err := pc.Conn.Close(ctx); err != nil {
		p.log.Debug("connection close failed", zap.String("id", pc.ID), zap.Error(err))
	}
	p.mu.Lock()
	p.stats.Destroyed++
	p.mu.Unlock()
}

func (p *Pool[C]) healthLoop() {
	defer p.loops.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.checkHealth()
		case <-p.stop:
			return
		}
	}
}

// checkHealth destroys available connections that are no longer healthy.
// They are replaced lazily by Acquire.
func (p *Pool[C]) checkHealth() {
	p.mu.Lock()
	var dead []*PooledConnection[C]
	kept := p.available[:0]
	for _, pc := range p.available {
		if healthy(pc.Conn) {
			kept = append(kept, pc)
		} else {
			dead = append(dead, pc)
		}
	}
	p.available = kept
	p.stats.HealthFailures += int64(len(dead))
	for range dead {
		p.wakeLocked()
	}
	p.mu.Unlock()

	for _, pc := range dead {
		p.log.Info("evicting unhealthy connection", zap.String("id", pc.ID))
		p.destroy(pc)
	}
}

func (p *Pool[C]) idleLoop() {
	defer p.loops.Done()
	ticker := time.NewTicker(p.cfg.IdleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.evictIdle(time.Now())
		case <-p.stop:
			return
		}
	}
}

// evictIdle destroys available connections idle longer than IdleTimeout,
// oldest first, without dropping the total below MinConnections.
func (p *Pool[C]) evictIdle(now time.Time) {
	p.mu.Lock()
	sort.SliceStable(p.available, func(i, j int) bool {
		return p.available[i].LastUsedAt.Before(p.available[j].LastUsedAt)
	})
	var idle []*PooledConnection[C]
	for len(p.available) > 0 && p.total() > p.cfg.MinConnections {
		oldest := p.available[0]
		if now.Sub(oldest.LastUsedAt) <= p.cfg.IdleTimeout {
			break
		}
		idle = append(idle, oldest)
		p.available = p.available[1:]
	}
	p.mu.Unlock()

	for _, pc := range idle {
		p.log.Debug("evicting idle connection", zap.String("id", pc.ID))
		p.destroy(pc)
	}
}

// Shutdown stops the maintenance loops, rejects queued waiters and
// destroys every tracked connection, including those in use. Destroy
// failures are logged.
func (p *Pool[C]) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return nil
	}
	p.shuttingDown = true
	waiters := p.waiters
	p.waiters = nil
	conns := append([]*PooledConnection[C](nil), p.available...)
	for _, pc := range p.active {
		conns = append(conns, pc)
	}
	p.available = nil
	p.active = make(map[string]*PooledConnection[C])
	p.mu.Unlock()

	close(p.stop)
	p.loops.Wait()

	for _, w := range waiters {
		w.ch <- result[C]{err: ErrPoolShuttingDown}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, pc := range conns {
		pc := pc
		g.Go(func() error {
			p.destroyContext(gctx, pc)
			return nil
		})
	}
	err := g.Wait()

	p.log.Info("pool shut down", zap.Int("destroyed", len(conns)), zap.Int("rejectedWaiters", len(waiters)))
	return err
}

// Stats returns the pool counters.
func (p *Pool[C]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Available = len(p.available)
	s.Active = len(p.active)
	s.Pending = p.pending
	s.Waiting = len(p.waiters)
	return s
}
