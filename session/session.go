package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/nggorpc/formrpc/wire"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateUnauthenticated State = iota
	StateConnected
	StateSessionOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "Unauthenticated"
	case StateConnected:
		return "Connected"
	case StateSessionOpen:
		return "SessionOpen"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// OpenRequest describes the open-session handshake.
type OpenRequest struct {
	TenantID string
	Company  string
	// StartPage is opened by the embedded initial interaction; empty opens
	// the role center
	StartPage     string
	Culture       string
	TimeZone      string
	SpaInstanceID string
}

// OpenResult is what the open-session handshake produced.
type OpenResult struct {
	Info     wire.SessionInfo
	Handlers []wire.Handler
	// RoleCenter is nil when the response carried no form-display event
	RoleCenter *wire.LogicalForm
}

// InvokeRequest is one invoke call. SequenceNo is assigned from the session
// counter when zero.
type InvokeRequest struct {
	Interactions []Interaction
	SequenceNo   int64
}

// Stats is a point-in-time view of session counters.
type Stats struct {
	State         State
	Calls         int64
	Failures      int64
	FormFallbacks int64
	Sequence      int64
	LastAck       int64
	OpenForms     int
}

// Session is one protocol session over a single transport. Invoke calls are
// serialized; the remaining methods are safe for concurrent use.
type Session struct {
	transport Transport
	cfg       Config
	log       *zap.Logger
	extractor wire.FormExtractor
	filters   *FilterCache

	// callGate serializes calls so sequence numbers are sent in order
	callGate *semaphore.Weighted

	mu        sync.Mutex
	state     State
	closed    bool // Close was called
	info      wire.SessionInfo
	spa       string
	tenantID  string
	company   string
	openForms []string
	seq       int64
	lastAck   int64
	streamed  []wire.Handler

	calls     atomic.Int64
	failures  atomic.Int64
	fallbacks atomic.Int64
}

// Dial connects to the server at url and returns a Connected session.
func Dial(ctx context.Context, url string, creds CredentialsProvider, cfg Config) (*Session, error) {
	cfg = cfg.withDefaults()
	var header http.Header
	if creds != nil {
		h, err := creds.Credentials(ctx)
		if err != nil {
			return nil, fmt.Errorf("session: credentials: %w", err)
		}
		header = h
	}
	t, err := dialTransport(ctx, url, header, cfg)
	if err != nil {
		return nil, err
	}
	return New(t, cfg), nil
}

// New wraps an established transport in a Connected session.
func New(t Transport, cfg Config) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		transport: t,
		cfg:       cfg,
		log:       cfg.Logger.Named("session"),
		filters:   NewFilterCache(),
		callGate:  semaphore.NewWeighted(1),
		state:     StateConnected,
		lastAck:   -1,
	}
	s.extractor = wire.FormExtractor{OnFallback: s.onFormFallback}
	t.SetNotificationHandler(s.handleNotification)
	return s
}

func (s *Session) onFormFallback(wanted, selected string, candidates int) {
	s.fallbacks.Add(1)
	s.log.Warn("no form matched acknowledged id, using first form",
		zap.String("wanted", wanted),
		zap.String("selected", selected),
		zap.Int("candidates", candidates))
}

// OpenSession performs the open-session handshake.
func (s *Session) OpenSession(ctx context.Context, req OpenRequest) (*OpenResult, error) {
	if err := s.acquireCall(ctx); err != nil {
		return nil, err
	}
	defer s.callGate.Release(1)

	if st := s.State(); st != StateConnected {
		return nil, &IllegalStateError{Op: "open session", State: st}
	}

	spa := req.SpaInstanceID
	if spa == "" {
		spa = uuid.NewString()
	}
	extensions, err := encodeExtensions(s.cfg.SupportedExtensions)
	if err != nil {
		return nil, fmt.Errorf("session: encode extensions: %w", err)
	}

	initial := Interaction{Name: InteractionOpenForm}
	if req.StartPage != "" {
		initial.NamedParameters = mustParams(map[string]any{"Page": req.StartPage})
	}
	interactions, err := encodeInteractions([]Interaction{initial})
	if err != nil {
		return nil, err
	}

	body := openSessionBody{
		invokeBody: invokeBody{
			OpenFormIDs:                 []string{},
			SequenceNo:                  FormatSequenceNo(spa, 0),
			LastClientAckSequenceNumber: -1,
			NavigationContext: navigationContext{
				ApplicationID: s.cfg.ApplicationID,
				SpaInstanceID: spa,
			},
			SupportedExtensions:  extensions,
			InteractionsToInvoke: interactions,
			TenantID:             req.TenantID,
			Company:              req.Company,
		},
		ClientType:     "WebClient",
		ClientVersion:  s.cfg.ClientVersion,
		ClientCulture:  req.Culture,
		ClientTimeZone: req.TimeZone,
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.OpenTimeout)
	defer cancel()

	s.calls.Add(1)
	raw, err := s.transport.Call(callCtx, MethodOpenSession, []any{body})
	if err != nil {
		s.failures.Add(1)
		return nil, s.callError("open session", err)
	}
	handlers, err := wire.Parse(raw)
	if err != nil {
		s.failures.Add(1)
		return nil, err
	}

	info := wire.FindSessionInfo(handlers)
	if !info.Complete() {
		s.failures.Add(1)
		return nil, &wire.InvalidResponseError{Index: -1, Reason: "open session", Err: ErrNoServerSession}
	}

	res := &OpenResult{Info: info, Handlers: handlers}
	formID, _ := wire.ExtractFormID(handlers)
	if form, err := s.extractor.Extract(handlers, formID); err == nil {
		res.RoleCenter = form
	} else {
		s.log.Debug("open session without role center", zap.Error(err))
	}

	s.mu.Lock()
	s.state = StateSessionOpen
	s.info = info
	s.spa = spa
	s.tenantID = req.TenantID
	s.company = req.Company
	if info.CompanyName != "" && s.company == "" {
		s.company = info.CompanyName
	}
	if res.RoleCenter != nil {
		s.openForms = appendUnique(s.openForms, res.RoleCenter.ServerID)
	}
	s.observeAck(handlers)
	s.mu.Unlock()

	s.log.Info("session opened",
		zap.String("serverSessionId", info.ServerSessionID),
		zap.String("company", info.CompanyName),
		zap.String("spaInstanceId", spa))
	return res, nil
}

// Invoke sends interactions and returns the parsed handler batch. Handlers
// streamed by the server since the previous call are prepended.
//
// A call that fails or is cancelled after its sequence number was assigned
// still consumes that number. A supplied SequenceNo at or below the last
// number sent is replaced by the next free one.
func (s *Session) Invoke(ctx context.Context, req InvokeRequest) ([]wire.Handler, error) {
	if len(req.Interactions) == 0 {
		return nil, ErrNoInteractions
	}
	interactions, err := encodeInteractions(req.Interactions)
	if err != nil {
		return nil, err
	}

	if err := s.acquireCall(ctx); err != nil {
		return nil, err
	}
	defer s.callGate.Release(1)

	s.mu.Lock()
	if s.transportDone() && !s.closed {
		s.mu.Unlock()
		return nil, &TransportError{Op: "invoke", Err: s.transport.Err()}
	}
	if s.state != StateSessionOpen || s.transportDone() {
		st := s.currentState()
		s.mu.Unlock()
		return nil, &IllegalStateError{Op: "invoke", State: st}
	}
	// Numbers already consumed are never sent again
	seq := req.SequenceNo
	if seq <= s.seq {
		if seq > 0 {
			s.log.Warn("supplied sequence number already used",
				zap.Int64("supplied", seq), zap.Int64("sent", s.seq+1))
		}
		seq = s.seq + 1
	}
	s.seq = seq
	extensions, _ := encodeExtensions(s.cfg.SupportedExtensions)
	body := invokeBody{
		// A copy: the slice is read by the writer after the lock is released
		OpenFormIDs:                 append(make([]string, 0, len(s.openForms)), s.openForms...),
		SessionID:                   s.info.ServerSessionID,
		SequenceNo:                  FormatSequenceNo(s.spa, seq),
		LastClientAckSequenceNumber: s.lastAck,
		NavigationContext: navigationContext{
			ApplicationID: s.cfg.ApplicationID,
			SpaInstanceID: s.spa,
		},
		SupportedExtensions:  extensions,
		InteractionsToInvoke: interactions,
		TenantID:             s.tenantID,
		Company:              s.company,
	}
	s.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	s.calls.Add(1)
	raw, err := s.transport.Call(callCtx, MethodInvoke, []any{body})
	if err != nil {
		s.failures.Add(1)
		return nil, s.callError(body.SequenceNo, err)
	}
	handlers, err := wire.Parse(raw)
	if err != nil {
		// A bad payload fails the call; the session stays usable
		s.failures.Add(1)
		s.log.Warn("invoke response rejected", zap.String("sequenceNo", body.SequenceNo), zap.Error(err))
		return nil, err
	}

	s.mu.Lock()
	streamed := s.streamed
	s.streamed = nil
	s.observeAck(handlers)
	s.mu.Unlock()

	if len(streamed) > 0 {
		handlers = append(streamed, handlers...)
	}
	return handlers, nil
}

// acquireCall waits for the in-flight call, giving up when ctx ends. A
// caller whose ctx ended while queued never consumes a sequence number.
func (s *Session) acquireCall(ctx context.Context) error {
	if err := s.callGate.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("session: waiting for in-flight call: %w", err)
	}
	if err := ctx.Err(); err != nil {
		s.callGate.Release(1)
		return fmt.Errorf("session: waiting for in-flight call: %w", err)
	}
	return nil
}

// callError marks the session closed when the transport died
func (s *Session) callError(op string, err error) error {
	var te *TransportError
	if errors.As(err, &te) {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		return err
	}
	return fmt.Errorf("session: %s: %w", op, err)
}

// observeAck advances the acknowledged server sequence. Caller holds mu.
func (s *Session) observeAck(handlers []wire.Handler) {
	if n, ok := wire.ExtractSequenceNumber(handlers); ok && n > s.lastAck {
		s.lastAck = n
	}
}

// streamedMessage is params[0] of a server Message notification
type streamedMessage struct {
	SequenceNumber *int64 `json:"sequenceNumber"`
}

type notification struct {
	Method string            `json:"method"`
	Params []streamedMessage `json:"params"`
}

func (s *Session) handleNotification(raw []byte) {
	var n notification
	if err := json.Unmarshal(raw, &n); err != nil {
		s.log.Debug("ignoring notification", zap.Error(err))
		return
	}
	if n.Method != MethodMessage {
		s.log.Debug("ignoring notification", zap.String("method", n.Method))
		return
	}

	var handlers []wire.Handler
	payload, err := wire.Decode(raw)
	switch {
	case errors.Is(err, wire.ErrNotCompressed):
	case err != nil:
		s.log.Warn("streamed message rejected", zap.Error(err))
	default:
		handlers, err = wire.ParseHandlers(payload)
		if err != nil {
			s.log.Warn("streamed message rejected", zap.Error(err))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(n.Params) > 0 && n.Params[0].SequenceNumber != nil && *n.Params[0].SequenceNumber > s.lastAck {
		s.lastAck = *n.Params[0].SequenceNumber
	}
	s.observeAck(handlers)
	s.streamed = append(s.streamed, handlers...)
}

// AddOpenForm records a form the server now considers open. Adding an id
// twice is a no-op.
func (s *Session) AddOpenForm(formID string) {
	if formID == "" {
		return
	}
	s.mu.Lock()
	s.openForms = appendUnique(s.openForms, formID)
	s.mu.Unlock()
}

// RemoveOpenForm forgets a closed form and its filter metadata.
func (s *Session) RemoveOpenForm(formID string) {
	s.mu.Lock()
	for i, id := range s.openForms {
		if id == formID {
			s.openForms = append(s.openForms[:i], s.openForms[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	s.filters.Forget(formID)
}

// OpenFormIDs returns the open form ids in insertion order.
func (s *Session) OpenFormIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.openForms...)
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// ExtractLogicalForm selects a form from a batch, counting and logging
// identity fallbacks.
func (s *Session) ExtractLogicalForm(handlers []wire.Handler, formID string) (*wire.LogicalForm, error) {
	return s.extractor.Extract(handlers, formID)
}

// Filters returns the session's filter metadata cache.
func (s *Session) Filters() *FilterCache {
	return s.filters
}

// Close ends the server session on a best-effort basis and closes the
// transport.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	st := s.state
	s.state = StateClosed
	s.closed = true
	sessionID := s.info.ServerSessionID
	s.mu.Unlock()

	if st == StateClosed {
		return nil
	}

	if st == StateSessionOpen {
		closeCtx, cancel := context.WithTimeout(ctx, s.cfg.CloseTimeout)
		body := map[string]string{"sessionId": sessionID}
		if _, err := s.transport.Call(closeCtx, MethodCloseSession, []any{body}); err != nil {
			s.log.Debug("close session", zap.String("serverSessionId", sessionID), zap.Error(err))
		}
		cancel()
	}
	return s.transport.Close()
}

// State returns the current lifecycle state. A session whose transport died
// reports Closed.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentState()
}

// currentState is State with mu held
func (s *Session) currentState() State {
	if s.transportDone() {
		return StateClosed
	}
	return s.state
}

func (s *Session) transportDone() bool {
	select {
	case <-s.transport.Done():
		return true
	default:
		return false
	}
}

// IsReady reports whether the session can accept Invoke calls.
func (s *Session) IsReady() bool {
	return s.State() == StateSessionOpen
}

// ServerSessionID returns the server-issued session id, empty before open.
func (s *Session) ServerSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info.ServerSessionID
}

// Info returns the identity tokens issued at open.
func (s *Session) Info() wire.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Stats returns the session counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		State:         s.currentState(),
		Calls:         s.calls.Load(),
		Failures:      s.failures.Load(),
		FormFallbacks: s.fallbacks.Load(),
		Sequence:      s.seq,
		LastAck:       s.lastAck,
		OpenForms:     len(s.openForms),
	}
}
