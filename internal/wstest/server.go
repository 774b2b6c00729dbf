// Package wstest provides an in-process application server speaking the
// WebSocket JSON-RPC protocol, for tests and local experiments.
package wstest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"nhooyr.io/websocket"

	"github.com/nggorpc/formrpc/wire"
)

// HandlerFunc answers one request. The returned value is sent as the
// response result; an error is sent as a JSON-RPC error carrying its gRPC
// status code and message.
//
// Returning Compressed or json.RawMessage bypasses result encoding.
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// Compressed is sent verbatim as the compressedResult field.
type Compressed string

// Request is one inbound request as seen by a handler.
type Request struct {
	ID     string
	Method string
	Params []json.RawMessage
	// Conn is the connection the request arrived on
	Conn *Conn
}

// Body decodes params[0] into an Envelope.
func (r *Request) Body() (Envelope, error) {
	var env Envelope
	if len(r.Params) == 0 {
		return env, errors.New("wstest: request has no params")
	}
	err := json.Unmarshal(r.Params[0], &env)
	return env, err
}

// Envelope is the client body of OpenSession and Invoke requests.
type Envelope struct {
	OpenFormIDs                 []string      `json:"openFormIds"`
	SessionID                   string        `json:"sessionId"`
	SequenceNo                  string        `json:"sequenceNo"`
	LastClientAckSequenceNumber int64         `json:"lastClientAckSequenceNumber"`
	SupportedExtensions         string        `json:"supportedExtensions"`
	Interactions                []Interaction `json:"interactionsToInvoke"`
	TenantID                    string        `json:"tenantId"`
	Company                     string        `json:"company"`
	ClientVersion               string        `json:"clientVersion"`
	NavigationContext           struct {
		ApplicationID string `json:"applicationId"`
		SpaInstanceID string `json:"spaInstanceId"`
	} `json:"navigationContext"`
}

// Interaction is one entry of interactionsToInvoke.
type Interaction struct {
	InteractionName string `json:"interactionName"`
	NamedParameters string `json:"namedParameters"`
	CallbackID      string `json:"callbackId"`
	ControlPath     string `json:"controlPath"`
	FormID          string `json:"formId"`
}

// Params decodes the string-encoded named parameters.
func (in Interaction) Params() (map[string]any, error) {
	m := map[string]any{}
	if in.NamedParameters == "" {
		return m, nil
	}
	err := json.Unmarshal([]byte(in.NamedParameters), &m)
	return m, err
}

// ServerOption configures server behavior
type ServerOption struct {
	// InsecureSkipVerify disables origin checking
	InsecureSkipVerify bool
	// Compress sends results as compressedResult (default inline result)
	Compress bool
	// MaxMessageSize sets the maximum inbound message size (default 16MB)
	MaxMessageSize int64
	// Logger receives server diagnostics (default no-op)
	Logger *zap.Logger
}

// Server is a WebSocket JSON-RPC server with per-method handlers.
type Server struct {
	mu          sync.RWMutex
	methods     map[string]HandlerFunc
	options     ServerOption
	log         *zap.Logger
	connections map[*Conn]struct{}
	requests    []Request
	shutdown    bool
}

// Conn is one accepted client connection
type Conn struct {
	conn     *websocket.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	sendChan chan []byte
	server   *Server
}

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC          string          `json:"jsonrpc"`
	ID               string          `json:"id"`
	Result           json.RawMessage `json:"result,omitempty"`
	CompressedResult string          `json:"compressedResult,omitempty"`
	Error            *rpcError       `json:"error,omitempty"`
}

// NewServer creates a server with optional configuration
func NewServer(opts ...ServerOption) *Server {
	options := ServerOption{MaxMessageSize: 16 * 1024 * 1024}
	if len(opts) > 0 {
		options = opts[0]
	}
	if options.MaxMessageSize <= 0 {
		options.MaxMessageSize = 16 * 1024 * 1024
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	return &Server{
		methods:     make(map[string]HandlerFunc),
		options:     options,
		log:         options.Logger.Named("wstest"),
		connections: make(map[*Conn]struct{}),
	}
}

// Handle registers the handler for a method, replacing any previous one.
func (s *Server) Handle(method string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[method] = fn
}

// Requests returns the recorded requests for a method in arrival order. An
// empty method returns every request.
func (s *Server) Requests(method string) []Request {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Request
	for _, r := range s.requests {
		if method == "" || r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

// Connections returns the number of live connections.
func (s *Server) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// HandleWebSocket is the HTTP handler that upgrades and serves a connection.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: s.options.InsecureSkipVerify,
	})
	if err != nil {
		s.log.Warn("accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")
	conn.SetReadLimit(s.options.MaxMessageSize)

	if err := s.handleConnection(r.Context(), conn); err != nil {
		s.log.Debug("connection ended", zap.Error(err))
		return
	}
	conn.Close(websocket.StatusNormalClosure, "goodbye")
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn) error {
	s.mu.RLock()
	if s.shutdown {
		s.mu.RUnlock()
		return errors.New("server is shutting down")
	}
	s.mu.RUnlock()

	connCtx, cancel := context.WithCancel(ctx)
	c := &Conn{
		conn:     conn,
		ctx:      connCtx,
		cancel:   cancel,
		sendChan: make(chan []byte, 100),
		server:   s,
	}

	s.mu.Lock()
	s.connections[c] = struct{}{}
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.connections, c)
		s.mu.Unlock()
	}()

	go c.writerLoop()

	for {
		msgType, data, err := conn.Read(connCtx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			s.log.Warn("ignoring non-text message", zap.Stringer("type", msgType))
			continue
		}

		var req rpcRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.log.Warn("ignoring undecodable request", zap.Error(err))
			continue
		}
		var id string
		if err := json.Unmarshal(req.ID, &id); err != nil {
			id = string(req.ID)
		}

		r := Request{ID: id, Method: req.Method, Params: req.Params, Conn: c}
		s.mu.Lock()
		s.requests = append(s.requests, r)
		fn, ok := s.methods[req.Method]
		s.mu.Unlock()

		if !ok {
			c.reply(id, nil, status.Errorf(codes.Unimplemented, "method %s not found", req.Method))
			continue
		}
		go func() {
			result, err := fn(connCtx, &r)
			c.reply(id, result, err)
		}()
	}
}

// reply encodes and queues the response to one request
func (c *Conn) reply(id string, result any, err error) {
	resp := rpcResponse{JSONRPC: "2.0", ID: id}
	switch v := result.(type) {
	case nil:
	case Compressed:
		resp.CompressedResult = string(v)
	case json.RawMessage:
		resp.Result = v
	default:
		data, merr := json.Marshal(v)
		if merr != nil {
			err = status.Errorf(codes.Internal, "marshal result: %v", merr)
			break
		}
		if c.server.options.Compress {
			encoded, cerr := wire.Compress(data)
			if cerr != nil {
				err = status.Errorf(codes.Internal, "compress result: %v", cerr)
				break
			}
			resp.CompressedResult = encoded
		} else {
			resp.Result = data
		}
	}
	if err != nil {
		st := status.Convert(err)
		resp.Result = nil
		resp.CompressedResult = ""
		resp.Error = &rpcError{Code: int(st.Code()), Message: st.Message()}
	}

	frame, merr := json.Marshal(resp)
	if merr != nil {
		c.server.log.Error("marshal response", zap.Error(merr))
		return
	}
	if serr := c.send(frame); serr != nil {
		c.server.log.Debug("response dropped", zap.String("id", id), zap.Error(serr))
	}
}

// Notify sends a Message notification carrying handlers and the server
// sequence number.
func (c *Conn) Notify(sequenceNumber int64, handlers any) error {
	data, err := json.Marshal(handlers)
	if err != nil {
		return err
	}
	encoded, err := wire.Compress(data)
	if err != nil {
		return err
	}
	return c.NotifyRaw(sequenceNumber, encoded)
}

// NotifyRaw sends a Message notification whose compressedData is sent
// verbatim.
func (c *Conn) NotifyRaw(sequenceNumber int64, compressedData string) error {
	frame, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "Message",
		"params": []any{map[string]any{
			"sequenceNumber": sequenceNumber,
			"compressedData": compressedData,
		}},
	})
	if err != nil {
		return err
	}
	return c.send(frame)
}

// Close drops the connection without a close handshake.
func (c *Conn) Close() {
	c.cancel()
	c.conn.Close(websocket.StatusGoingAway, "dropped")
}

// send queues a frame for the writer actor
func (c *Conn) send(frame []byte) error {
	select {
	case c.sendChan <- frame:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

// writerLoop is the actor goroutine that serializes all writes to the WebSocket
func (c *Conn) writerLoop() {
	for {
		select {
		case frame := <-c.sendChan:
			if err := c.conn.Write(c.ctx, websocket.MessageText, frame); err != nil {
				c.server.log.Debug("write failed", zap.Error(err))
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// CloseConnections drops every live connection.
func (s *Server) CloseConnections() {
	s.mu.RLock()
	conns := make([]*Conn, 0, len(s.connections))
	for c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.RUnlock()
	for _, c := range conns {
		c.Close()
	}
}

// ListenAndServe starts an HTTP server that handles WebSocket connections
func (s *Server) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.HandleWebSocket)
	s.log.Info("listening", zap.String("addr", addr))
	return http.ListenAndServe(addr, mux)
}

// Shutdown rejects new connections, drops the live ones and waits for them
// to unregister or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	s.CloseConnections()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		remaining := s.Connections()
		if remaining == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			s.log.Warn("shutdown expired", zap.Int("remaining", remaining))
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
