package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Request methods of the protocol
const (
	MethodOpenSession  = "OpenSession"
	MethodInvoke       = "Invoke"
	MethodCloseSession = "CloseSession"
	MethodMessage      = "Message"
)

// Transport is a duplex request/response channel. Call correlates the
// response to its request; messages without an id are delivered to the
// notification handler.
type Transport interface {
	Call(ctx context.Context, method string, params any) ([]byte, error)
	SetNotificationHandler(fn func(raw []byte))
	Done() <-chan struct{}
	// Err returns why the transport stopped; valid once Done is closed
	Err() error
	Close() error
}

// rpcRequest is a JSON-RPC 2.0 request
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      string `json:"id"`
}

// rpcHeader is the subset of an inbound message needed for routing
type rpcHeader struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
}

// wsTransport manages a single WebSocket connection and its pending calls
type wsTransport struct {
	conn     *websocket.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	sendChan chan []byte
	log      *zap.Logger
	cfg      Config

	mu      sync.Mutex
	pending map[string]chan []byte
	notify  func(raw []byte)

	nextID    uint64
	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// dialTransport opens the WebSocket and starts the reader and writer loops.
func dialTransport(ctx context.Context, url string, header http.Header, cfg Config) (*wsTransport, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	conn.SetReadLimit(cfg.MaxMessageSize)

	// The connection outlives the dial context
	connCtx, cancel := context.WithCancel(context.Background())

	t := &wsTransport{
		conn:     conn,
		ctx:      connCtx,
		cancel:   cancel,
		sendChan: make(chan []byte, cfg.SendQueueSize),
		log:      cfg.Logger.Named("transport"),
		cfg:      cfg,
		pending:  make(map[string]chan []byte),
		done:     make(chan struct{}),
	}

	go t.writerLoop()
	go t.readLoop()

	t.log.Debug("websocket connected", zap.String("url", url))
	return t, nil
}

// SetNotificationHandler implements Transport
func (t *wsTransport) SetNotificationHandler(fn func(raw []byte)) {
	t.mu.Lock()
	t.notify = fn
	t.mu.Unlock()
}

// Done implements Transport
func (t *wsTransport) Done() <-chan struct{} {
	return t.done
}

// Call sends one request and waits for the response carrying its id.
func (t *wsTransport) Call(ctx context.Context, method string, params any) ([]byte, error) {
	id := strconv.FormatUint(atomic.AddUint64(&t.nextID, 1), 10)

	data, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	if err != nil {
		return nil, fmt.Errorf("session: marshal %s request: %w", method, err)
	}

	// Buffered so the read loop never blocks on a caller that gave up
	respChan := make(chan []byte, 1)
	t.mu.Lock()
	t.pending[id] = respChan
	t.mu.Unlock()
	defer t.forget(id)

	if err := t.send(ctx, data); err != nil {
		return nil, err
	}

	select {
	case resp := <-respChan:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, &TransportError{Op: method, Err: t.Err()}
	}
}

func (t *wsTransport) forget(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// send queues a frame for the writer actor
func (t *wsTransport) send(ctx context.Context, frame []byte) error {
	select {
	case t.sendChan <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return &TransportError{Op: "send", Err: t.Err()}
	}
}

// writerLoop is the actor goroutine that serializes all writes to the WebSocket
func (t *wsTransport) writerLoop() {
	for {
		select {
		case frame := <-t.sendChan:
			writeCtx, cancel := context.WithTimeout(t.ctx, t.cfg.WriteTimeout)
			err := t.conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				t.fail(fmt.Errorf("write: %w", err))
				return
			}
		case <-t.ctx.Done():
			return
		}
	}
}

// readLoop routes responses to pending calls and everything else to the
// notification handler
func (t *wsTransport) readLoop() {
	for {
		msgType, data, err := t.conn.Read(t.ctx)
		if err != nil {
			t.fail(fmt.Errorf("read: %w", err))
			return
		}
		if msgType != websocket.MessageText {
			t.log.Warn("ignoring non-text message", zap.Stringer("type", msgType))
			continue
		}

		var hdr rpcHeader
		if err := json.Unmarshal(data, &hdr); err != nil {
			t.log.Warn("ignoring undecodable message", zap.Error(err), zap.Int("size", len(data)))
			continue
		}

		if id := requestID(hdr.ID); id != "" {
			t.mu.Lock()
			ch, ok := t.pending[id]
			delete(t.pending, id)
			t.mu.Unlock()
			if !ok {
				t.log.Debug("response for unknown call", zap.String("id", id))
				continue
			}
			ch <- data
			continue
		}

		t.mu.Lock()
		fn := t.notify
		t.mu.Unlock()
		if fn != nil {
			fn(data)
		}
	}
}

// requestID accepts both string and numeric ids
func requestID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n uint64
	if err := json.Unmarshal(raw, &n); err == nil {
		return strconv.FormatUint(n, 10)
	}
	return ""
}

// fail records the first terminal error and tears the connection down
func (t *wsTransport) fail(err error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closeErr = err
		t.mu.Unlock()
		if t.closing.Load() {
			t.log.Debug("websocket closed", zap.Error(err))
		} else {
			t.log.Warn("websocket connection lost", zap.Error(err))
		}
		t.cancel()
		close(t.done)
	})
}

// Err implements Transport
func (t *wsTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closeErr == nil {
		return ErrTransportClosed
	}
	return t.closeErr
}

// Close closes the connection and fails any pending calls.
func (t *wsTransport) Close() error {
	t.closing.Store(true)
	err := t.conn.Close(websocket.StatusNormalClosure, "goodbye")
	t.fail(ErrTransportClosed)
	if err != nil && !isClosedError(err) {
		return &TransportError{Op: "close", Err: err}
	}
	return nil
}

func isClosedError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	status := websocket.CloseStatus(err)
	return status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway
}
