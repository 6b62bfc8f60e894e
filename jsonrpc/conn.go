// Package jsonrpc implements bidirectional JSON-RPC 2.0 over a transport.
// A Conn issues calls and notifications, correlates responses by id, and
// dispatches the peer's requests and notifications to registered handlers
// without ever blocking the read loop on them.
package jsonrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m4xw311/agentdeck/acp"
	"github.com/m4xw311/agentdeck/errors"
	"github.com/m4xw311/agentdeck/transport"
)

// RequestHandler answers a request from the peer. The returned value is
// encoded as the result; a returned error becomes the error object.
type RequestHandler func(ctx context.Context, params json.RawMessage) (any, error)

// NotificationHandler receives a notification from the peer. Calls to one
// handler are serialized in arrival order.
type NotificationHandler func(ctx context.Context, params json.RawMessage)

type Option func(*Conn)

func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) { c.logger = l }
}

// WithCallTimeout bounds calls whose context carries no deadline.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Conn) { c.callTimeout = d }
}

type outcome struct {
	msg *Message
	err error
}

type pendingCall struct {
	method string
	result chan outcome
}

// Conn is one JSON-RPC connection.
type Conn struct {
	t           transport.Transport
	logger      *slog.Logger
	callTimeout time.Duration

	seq atomic.Int64

	mu            sync.Mutex
	pending       map[int64]*pendingCall
	reqHandlers   map[string]RequestHandler
	notifHandlers map[string][]*queuedHandler
	queues        []*queue
	closed        bool
	closeErr      error
	onClose       []func(error)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type queuedHandler struct {
	handle NotificationHandler
	q      *queue
}

// NewConn starts dispatching frames from t.
func NewConn(t transport.Transport, opts ...Option) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		t:             t,
		logger:        slog.Default(),
		pending:       make(map[int64]*pendingCall),
		reqHandlers:   make(map[string]RequestHandler),
		notifHandlers: make(map[string][]*queuedHandler),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

// HandleRequest registers the handler for an inbound request method,
// replacing any previous one.
func (c *Conn) HandleRequest(method string, h RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqHandlers[method] = h
}

// HandleNotification adds a handler for an inbound notification method.
// Every handler registered for the method receives every notification.
func (c *Conn) HandleNotification(method string, h NotificationHandler) {
	q := newQueue()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		q.close()
		return
	}
	c.notifHandlers[method] = append(c.notifHandlers[method], &queuedHandler{handle: h, q: q})
	c.queues = append(c.queues, q)
}

// OnClose registers f to run once the connection terminates. If it has
// already terminated f runs immediately.
func (c *Conn) OnClose(f func(error)) {
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		f(err)
		return
	}
	c.onClose = append(c.onClose, f)
	c.mu.Unlock()
}

// Done is closed when the connection terminates.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection terminated.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Close tears the connection down and fails every outstanding call.
func (c *Conn) Close() error {
	err := c.t.Close()
	c.teardown(c.t.Err())
	return err
}

// Call sends a request and waits for its response, decoding the result
// into result when it is non-nil.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	id := c.seq.Add(1)
	call := &pendingCall{method: method, result: make(chan outcome, 1)}

	c.mu.Lock()
	if c.closed {
		err := c.closedError(method)
		c.mu.Unlock()
		return err
	}
	c.pending[id] = call
	c.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok && c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	c.logger.Debug("calling agent", "method", method, "id", id)
	if err := c.send(ctx, &Message{JSONRPC: Version, ID: intID(id), Method: method, Params: raw}); err != nil {
		c.forget(id)
		return c.sendError(method, err)
	}

	select {
	case out := <-call.result:
		if out.err != nil {
			return out.err
		}
		if e := out.msg.Error; e != nil {
			return &acp.RPCError{Kind: acp.AgentError, Method: method, Code: e.Code, Message: e.Message, Data: e.Data}
		}
		if result != nil && len(out.msg.Result) > 0 && string(out.msg.Result) != "null" {
			if err := json.Unmarshal(out.msg.Result, result); err != nil {
				return errors.Wrapf(err, "decode %s result", method)
			}
		}
		return nil
	case <-ctx.Done():
		c.forget(id)
		if ctx.Err() == context.DeadlineExceeded {
			return &acp.RPCError{Kind: acp.Timeout, Method: method, Err: ctx.Err()}
		}
		return ctx.Err()
	}
}

// Notify sends a notification. It does not wait for the peer.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		err := c.closedError(method)
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()
	if err := c.send(ctx, &Message{JSONRPC: Version, Method: method, Params: raw}); err != nil {
		return c.sendError(method, err)
	}
	return nil
}

// Sync waits until every notification received before the call has been
// handled. Callers use it after a response to observe the updates the peer
// sent ahead of that response.
func (c *Conn) Sync(ctx context.Context) error {
	c.mu.Lock()
	queues := append([]*queue(nil), c.queues...)
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil
	}

	var wg sync.WaitGroup
	for _, q := range queues {
		wg.Add(1)
		q.submit(wg.Done)
	}
	flushed := make(chan struct{})
	go func() {
		wg.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
		return nil
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) send(ctx context.Context, m *Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return errors.Wrapf(err, "encode %s", m.Method)
	}
	return c.t.Send(ctx, data)
}

func (c *Conn) sendError(method string, err error) error {
	var terr *acp.TransportError
	if errors.As(err, &terr) && terr.Kind != acp.MalformedFrame {
		return &acp.RPCError{Kind: acp.ConnectionClosed, Method: method, Err: err}
	}
	return err
}

func (c *Conn) closedError(method string) error {
	return &acp.RPCError{Kind: acp.ConnectionClosed, Method: method, Err: c.closeErr}
}

func (c *Conn) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) readLoop() {
	in := c.t.Receive()
	for {
		select {
		case raw, ok := <-in:
			if !ok {
				c.teardown(c.t.Err())
				return
			}
			c.dispatch(raw)
		case <-c.t.Done():
			// Frames read before termination are still delivered.
			for {
				select {
				case raw, ok := <-in:
					if ok {
						c.dispatch(raw)
						continue
					}
				default:
				}
				break
			}
			c.teardown(c.t.Err())
			return
		}
	}
}

func (c *Conn) dispatch(raw json.RawMessage) {
	m, err := Decode(raw)
	if err != nil {
		c.logger.Warn("dropping message", "error", err)
		return
	}
	switch m.Classify() {
	case KindResponse:
		c.resolve(m)
	case KindRequest:
		c.serve(m)
	case KindNotification:
		c.notify(m)
	}
}

func (c *Conn) resolve(m *Message) {
	id, ok := parseID(m.ID)
	if !ok {
		c.logger.Warn("dropping response with non-numeric id", "id", string(m.ID))
		return
	}
	c.mu.Lock()
	call, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("dropping response for unknown request", "id", id)
		return
	}
	c.logger.Debug("agent responded", "method", call.method, "id", id, "error", m.Error != nil)
	call.result <- outcome{msg: m}
}

func (c *Conn) serve(m *Message) {
	c.mu.Lock()
	h, ok := c.reqHandlers[m.Method]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("agent called unknown method", "method", m.Method,
			"error", &acp.ProtocolError{Kind: acp.UnknownMethod, Detail: m.Method})
		go c.reply(m, nil, acp.NewMethodNotFound(m.Method))
		return
	}
	go func() {
		result, err := c.invoke(h, m)
		c.reply(m, result, err)
	}()
}

func (c *Conn) invoke(h RequestHandler, m *Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("request handler panicked", "method", m.Method, "panic", r, "stack", string(debug.Stack()))
			err = acp.NewInternalError(fmt.Sprint(r))
		}
	}()
	return h(c.ctx, m.Params)
}

func (c *Conn) reply(req *Message, result any, err error) {
	resp := &Message{JSONRPC: Version, ID: req.ID}
	if err != nil {
		c.logger.Debug("request failed", "method", req.Method, "error", err)
		resp.Error = errorObject(err)
	} else {
		data, mErr := json.Marshal(result)
		if mErr != nil {
			resp.Error = errorObject(mErr)
		} else {
			resp.Result = data
		}
	}
	if sErr := c.send(context.Background(), resp); sErr != nil {
		c.logger.Warn("could not answer agent request", "method", req.Method, "error", sErr)
	}
}

func (c *Conn) notify(m *Message) {
	c.mu.Lock()
	handlers := c.notifHandlers[m.Method]
	c.mu.Unlock()
	if len(handlers) == 0 {
		c.logger.Debug("no handler for notification", "method", m.Method)
		return
	}
	params := m.Params
	for _, h := range handlers {
		h.q.submit(func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("notification handler panicked", "method", m.Method, "panic", r)
				}
			}()
			h.handle(c.ctx, params)
		})
	}
}

// teardown fails every outstanding call with ConnectionClosed and runs the
// close hooks. It is idempotent.
func (c *Conn) teardown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = cause
	pending := c.pending
	c.pending = make(map[int64]*pendingCall)
	hooks := c.onClose
	c.onClose = nil
	queues := c.queues
	c.mu.Unlock()

	for id, call := range pending {
		c.logger.Debug("failing call on closed connection", "method", call.method, "id", id)
		call.result <- outcome{err: &acp.RPCError{Kind: acp.ConnectionClosed, Method: call.method, Err: cause}}
	}
	c.cancel()
	for _, q := range queues {
		q.close()
	}
	close(c.done)
	c.logger.Info("agent connection closed", "cause", cause)
	for _, f := range hooks {
		f(cause)
	}
}
