// Package transport moves newline-delimited JSON-RPC frames between the
// client and an agent. A Transport owns one reader goroutine that keeps
// draining the agent's output, serializes writers, drops frames that are
// not JSON, and signals termination once the agent goes away.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/m4xw311/agentdeck/acp"
)

// Transport is a duplex stream of JSON values.
type Transport interface {
	// Send writes msg as a single frame. It fails with a BrokenPipe
	// TransportError once the transport has terminated.
	Send(ctx context.Context, msg json.RawMessage) error
	// Receive yields inbound frames in arrival order.
	Receive() <-chan json.RawMessage
	// Done is closed when the transport terminates.
	Done() <-chan struct{}
	// Err reports why the transport terminated.
	Err() error
	Close() error
}

// Direction labels a traced frame.
type Direction string

const (
	Outbound Direction = "-->"
	Inbound  Direction = "<--"
)

// Tracer records every frame crossing the transport.
type Tracer interface {
	Trace(dir Direction, frame []byte)
}

type Option func(*pump)

func WithLogger(l *slog.Logger) Option {
	return func(p *pump) { p.logger = l }
}

func WithTracer(t Tracer) Option {
	return func(p *pump) { p.tracer = t }
}

// WithMaxFrame caps the size of an inbound frame. Longer lines are dropped.
func WithMaxFrame(n int) Option {
	return func(p *pump) { p.maxFrame = n }
}

const (
	defaultMaxFrame = 10 * 1024 * 1024
	inboundBuffer   = 256
)

// pump is the state shared by every transport: the inbound queue and the
// termination signal.
type pump struct {
	in       chan json.RawMessage
	done     chan struct{}
	once     sync.Once
	mu       sync.Mutex
	err      error
	logger   *slog.Logger
	tracer   Tracer
	maxFrame int
}

func newPump(opts []Option) *pump {
	p := &pump{
		in:       make(chan json.RawMessage, inboundBuffer),
		done:     make(chan struct{}),
		logger:   slog.Default(),
		maxFrame: defaultMaxFrame,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *pump) Receive() <-chan json.RawMessage { return p.in }

func (p *pump) Done() <-chan struct{} { return p.done }

func (p *pump) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *pump) terminate(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *pump) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// deliver validates one raw line and queues it. Blank lines are skipped and
// non-JSON lines logged and dropped, since agents sometimes print stray
// output on stdout.
func (p *pump) deliver(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	if p.tracer != nil {
		p.tracer.Trace(Inbound, line)
	}
	if len(line) > p.maxFrame {
		p.logger.Warn("dropping oversized frame", "size", len(line), "error", acp.ErrMalformedFrame)
		return
	}
	if !json.Valid(line) {
		p.logger.Warn("dropping malformed frame", "frame", truncate(line, 200), "error", acp.ErrMalformedFrame)
		return
	}
	msg := make(json.RawMessage, len(line))
	copy(msg, line)
	select {
	case p.in <- msg:
	case <-p.done:
	}
}

// encode compacts msg onto a single line.
func (p *pump) encode(msg json.RawMessage) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, msg); err != nil {
		return nil, &acp.TransportError{Kind: acp.MalformedFrame, Err: err}
	}
	if p.tracer != nil {
		p.tracer.Trace(Outbound, buf.Bytes())
	}
	return buf.Bytes(), nil
}

func (p *pump) brokenPipe() error {
	if err := p.Err(); err != nil {
		return &acp.TransportError{Kind: acp.BrokenPipe, Err: err}
	}
	return &acp.TransportError{Kind: acp.BrokenPipe}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
