// Package logging builds the process logger and the wire trace.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/m4xw311/agentdeck/config"
	"github.com/m4xw311/agentdeck/errors"
	"github.com/m4xw311/agentdeck/transport"
)

// DefaultTraceFile is where the wire trace goes when no file is configured.
const DefaultTraceFile = "acp.trace"

// New returns a logger writing to w in the configured format and level.
// Stdout belongs to the protocol in some modes, so callers pass stderr.
func New(cfg config.Logging, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, errors.Wrapf(err, "log level %q", cfg.Level)
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, errors.New("unknown log format %q", cfg.Format)
}

// FileTracer appends one line per frame:
//
//	[15:04:05.000] --> {"jsonrpc":"2.0",...}
type FileTracer struct {
	mu  sync.Mutex
	w   io.Writer
	c   io.Closer
	now func() time.Time
}

var _ transport.Tracer = (*FileTracer)(nil)

// OpenTrace opens path for appending.
func OpenTrace(path string) (*FileTracer, error) {
	if path == "" {
		path = DefaultTraceFile
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open trace file")
	}
	return &FileTracer{w: f, c: f, now: time.Now}, nil
}

// NewTracer traces to w.
func NewTracer(w io.Writer) *FileTracer {
	return &FileTracer{w: w, now: time.Now}
}

func (t *FileTracer) Trace(dir transport.Direction, frame []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.w, "[%s] %s %s\n", t.now().Format("15:04:05.000"), dir, strings.TrimRight(string(frame), "\r\n"))
}

func (t *FileTracer) Close() error {
	if t.c == nil {
		return nil
	}
	return t.c.Close()
}
