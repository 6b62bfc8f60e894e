package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/m4xw311/agentdeck/acp"
	"github.com/m4xw311/agentdeck/errors"
)

// Waiter blocks until the agent process exits and reports its exit code.
type Waiter func() (exitCode int, err error)

var errClosedLocally = errors.Sentinel("transport closed")

// Stream frames JSON values over a byte stream pair, typically the stdout
// and stdin pipes of an agent subprocess.
type Stream struct {
	*pump
	r         io.Reader
	w         io.WriteCloser
	bw        *bufio.Writer
	writeLock sync.Mutex
	wait      Waiter
	waitOnce  sync.Once
}

// NewStream starts reading r immediately. wait may be nil when the stream
// is not backed by a process; the exit code is then reported as -1.
func NewStream(r io.Reader, w io.WriteCloser, wait Waiter, opts ...Option) *Stream {
	s := &Stream{
		pump: newPump(opts),
		r:    r,
		w:    w,
		bw:   bufio.NewWriter(w),
		wait: wait,
	}
	go s.readLoop()
	return s
}

func (s *Stream) readLoop() {
	defer close(s.in)
	reader := bufio.NewReaderSize(s.r, 64*1024)
	var (
		line    []byte
		skipped int
	)
	for {
		chunk, err := reader.ReadSlice('\n')
		switch {
		case skipped > 0:
			skipped += len(chunk)
		case len(line)+len(chunk) > s.maxFrame+len("\r\n"):
			// Skip the rest of the line rather than buffer it.
			skipped = len(line) + len(chunk)
			line = nil
		default:
			line = append(line, chunk...)
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if skipped > 0 {
			s.logger.Warn("dropping oversized frame", "size", skipped, "error", acp.ErrMalformedFrame)
			skipped = 0
		} else if len(line) > 0 {
			s.deliver(line)
		}
		line = nil
		if err != nil {
			if err != io.EOF && !s.closed() {
				s.logger.Debug("agent stream read failed", "error", err)
			}
			s.terminate(s.exitError(err))
			return
		}
	}
}

func (s *Stream) exitError(readErr error) error {
	if s.wait == nil {
		if readErr == io.EOF {
			readErr = nil
		}
		return &acp.TransportError{Kind: acp.ProcessExited, ExitCode: -1, Err: readErr}
	}
	var code int
	var werr error
	s.waitOnce.Do(func() { code, werr = s.wait() })
	return &acp.TransportError{Kind: acp.ProcessExited, ExitCode: code, Err: werr}
}

// Send writes msg followed by a newline. Concurrent callers never
// interleave partial frames.
func (s *Stream) Send(ctx context.Context, msg json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed() {
		return s.brokenPipe()
	}
	data, err := s.encode(msg)
	if err != nil {
		return err
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	if _, err := s.bw.Write(data); err != nil {
		return s.writeFailed(err)
	}
	if err := s.bw.WriteByte('\n'); err != nil {
		return s.writeFailed(err)
	}
	if err := s.bw.Flush(); err != nil {
		return s.writeFailed(err)
	}
	return nil
}

func (s *Stream) writeFailed(err error) error {
	terr := &acp.TransportError{Kind: acp.BrokenPipe, Err: err}
	s.terminate(terr)
	return terr
}

// Close closes the write side, which asks a well-behaved agent to exit, and
// the read side when it can be closed.
func (s *Stream) Close() error {
	s.terminate(&acp.TransportError{Kind: acp.BrokenPipe, Err: errClosedLocally})
	err := s.w.Close()
	if rc, ok := s.r.(io.Closer); ok {
		_ = rc.Close()
	}
	return err
}
