// Package launcher starts agent subprocesses and connects their stdio to a
// transport.
package launcher

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/m4xw311/agentdeck/config"
	"github.com/m4xw311/agentdeck/errors"
	"github.com/m4xw311/agentdeck/transport"
)

type Option func(*options)

type options struct {
	logger     *slog.Logger
	dir        string
	stream     []transport.Option
	drainGrace time.Duration
}

const defaultDrainGrace = 500 * time.Millisecond

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithDir sets the working directory when the agent config has none.
func WithDir(dir string) Option {
	return func(o *options) { o.dir = dir }
}

// WithDrainGrace sets how long frames may still arrive after the agent has
// exited. Once it passes, stdout is closed even if a child of the agent
// still holds it open.
func WithDrainGrace(d time.Duration) Option {
	return func(o *options) { o.drainGrace = d }
}

// WithStreamOptions configures the transport wrapped around the agent's
// stdio.
func WithStreamOptions(opts ...transport.Option) Option {
	return func(o *options) { o.stream = append(o.stream, opts...) }
}

// Process is a running agent.
type Process struct {
	*transport.Stream
	Name string

	cmd        *exec.Cmd
	logger     *slog.Logger
	stdout     *os.File
	stderr     *os.File
	drainGrace time.Duration
	exited     chan struct{}
	code       int
	err        error
}

// Spawn starts the agent. Its stdout and stdin carry the protocol and its
// stderr is logged line by line.
func Spawn(ctx context.Context, agent config.Agent, opts ...Option) (*Process, error) {
	o := options{logger: slog.Default(), drainGrace: defaultDrainGrace}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With("agent", agent.Name)

	cmd := exec.CommandContext(ctx, agent.Command, agent.Args...)
	cmd.Env = environ(agent.Env)
	cmd.Dir = agent.Dir
	if cmd.Dir == "" {
		cmd.Dir = o.dir
	}

	// Plain pipes rather than cmd.StdoutPipe, so Wait never closes the read
	// end while frames are still buffered.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrapf(err, "stdin pipe")
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return nil, errors.Wrapf(err, "stdout pipe")
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, errors.Wrapf(err, "stderr pipe")
	}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = stdinR, stdoutW, stderrW

	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, errors.Wrapf(err, "start agent %s", agent.Name)
	}
	closeAll(stdinR, stdoutW, stderrW)
	logger.Info("agent started", "command", agent.Command, "args", agent.Args, "pid", cmd.Process.Pid)

	p := &Process{
		Name:       agent.Name,
		cmd:        cmd,
		logger:     logger,
		stdout:     stdoutR,
		stderr:     stderrR,
		drainGrace: o.drainGrace,
		exited:     make(chan struct{}),
	}
	streamOpts := append([]transport.Option{transport.WithLogger(logger)}, o.stream...)
	p.Stream = transport.NewStream(stdoutR, stdinW, p.exitStatus, streamOpts...)
	go p.logStderr(stderrR)
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.code = -1
	if st := p.cmd.ProcessState; st != nil {
		p.code = st.ExitCode()
	}
	var exitErr *exec.ExitError
	if p.code >= 0 && errors.As(err, &exitErr) {
		err = nil
	}
	p.err = err
	p.logger.Info("agent exited", "code", p.code, "error", err)
	close(p.exited)

	// A background child can inherit stdout and keep it open after the
	// agent is gone, so EOF alone cannot end the stream.
	select {
	case <-p.Stream.Done():
	case <-time.After(p.drainGrace):
		p.logger.Warn("agent exited but its stdout is still open", "grace", p.drainGrace)
	}
	closeAll(p.stdout, p.stderr)
}

func (p *Process) exitStatus() (int, error) {
	<-p.exited
	return p.code, p.err
}

// Exited is closed once the process has been reaped.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// Stop closes the agent's stdin and waits for it to exit, killing it once
// grace has passed.
func (p *Process) Stop(grace time.Duration) (int, error) {
	_ = p.Stream.Close()
	select {
	case <-p.exited:
	case <-time.After(grace):
		p.logger.Warn("agent did not exit, killing it", "grace", grace)
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return -1, errors.Wrapf(err, "kill agent %s", p.Name)
		}
		<-p.exited
	}
	return p.code, p.err
}

func (p *Process) logStderr(r io.ReadCloser) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.logger.Info("agent stderr", "line", scanner.Text())
	}
}

func environ(extra map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+os.ExpandEnv(extra[k]))
	}
	return env
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
