package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/m4xw311/agentdeck/acp"
	"github.com/m4xw311/agentdeck/permission"
	"github.com/m4xw311/agentdeck/session"
)

type Options struct {
	In  io.Reader
	Out io.Writer
	// Prompter answers permission requests from input lines. Nil when
	// permissions are decided without asking.
	Prompter      *permission.Prompter
	Interrupts    <-chan os.Signal
	ToolVerbosity ToolVerbosity
	ShowThoughts  bool
	Logger        *slog.Logger
}

// Console drives one session from a terminal.
type Console struct {
	session *session.Session
	opts    Options
	logger  *slog.Logger

	mu  sync.Mutex
	r   *renderer
	out io.Writer
}

type turnResult struct {
	stop acp.StopReason
	err  error
}

func New(s *session.Session, opts Options) *Console {
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.ToolVerbosity == "" {
		opts.ToolVerbosity = ToolVerbosityInfo
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{
		session: s,
		opts:    opts,
		logger:  logger,
		r:       newRenderer(opts.Out, opts.ToolVerbosity, opts.ShowThoughts),
		out:     opts.Out,
	}
}

// Run starts the interactive loop. It returns when the input ends, /quit
// is entered, an interrupt arrives while no prompt is running, or ctx is
// done.
func (c *Console) Run(ctx context.Context, initialPrompt string) error {
	events, stop := c.session.Subscribe()
	defer stop()
	c.mu.Lock()
	c.r.mark(c.session.Snapshot())
	c.mu.Unlock()
	go func() {
		for range events {
			c.refresh()
		}
	}()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go c.read(lines, readErr)

	var (
		turn  <-chan turnResult
		queue []string
	)
	if initialPrompt = strings.TrimSpace(initialPrompt); initialPrompt != "" {
		c.printf("You: %s\n", initialPrompt)
		turn = c.start(ctx, initialPrompt)
	} else {
		c.printf("You: ")
	}

	for {
		select {
		case <-ctx.Done():
			c.abort(turn)
			return ctx.Err()

		case <-c.opts.Interrupts:
			if turn == nil {
				return nil
			}
			queue = nil
			c.printf("\nCancelling...\n")
			if err := c.session.Cancel(ctx); err != nil {
				c.printf("Error: %v\n", err)
			}

		case res := <-turn:
			turn = nil
			c.finish(res)
			if len(queue) > 0 {
				next := queue[0]
				queue = queue[1:]
				c.printf("You: %s\n", next)
				turn = c.start(ctx, next)
				continue
			}
			if lines == nil {
				return <-readErr
			}
			c.printf("You: ")

		case line, ok := <-lines:
			if !ok {
				lines = nil
				if turn == nil {
					return <-readErr
				}
				continue
			}
			quit, text := c.handle(ctx, line, turn != nil)
			switch {
			case quit:
				c.abort(turn)
				return nil
			case text != "" && turn != nil:
				queue = append(queue, text)
				c.printf("Queued until the agent finishes.\n")
			case text != "":
				turn = c.start(ctx, text)
			case turn == nil:
				c.printf("You: ")
			}
		}
	}
}

func (c *Console) read(lines chan<- string, readErr chan<- error) {
	defer close(lines)
	scanner := bufio.NewScanner(c.opts.In)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
	readErr <- scanner.Err()
}

// handle processes one input line. It reports whether the console should
// quit, and the text to send as a prompt, if any.
func (c *Console) handle(ctx context.Context, line string, busy bool) (bool, string) {
	line = strings.TrimSpace(line)
	if p := c.opts.Prompter; p != nil && !strings.HasPrefix(line, "/") && p.Waiting() && p.Reply(line) {
		return false, ""
	}
	if line == "" {
		return false, ""
	}
	if !strings.HasPrefix(line, "/") {
		return false, line
	}
	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "quit", "exit":
		return true, ""
	case "cancel":
		if !busy {
			c.printf("Nothing to cancel.\n")
		} else if err := c.session.Cancel(ctx); err != nil {
			c.printf("Error: %v\n", err)
		}
	case "mode":
		c.setMode(ctx, arg)
	case "model":
		c.setModel(ctx, arg)
	case "help":
		c.help()
	default:
		if c.agentCommand(name) {
			return false, line
		}
		c.printf("Unknown command /%s. Type /help for a list.\n", name)
	}
	return false, ""
}

func (c *Console) start(ctx context.Context, text string) <-chan turnResult {
	done := make(chan turnResult, 1)
	go func() {
		stop, err := c.session.Prompt(ctx, []acp.ContentBlock{acp.TextBlock(text)})
		done <- turnResult{stop: stop, err: err}
	}()
	return done
}

func (c *Console) finish(res turnResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.r.render(c.session.Snapshot())
	c.r.endStream()
	switch {
	case res.err != nil:
		fmt.Fprintf(c.out, "Error: %v\n", res.err)
	case res.stop != acp.StopEndTurn:
		fmt.Fprintf(c.out, "(stopped: %s)\n", res.stop)
	}
}

// abort cancels a running prompt and waits for it to end.
func (c *Console) abort(turn <-chan turnResult) {
	if turn == nil {
		return
	}
	if err := c.session.Cancel(context.Background()); err != nil {
		c.logger.Debug("cancel on exit failed", "session", c.session.ID(), "error", err)
	}
	<-turn
}

func (c *Console) setMode(ctx context.Context, id string) {
	snap := c.session.Snapshot()
	if id == "" {
		if len(snap.Modes) == 0 {
			c.printf("The agent has no modes.\n")
			return
		}
		for _, m := range snap.Modes {
			c.printf("%s %s\t%s\n", current(m.ID == snap.CurrentModeID), m.ID, m.Name)
		}
		return
	}
	if err := c.session.SetMode(ctx, id); err != nil {
		c.printf("Error: %v\n", err)
	}
}

func (c *Console) setModel(ctx context.Context, id string) {
	snap := c.session.Snapshot()
	if id == "" {
		if len(snap.Models) == 0 {
			c.printf("The agent has no models to choose from.\n")
			return
		}
		for _, m := range snap.Models {
			c.printf("%s %s\t%s\n", current(m.ModelID == snap.CurrentModelID), m.ModelID, m.Name)
		}
		return
	}
	if err := c.session.SetModel(ctx, id); err != nil {
		c.printf("Error: %v\n", err)
	}
}

func current(ok bool) string {
	if ok {
		return "*"
	}
	return " "
}

func (c *Console) agentCommand(name string) bool {
	for _, cmd := range c.session.Snapshot().Commands {
		if cmd.Name == name {
			return true
		}
	}
	return false
}

func (c *Console) help() {
	c.printf("/cancel      stop the running prompt\n")
	c.printf("/mode [ID]   list or switch modes\n")
	c.printf("/model [ID]  list or switch models\n")
	c.printf("/quit        leave\n")
	for _, cmd := range c.session.Snapshot().Commands {
		c.printf("/%-11s %s\n", cmd.Name, cmd.Description)
	}
}

func (c *Console) refresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.r.render(c.session.Snapshot())
}

func (c *Console) printf(format string, a ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.r.endStream()
	fmt.Fprintf(c.out, format, a...)
}
