package permission

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/m4xw311/agentdeck/acp"
)

// Prompter asks a person at a terminal. It prints each request with its
// numbered options; whoever reads the terminal feeds the typed lines to
// Reply. The terminal's line reader is shared with the chat, so the
// Prompter never reads input itself.
type Prompter struct {
	broker *Broker

	mu  sync.Mutex
	out io.Writer
}

func NewPrompter(out io.Writer) *Prompter {
	return &Prompter{broker: NewBroker(16), out: out}
}

func (p *Prompter) Ask(ctx context.Context, req acp.RequestPermissionRequest) (acp.RequestPermissionOutcome, error) {
	p.render(req)
	outcome, err := p.broker.Ask(ctx, req)
	if outcome.IsCancelled() {
		p.printf("Permission request withdrawn.\n")
	}
	return outcome, err
}

// Waiting reports whether a request is waiting for an answer.
func (p *Prompter) Waiting() bool { return len(p.broker.Pending()) > 0 }

// Reply answers the oldest pending request with a typed line: an option
// number, an option id, or y/n for the first allow or reject option. It
// reports whether the line was taken as an answer.
func (p *Prompter) Reply(line string) bool {
	pending := p.broker.Pending()
	if len(pending) == 0 {
		return false
	}
	req := pending[0]
	id, ok := parseChoice(strings.TrimSpace(line), req.Options)
	if !ok {
		p.printf("Answer with an option number (1-%d), y or n.\n", len(req.Options))
		return true
	}
	if err := p.broker.Answer(req.ID, id); err != nil {
		p.printf("Error: %v\n", err)
	}
	return true
}

// CancelAll withdraws every pending request.
func (p *Prompter) CancelAll() { p.broker.CancelAll() }

func (p *Prompter) render(req acp.RequestPermissionRequest) {
	var sb strings.Builder
	title := req.ToolCall.ToolCallID
	if req.ToolCall.Title != nil {
		title = *req.ToolCall.Title
	}
	fmt.Fprintf(&sb, "Agent wants to run `%s`", title)
	if req.ToolCall.Kind != nil {
		fmt.Fprintf(&sb, " (%s)", *req.ToolCall.Kind)
	}
	sb.WriteString("\n")
	for i, o := range req.Options {
		fmt.Fprintf(&sb, "  %d) %s\n", i+1, o.Name)
	}
	sb.WriteString("Do you want to allow this? ")
	p.printf("%s", sb.String())
}

func (p *Prompter) printf(format string, a ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, a...)
}

func parseChoice(answer string, options []acp.PermissionOption) (string, bool) {
	if n, err := strconv.Atoi(answer); err == nil {
		if n >= 1 && n <= len(options) {
			return options[n-1].OptionID, true
		}
		return "", false
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return firstOf(options, acp.PermissionAllowOnce, acp.PermissionAllowAlways)
	case "n", "no":
		return firstOf(options, acp.PermissionRejectOnce, acp.PermissionRejectAlways)
	}
	if hasOption(options, answer) {
		return answer, true
	}
	return "", false
}
