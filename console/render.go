package console

import (
	"fmt"
	"io"
	"strings"

	"github.com/m4xw311/agentdeck/acp"
	"github.com/m4xw311/agentdeck/session"
)

type ToolVerbosity string

const (
	ToolVerbosityNone ToolVerbosity = "none"
	ToolVerbosityInfo ToolVerbosity = "info"
	ToolVerbosityAll  ToolVerbosity = "all"
)

// ParseToolVerbosity accepts none, info and all. Empty means info.
func ParseToolVerbosity(s string) (ToolVerbosity, bool) {
	switch v := ToolVerbosity(s); v {
	case "":
		return ToolVerbosityInfo, true
	case ToolVerbosityNone, ToolVerbosityInfo, ToolVerbosityAll:
		return v, true
	}
	return "", false
}

// renderer prints the parts of successive snapshots it has not shown yet.
// Callers serialize access.
type renderer struct {
	out       io.Writer
	verbosity ToolVerbosity
	thoughts  bool

	// stream is the message id, or "thought", whose text is mid-line.
	stream  string
	printed map[string]int
	done    map[string]bool
	status  map[string]acp.ToolCallStatus
	thought int
	plan    string
	mode    string
	model   string
}

func newRenderer(out io.Writer, verbosity ToolVerbosity, thoughts bool) *renderer {
	return &renderer{
		out:       out,
		verbosity: verbosity,
		thoughts:  thoughts,
		printed:   make(map[string]int),
		done:      make(map[string]bool),
		status:    make(map[string]acp.ToolCallStatus),
	}
}

// mark records snap as already shown.
func (r *renderer) mark(snap session.Snapshot) {
	for i := range snap.Messages {
		m := &snap.Messages[i]
		r.printed[m.ID] = len(m.Text())
		r.done[m.ID] = m.Complete
	}
	for _, tc := range snap.ToolCalls {
		r.status[tc.ToolCallID] = tc.Status
	}
	r.thought = len(snap.PendingThought)
	r.plan = planKey(snap.Plan)
	r.mode = snap.CurrentModeID
	r.model = snap.CurrentModelID
}

func (r *renderer) render(snap session.Snapshot) {
	if len(snap.PendingThought) < r.thought {
		r.thought = 0
	}
	if r.thoughts && len(snap.PendingThought) > r.thought {
		r.write("thought", "Thinking: ", snap.PendingThought[r.thought:])
	}
	r.thought = len(snap.PendingThought)

	for i := range snap.Messages {
		m := &snap.Messages[i]
		if r.done[m.ID] {
			continue
		}
		if m.Role == session.RoleUser {
			// Typed locally or replayed before the console started.
			r.printed[m.ID] = len(m.Text())
			r.done[m.ID] = m.Complete
			continue
		}
		text := m.Text()
		if len(text) > r.printed[m.ID] {
			r.write(m.ID, "Agent: ", text[r.printed[m.ID]:])
			r.printed[m.ID] = len(text)
		}
		if m.Complete {
			r.done[m.ID] = true
			if r.stream == m.ID {
				r.endStream()
			}
		}
	}

	for _, tc := range snap.ToolCalls {
		if r.status[tc.ToolCallID] == tc.Status {
			continue
		}
		r.status[tc.ToolCallID] = tc.Status
		r.toolCall(tc.ToolCall)
	}

	if key := planKey(snap.Plan); key != r.plan {
		r.plan = key
		r.endStream()
		writePlan(r.out, snap.Plan)
	}

	if snap.CurrentModeID != r.mode {
		r.mode = snap.CurrentModeID
		r.line("Mode: %s", snap.CurrentModeID)
	}
	if snap.CurrentModelID != r.model {
		r.model = snap.CurrentModelID
		r.line("Model: %s", snap.CurrentModelID)
	}
}

func (r *renderer) toolCall(tc acp.ToolCall) {
	if r.verbosity == ToolVerbosityNone {
		return
	}
	r.line("[%s] %s (%s)", tc.Status, toolTitle(tc), tc.Kind)
	if r.verbosity != ToolVerbosityAll || (tc.Status != acp.ToolCallStatusCompleted && tc.Status != acp.ToolCallStatusFailed) {
		return
	}
	for _, loc := range tc.Locations {
		if loc.Line != nil {
			fmt.Fprintf(r.out, "    %s:%d\n", loc.Path, *loc.Line)
		} else {
			fmt.Fprintf(r.out, "    %s\n", loc.Path)
		}
	}
	if out := toolOutput(tc); out != "" {
		fmt.Fprintf(r.out, "Tool `%s` output: %s\n", toolTitle(tc), out)
	}
}

// write streams text, starting a labelled line when the stream changes.
func (r *renderer) write(stream, label, text string) {
	if r.stream != stream {
		r.endStream()
		fmt.Fprint(r.out, label)
		r.stream = stream
	}
	fmt.Fprint(r.out, text)
}

func (r *renderer) endStream() {
	if r.stream != "" {
		fmt.Fprintln(r.out)
		r.stream = ""
	}
}

func (r *renderer) line(format string, a ...any) {
	r.endStream()
	fmt.Fprintf(r.out, format+"\n", a...)
}

func toolTitle(tc acp.ToolCall) string {
	if tc.Title != "" {
		return tc.Title
	}
	return tc.ToolCallID
}

func toolOutput(tc acp.ToolCall) string {
	var parts []string
	for _, c := range tc.Content {
		if cc := c.GetContent(); cc != nil {
			if text := strings.TrimSpace(cc.Content.PlainText()); text != "" {
				parts = append(parts, text)
			}
		}
	}
	return strings.Join(parts, "\n")
}

func planKey(p *acp.Plan) string {
	if p == nil {
		return ""
	}
	var sb strings.Builder
	for _, e := range p.Entries {
		fmt.Fprintf(&sb, "%s|%s|%s\n", e.Status, e.Priority, e.Content)
	}
	return sb.String()
}

func writePlan(w io.Writer, p *acp.Plan) {
	if p == nil {
		return
	}
	fmt.Fprintln(w, "Plan:")
	for _, e := range p.Entries {
		mark := " "
		switch e.Status {
		case acp.PlanEntryInProgress:
			mark = "~"
		case acp.PlanEntryCompleted:
			mark = "x"
		}
		fmt.Fprintf(w, "  [%s] %s\n", mark, e.Content)
	}
}

// Transcript prints a finished conversation, such as a stored session.
func Transcript(w io.Writer, snap session.Snapshot, verbosity ToolVerbosity) {
	for i := range snap.Messages {
		m := &snap.Messages[i]
		if text := m.Text(); text != "" {
			label := "Agent"
			if m.Role == session.RoleUser {
				label = "You"
			}
			fmt.Fprintf(w, "%s: %s\n", label, text)
		}
		if verbosity == ToolVerbosityNone {
			continue
		}
		for _, id := range m.ToolCallIDs {
			tc, ok := snap.ToolCall(id)
			if !ok {
				continue
			}
			fmt.Fprintf(w, "[%s] %s (%s)\n", tc.Status, toolTitle(tc.ToolCall), tc.Kind)
			if verbosity == ToolVerbosityAll {
				if out := toolOutput(tc.ToolCall); out != "" {
					fmt.Fprintf(w, "Tool `%s` output: %s\n", toolTitle(tc.ToolCall), out)
				}
			}
		}
	}
	writePlan(w, snap.Plan)
}
