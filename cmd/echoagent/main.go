// Command echoagent is a stand-in ACP agent on stdio. It echoes prompts,
// and "read <path>" asks for permission and then reads the file through
// the client, so the whole client loop can be tried without a real agent.
//
//	agentdeck run --agent echo        # with {name: echo, command: echoagent}
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/m4xw311/agentdeck/acp"
	"github.com/m4xw311/agentdeck/acptest"
	"github.com/m4xw311/agentdeck/transport"
)

func main() {
	modes := flag.Bool("modes", false, "Advertise ask and code modes")
	flag.Parse()

	// stdout carries the protocol, so logs go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	opts := []acptest.Option{acptest.WithScript(script), acptest.WithLogger(logger)}
	if *modes {
		opts = append(opts, acptest.WithModes(acp.SessionModeState{
			AvailableModes: []acp.SessionMode{{ID: "ask", Name: "Ask"}, {ID: "code", Name: "Code"}},
			CurrentModeID:  "ask",
		}))
	}
	conn := acptest.New(opts...).Serve(transport.NewStream(os.Stdin, os.Stdout, nil, transport.WithLogger(logger)))
	<-conn.Done()
}

func script(ctx context.Context, turn *acptest.Turn) (acp.StopReason, error) {
	text := turn.Text()
	path, ok := strings.CutPrefix(text, "read ")
	if !ok {
		return acptest.Echo(ctx, turn)
	}
	return readFile(ctx, turn, strings.TrimSpace(path))
}

func readFile(ctx context.Context, turn *acptest.Turn, path string) (acp.StopReason, error) {
	if !filepath.IsAbs(path) {
		if cwd, err := os.Getwd(); err == nil {
			path = filepath.Join(cwd, path)
		}
	}
	id := "read_1"
	call := acp.ToolCallUpdate{
		ToolCallID: id,
		Title:      acp.Ptr("Read " + filepath.Base(path)),
		Kind:       acp.Ptr(acp.ToolKindRead),
		Status:     acp.Ptr(acp.ToolCallStatusPending),
		Locations:  []acp.ToolCallLocation{{Path: path}},
	}
	if err := turn.Send(ctx, acp.NewToolCallStart(call)); err != nil {
		return "", err
	}

	outcome, err := turn.RequestPermission(ctx, acp.ToolCallUpdate{ToolCallID: id}, acptest.DefaultOptions())
	if err != nil {
		return "", err
	}
	if outcome.IsCancelled() {
		return acp.StopCancelled, nil
	}
	if outcome.OptionID() != "allow" {
		if err := turn.Send(ctx, acp.NewToolCallProgress(acp.ToolCallUpdate{ToolCallID: id, Status: acp.Ptr(acp.ToolCallStatusFailed)})); err != nil {
			return "", err
		}
		return acp.StopEndTurn, turn.Send(ctx, acp.NewAgentMessageChunk(acp.TextBlock("Okay, I won't read it.")))
	}

	if err := turn.Send(ctx, acp.NewToolCallProgress(acp.ToolCallUpdate{ToolCallID: id, Status: acp.Ptr(acp.ToolCallStatusInProgress)})); err != nil {
		return "", err
	}
	content, err := turn.ReadTextFile(ctx, path, nil, nil)
	if err != nil {
		_ = turn.Send(ctx, acp.NewToolCallProgress(acp.ToolCallUpdate{ToolCallID: id, Status: acp.Ptr(acp.ToolCallStatusFailed)}))
		return acp.StopEndTurn, turn.Send(ctx, acp.NewAgentMessageChunk(acp.TextBlock(fmt.Sprintf("I couldn't read %s.", path))))
	}
	done := acp.ToolCallUpdate{
		ToolCallID: id,
		Status:     acp.Ptr(acp.ToolCallStatusCompleted),
		Content:    []acp.ToolCallContent{acp.ToolContent(acp.TextBlock(content))},
	}
	if err := turn.Send(ctx, acp.NewToolCallProgress(done)); err != nil {
		return "", err
	}
	lines := strings.Count(content, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		lines++
	}
	return acp.StopEndTurn, turn.Send(ctx, acp.NewAgentMessageChunk(acp.TextBlock(fmt.Sprintf("%s has %d lines.", filepath.Base(path), lines))))
}
