package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/m4xw311/agentdeck/acp"
	"github.com/m4xw311/agentdeck/client"
	"github.com/m4xw311/agentdeck/console"
	"github.com/m4xw311/agentdeck/errors"
	"github.com/m4xw311/agentdeck/fsaccess"
	"github.com/m4xw311/agentdeck/jsonrpc"
	"github.com/m4xw311/agentdeck/launcher"
	"github.com/m4xw311/agentdeck/logging"
	"github.com/m4xw311/agentdeck/mcpcheck"
	"github.com/m4xw311/agentdeck/permission"
	"github.com/m4xw311/agentdeck/session"
	"github.com/m4xw311/agentdeck/store"
	"github.com/m4xw311/agentdeck/title"
	"github.com/m4xw311/agentdeck/transport"
	"github.com/spf13/cobra"
)

var runFlags struct {
	agent         string
	resume        string
	auto          bool
	trace         bool
	toolVerbosity string
	thoughts      bool
}

var runCmd = &cobra.Command{
	Use:   "run [prompt...]",
	Short: "Chat with an agent",
	Long: `Launch the configured agent and chat with it. Any arguments are sent as
the first prompt.`,
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runFlags.agent, "agent", "a", "", "Agent to launch (defaults to default_agent)")
	f.StringVarP(&runFlags.resume, "resume", "r", "", "Resume a stored session by id")
	f.BoolVar(&runFlags.auto, "auto", false, "Approve permission requests without asking")
	f.BoolVar(&runFlags.trace, "trace", false, "Write every protocol frame to the trace file")
	f.StringVar(&runFlags.toolVerbosity, "tool-verbosity", "info", "Tool call detail: none, info or all")
	f.BoolVar(&runFlags.thoughts, "thoughts", false, "Show the agent's thoughts")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	verbosity, ok := console.ParseToolVerbosity(runFlags.toolVerbosity)
	if !ok {
		return errors.New("invalid tool verbosity '%s'. Must be 'none', 'info', or 'all'", runFlags.toolVerbosity)
	}
	cfg, logger, err := load(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	agentCfg, err := cfg.GetAgent(runFlags.agent)
	if err != nil {
		return err
	}
	cwd, err := os.Getwd()
	if err != nil {
		return errors.Wrapf(err, "could not get working directory")
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var streamOpts []transport.Option
	if traceFile := cfg.Logging.TraceFile; runFlags.trace || traceFile != "" {
		if traceFile == "" {
			traceFile = logging.DefaultTraceFile
		}
		tracer, err := logging.OpenTrace(traceFile)
		if err != nil {
			return err
		}
		defer tracer.Close()
		streamOpts = append(streamOpts, transport.WithTracer(tracer))
	}

	st, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	if st != nil {
		defer st.Close()
	}

	servers, err := mcpcheck.Servers(cfg.MCPServers)
	if err != nil {
		return err
	}

	proc, err := launcher.Spawn(ctx, *agentCfg,
		launcher.WithLogger(logger),
		launcher.WithDir(cwd),
		launcher.WithStreamOptions(streamOpts...))
	if err != nil {
		return err
	}
	defer proc.Stop(cfg.Timeouts.CancelGrace.Std())

	out := cmd.OutOrStdout()
	var (
		prompter *permission.Prompter
		perms    client.Permissions = permission.AutoApprove{}
	)
	if !runFlags.auto && cfg.Permissions.Mode != "auto" {
		prompter = permission.NewPrompter(out)
		perms = prompter
	}

	sessOpts := []session.Option{
		session.WithPromptTimeout(cfg.Timeouts.Prompt.Std()),
		session.WithCancelGrace(cfg.Timeouts.CancelGrace.Std()),
	}
	if st != nil {
		sessOpts = append(sessOpts, session.WithRecorder(store.Recorder{Store: st, Agent: agentCfg.Name}))
	}

	conn := jsonrpc.NewConn(proc, jsonrpc.WithLogger(logger), jsonrpc.WithCallTimeout(cfg.Timeouts.Call.Std()))
	c := client.New(conn, client.Options{
		Info:           &acp.Implementation{Name: "agentdeck", Title: "AgentDeck", Version: version},
		FileSystem:     fsaccess.NewLocal(cfg.FilesystemAccess),
		Permissions:    perms,
		SessionOptions: sessOpts,
		Logger:         logger,
	})
	defer c.Close()

	if _, err := c.Initialize(ctx); err != nil {
		return err
	}
	s, err := openSession(ctx, c, st, runFlags.resume, cwd, servers, out, verbosity)
	if err != nil {
		return err
	}

	titler, err := title.New(ctx, cfg.Title)
	if err != nil {
		logger.Warn("session titles are off", "error", err)
	}
	if titler != nil {
		if closer, ok := titler.(io.Closer); ok {
			defer closer.Close()
		}
		defer title.Attach(s, titler, logger)()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)

	fmt.Fprintf(out, "Session %s with %s. Type /help for commands.\n", s.ID(), agentCfg.Name)
	term := console.New(s, console.Options{
		In:            cmd.InOrStdin(),
		Out:           out,
		Prompter:      prompter,
		Interrupts:    sigs,
		ToolVerbosity: verbosity,
		ShowThoughts:  runFlags.thoughts,
		Logger:        logger,
	})
	runErr := term.Run(ctx, strings.Join(args, " "))
	if err := c.CloseSession(context.Background(), s.ID()); err != nil {
		logger.Debug("close session", "session", s.ID(), "error", err)
	}
	return runErr
}

// openSession starts a new session, or resumes resumeID. Agents that cannot
// load sessions get a fresh one after the stored transcript is printed. An
// auth_required answer is retried once with the agent's first auth method.
func openSession(ctx context.Context, c *client.Client, st store.Store, resumeID, cwd string, servers []acp.McpServer, out io.Writer, verbosity console.ToolVerbosity) (*session.Session, error) {
	var rec *store.Record
	if resumeID != "" && st != nil {
		r, err := st.Load(ctx, resumeID)
		switch {
		case err == nil:
			rec = r
			if rec.Cwd != "" {
				cwd = rec.Cwd
			}
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}

	open := func() (*session.Session, error) {
		if resumeID != "" && c.Agent().AgentCapabilities.LoadSession {
			return c.LoadSession(ctx, resumeID, cwd, servers)
		}
		return c.NewSession(ctx, cwd, servers)
	}
	s, err := open()
	if method, ok := authMethod(c, err); ok {
		if err := c.Authenticate(ctx, method); err != nil {
			return nil, err
		}
		s, err = open()
	}
	if err != nil {
		return nil, err
	}

	switch {
	case resumeID == "":
	case s.ID() == resumeID:
		if rec != nil && s.Title() == "" && rec.Title != "" {
			s.SetTitle(rec.Title)
		}
		console.Transcript(out, s.Snapshot(), verbosity)
	case rec != nil:
		fmt.Fprintf(out, "This agent cannot resume sessions. Earlier conversation:\n\n")
		console.Transcript(out, rec.Snapshot, verbosity)
		fmt.Fprintln(out)
	default:
		fmt.Fprintf(out, "This agent cannot resume sessions and %s is not stored; starting a new one.\n", resumeID)
	}
	return s, nil
}

func authMethod(c *client.Client, err error) (string, bool) {
	var rerr *acp.RPCError
	if err == nil || !errors.As(err, &rerr) || rerr.Code != acp.CodeAuthRequired {
		return "", false
	}
	if methods := c.Agent().AuthMethods; len(methods) > 0 {
		return methods[0].ID, true
	}
	return "", false
}
