// Command ws_bridge exposes a stdio agent over WebSocket. Each connection
// launches its own agent process, and every text message carries exactly
// one JSON-RPC frame in either direction.
//
//	ws_bridge [-addr :8080] [-agent name] [-- command args...]
//
// Without a command the agent comes from the agentdeck configuration.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/gorilla/websocket"
	"github.com/m4xw311/agentdeck/config"
	"github.com/m4xw311/agentdeck/errors"
	"github.com/m4xw311/agentdeck/launcher"
	"github.com/m4xw311/agentdeck/logging"
	"github.com/m4xw311/agentdeck/transport"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func main() {
	addr := flag.String("addr", ":8080", "Address to listen on")
	agentName := flag.String("agent", "", "Configured agent to launch when no command is given")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	agent, err := agentFor(cfg, *agentName, flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	http.HandleFunc("/ws", handleWS(agent, cfg, logger))
	logger.Info("websocket bridge listening", "url", "ws://localhost"+*addr+"/ws", "agent", agent.Command)
	if err := http.ListenAndServe(*addr, nil); err != nil {
		logger.Error("bridge stopped", "error", err)
		os.Exit(1)
	}
}

func agentFor(cfg *config.Config, name string, args []string) (config.Agent, error) {
	if len(args) > 0 {
		return config.Agent{Name: args[0], Command: args[0], Args: args[1:]}, nil
	}
	agent, err := cfg.GetAgent(name)
	if err != nil {
		return config.Agent{}, errors.Wrapf(err, "no agent command given")
	}
	return *agent, nil
}

func handleWS(agent config.Agent, cfg *config.Config, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("upgrade failed", "error", err)
			return
		}
		log := logger.With("remote", r.RemoteAddr)
		ws := transport.NewWebSocket(conn, transport.WithLogger(log))

		proc, err := launcher.Spawn(r.Context(), agent, launcher.WithLogger(log))
		if err != nil {
			log.Error("could not start agent", "error", err)
			_ = ws.Close()
			return
		}
		log.Info("bridging", "agent", agent.Name)
		err = transport.Relay(r.Context(), ws, proc)
		code, _ := proc.Stop(cfg.Timeouts.CancelGrace.Std())
		log.Info("bridge closed", "reason", err, "exit_code", code)
	}
}
