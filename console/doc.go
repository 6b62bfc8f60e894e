// Package console implements the interactive terminal front end for an ACP
// session.
//
// The console reads prompts from an input stream, sends them to the agent
// through a session.Session and renders what the agent streams back while
// the turn is running: message text, thoughts, tool calls and plans.
//
// # Usage
//
//	c := console.New(sess, console.Options{
//	    In:       os.Stdin,
//	    Out:      os.Stdout,
//	    Prompter: prompter,
//	})
//	err := c.Run(ctx, initialPrompt)
//
// # Commands
//
// Lines starting with a slash are console commands:
//
//   - /cancel stops the running prompt
//   - /mode [ID] lists the agent's modes or switches to one
//   - /model [ID] lists the agent's models or switches to one
//   - /help lists commands, including those the agent advertises
//   - /quit and /exit end the console
//
// Slash commands advertised by the agent are sent to it as prompts.
//
// # Permissions
//
// When a permission.Prompter is configured, the next input line after a
// permission request answers it. An interrupt (Ctrl-C) cancels the running
// prompt, which also withdraws any pending permission request.
//
// # Verbosity Levels
//
// The console supports different verbosity levels for tool calls:
//
//   - None: tool calls are not shown
//   - Info: titles and status changes are shown
//   - All: tool output and touched files are shown as well
package console
