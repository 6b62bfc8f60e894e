// Package acp holds the wire schema of the Agent Client Protocol (ACP) as
// seen from the client: method names, request and response payloads, the
// tagged unions carried inside them, and the error taxonomy shared by the
// transport, dispatcher and session layers.
//
// Messages are JSON-RPC 2.0 objects exchanged one per line over the agent
// subprocess's stdio. The client issues:
//   - initialize, authenticate
//   - session/new, session/load, session/prompt
//   - session/set_mode, session/set_model
//   - session/cancel (notification)
//
// The agent issues back:
//   - session/update (notification)
//   - fs/read_text_file, fs/write_text_file
//   - session/request_permission
//
// Tagged unions (ContentBlock, SessionUpdate, ToolCallContent, McpServer,
// RequestPermissionOutcome) decode by switching on their discriminator field.
package acp
