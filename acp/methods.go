package acp

// ProtocolVersion is the ACP major version negotiated in initialize.
const ProtocolVersion = 1

// Methods implemented by the agent.
const (
	MethodInitialize      = "initialize"
	MethodAuthenticate    = "authenticate"
	MethodSessionNew      = "session/new"
	MethodSessionLoad     = "session/load"
	MethodSessionPrompt   = "session/prompt"
	MethodSessionCancel   = "session/cancel"
	MethodSessionSetMode  = "session/set_mode"
	MethodSessionSetModel = "session/set_model"
)

// Methods implemented by the client.
const (
	MethodSessionUpdate            = "session/update"
	MethodFsReadTextFile           = "fs/read_text_file"
	MethodFsWriteTextFile          = "fs/write_text_file"
	MethodSessionRequestPermission = "session/request_permission"
)
