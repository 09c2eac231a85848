package websocket

// Actions of the client RPC surface.
const (
	ActionRegisterClient  = "client.register"
	ActionNewSession      = "session.new"
	ActionCloseSession    = "session.close"
	ActionGetServerInfo   = "server.info"
	ActionSubmit          = "graph.submit"
	ActionFetch           = "object.fetch"
	ActionUnkeep          = "object.unkeep"
	ActionWait            = "graph.wait"
	ActionWaitSome        = "graph.wait_some"
	ActionGetState        = "graph.state"
	ActionTerminateServer = "server.terminate"

	// Subscription actions.
	ActionSessionSubscribe   = "session.subscribe"
	ActionSessionUnsubscribe = "session.unsubscribe"

	// Notification actions (server -> client).
	ActionTaskUpdated    = "task.updated"
	ActionObjectUpdated  = "object.updated"
	ActionSessionFailed  = "session.failed"
	ActionGovernorJoined = "governor.joined"
	ActionGovernorLost   = "governor.lost"
)

// Error codes.
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
	ErrorCodeVersion       = "VERSION_MISMATCH"
	ErrorCodeNotRegistered = "NOT_REGISTERED"
)
