package protocol

// ProtocolVersion is bumped whenever the WS event surface changes incompatibly.
const ProtocolVersion = 1

// WebSocket event types pushed from server to dashboard clients.
const (
	EventTyping       = "typing"
	EventResponse     = "response"
	EventError        = "error"
	EventHatched      = "hatched"
	EventRestarting   = "restarting"
	EventProactive    = "proactive_message"
	EventCanvasRender = "canvas_render"
	EventAutolearn    = "autolearn"
	EventPairing      = "pairing"
	EventShutdown     = "shutdown"

	// EventChannelSuffix is appended to a channel name for inbound mirrors,
	// e.g. "telegram_message".
	EventChannelSuffix = "_message"
)

// Agent lifecycle event subtypes (in payload.type).
const (
	AgentEventRunStarted   = "run.started"
	AgentEventRunCompleted = "run.completed"
	AgentEventRunFailed    = "run.failed"
	AgentEventToolCall     = "tool.call"
	AgentEventToolResult   = "tool.result"
)

// Approval event types.
const (
	EventApprovalRequested = "approval.requested"
	EventApprovalResolved  = "approval.resolved"
)

// WS close codes.
const (
	CloseAuthFailed = 4001
)
