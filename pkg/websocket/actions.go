package websocket

// Actions understood by the gateway.
const (
	// Health
	ActionHealthCheck = "health.check"

	// Subscription control (client -> server). Payloads name a session key,
	// a thread id, or ask for the full stream.
	ActionRunSubscribe   = "run.subscribe"
	ActionRunUnsubscribe = "run.unsubscribe"

	// Run stream (server -> client). The payload is a normalized run event.
	ActionRunEvent = "run.event"

	// Run control (client -> server). Handled by the orchestrator's
	// handlers, registered by the daemon.
	ActionRunStart     = "run.start"
	ActionRunInterrupt = "run.interrupt"
	ActionRunContext   = "run.context"
)

// Error codes carried on error frames.
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
