package protocol

// Lifecycle event names. They appear as the "event" attribute of structured
// logs and as the label of the relay's transition counter.
const (
	EventRequestAccepted   = "request.accepted"
	EventRequestDuplicate  = "request.duplicate"
	EventRequestDispatched = "request.dispatched"
	EventRequestCompleted  = "request.completed"
	EventRequestFailed     = "request.failed"
	EventRequestTimedOut   = "request.timed_out"
	EventRequestAbandoned  = "request.abandoned" // pending past its deadline (crash recovery)

	// Callback outcomes that leave the store untouched.
	EventCallbackUnknown   = "callback.unknown_request"
	EventCallbackDuplicate = "callback.duplicate"
	EventCallbackLate      = "callback.late"
	EventCallbackMalformed = "callback.malformed"
)
