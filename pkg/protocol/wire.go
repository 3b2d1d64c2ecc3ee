package protocol

// ProtocolVersion is bumped on breaking changes to the agent wire format.
const ProtocolVersion = 1

// Parse modes understood by the agent.
const (
	ParseModeURL    = "url"
	ParseModeImage  = "image"
	ParseModeHybrid = "hybrid"
)

// Callback statuses.
const (
	CallbackStatusCompleted = "completed"
	CallbackStatusFailed    = "failed"
)

// HTTP routes served by the relay.
const (
	RouteCallback    = "/callback"
	RouteHealth      = "/health"
	RouteMetrics     = "/metrics"
	RouteRequests    = "/v1/requests"
	RouteRequestByID = "/v1/requests/{id}"
)

// DispatchRequest is the body POSTed to the agent's parse endpoint.
type DispatchRequest struct {
	URL             string `json:"url"`
	SourceMessageID string `json:"source_message_id"`
	CallbackURL     string `json:"callback_url"`
	ParseMode       string `json:"parse_mode"`
	ImageBase64     string `json:"image_base64,omitempty"`
}

// DispatchResponse is the agent's synchronous acknowledgement.
type DispatchResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status,omitempty"`
}

// CallbackPayload is the body the agent POSTs to /callback when parsing ends.
type CallbackPayload struct {
	RequestID       string `json:"request_id"`
	Status          string `json:"status"`
	ResultURL       string `json:"result_url,omitempty"`
	Error           string `json:"error,omitempty"`
	Event           *Event `json:"event,omitempty"`
	SourceMessageID string `json:"source_message_id,omitempty"`
}

// Event is the structured result the agent extracted. Every field is optional.
type Event struct {
	Title           string         `json:"title,omitempty"`
	Description     string         `json:"description,omitempty"`
	StartDatetime   string         `json:"start_datetime,omitempty"`
	EndDatetime     string         `json:"end_datetime,omitempty"`
	Timezone        string         `json:"timezone,omitempty"`
	Location        *EventLocation `json:"location,omitempty"`
	Price           string         `json:"price,omitempty"`
	RegistrationURL string         `json:"registration_url,omitempty"`
	SourceURL       string         `json:"source_url,omitempty"`
	ConfidenceScore *float64       `json:"confidence_score,omitempty"`
}

// EventLocation is where an event happens.
type EventLocation struct {
	Type    string `json:"type,omitempty"`
	Venue   string `json:"venue,omitempty"`
	Address string `json:"address,omitempty"`
	City    string `json:"city,omitempty"`
	URL     string `json:"url,omitempty"`
}

// ErrorResponse is the JSON body of every non-2xx relay response.
type ErrorResponse struct {
	Error string `json:"error"`
}
