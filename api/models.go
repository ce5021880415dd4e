package api

// Status values of AuthenticateResponse.
const (
	StatusAuthenticated = "authenticated"
	StatusRejected      = "rejected"
)

// AuthenticateResponse is returned from POST /cmp/{alias}. Secret is set only
// when Status is authenticated; Reason and Message only when rejected.
type AuthenticateResponse struct {
	Status    string `json:"status"`
	Secret    string `json:"secret,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned from GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the JSON body for non-CMP errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}
