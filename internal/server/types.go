package server

// LaunchRequest is the POST /api/recipes/{id}/launch body. Every field is
// optional; an absent body launches with the recipe's defaults.
type LaunchRequest struct {
	Input          map[string]any `json:"input,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	TimeoutMS      int64          `json:"timeout_ms,omitempty"`
}

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
