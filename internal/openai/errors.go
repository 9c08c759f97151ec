package openai

// ErrorResponse is the OpenAI-shaped error envelope returned on failures.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the message and machine-readable type.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// NewError builds an ErrorResponse with the given type and message.
func NewError(errType, message string) ErrorResponse {
	return ErrorResponse{Error: ErrorDetail{Message: message, Type: errType}}
}
