package apierror

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Error is a typed error that can be rendered to clients as a response
// envelope. Type is a stable machine-readable tag; Code is the HTTP status.
type Error struct {
	Type       string `json:"type"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	Transient  bool   `json:"-"`
	underlying error
}

func (e *Error) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.underlying
}

// Common errors
var (
	ErrUnauthorized = &Error{
		Type:    "auth",
		Code:    http.StatusUnauthorized,
		Message: "Unauthorized",
	}

	ErrForbidden = &Error{
		Type:    "forbidden",
		Code:    http.StatusForbidden,
		Message: "Forbidden",
	}

	ErrValidation = &Error{
		Type:    "validation",
		Code:    http.StatusBadRequest,
		Message: "Validation Failed",
	}

	ErrNotFound = &Error{
		Type:    "not_found",
		Code:    http.StatusNotFound,
		Message: "Not Found",
	}

	ErrTooManyRequests = &Error{
		Type:    "rate_limit",
		Code:    http.StatusTooManyRequests,
		Message: "Too Many Requests",
	}

	ErrInternalServer = &Error{
		Type:    "internal",
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
	}

	ErrRequestEntityTooLarge = &Error{
		Type:    "validation",
		Code:    http.StatusRequestEntityTooLarge,
		Message: "Request Entity Too Large",
	}
)

// NewConfigError reports a config set that cannot be loaded or activated.
func NewConfigError(message string) *Error {
	return &Error{Type: "config", Code: http.StatusInternalServerError, Message: message}
}

// NewDbError wraps a database failure. transient errors are retried once at
// the facade and treated as retryable by the event logger.
func NewDbError(err error, transient bool) *Error {
	return &Error{
		Type:       "db",
		Code:       http.StatusInternalServerError,
		Message:    "Database Error",
		Transient:  transient,
		underlying: err,
	}
}

// NewDbUnavailable reports a missing or unopenable connection.
func NewDbUnavailable(connection string) *Error {
	return &Error{
		Type:      "db",
		Code:      http.StatusServiceUnavailable,
		Message:   "Database Unavailable",
		Details:   "connection " + connection,
		Transient: true,
	}
}

// NewRuleError wraps a rule evaluation failure. Non-fatal by default: the
// engine logs it and continues with the next rule.
func NewRuleError(ruleID string, err error) *Error {
	return &Error{
		Type:       "rule",
		Code:       http.StatusInternalServerError,
		Message:    "Rule Error",
		Details:    ruleID,
		underlying: err,
	}
}

// NewPluginError wraps a plugin load or runtime failure.
func NewPluginError(name string, err error) *Error {
	return &Error{
		Type:       "plugin",
		Code:       http.StatusInternalServerError,
		Message:    "Plugin Error",
		Details:    name,
		underlying: err,
	}
}

// New creates a new Error with an explicit type tag.
func New(typ string, code int, message string) *Error {
	return &Error{Type: typ, Code: code, Message: message}
}

// Wrap wraps an error with additional context.
func Wrap(err error, typ string, code int, message string) *Error {
	return &Error{
		Type:       typ,
		Code:       code,
		Message:    message,
		underlying: err,
	}
}

// WithDetails adds details to the error.
func (e *Error) WithDetails(details string) *Error {
	return &Error{
		Type:       e.Type,
		Code:       e.Code,
		Message:    e.Message,
		Details:    details,
		RequestID:  e.RequestID,
		Transient:  e.Transient,
		underlying: e.underlying,
	}
}

// WithRequestID adds a request ID to the error.
func (e *Error) WithRequestID(requestID string) *Error {
	return &Error{
		Type:       e.Type,
		Code:       e.Code,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  requestID,
		Transient:  e.Transient,
		underlying: e.underlying,
	}
}

// Is reports whether err is an *Error with the given type tag.
func Is(err error, typ string) bool {
	ae, ok := AsError(err)
	return ok && ae.Type == typ
}

// AsError checks if an error is an *Error.
func AsError(err error) (*Error, bool) {
	if ae, ok := err.(*Error); ok {
		return ae, true
	}
	return nil, false
}

// WriteJSON writes the error as a response envelope.
func (e *Error) WriteJSON(w http.ResponseWriter) {
	env := &Envelope{
		Success: false,
		Message: e.Message,
		Error:   e.errorBody(),
		Code:    e.Code,
	}
	env.Write(w, e.Code)
}

func (e *Error) errorBody() any {
	body := map[string]any{"type": e.Type}
	if e.Details != "" {
		body["details"] = e.Details
	}
	if e.RequestID != "" {
		body["request_id"] = e.RequestID
	}
	return body
}

// Envelope is the uniform response body written for every request.
type Envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   any    `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
	Module  string `json:"module,omitempty"`
	Code    int    `json:"code,omitempty"`
}

// Write serializes the envelope with the given HTTP status. Status 600 is a
// legacy sentinel some rulesets use and is rewritten to 200 on the wire.
func (env *Envelope) Write(w http.ResponseWriter, status int) {
	if status == 600 {
		status = http.StatusOK
		if env.Code == 600 {
			env.Code = http.StatusOK
		}
	}
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env)
}

// OK builds a success envelope around data.
func OK(data any) *Envelope {
	return &Envelope{Success: true, Data: data, Code: http.StatusOK}
}
