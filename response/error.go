package response

import "fmt"

// Error is the envelope returned to the client on failure. Kind is a stable
// machine-readable identifier; Message/Messages are for humans.
type Error struct {
	StatusCode int      `json:"-"`
	Kind       string   `json:"kind"`
	Message    string   `json:"message"`
	Messages   []string `json:"messages"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("HTTP %d (%s): %s", e.StatusCode, e.Kind, e.Message)
}

func (e *Error) WithKind(kind string) *Error {
	e.Kind = kind
	return e
}

func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

func (e *Error) AddMessages(msgs ...string) *Error {
	e.Messages = append(e.Messages, msgs...)
	return e
}

func makeError(status int, kind string) *Error {
	return &Error{
		StatusCode: status,
		Kind:       kind,
		Messages:   make([]string, 0),
	}
}

// -----------------------------------------------

func ErrUnexpected() *Error {
	return makeError(500, "Internal").
		WithMessage("An unexpected error has occured")
}

func ErrBadRequest() *Error {
	return makeError(400, "BadRequest").
		WithMessage("Bad request")
}

func ErrUnauthorized() *Error {
	return makeError(401, "Unauthorized").
		WithMessage("Unauthorized")
}

func ErrPaymentRequired() *Error {
	return makeError(402, "InsufficientFunds").
		WithMessage("Insufficient coins")
}

func ErrForbidden() *Error {
	return makeError(403, "Forbidden").
		WithMessage("Forbidden")
}

func ErrNotFound() *Error {
	return makeError(404, "NotFound").
		WithMessage("Requested resources not found")
}

func ErrMethodNotAllowed() *Error {
	return makeError(405, "MethodNotAllowed").
		WithMessage("Method not allowed")
}

func ErrConflict() *Error {
	return makeError(409, "Conflict").
		WithMessage("Conflict")
}

func ErrBadGateway() *Error {
	return makeError(502, "DriverError").
		WithMessage("Upstream driver reported an error")
}

func ErrInvalidJson() *Error {
	return ErrBadRequest().AddMessages("Invalid JSON body")
}

func ErrVerifyToken() *Error {
	return ErrUnexpected().AddMessages("Unable to verify login token")
}

func ErrNoBearer() *Error {
	return ErrUnauthorized().AddMessages("No valid Bearer token found in header")
}
