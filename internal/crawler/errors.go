package crawler

import (
	"errors"
	"fmt"
)

// Codes for terminal failures that did not come from a remote response.
const (
	// CodeSinkFailure marks rows that could not be written or flushed.
	CodeSinkFailure = -1
	// CodeRetriesExhausted marks a transport failure a bounded retry policy
	// gave up on.
	CodeRetriesExhausted = -2
)

// ErrorDetail is a well-formed but unsuccessful response. Sources return it
// (as *ErrorDetail) to mark a failure that must not be retried.
type ErrorDetail struct {
	Code    int    `json:"code" yaml:"code"`
	Message string `json:"message" yaml:"message"`
	Raw     string `json:"raw,omitempty" yaml:"raw,omitempty"`
}

func (e *ErrorDetail) Error() string {
	return fmt.Sprintf("terminal response %d: %s", e.Code, e.Message)
}

// NewErrorDetail builds a terminal error.
func NewErrorDetail(code int, message, raw string) *ErrorDetail {
	return &ErrorDetail{Code: code, Message: message, Raw: raw}
}

// AsErrorDetail reports whether err carries a terminal response and returns it.
func AsErrorDetail(err error) (ErrorDetail, bool) {
	var detail *ErrorDetail
	if errors.As(err, &detail) && detail != nil {
		return *detail, true
	}
	return ErrorDetail{}, false
}

// IsTerminal reports whether err is a terminal response rather than a
// transient transport failure.
func IsTerminal(err error) bool {
	_, ok := AsErrorDetail(err)
	return ok
}
