package contracts

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorShape is the wire representation of a failed call
type ErrorShape struct {
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode"`
	FailCode   string `json:"failCode,omitempty"`
}

// Error implements error
func (e *ErrorShape) Error() string {
	if e.FailCode != "" {
		return fmt.Sprintf("%d %s: %s", e.StatusCode, e.FailCode, e.Message)
	}
	return fmt.Sprintf("%d: %s", e.StatusCode, e.Message)
}

// Status returns the status code
func (e *ErrorShape) Status() int {
	return e.StatusCode
}

// NewError creates an error shape whose fail code is the standard status text
func NewError(statusCode int, message string) *ErrorShape {
	return &ErrorShape{
		Message:    message,
		StatusCode: statusCode,
		FailCode:   http.StatusText(statusCode),
	}
}

// BadRequest is returned for bodies that cannot be decoded
func BadRequest(message string) *ErrorShape {
	return NewError(http.StatusBadRequest, message)
}

// MissingFields lists every absent envelope field, in declaration order
func MissingFields(fields []string) *ErrorShape {
	return BadRequest("Missing fields in the payload: " + strings.Join(fields, " "))
}

// ModelNotDefined is returned when the model is not in the registry
func ModelNotDefined(model string) *ErrorShape {
	return NewError(http.StatusNotFound, fmt.Sprintf("Model %s is not defined", model))
}

// InstanceNotFound is returned when the id lookup yields no record
func InstanceNotFound(model, method string) *ErrorShape {
	return NewError(http.StatusNotFound, fmt.Sprintf("method %s is not defined in %s instance", method, model))
}

// MethodNotDefined is returned when the resolved target has no such method
func MethodNotDefined(model, method string, static bool) *ErrorShape {
	scope := "instance"
	if static {
		scope = "static"
	}
	return NewError(http.StatusNotFound, fmt.Sprintf("%s method %s is not defined in %s", scope, method, model))
}

// TokenRequired is returned when access control needs an identity and none was resolved
func TokenRequired() *ErrorShape {
	return &ErrorShape{
		Message:    "Authentification token required",
		StatusCode: http.StatusForbidden,
	}
}

// AccessDenied is returned when the resolved identity may not call the method
func AccessDenied() *ErrorShape {
	return &ErrorShape{
		Message:    "Access denied",
		StatusCode: http.StatusUnauthorized,
	}
}

// MethodTimeout is returned when a method does not complete before the reply deadline
func MethodTimeout(model, method string) *ErrorShape {
	return NewError(http.StatusGatewayTimeout, fmt.Sprintf("method %s of %s timed out", method, model))
}

// Internal wraps an unexpected failure
func Internal(message string) *ErrorShape {
	return NewError(http.StatusInternalServerError, message)
}

// statusCoder is implemented by errors that carry their own status code
type statusCoder interface {
	Status() int
}

// AsErrorShape normalizes any error into the wire shape.
// An *ErrorShape anywhere in the chain is returned verbatim.
func AsErrorShape(err error) *ErrorShape {
	if err == nil {
		return nil
	}

	var shape *ErrorShape
	if errors.As(err, &shape) {
		return shape
	}

	var sc statusCoder
	if errors.As(err, &sc) && sc.Status() > 0 {
		return NewError(sc.Status(), err.Error())
	}

	return Internal(err.Error())
}
