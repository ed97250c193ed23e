package rpc

import (
	"fmt"

	"github.com/juju/errors"
)

type (
	// StatusError is an error a handler returns to choose the response
	// status.
	StatusError interface {
		error
		Status() int
	}

	// RequestError reports a request the consumer cannot route.
	RequestError struct {
		FaaSName string
	}

	// ServerError wraps a handler failure.
	ServerError struct {
		Cause error
	}

	// ResponseDecodingError is returned by the client when a reply
	// cannot be turned back into a Response.
	ResponseDecodingError struct {
		CorrelationID string
		Cause         error
	}
)

func (e *RequestError) Error() string {
	return fmt.Sprintf("[RequestError] FaaS with name '%s' is not registered", e.FaaSName)
}

func (e *RequestError) Status() int {
	return StatusBadRequest
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("[ServerError] An unexpected error occurred while processing the request message: '%v'", e.Cause)
}

func (e *ServerError) Status() int {
	return StatusInternalError
}

func (e *ServerError) Unwrap() error {
	return e.Cause
}

func (e *ResponseDecodingError) Error() string {
	return fmt.Sprintf("ResponseDecodingError: cannot decode reply %q: %v", e.CorrelationID, e.Cause)
}

func (e *ResponseDecodingError) Unwrap() error {
	return e.Cause
}

// errorStatus picks the status a handler error maps to.
func errorStatus(err error) (int, string) {
	var se StatusError
	if errors.As(err, &se) {
		return se.Status(), se.Error()
	}
	serverErr := &ServerError{Cause: err}
	return serverErr.Status(), serverErr.Error()
}
