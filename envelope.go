package rpc

import (
	"fmt"
	"strconv"

	"github.com/juju/errors"
	"github.com/streadway/amqp"
)

const (
	// HeaderFaaSName names the function a request is for.
	HeaderFaaSName = "FaaS-Name"
	// HeaderStatus carries the response status code.
	HeaderStatus = "Response-Status"
	// HeaderSerializer names the serializer that produced a response body.
	HeaderSerializer = "Response-Serializer"
)

type (
	// Envelope is the wire form shared by requests and responses. Once
	// finalized, Body is framed bytes consistent with ContentType and
	// Encoding.
	Envelope struct {
		Body        []byte
		Encoding    string
		ContentType string
		Headers     amqp.Table
	}

	Request struct {
		Envelope
		Object interface{}
		// AppID identifies the caller.
		AppID string
		// CorrelationID is set on requests received by a consumer.
		CorrelationID string
		// Raw is the unframed payload the object was read from.
		Raw []byte
	}

	Response struct {
		Envelope
		Object       interface{}
		Status       int
		ErrorMessage string
		// Raw is the unframed payload.
		Raw []byte
	}
)

// Finalize sets the wire fields in one step.
func (e *Envelope) Finalize(body []byte, encoding, contentType string, headers amqp.Table) {
	e.Body = body
	e.Encoding = encoding
	e.ContentType = contentType
	e.Headers = nil
	e.AddHeaders(headers)
}

// AddHeaders merges headers into the envelope, replacing existing keys.
func (e *Envelope) AddHeaders(headers amqp.Table) {
	if len(headers) == 0 {
		return
	}
	if e.Headers == nil {
		e.Headers = make(amqp.Table, len(headers))
	}
	for k, v := range headers {
		e.Headers[k] = v
	}
}

// Header returns a header value as text.
func (e *Envelope) Header(name string) (string, bool) {
	return headerString(e.Headers, name)
}

// Finalized reports whether the wire body has been set.
func (e *Envelope) Finalized() bool {
	return e.Body != nil
}

// NewRequest returns a request for object.
func NewRequest(object interface{}) *Request {
	return &Request{Object: object}
}

// NewResponse returns a successful response carrying object.
func NewResponse(object interface{}) *Response {
	return &Response{Status: StatusOK, Object: object}
}

// NewErrorResponse returns a response with an error status and message.
func NewErrorResponse(status int, message string) *Response {
	return &Response{Status: status, ErrorMessage: message}
}

// IsError reports whether the response status is a 4xx or 5xx code.
func (r *Response) IsError() bool {
	return IsError(r.Status)
}

func headerString(headers amqp.Table, name string) (string, bool) {
	v, ok := headers[name]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		return string(t), true
	}
	return fmt.Sprint(v), true
}

func headerInt(headers amqp.Table, name string) (int, error) {
	text, ok := headerString(headers, name)
	if !ok {
		return 0, errors.NotFoundf("%s header", name)
	}
	n, err := strconv.Atoi(text)
	if err != nil {
		return 0, errors.NotValidf("%s header %q", name, text)
	}
	return n, nil
}
