package rpc

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/juju/errors"
	"github.com/streadway/amqp"

	"github.com/RidgeA/faas-rpc/codec"
)

type (
	// HandlerFunc is a registered function. A returned error becomes a
	// 500 response unless it implements StatusError.
	HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

	HandlerOptionsFunc func(*handler)

	// Metadata is what the handler adapter reads from a delivery besides
	// the body.
	Metadata struct {
		AppID         string
		CorrelationID string
		Headers       amqp.Table
	}

	handler struct {
		name     string
		request  codec.Pipeline
		response codec.Pipeline
		fn       HandlerFunc
	}

	// Dispatcher maps function names to handlers. It is frozen when a
	// server starts; registrations after that fail.
	Dispatcher struct {
		mu       sync.RWMutex
		handlers map[string]*handler
		frozen   bool
	}
)

// RequestEncoding overrides the request serializer's text encoding.
func RequestEncoding(encoding string) HandlerOptionsFunc {
	return func(h *handler) {
		h.request.Encoding = encoding
	}
}

// ResponseEncoding overrides the response serializer's text encoding.
func ResponseEncoding(encoding string) HandlerOptionsFunc {
	return func(h *handler) {
		h.response.Encoding = encoding
	}
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]*handler)}
}

// Register adds fn under name, reading requests with req and writing
// responses with resp.
func (d *Dispatcher) Register(name string, req, resp codec.Serializer, fn HandlerFunc, options ...HandlerOptionsFunc) error {
	if name == "" {
		return errors.NotValidf("empty FaaS name")
	}
	if req == nil || resp == nil || fn == nil {
		return errors.NotValidf("registration of %q without serializers or handler", name)
	}
	h := &handler{
		name:     name,
		request:  codec.NewPipeline(req),
		response: codec.NewPipeline(resp),
		fn:       fn,
	}
	for _, setter := range options {
		setter(h)
	}
	for _, p := range []codec.Pipeline{h.request, h.response} {
		if !codec.IsBinary(p.Serializer) && !codec.SupportedEncoding(p.TextEncoding()) {
			return errors.NotSupportedf("encoding %q for %q", p.TextEncoding(), name)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.frozen {
		return errors.NotValidf("registration of %q after the server started", name)
	}
	if _, exists := d.handlers[name]; exists {
		return errors.AlreadyExistsf("FaaS %q", name)
	}
	d.handlers[name] = h
	return nil
}

// Freeze stops further registrations.
func (d *Dispatcher) Freeze() {
	d.mu.Lock()
	d.frozen = true
	d.mu.Unlock()
}

// Names returns the registered function names in order.
func (d *Dispatcher) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Dispatcher) has(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[name]
	return ok
}

// Dispatch routes a request body to the handler named by its FaaS-Name
// header. It always returns a finalized response.
func (d *Dispatcher) Dispatch(ctx context.Context, meta Metadata, body []byte) *Response {
	name, _ := headerString(meta.Headers, HeaderFaaSName)
	d.mu.RLock()
	h, ok := d.handlers[name]
	d.mu.RUnlock()
	if !ok {
		return finalizeError(NewErrorResponse(StatusBadRequest, (&RequestError{FaaSName: name}).Error()))
	}
	return h.Handle(ctx, body, meta)
}

// Handle runs the decode, call, encode sequence for one message.
func (h *handler) Handle(ctx context.Context, body []byte, meta Metadata) *Response {
	object, raw, err := h.request.Unmarshal(body)
	if err != nil {
		return finalizeError(NewErrorResponse(StatusBadRequest, err.Error()))
	}
	req := &Request{Object: object, AppID: meta.AppID, CorrelationID: meta.CorrelationID, Raw: raw}
	req.Finalize(raw, h.request.TextEncoding(), h.request.Serializer.ContentType(), meta.Headers)

	resp := h.call(ctx, req)
	if resp.IsError() {
		return finalizeError(resp)
	}
	payload, err := h.response.Encode(resp.Object)
	if err != nil {
		resp.Status = StatusInternalError
		resp.ErrorMessage = err.Error()
		return finalizeError(resp)
	}
	resp.Raw = payload
	resp.Finalize(h.response.Frame(payload), h.response.TextEncoding(), h.response.Serializer.ContentType(), amqp.Table{
		HeaderStatus:     strconv.Itoa(resp.Status),
		HeaderSerializer: h.response.Serializer.Name(),
	})
	return resp
}

func (h *handler) call(ctx context.Context, req *Request) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			serverLogger.Errorf("FaaS %q panicked: %v", h.name, r)
			status, msg := errorStatus(errors.Errorf("panic: %v", r))
			resp = NewErrorResponse(status, msg)
		}
	}()
	resp, err := h.fn(ctx, req)
	if err != nil {
		status, msg := errorStatus(err)
		return NewErrorResponse(status, msg)
	}
	if resp == nil {
		status, msg := errorStatus(errors.Errorf("FaaS %q returned no response", h.name))
		return NewErrorResponse(status, msg)
	}
	if resp.Status == 0 {
		resp.Status = StatusOK
	}
	if resp.IsError() && resp.ErrorMessage == "" {
		resp.ErrorMessage = strconv.Itoa(resp.Status)
	}
	return resp
}

// finalizeError writes the error message as text regardless of the
// handler's response serializer.
func finalizeError(resp *Response) *Response {
	text := codec.NewPipeline(codec.Text)
	payload, err := text.Encode(resp.ErrorMessage)
	if err != nil {
		quoted := strconv.QuoteToASCII(resp.ErrorMessage)
		payload = []byte(quoted[1 : len(quoted)-1])
	}
	resp.Object = nil
	resp.Raw = payload
	resp.Finalize(text.Frame(payload), text.TextEncoding(), codec.Text.ContentType(), amqp.Table{
		HeaderStatus:     strconv.Itoa(resp.Status),
		HeaderSerializer: codec.Text.Name(),
	})
	return resp
}
