// Package endpoint builds HTTP handlers from typed endpoint functions.
//
// A request passes through three phases:
//
//  1. Processors run in order, each wrapping the rest of the chain. They may
//     attach values to the request context or short-circuit with an error.
//  2. Request parameters are decoded into the endpoint's params struct from
//     struct tags (see Unmarshal), and the EndpointFunc runs the business
//     logic, returning a Renderer.
//  3. Deferred hooks registered with Defer run, then the Renderer writes the
//     status, headers and body.
//
// An error from any phase is written as a plain-text response. Only the
// EndpointError message reaches the client; the cause is logged. A Renderer
// that fails after writing the status is only logged.
package endpoint

import (
	"context"
	"errors"
	"net/http"

	"github.com/mnehpets/lostpaw/logger"
	"go.uber.org/zap"
)

// EndpointError maps an error to an HTTP status and a client-safe message.
type EndpointError struct {
	Status int
	// Message is written to the response body. Cause never is.
	Message string
	Cause   error
}

func (e *EndpointError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *EndpointError) Unwrap() error {
	return e.Cause
}

// Error returns an *EndpointError. If err already carries an EndpointError it
// is returned unchanged.
func Error(status int, message string, err error) error {
	var ee *EndpointError
	if errors.As(err, &ee) {
		return err
	}
	return &EndpointError{Status: status, Message: message, Cause: err}
}

// StatusOf returns the HTTP status err would be written with.
func StatusOf(err error) int {
	var ee *EndpointError
	if errors.As(err, &ee) && ee.Status >= 100 {
		return ee.Status
	}
	return http.StatusInternalServerError
}

// Renderer writes a complete response.
type Renderer interface {
	Render(w http.ResponseWriter, r *http.Request) error
}

// Processor is middleware inside the endpoint chain. It must call next unless
// it short-circuits, and must not write the response itself.
type Processor interface {
	Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error
}

// ProcessorFunc adapts a function to a Processor.
type ProcessorFunc func(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error

func (f ProcessorFunc) Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error {
	return f(w, r, next)
}

// EndpointFunc handles a request with decoded params P and returns the
// Renderer for the response.
type EndpointFunc[P any] func(w http.ResponseWriter, r *http.Request, params P) (Renderer, error)

// EndpointHandler is the http.Handler for an EndpointFunc and its processors.
type EndpointHandler[P any] struct {
	Endpoint   EndpointFunc[P]
	Processors []Processor
}

// Handler constructs an EndpointHandler, inferring P from fn.
func Handler[P any](fn EndpointFunc[P], processors ...Processor) *EndpointHandler[P] {
	return &EndpointHandler[P]{Endpoint: fn, Processors: processors}
}

// HandleFunc is Handler as an http.HandlerFunc.
func HandleFunc[P any](fn EndpointFunc[P], processors ...Processor) http.HandlerFunc {
	return Handler(fn, processors...).ServeHTTP
}

type hooksKey struct{}

type hooks struct {
	fns []func(http.ResponseWriter)
}

// Defer registers fn to run just before the response headers are written,
// e.g. to set a cookie for state changed by the endpoint. Outside an
// EndpointHandler it does nothing.
func Defer(ctx context.Context, fn func(http.ResponseWriter)) {
	if h, ok := ctx.Value(hooksKey{}).(*hooks); ok {
		h.fns = append(h.fns, fn)
	}
}

// commit runs deferred hooks in reverse registration order, once.
func commit(ctx context.Context, w http.ResponseWriter) {
	h, ok := ctx.Value(hooksKey{}).(*hooks)
	if !ok {
		return
	}
	for i := len(h.fns) - 1; i >= 0; i-- {
		h.fns[i](w)
	}
	h.fns = nil
}

// responseStarted records whether the status line has gone out.
type responseStarted struct {
	http.ResponseWriter
	started bool
}

func (w *responseStarted) WriteHeader(status int) {
	w.started = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseStarted) Write(b []byte) (int, error) {
	w.started = true
	return w.ResponseWriter.Write(b)
}

func (w *responseStarted) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (h *EndpointHandler[P]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Endpoint == nil {
		http.Error(w, "endpoint: nil EndpointFunc", http.StatusInternalServerError)
		return
	}
	if _, ok := r.Context().Value(hooksKey{}).(*hooks); !ok {
		r = r.WithContext(context.WithValue(r.Context(), hooksKey{}, &hooks{}))
	}

	var run func(i int, w http.ResponseWriter, r *http.Request) error
	run = func(i int, w http.ResponseWriter, r *http.Request) error {
		if i < len(h.Processors) {
			p := h.Processors[i]
			if p == nil {
				return errors.New("endpoint: nil processor")
			}
			return p.Process(w, r, func(w http.ResponseWriter, r *http.Request) error {
				return run(i+1, w, r)
			})
		}

		var params P
		if err := Unmarshal(r, &params); err != nil {
			return err
		}
		renderer, err := h.Endpoint(w, r, params)
		if err != nil {
			return err
		}
		if renderer == nil {
			return errors.New("endpoint: nil renderer")
		}
		commit(r.Context(), w)
		rw := &responseStarted{ResponseWriter: w}
		if err := renderer.Render(rw, r); err != nil {
			if !rw.started {
				return err
			}
			// Too late for an error response.
			logger.From(r.Context()).Error("render failed", zap.Error(err))
		}
		return nil
	}

	err := run(0, w, r)
	if err == nil {
		return
	}

	status := StatusOf(err)
	message := http.StatusText(status)
	var ee *EndpointError
	if errors.As(err, &ee) && ee.Message != "" {
		message = ee.Message
	}
	if status >= http.StatusInternalServerError {
		logger.From(r.Context()).Error("endpoint failed", zap.Int("status", status), zap.Error(err))
	}
	commit(r.Context(), w)
	http.Error(w, message, status)
}
