package metrics

import (
	"bufio"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// StatusRecorder captures the status a handler answered with. Websocket
// upgrades hijack the connection, so Hijack is passed through and recorded as
// 101 Switching Protocols.
type StatusRecorder struct {
	http.ResponseWriter
	status   int
	hijacked bool
}

// NewStatusRecorder wraps w. The status defaults to 200 when the handler
// never calls WriteHeader.
func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	return &StatusRecorder{ResponseWriter: w, status: http.StatusOK}
}

// Status returns the recorded status code.
func (sr *StatusRecorder) Status() int {
	return sr.status
}

// Hijacked reports whether the handler took over the connection.
func (sr *StatusRecorder) Hijacked() bool {
	return sr.hijacked
}

func (sr *StatusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// Flush keeps streaming responses working behind the recorder.
func (sr *StatusRecorder) Flush() {
	if flusher, ok := sr.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack hands the connection to the websocket upgrader.
func (sr *StatusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	conn, rw, err := hijacker.Hijack()
	if err == nil {
		sr.hijacked = true
		sr.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

// HTTPMiddleware records every request on recorder, or on the default
// recorder when nil. Requests routed by chi are labelled with their route
// pattern so entity ids never become label values. A websocket request is
// observed when its connection closes.
func HTTPMiddleware(recorder *Recorder, next http.Handler) http.Handler {
	rec := recorder
	if rec == nil {
		rec = Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := NewStatusRecorder(w)
		start := time.Now()
		next.ServeHTTP(sr, r)
		rec.ObserveRequest(r.Method, routeLabel(r), sr.Status(), time.Since(start))
	})
}

func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
