// Package response writes the JSON envelope every API route answers with:
//
//	{"success": true, "data": {...}, "meta": {"request_id": "...", "timestamp": "..."}}
//	{"success": false, "error": {"code": "...", "message": "...", "details": {...}}, "meta": {...}}
package response

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

const (
	requestIDHeader = "X-Request-Id"
	maxRequestIDLen = 128
)

type Envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
	Meta    Meta       `json:"meta"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Meta lets a caller quote a response back to operators. TraceID is only set
// when the request ran inside a sampled span.
type Meta struct {
	RequestID string    `json:"request_id"`
	TraceID   string    `json:"trace_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	write(w, r, status, Envelope{Success: true, Data: data})
}

func Error(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	write(w, r, status, Envelope{Error: &ErrorBody{Code: code, Message: message, Details: details}})
}

// Responses carry session tokens and principal data, so nothing is cacheable.
func write(w http.ResponseWriter, r *http.Request, status int, env Envelope) {
	env.Meta = MetaFor(r)
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	h.Set(requestIDHeader, env.Meta.RequestID)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.WarnContext(r.Context(), "write response body failed",
			"status", status,
			"request_id", env.Meta.RequestID,
			"error", err,
		)
	}
}

// MetaFor prefers the id chi's RequestID middleware assigned, then a
// well-formed client-supplied header, and otherwise mints one.
func MetaFor(r *http.Request) Meta {
	ctx := r.Context()
	id := chimiddleware.GetReqID(ctx)
	if id == "" {
		id = strings.TrimSpace(r.Header.Get(requestIDHeader))
	}
	if id == "" || len(id) > maxRequestIDLen {
		id = uuid.NewString()
	}
	m := Meta{RequestID: id, Timestamp: time.Now().UTC()}
	if sc := trace.SpanContextFromContext(ctx); sc.IsSampled() {
		m.TraceID = sc.TraceID().String()
	}
	return m
}
