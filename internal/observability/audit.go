package observability

import (
	"context"
	"log/slog"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

func Audit(r *http.Request, event string, attrs ...any) {
	base := []any{
		"event", event,
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", chimiddleware.GetReqID(r.Context()),
	}
	base = append(base, attrs...)
	slog.InfoContext(r.Context(), "audit", base...)
}

// AuditEvent records an audit line where no request is in scope. The request
// id is attached when ctx came from an HTTP handler.
func AuditEvent(ctx context.Context, event string, attrs ...any) {
	base := []any{"event", event}
	if id := chimiddleware.GetReqID(ctx); id != "" {
		base = append(base, "request_id", id)
	}
	slog.InfoContext(ctx, "audit", append(base, attrs...)...)
}
