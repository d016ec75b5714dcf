package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/haukened/lockbox/internal/app"
	"github.com/haukened/lockbox/internal/domain"
)

// errUnsupportedMedia is returned for request bodies that are neither JSON
// nor multipart form data.
var errUnsupportedMedia = errors.New("unsupported content type")

type errorBody struct {
	Error string `json:"error"`
}

// writeJSON writes v as the JSON body with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error body with given status code.
func writeError(ctx context.Context, w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{Error: msg})
	if cid, ok := GetCorrelationID(ctx); ok {
		slog.Debug("wrote error response", "domain", "http", "cid", cid, "status", code, "msg", msg)
	}
}

// mapServiceError maps domain/store/service errors to HTTP responses.
// Validation reasons are safe to echo; everything else gets a fixed message.
func mapServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	cid, _ := GetCorrelationID(ctx)
	var (
		tooBig *http.MaxBytesError
		ve     *domain.ValidationError
	)
	switch {
	case errors.As(err, &tooBig), errors.Is(err, app.ErrSizeExceeded):
		slog.Warn("service error", "domain", "http", "cid", cid, "code", "size_exceeded")
		writeError(ctx, w, http.StatusRequestEntityTooLarge, "payload too large")
	case errors.Is(err, errUnsupportedMedia):
		writeError(ctx, w, http.StatusUnsupportedMediaType, errUnsupportedMedia.Error())
	case errors.As(err, &ve):
		slog.Info("service error", "domain", "http", "cid", cid, "code", "invalid")
		writeError(ctx, w, http.StatusBadRequest, ve.Reason)
	case errors.Is(err, domain.ErrNotFound):
		slog.Info("service error", "domain", "http", "cid", cid, "code", "not_found")
		writeError(ctx, w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrAuthentication):
		slog.Info("service error", "domain", "http", "cid", cid, "code", "auth_failed")
		writeError(ctx, w, http.StatusForbidden, "authentication failed")
	default:
		// Raw error text may carry paths or ids; it is only logged at debug.
		slog.Error("unhandled service error", "domain", "http", "cid", cid, "code", "internal", "store", errors.Is(err, domain.ErrStore))
		slog.Debug("unhandled service error detail", "domain", "http", "cid", cid, "err", err)
		writeError(ctx, w, http.StatusInternalServerError, "internal error")
	}
}
