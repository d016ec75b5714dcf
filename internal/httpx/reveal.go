package httpx

import (
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

const (
	defaultContentType = "application/octet-stream"
	defaultFilename    = "secret"
	revealBodyLimit    = 16 << 10
)

type revealJSON struct {
	Password string `json:"password" validate:"required"`
}

type revealTextResponse struct {
	Secret string `json:"secret"`
}

// handleReveal implements POST /api/secrets/{id}/reveal. Text secrets are
// returned as JSON; file secrets as a raw attachment.
func (h *Handler) handleReveal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, revealBodyLimit)
	var body revealJSON
	if err := decodeJSON(r.Body, &body); err != nil {
		mapServiceError(ctx, w, err)
		return
	}
	if err := h.check(&body); err != nil {
		mapServiceError(ctx, w, err)
		return
	}

	out, err := h.Service.Reveal(ctx, chi.URLParam(r, "id"), body.Password)
	if err != nil {
		mapServiceError(ctx, w, err)
		return
	}

	if !out.Kind.IsFile() {
		writeJSON(w, http.StatusOK, revealTextResponse{Secret: string(out.Payload)})
		return
	}
	ct := out.Kind.ContentType
	if ct == "" {
		ct = defaultContentType
	}
	name := out.Kind.Filename
	if name == "" {
		name = defaultFilename
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", attachmentDisposition(name))
	w.Header().Set("Content-Length", strconv.Itoa(len(out.Payload)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out.Payload)
}

// attachmentDisposition renders a Content-Disposition header for filename,
// falling back to the default name when it cannot be encoded.
func attachmentDisposition(filename string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": filename}); v != "" {
		return v
	}
	return mime.FormatMediaType("attachment", map[string]string{"filename": defaultFilename})
}
