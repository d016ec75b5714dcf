package httpx

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/haukened/lockbox/internal/domain"
)

// AdminTokenHeader carries the admin credential.
const AdminTokenHeader = "X-Admin-Token"

type summaryView struct {
	ID             string     `json:"id"`
	Kind           string     `json:"kind"`
	Filename       string     `json:"filename,omitempty"`
	ContentType    string     `json:"content_type,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	RemainingReads *int       `json:"remaining_reads,omitempty"`
	ReadCount      int        `json:"read_count"`
	Live           bool       `json:"live"`
}

type listResponse struct {
	Secrets []summaryView `json:"secrets"`
}

type statsResponse struct {
	ActiveSecrets int `json:"active_secrets"`
}

// requireAdmin rejects requests without the configured admin token. With no
// token configured the admin surface is closed.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(AdminTokenHeader)
		if h.AdminToken == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.AdminToken)) != 1 {
			writeError(r.Context(), w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleListSecrets implements GET /api/admin/secrets.
func (h *Handler) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.Service.ListSecrets(r.Context())
	if err != nil {
		mapServiceError(r.Context(), w, err)
		return
	}
	out := listResponse{Secrets: make([]summaryView, 0, len(summaries))}
	for _, s := range summaries {
		out.Secrets = append(out.Secrets, toView(s))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleStats implements GET /api/stats.
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	n, err := h.Service.CountLive(r.Context())
	if err != nil {
		mapServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{ActiveSecrets: n})
}

func toView(s domain.Summary) summaryView {
	return summaryView{
		ID:             s.ID.String(),
		Kind:           s.Kind.Tag.String(),
		Filename:       s.Kind.Filename,
		ContentType:    s.Kind.ContentType,
		CreatedAt:      s.CreatedAt,
		ExpiresAt:      s.ExpiresAt,
		RemainingReads: s.RemainingReads,
		ReadCount:      s.ReadCount,
		Live:           s.Live,
	}
}
