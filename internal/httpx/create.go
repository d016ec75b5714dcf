package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/haukened/lockbox/internal/app"
	"github.com/haukened/lockbox/internal/domain"
)

// createJSON is the body of a text deposit.
type createJSON struct {
	Text             string `json:"text" validate:"required"`
	Password         string `json:"password" validate:"required"`
	ExpiresInMinutes int    `json:"expires_in_minutes"`
	MaxReads         int    `json:"max_reads"`
}

// createForm holds the non-file fields of a multipart file deposit.
type createForm struct {
	Password         string `json:"password" validate:"required"`
	Filename         string `json:"filename" validate:"max=255"`
	ContentType      string `json:"content_type" validate:"omitempty,max=255"`
	ExpiresInMinutes int    `json:"expires_in_minutes"`
	MaxReads         int    `json:"max_reads"`
}

type createResponse struct {
	ID string `json:"id"`
}

// handleCreateSecret implements POST /api/secrets.
func (h *Handler) handleCreateSecret(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, h.bodyLimit())
	req, err := h.decodeCreate(r)
	if err != nil {
		mapServiceError(ctx, w, err)
		return
	}
	id, err := h.Service.CreateSecret(ctx, req)
	if err != nil {
		mapServiceError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{ID: id.String()})
}

func (h *Handler) decodeCreate(r *http.Request) (app.CreateRequest, error) {
	mediaType := "application/json"
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil {
			return app.CreateRequest{}, errUnsupportedMedia
		}
		mediaType = mt
	}
	switch mediaType {
	case "application/json":
		return h.decodeCreateJSON(r)
	case "multipart/form-data":
		return h.decodeCreateForm(r)
	default:
		return app.CreateRequest{}, errUnsupportedMedia
	}
}

func (h *Handler) decodeCreateJSON(r *http.Request) (app.CreateRequest, error) {
	var body createJSON
	if err := decodeJSON(r.Body, &body); err != nil {
		return app.CreateRequest{}, err
	}
	if err := h.check(&body); err != nil {
		return app.CreateRequest{}, err
	}
	return app.CreateRequest{
		Payload:  []byte(body.Text),
		Kind:     domain.Text(),
		Password: body.Password,
		Expiry:   domain.ExpiryRequest{Minutes: body.ExpiresInMinutes, MaxReads: body.MaxReads},
	}, nil
}

func (h *Handler) decodeCreateForm(r *http.Request) (app.CreateRequest, error) {
	if err := r.ParseMultipartForm(h.bodyLimit()); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return app.CreateRequest{}, err
		}
		return app.CreateRequest{}, domain.Invalid("malformed multipart form")
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	form := createForm{
		Password:    r.FormValue("password"),
		Filename:    r.FormValue("filename"),
		ContentType: r.FormValue("content_type"),
	}
	var err error
	if form.ExpiresInMinutes, err = formInt(r, "expires_in_minutes"); err != nil {
		return app.CreateRequest{}, err
	}
	if form.MaxReads, err = formInt(r, "max_reads"); err != nil {
		return app.CreateRequest{}, err
	}
	if err := h.check(&form); err != nil {
		return app.CreateRequest{}, err
	}

	file, hdr, err := r.FormFile("file")
	if err != nil {
		return app.CreateRequest{}, domain.Invalid("file is required")
	}
	defer file.Close()
	payload, err := io.ReadAll(file)
	if err != nil {
		return app.CreateRequest{}, domain.Invalid("could not read uploaded file")
	}
	if form.Filename == "" {
		form.Filename = hdr.Filename
	}
	form.Filename = baseName(form.Filename)
	if form.ContentType == "" {
		form.ContentType = hdr.Header.Get("Content-Type")
	}
	return app.CreateRequest{
		Payload:  payload,
		Kind:     domain.File(form.Filename, form.ContentType),
		Password: form.Password,
		Expiry:   domain.ExpiryRequest{Minutes: form.ExpiresInMinutes, MaxReads: form.MaxReads},
	}, nil
}

// check runs struct validation and converts the first failure into a
// ValidationError naming the offending field.
func (h *Handler) check(v any) error {
	err := h.validate.Struct(v)
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if errors.As(err, &fields) && len(fields) > 0 {
		fe := fields[0]
		switch fe.Tag() {
		case "required":
			return domain.Invalid("%s is required", fe.Field())
		case "max":
			return domain.Invalid("%s is too long", fe.Field())
		}
		return domain.Invalid("%s is invalid", fe.Field())
	}
	return domain.Invalid("invalid request")
}

func decodeJSON(r io.Reader, dst any) error {
	if err := json.NewDecoder(r).Decode(dst); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return err
		}
		return domain.Invalid("malformed JSON body")
	}
	return nil
}

func formInt(r *http.Request, key string) (int, error) {
	raw := strings.TrimSpace(r.FormValue(key))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.Invalid("%s must be a whole number", key)
	}
	return n, nil
}

// baseName strips any client-side directory components from an uploaded
// filename.
func baseName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" {
		return ""
	}
	return name
}
