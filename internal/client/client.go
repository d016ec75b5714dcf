// Package client is a small HTTP client for the lockbox API used by the
// command line tool.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/haukened/lockbox/internal/domain"
)

const (
	defaultTimeout   = 30 * time.Second
	adminTokenHeader = "X-Admin-Token"
	maxErrorBody     = 4 << 10
)

// APIError is a non-2xx response. It unwraps to the matching domain sentinel
// so callers can use errors.Is(err, domain.ErrNotFound) and friends.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnsupportedMediaType:
		return domain.ErrValidation
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusForbidden:
		return domain.ErrAuthentication
	default:
		return nil
	}
}

// Secret is a revealed payload.
type Secret struct {
	Data        []byte
	IsFile      bool
	Filename    string
	ContentType string
}

// Summary mirrors one entry of the admin listing.
type Summary struct {
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

// Client talks to one lockbox server.
type Client struct {
	base       *url.URL
	http       *http.Client
	adminToken string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithAdminToken sets the token sent on admin requests.
func WithAdminToken(token string) Option {
	return func(c *Client) { c.adminToken = token }
}

// New returns a Client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q must be http or https", baseURL)
	}
	c := &Client{base: u, http: &http.Client{Timeout: defaultTimeout}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type createText struct {
	Text             string `json:"text"`
	Password         string `json:"password"`
	ExpiresInMinutes int    `json:"expires_in_minutes,omitempty"`
	MaxReads         int    `json:"max_reads,omitempty"`
}

type idResponse struct {
	ID string `json:"id"`
}

// CreateText deposits a text secret and returns its id.
func (c *Client) CreateText(ctx context.Context, text, password string, exp domain.ExpiryRequest) (string, error) {
	body, err := json.Marshal(createText{Text: text, Password: password, ExpiresInMinutes: exp.Minutes, MaxReads: exp.MaxReads})
	if err != nil {
		return "", err
	}
	return c.create(ctx, bytes.NewReader(body), "application/json")
}

// FileUpload describes a file deposit.
type FileUpload struct {
	Content     io.Reader
	Filename    string
	ContentType string
}

// CreateFile deposits a file secret as multipart form data and returns its id.
func (c *Client) CreateFile(ctx context.Context, f FileUpload, password string, exp domain.ExpiryRequest) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := [][2]string{
		{"password", password},
		{"filename", f.Filename},
		{"content_type", f.ContentType},
	}
	if exp.Minutes != 0 {
		fields = append(fields, [2]string{"expires_in_minutes", strconv.Itoa(exp.Minutes)})
	}
	if exp.MaxReads != 0 {
		fields = append(fields, [2]string{"max_reads", strconv.Itoa(exp.MaxReads)})
	}
	for _, kv := range fields {
		if kv[1] == "" {
			continue
		}
		if err := mw.WriteField(kv[0], kv[1]); err != nil {
			return "", err
		}
	}
	name := f.Filename
	if name == "" {
		name = "upload"
	}
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f.Content); err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}
	return c.create(ctx, &buf, mw.FormDataContentType())
}

func (c *Client) create(ctx context.Context, body io.Reader, contentType string) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/secrets", body, contentType, false)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var out idResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode create response: %w", err)
	}
	return out.ID, nil
}

// Reveal opens the secret id with password, consuming one read.
func (c *Client) Reveal(ctx context.Context, id, password string) (*Secret, error) {
	body, err := json.Marshal(map[string]string{"password": password})
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/secrets/"+url.PathEscape(id)+"/reveal", bytes.NewReader(body), "application/json", false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	disposition := resp.Header.Get("Content-Disposition")
	if disposition == "" {
		var text struct {
			Secret string `json:"secret"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&text); err != nil {
			return nil, fmt.Errorf("decode reveal response: %w", err)
		}
		return &Secret{Data: []byte(text.Secret)}, nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read file body: %w", err)
	}
	out := &Secret{Data: data, IsFile: true, ContentType: resp.Header.Get("Content-Type")}
	if _, params, err := mime.ParseMediaType(disposition); err == nil {
		out.Filename = params["filename"]
	}
	return out, nil
}

// Stats returns the number of live secrets.
func (c *Client) Stats(ctx context.Context) (int, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/stats", nil, "", false)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	var out struct {
		ActiveSecrets int `json:"active_secrets"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode stats response: %w", err)
	}
	return out.ActiveSecrets, nil
}

// ListSecrets returns the admin listing. It requires WithAdminToken.
func (c *Client) ListSecrets(ctx context.Context) ([]Summary, error) {
	if c.adminToken == "" {
		return nil, errors.New("admin token is required")
	}
	resp, err := c.do(ctx, http.MethodGet, "/api/admin/secrets", nil, "", true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out struct {
		Secrets []Summary `json:"secrets"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode listing: %w", err)
	}
	return out.Secrets, nil
}

// do sends the request and returns the response on 2xx. Any other status is
// drained into an *APIError.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, admin bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if admin {
		req.Header.Set(adminTokenHeader, c.adminToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var eb struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&eb); err == nil {
		apiErr.Message = eb.Error
	}
	return nil, apiErr
}
