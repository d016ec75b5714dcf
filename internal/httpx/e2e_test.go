package httpx

import (
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/lockbox/internal/app"
	"github.com/haukened/lockbox/internal/domain"
	"github.com/haukened/lockbox/internal/envelope"
	"github.com/haukened/lockbox/internal/store/memory"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newLiveRouter(t *testing.T) (http.Handler, *manualClock) {
	t.Helper()
	st := memory.New()
	clk := &manualClock{now: time.Date(2030, 3, 4, 5, 6, 7, 0, time.UTC)}
	svc := &app.Service{
		Store:    st,
		Catalog:  st,
		Clock:    clk,
		Crypter:  envelope.New(envelope.WithIterations(1000)),
		MaxBytes: 1 << 20,
		Limits:   domain.ExpiryLimits{MaxTTL: 24 * time.Hour, MaxReads: 10},
	}
	h := New(svc, svc.MaxBytes, nil)
	return h.Router(), clk
}

func createID(t *testing.T, router http.Handler, req *http.Request) string {
	t.Helper()
	rec := do(t, router, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var body createResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.ID
}

func TestEndToEndTextSingleRead(t *testing.T) {
	router, _ := newLiveRouter(t)
	id := createID(t, router, jsonRequest(http.MethodPost, "/api/secrets", `{"text":"hello","password":"pw","max_reads":1}`))

	path := "/api/secrets/" + id + "/reveal"
	rec := do(t, router, jsonRequest(http.MethodPost, path, `{"password":"pw"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"secret":"hello"}`, rec.Body.String())

	rec = do(t, router, jsonRequest(http.MethodPost, path, `{"password":"pw"}`))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEndToEndFileWrongPasswordThenExpiry(t *testing.T) {
	router, clk := newLiveRouter(t)
	req := multipartRequest(t,
		map[string]string{"password": "pw", "expires_in_minutes": "60"},
		&filePart{name: "a.bin", data: []byte{0x00, 0x01}},
	)
	id := createID(t, router, req)
	path := "/api/secrets/" + id + "/reveal"

	rec := do(t, router, jsonRequest(http.MethodPost, path, `{"password":"wrong"}`))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, router, jsonRequest(http.MethodPost, path, `{"password":"pw"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []byte{0x00, 0x01}, rec.Body.Bytes())
	assert.Equal(t, "attachment; filename=a.bin", rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))

	clk.Advance(time.Hour)
	rec = do(t, router, jsonRequest(http.MethodPost, path, `{"password":"pw"}`))
	expired := rec.Code
	rec = do(t, router, jsonRequest(http.MethodPost, "/api/secrets/ffffffffffffffffffffffffffffffff/reveal", `{"password":"pw"}`))
	assert.Equal(t, http.StatusNotFound, expired)
	assert.Equal(t, rec.Code, expired, "expired and unknown ids are indistinguishable")

	for _, bad := range []string{"not-an-id", "FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFF", "ffff"} {
		rec = do(t, router, jsonRequest(http.MethodPost, "/api/secrets/"+bad+"/reveal", `{"password":"pw"}`))
		assert.Equal(t, http.StatusNotFound, rec.Code, bad)
		assert.Equal(t, "not found", decodeError(t, rec), bad)
	}
}

func TestEndToEndExpiryValidation(t *testing.T) {
	router, _ := newLiveRouter(t)
	tests := map[string]string{
		`{"text":"x","password":"pw"}`:                                      "an expiry in minutes or a maximum number of reads is required",
		`{"text":"x","password":"pw","max_reads":1,"expires_in_minutes":5}`: "choose either an expiry in minutes or a maximum number of reads, not both",
		`{"text":"x","password":"pw","max_reads":11}`:                       "max reads must not exceed 10",
		`{"text":"x","password":"pw","expires_in_minutes":1441}`:            "expiry must not exceed 1440 minutes",
	}
	for body, want := range tests {
		rec := do(t, router, jsonRequest(http.MethodPost, "/api/secrets", body))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.Equal(t, want, decodeError(t, rec), body)
	}
}

func TestEndToEndStats(t *testing.T) {
	router, _ := newLiveRouter(t)
	id := createID(t, router, jsonRequest(http.MethodPost, "/api/secrets", `{"text":"a","password":"pw","max_reads":1}`))
	createID(t, router, jsonRequest(http.MethodPost, "/api/secrets", `{"text":"b","password":"pw","expires_in_minutes":5}`))

	rec := do(t, router, jsonRequest(http.MethodGet, "/api/stats", ""))
	assert.JSONEq(t, `{"active_secrets":2}`, rec.Body.String())

	do(t, router, jsonRequest(http.MethodPost, "/api/secrets/"+id+"/reveal", `{"password":"pw"}`))
	rec = do(t, router, jsonRequest(http.MethodGet, "/api/stats", ""))
	assert.JSONEq(t, `{"active_secrets":1}`, rec.Body.String())
}
