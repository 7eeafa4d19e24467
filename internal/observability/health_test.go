package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakePinger struct {
	err error
}

func (p fakePinger) Ping(_ context.Context) error { return p.err }

func probe(t *testing.T, handler http.HandlerFunc, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestStartzHandler(t *testing.T) {
	h := NewHealthChecker()

	rec := probe(t, h.StartzHandler(), "/startz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	h.SetStarted()
	rec = probe(t, h.StartzHandler(), "/startz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"started"}`, rec.Body.String())
}

func TestHealthzHandler(t *testing.T) {
	h := NewHealthChecker()
	rec := probe(t, h.HealthzHandler(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"alive"}`, rec.Body.String())
}

func TestReadyzHandler(t *testing.T) {
	t.Run("not ready until marked", func(t *testing.T) {
		h := NewHealthChecker()
		rec := probe(t, h.ReadyzHandler(), "/readyz")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		h.SetReady()
		rec = probe(t, h.ReadyzHandler(), "/readyz")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("draining flips back to not ready", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()
		h.SetNotReady()

		rec := probe(t, h.ReadyzHandler(), "/readyz")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("deep probe reports reachable control plane", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()
		h.SetPinger(fakePinger{})

		rec := probe(t, h.ReadyzHandler(), "/readyz?deep=true")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"ready","control_plane":"ok"}`, rec.Body.String())
	})

	t.Run("deep probe fails when control plane is unreachable", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()
		h.SetPinger(fakePinger{err: errors.New("connection refused")})

		rec := probe(t, h.ReadyzHandler(), "/readyz?deep=true")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.JSONEq(t, `{"status":"not_ready","control_plane":"unreachable"}`, rec.Body.String())
	})

	t.Run("shallow probe ignores control plane state", func(t *testing.T) {
		// Fail-closed denials are the designed degraded mode; the pod
		// must stay in rotation when only the control plane is down.
		h := NewHealthChecker()
		h.SetReady()
		h.SetPinger(fakePinger{err: errors.New("connection refused")})

		rec := probe(t, h.ReadyzHandler(), "/readyz")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("deep probe without a pinger still succeeds", func(t *testing.T) {
		h := NewHealthChecker()
		h.SetReady()

		rec := probe(t, h.ReadyzHandler(), "/readyz?deep=true")
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
