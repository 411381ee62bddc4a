package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestOpsRouter(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "carfengine_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	t.Run("metrics exposed", func(t *testing.T) {
		h := NewOpsRouter(reg, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "carfengine_test_total 1")
	})

	t.Run("healthy", func(t *testing.T) {
		h := NewOpsRouter(reg, map[string]HealthCheck{
			"vault": func(context.Context) error { return nil },
		})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("unhealthy dependency", func(t *testing.T) {
		h := NewOpsRouter(reg, map[string]HealthCheck{
			"vault": func(context.Context) error { return errors.New("closed") },
		})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "vault: closed")
	})
}
