// ABOUTME: Tests for the gateway Prometheus collectors
// ABOUTME: Uses client_golang testutil to read counter values and the HTTP exposition

package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveSave_CountsByResult(t *testing.T) {
	m := New()

	m.ObserveSave(nil, 2*time.Millisecond)
	m.ObserveSave(nil, 3*time.Millisecond)
	m.ObserveSave(errors.New("disk full"), time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PersistenceSaves.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PersistenceSaves.WithLabelValues("error")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.SaveDuration))
}

func TestCounters_Labelled(t *testing.T) {
	m := New()

	m.Auth.WithLabelValues(AuthSuccess).Inc()
	m.Auth.WithLabelValues(AuthFailed).Add(2)
	m.Messages.WithLabelValues("message").Inc()
	m.Interventions.WithLabelValues("provide-evidence").Inc()
	m.SessionsActive.Set(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Auth.WithLabelValues(AuthSuccess)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Auth.WithLabelValues(AuthFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Messages.WithLabelValues("message")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Interventions.WithLabelValues("provide-evidence")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.SessionsActive))
}

func TestNew_IndependentRegistries(t *testing.T) {
	a := New()
	b := New()

	a.RateLimited.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.RateLimited))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.RateLimited))
}

func TestHandler_Exposition(t *testing.T) {
	m := New()
	m.SessionsSwept.Inc()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "harmony_sessions_swept_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}
