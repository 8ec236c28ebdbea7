package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultCounters(t *testing.T) {
	m := New()

	Result(m.Logins, "")
	Result(m.Logins, "auth.invalid_credentials")
	Result(m.Logins, "auth.invalid_credentials")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Logins.WithLabelValues(ResultOK)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Logins.WithLabelValues("auth.invalid_credentials")))
}

func TestInstrumentHandlerRecordsStatus(t *testing.T) {
	m := New()

	h := m.InstrumentHandler("/v1/device/exchange", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/device/exchange", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)

	assert.Equal(t, 1, testutil.CollectAndCount(m.RequestDuration))

	scrape := httptest.NewRecorder()
	m.Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := scrape.Body.String()
	assert.Contains(t, body, `tokengate_http_request_duration_seconds_count{code="418",method="post",path="/v1/device/exchange"} 1`)
}

func TestInstrumentHandlerDefaultsToOK(t *testing.T) {
	m := New()

	h := m.InstrumentHandler("/healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, 1, testutil.CollectAndCount(m.RequestDuration))
	scrape := httptest.NewRecorder()
	m.Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, scrape.Body.String(), `tokengate_http_request_duration_seconds_count{code="200",method="get",path="/healthz"} 1`)
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.TokensIssued.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "tokengate_library_tokens_issued_total 1"), body)
	assert.True(t, strings.Contains(body, `tokengate_device_exchanges_total{result="ok"} 0`), body)
}
