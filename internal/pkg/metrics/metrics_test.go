package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Records(t *testing.T) {
	c := New()

	c.RecordWebhook("click", "prepare", 0)
	c.RecordWebhook("click", "prepare", 0)
	c.RecordActivation("code")
	c.RecordRedemption("ok")
	c.RecordReport()
	c.RecordHTTPRequest("/healthz", http.MethodGet, 200, 5*time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(c.WebhookRequests.WithLabelValues("click", "prepare", "0")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.Activations.WithLabelValues("code")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.CodeRedemptions.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.ReportsSubmitted))
}

func TestCollector_Handler(t *testing.T) {
	c := New()
	c.RecordActivation("payme")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `marathon_activations_total{source="payme"} 1`))
	assert.True(t, strings.Contains(body, "go_goroutines"))
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordWebhook("payme", "CheckTransaction", 0)
		c.RecordActivation("code")
		c.RecordRedemption("ok")
		c.RecordReport()
		c.RecordHTTPRequest("/", http.MethodGet, 200, time.Second)
	})
}
