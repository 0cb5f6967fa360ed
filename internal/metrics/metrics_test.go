package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	t.Parallel()

	require.Equal(t, "example.com", SanitizeSite("https://Example.com/page"))
	require.Equal(t, "example.com", SanitizeSite("example.com/page"))
	require.Equal(t, "unknown", SanitizeSite("://bad"))
}

func TestInit_Idempotent(t *testing.T) {
	Init()
	Init()

	// Observations must not panic after repeated Init.
	ObservePageFetch("https://example.com", "hit")
	ObservePageFetch("https://example.com", "miss")
	ObserveFetchDuration("plain", 120*time.Millisecond)
	ObserveEvictions(2)
	ObserveBatchStep()
	ObserveBatchURL("succeeded")
	ObserveClaimConflict()
	ObserveHTTPRequest("GET", "/batch", 200, 5*time.Millisecond)
}

func TestHandler_Serves(t *testing.T) {
	Init()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler().ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "pagestore_fetches_total")
}
