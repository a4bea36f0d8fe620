package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	return string(body)
}

func TestCountersAreExposed(t *testing.T) {
	IncrementFetchSuccess("26-Jun-2025")
	IncrementFetchError("26-Jun-2025")
	IncrementTickDropped("in_flight")
	IncrementStaleResponse()
	IncrementVolumeRegression()
	SetTrackedStrikes(42)

	body := scrape(t)
	for _, want := range []string{
		`optionflow_fetch_success_total{expiry="26-Jun-2025"}`,
		`optionflow_fetch_errors_total{expiry="26-Jun-2025"}`,
		`optionflow_ticks_dropped_total{reason="in_flight"}`,
		`optionflow_stale_responses_total`,
		`optionflow_volume_regressions_total`,
		`optionflow_tracked_strikes 42`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}

func TestInitWithoutAddressIsNoop(t *testing.T) {
	Init("")
}
