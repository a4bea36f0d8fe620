package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"optionflow/models"
)

func serve(t *testing.T, status int, body string) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", nil)
}

func TestFetchOptionChain(t *testing.T) {
	c := serve(t, http.StatusOK, `{"records":{"expiryDates":["26-Jun-2025"],"data":[
		{"strikePrice":24650,"expiryDates":"26-Jun-2025","CE":{"totalTradedVolume":1500},"PE":{"totalTradedVolume":800}}]},
		"niftySpot":"24650.5"}`)

	chain, err := c.FetchOptionChain(context.Background(), "26-Jun-2025")
	require.NoError(t, err)
	require.Len(t, chain.Strikes, 1)
	require.Equal(t, int64(1500), chain.Strikes[0].Call)
	require.Equal(t, "24650.5", chain.Spot.Decimal.String())
}

func TestFetchOptionChainFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{"bad gateway", http.StatusBadGateway, `{"error":"Failed to fetch NSE data"}`},
		{"error object", http.StatusOK, `{"error":"Unexpected response from NSE"}`},
		{"records not object", http.StatusOK, `{"records":[]}`},
		{"data not array", http.StatusOK, `{"records":{"data":"x"}}`},
		{"not json", http.StatusOK, `<html></html>`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := serve(t, tc.status, tc.body)
			_, err := c.FetchOptionChain(context.Background(), "26-Jun-2025")
			require.ErrorIs(t, err, ErrRelay)
		})
	}
}

func TestFetchExpiryDates(t *testing.T) {
	c := serve(t, http.StatusOK, `{"expiryDates":["03-Jul-2025","10-Jul-2025"]}`)
	dates, err := c.FetchExpiryDates(context.Background())
	require.NoError(t, err)
	require.Equal(t, "03-Jul-2025", dates.DefaultExpiry)

	c = serve(t, http.StatusNotFound, `{"error":"No expiry dates found"}`)
	_, err = c.FetchExpiryDates(context.Background())
	require.ErrorIs(t, err, ErrRelay)
	require.ErrorIs(t, err, models.ErrNoExpiryDates)

	c = serve(t, http.StatusOK, `{"expiryDates":[]}`)
	_, err = c.FetchExpiryDates(context.Background())
	require.ErrorIs(t, err, models.ErrNoExpiryDates)
}
