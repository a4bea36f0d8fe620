package dashboard

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"optionflow/models"
	"optionflow/reader/nse"
)

const (
	errUnexpectedNSE   = "Unexpected response from NSE"
	errFetchNSE        = "Failed to fetch NSE data"
	errNoExpiryDates   = "No expiry dates found"
	errFetchExpiryDate = "Failed to fetch expiry dates"
)

// Relay is the upstream the relay endpoints forward.
type Relay interface {
	FetchOptionChainRaw(ctx context.Context, expiry string) ([]byte, error)
	FetchExpiryDates(ctx context.Context) (*models.ExpiryDates, error)
}

func (s *Server) handleOptionChain(c *gin.Context) {
	expiry := c.Query("expiry")
	body, err := s.relay.FetchOptionChainRaw(c.Request.Context(), expiry)
	if err != nil {
		msg := errFetchNSE
		if errors.Is(err, nse.ErrUnexpectedResponse) {
			msg = errUnexpectedNSE
		}
		s.log.WithComponent("dashboard_relay").WithExpiry(expiry).WithError(err).Warn("option chain relay failed")
		c.JSON(http.StatusBadGateway, models.ErrorResp{Error: msg})
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", body)
}

func (s *Server) handleExpiryDates(c *gin.Context) {
	dates, err := s.relay.FetchExpiryDates(c.Request.Context())
	if errors.Is(err, models.ErrNoExpiryDates) || (err == nil && (dates == nil || len(dates.ExpiryDates) == 0)) {
		c.JSON(http.StatusNotFound, models.ErrorResp{Error: errNoExpiryDates})
		return
	}
	if err != nil {
		s.log.WithComponent("dashboard_relay").WithError(err).Warn("expiry dates relay failed")
		c.JSON(http.StatusBadGateway, models.ErrorResp{Error: errFetchExpiryDate})
		return
	}
	c.JSON(http.StatusOK, dates)
}
