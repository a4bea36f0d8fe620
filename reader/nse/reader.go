package nse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"optionflow/config"
	"optionflow/logger"
	"optionflow/models"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

var (
	// ErrUnexpectedResponse marks payloads that are not the expected JSON shape.
	ErrUnexpectedResponse = models.ErrUnexpectedResponse
	// ErrUnavailable marks transport failures and non-2xx answers.
	ErrUnavailable = errors.New("nse unavailable")
	// ErrNoExpiryDates is returned when the listing has no expiries.
	ErrNoExpiryDates = models.ErrNoExpiryDates
)

// sessionTTL bounds how long cookies from a page visit are reused before the
// page is visited again.
const sessionTTL = 2 * time.Minute

// Reader talks to the exchange website directly with a cookie session.
type Reader struct {
	client         *resty.Client
	limiter        *rate.Limiter
	baseURL        string
	pageURL        string
	symbol         string
	instrumentType string
	userAgent      string
	log            *logger.Log

	mu       sync.Mutex
	primedAt time.Time
}

func NewReader(cfg config.UpstreamConfig) (*Reader, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	client := resty.New()
	client.SetCookieJar(jar)
	client.SetTimeout(cfg.Timeout)

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	pageURL := cfg.PageURL
	if pageURL == "" {
		pageURL = baseURL + "/option-chain"
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 3
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	r := &Reader{
		client:         client,
		limiter:        rate.NewLimiter(rate.Limit(rps), burst),
		baseURL:        baseURL,
		pageURL:        pageURL,
		symbol:         cfg.Symbol,
		instrumentType: cfg.InstrumentType,
		userAgent:      userAgent,
		log:            logger.GetLogger(),
	}

	r.log.WithComponent("nse_reader").WithFields(logger.Fields{
		"base_url":            baseURL,
		"symbol":              cfg.Symbol,
		"timeout":             cfg.Timeout,
		"requests_per_second": rps,
	}).Info("nse reader initialized")

	return r, nil
}

// FetchOptionChainRaw returns the upstream option chain JSON with niftySpot
// attached from the market status endpoint. A missing spot is null, not an
// error.
func (r *Reader) FetchOptionChainRaw(ctx context.Context, expiry string) ([]byte, error) {
	raw, _, err := r.fetchChain(ctx, expiry)
	return raw, err
}

// FetchOptionChain returns the chain normalised to expiry.
func (r *Reader) FetchOptionChain(ctx context.Context, expiry string) (*models.OptionChain, error) {
	_, resp, err := r.fetchChain(ctx, expiry)
	if err != nil {
		return nil, err
	}
	chain := resp.Normalize(expiry)
	return &chain, nil
}

func (r *Reader) fetchChain(ctx context.Context, expiry string) ([]byte, *models.OptionChainResp, error) {
	body, err := r.getAPI(ctx, "/api/option-chain-v3", map[string]string{
		"type":   r.instrumentType,
		"symbol": r.symbol,
		"expiry": expiry,
	})
	if err != nil {
		return nil, nil, err
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
		return nil, nil, fmt.Errorf("option chain for %s: %w", expiry, ErrUnexpectedResponse)
	}

	spot := json.RawMessage("null")
	if s, err := r.fetchSpot(ctx); err != nil {
		r.log.WithComponent("nse_reader").WithError(err).Warn("spot price unavailable")
	} else if s.Valid {
		spot = json.RawMessage(s.Decimal.String())
	}
	payload["niftySpot"] = spot

	merged, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("encode option chain: %w", err)
	}
	resp, err := models.DecodeOptionChain(merged)
	if err != nil {
		return nil, nil, fmt.Errorf("option chain for %s: %w", expiry, err)
	}
	return merged, resp, nil
}

// FetchExpiryDates lists the symbol's expiries. The first listed is the
// default.
func (r *Reader) FetchExpiryDates(ctx context.Context) (*models.ExpiryDates, error) {
	body, err := r.getAPI(ctx, "/api/option-chain-indices", map[string]string{"symbol": r.symbol})
	if err != nil {
		return nil, err
	}

	var resp models.OptionChainResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("expiry dates: %w: %v", ErrUnexpectedResponse, err)
	}
	dates := resp.Records.ExpiryDates
	if len(dates) == 0 {
		return nil, ErrNoExpiryDates
	}
	return &models.ExpiryDates{ExpiryDates: dates, DefaultExpiry: dates[0]}, nil
}

func (r *Reader) fetchSpot(ctx context.Context) (decimal.NullDecimal, error) {
	body, err := r.getAPI(ctx, "/api/marketStatus", nil)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	var ms models.MarketStatusResp
	if err := json.Unmarshal(body, &ms); err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("market status: %w: %v", ErrUnexpectedResponse, err)
	}
	return models.SpotFromMarketStatus(ms), nil
}

// getAPI issues an API request inside a primed session. A 401 or 403 drops
// the session and retries once after a fresh page visit.
func (r *Reader) getAPI(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		if err := r.prime(ctx); err != nil {
			return nil, err
		}
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req := r.client.R().
			SetContext(ctx).
			SetHeaders(apiHeaders(r.userAgent, r.pageURL))
		if len(params) > 0 {
			req.SetQueryParams(params)
		}
		resp, err := req.Get(r.baseURL + path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w: %v", path, ErrUnavailable, err)
		}

		status := resp.StatusCode()
		if (status == http.StatusUnauthorized || status == http.StatusForbidden) && attempt == 0 {
			r.log.WithComponent("nse_reader").WithFields(logger.Fields{
				"path":   path,
				"status": status,
			}).Debug("session rejected, visiting page again")
			r.expire()
			continue
		}
		if !resp.IsSuccess() {
			return nil, fmt.Errorf("%s: %w: status %d", path, ErrUnavailable, status)
		}
		return resp.Body(), nil
	}
}

func (r *Reader) prime(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.primedAt.IsZero() && time.Since(r.primedAt) < sessionTTL {
		return nil
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	resp, err := r.client.R().
		SetContext(ctx).
		SetHeaders(pageHeaders(r.userAgent, r.pageURL)).
		Get(r.pageURL)
	if err != nil {
		return fmt.Errorf("visit %s: %w: %v", r.pageURL, ErrUnavailable, err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("visit %s: %w: status %d", r.pageURL, ErrUnavailable, resp.StatusCode())
	}
	r.primedAt = time.Now()
	return nil
}

func (r *Reader) expire() {
	r.mu.Lock()
	r.primedAt = time.Time{}
	r.mu.Unlock()
}
