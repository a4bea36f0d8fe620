package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"optionflow/models"

	"github.com/go-resty/resty/v2"
)

// ErrRelay marks any answer from the relay that cannot be used this cycle.
var ErrRelay = errors.New("relay fetch failed")

// Client polls the /api endpoints of another optionflow instance.
type Client struct {
	client  *resty.Client
	baseURL string
}

func NewClient(baseURL string, client *resty.Client) *Client {
	if client == nil {
		client = resty.New()
	}
	return &Client{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (c *Client) FetchOptionChainRaw(ctx context.Context, expiry string) ([]byte, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("expiry", expiry).
		Get(c.baseURL + "/api/option-chain")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRelay, err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("%w: %s", ErrRelay, describeFailure(resp))
	}
	if _, err := models.DecodeOptionChain(resp.Body()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRelay, err)
	}
	return resp.Body(), nil
}

func (c *Client) FetchOptionChain(ctx context.Context, expiry string) (*models.OptionChain, error) {
	raw, err := c.FetchOptionChainRaw(ctx, expiry)
	if err != nil {
		return nil, err
	}
	resp, err := models.DecodeOptionChain(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRelay, err)
	}
	chain := resp.Normalize(expiry)
	return &chain, nil
}

func (c *Client) FetchExpiryDates(ctx context.Context) (*models.ExpiryDates, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		Get(c.baseURL + "/api/expiry-dates")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRelay, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %w", ErrRelay, models.ErrNoExpiryDates)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("%w: %s", ErrRelay, describeFailure(resp))
	}

	var dates models.ExpiryDates
	if err := json.Unmarshal(resp.Body(), &dates); err != nil {
		return nil, fmt.Errorf("%w: decode expiry dates: %v", ErrRelay, err)
	}
	if len(dates.ExpiryDates) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrRelay, models.ErrNoExpiryDates)
	}
	if dates.DefaultExpiry == "" {
		dates.DefaultExpiry = dates.ExpiryDates[0]
	}
	return &dates, nil
}

func describeFailure(resp *resty.Response) string {
	var e models.ErrorResp
	if err := json.Unmarshal(resp.Body(), &e); err == nil && e.Error != "" {
		return fmt.Sprintf("status %d: %s", resp.StatusCode(), e.Error)
	}
	return fmt.Sprintf("status %d", resp.StatusCode())
}
