package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnexpectedResponse is returned when a payload is valid JSON but does not
	// carry the option chain shape (records object with a data array).
	ErrUnexpectedResponse = errors.New("unexpected option chain response")
	// ErrUpstream wraps error objects returned by a relay in place of data.
	ErrUpstream = errors.New("upstream error")
	// ErrNoExpiryDates is returned when an expiry listing is empty.
	ErrNoExpiryDates = errors.New("no expiry dates found")
)

// OptionChainResp mirrors the option-chain-v3 payload as forwarded by the relay.
// NiftySpot is attached by the relay from the market status endpoint.
type OptionChainResp struct {
	Records   OptionChainRecords  `json:"records"`
	NiftySpot decimal.NullDecimal `json:"niftySpot"`
}

type OptionChainRecords struct {
	ExpiryDates     []string            `json:"expiryDates"`
	Data            []OptionChainData   `json:"data"`
	UnderlyingValue decimal.NullDecimal `json:"underlyingValue"`
	Timestamp       string              `json:"timestamp"`
}

// OptionChainData is a single strike record. Older payloads carry the expiry in
// expiryDate, option-chain-v3 uses expiryDates.
type OptionChainData struct {
	StrikePrice float64     `json:"strikePrice"`
	ExpiryDate  string      `json:"expiryDate"`
	ExpiryDates string      `json:"expiryDates"`
	CE          *OptionSide `json:"CE"`
	PE          *OptionSide `json:"PE"`
}

type OptionSide struct {
	TotalTradedVolume int64   `json:"totalTradedVolume"`
	OpenInterest      float64 `json:"openInterest"`
	LastPrice         float64 `json:"lastPrice"`
}

// Expiry returns the record's expiry regardless of which field carried it.
func (d OptionChainData) Expiry() string {
	if d.ExpiryDates != "" {
		return d.ExpiryDates
	}
	return d.ExpiryDate
}

// ExpiryDates is the relay response for the expiry listing endpoint.
type ExpiryDates struct {
	ExpiryDates   []string `json:"expiryDates"`
	DefaultExpiry string   `json:"defaultExpiry"`
}

// MarketStatusResp is the subset of the market status payload used to read the
// index spot price.
type MarketStatusResp struct {
	MarketState []MarketState `json:"marketState"`
}

type MarketState struct {
	Market string              `json:"market"`
	Last   decimal.NullDecimal `json:"last"`
}

// ErrorResp is the JSON error object returned by the relay endpoints.
type ErrorResp struct {
	Error string `json:"error"`
}

// StrikeVolume is one strike's cumulative volumes after parsing. Absent CE or
// PE sides are already defaulted to zero.
type StrikeVolume struct {
	Strike float64 `json:"strike"`
	Expiry string  `json:"expiry"`
	Call   int64   `json:"call"`
	Put    int64   `json:"put"`
}

// OptionChain is the normalised input of one fetch cycle.
type OptionChain struct {
	Expiry      string              `json:"expiry"`
	ExpiryDates []string            `json:"expiryDates"`
	Strikes     []StrikeVolume      `json:"strikes"`
	Spot        decimal.NullDecimal `json:"spot"`
}

// SpotFromMarketStatus extracts the "Capital Market" last price.
func SpotFromMarketStatus(ms MarketStatusResp) decimal.NullDecimal {
	for _, m := range ms.MarketState {
		if m.Market == "Capital Market" {
			return m.Last
		}
	}
	return decimal.NullDecimal{}
}

// DecodeOptionChain validates the payload shape before decoding it. An error
// object, a records field that is not an object, or records.data that is not
// an array is rejected.
func DecodeOptionChain(body []byte) (*OptionChainResp, error) {
	var envelope struct {
		Records json.RawMessage `json:"records"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	if envelope.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrUpstream, envelope.Error)
	}
	if !isJSONObject(envelope.Records) {
		return nil, fmt.Errorf("%w: records is not an object", ErrUnexpectedResponse)
	}
	var records struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(envelope.Records, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	if !isJSONArray(records.Data) {
		return nil, fmt.Errorf("%w: records.data is not an array", ErrUnexpectedResponse)
	}

	var resp OptionChainResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	return &resp, nil
}

// Normalize filters the records to the given expiry and converts them to
// StrikeVolume values sorted by strike. When several records share a strike
// the last one wins. The spot price falls back to records.underlyingValue.
func (r *OptionChainResp) Normalize(expiry string) OptionChain {
	byStrike := make(map[float64]StrikeVolume, len(r.Records.Data))
	for _, d := range r.Records.Data {
		recExpiry := d.Expiry()
		if expiry != "" && recExpiry != "" && recExpiry != expiry {
			continue
		}
		sv := StrikeVolume{Strike: d.StrikePrice, Expiry: recExpiry}
		if d.CE != nil {
			sv.Call = d.CE.TotalTradedVolume
		}
		if d.PE != nil {
			sv.Put = d.PE.TotalTradedVolume
		}
		byStrike[d.StrikePrice] = sv
	}

	strikes := make([]StrikeVolume, 0, len(byStrike))
	for _, sv := range byStrike {
		strikes = append(strikes, sv)
	}
	sort.Slice(strikes, func(i, j int) bool { return strikes[i].Strike < strikes[j].Strike })

	spot := r.NiftySpot
	if !spot.Valid {
		spot = r.Records.UnderlyingValue
	}

	return OptionChain{
		Expiry:      expiry,
		ExpiryDates: append([]string(nil), r.Records.ExpiryDates...),
		Strikes:     strikes,
		Spot:        spot,
	}
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func isJSONArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}
