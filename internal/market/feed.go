package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Feed supplies the symbol universe and per-symbol candle history.
type Feed interface {
	Symbols(ctx context.Context) ([]string, error)
	Candles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
}

const defaultBaseURL = "https://open-api.bingx.com"

// BingXFeed pulls contracts and klines from the BingX swap REST API.
type BingXFeed struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// Option configures BingXFeed construction parameters.
type Option func(*BingXFeed)

// WithHTTPClient overrides the default HTTP client (used by tests).
func WithHTTPClient(c *http.Client) Option {
	return func(f *BingXFeed) {
		if c != nil {
			f.client = c
		}
	}
}

// NewBingXFeed constructs a REST market-data feed against the given base URL.
func NewBingXFeed(baseURL string, log zerolog.Logger, opts ...Option) *BingXFeed {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	f := &BingXFeed{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

type contractsResponse struct {
	Code int64          `json:"code"`
	Msg  string         `json:"msg"`
	Data []contractInfo `json:"data"`
}

type contractInfo struct {
	Symbol string `json:"symbol"`
	Status string `json:"status"`
}

type klinesResponse struct {
	Code int64        `json:"code"`
	Msg  string       `json:"msg"`
	Data []klinePoint `json:"data"`
}

type klinePoint struct {
	Open   string `json:"open"`
	High   string `json:"high"`
	Low    string `json:"low"`
	Close  string `json:"close"`
	Volume string `json:"volume"`
	Time   int64  `json:"time"`
}

// Symbols lists tradable contracts, filtered to TRADING status.
func (f *BingXFeed) Symbols(ctx context.Context) ([]string, error) {
	var payload contractsResponse
	if err := f.getJSON(ctx, "/openApi/swap/v2/quote/contracts", nil, &payload); err != nil {
		return nil, err
	}
	if payload.Code != 0 {
		return nil, fmt.Errorf("%w: contracts code %d: %s", ErrDataUnavailable, payload.Code, payload.Msg)
	}
	symbols := make([]string, 0, len(payload.Data))
	for _, c := range payload.Data {
		if c.Status == "TRADING" && c.Symbol != "" {
			symbols = append(symbols, c.Symbol)
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// Candles fetches up to limit klines for symbol, normalized to ascending open time.
func (f *BingXFeed) Candles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	query := url.Values{}
	query.Set("symbol", symbol)
	query.Set("interval", interval)
	query.Set("limit", strconv.Itoa(limit))

	var payload klinesResponse
	if err := f.getJSON(ctx, "/openApi/swap/v2/quote/klines", query, &payload); err != nil {
		return nil, err
	}
	if payload.Code != 0 {
		return nil, fmt.Errorf("%w: klines code %d: %s", ErrDataUnavailable, payload.Code, payload.Msg)
	}
	if len(payload.Data) == 0 {
		return nil, fmt.Errorf("%w: empty kline payload for %s", ErrDataUnavailable, symbol)
	}

	candles := make([]Candle, 0, len(payload.Data))
	for _, k := range payload.Data {
		c, err := k.toCandle()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDataUnavailable, err)
		}
		candles = append(candles, c)
	}
	// The exchange returns newest-first; flip to chronological order.
	if len(candles) >= 2 && candles[0].OpenTime.After(candles[len(candles)-1].OpenTime) {
		for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
			candles[i], candles[j] = candles[j], candles[i]
		}
	}
	return candles, nil
}

func (k klinePoint) toCandle() (Candle, error) {
	var c Candle
	var err error
	if c.Open, err = strconv.ParseFloat(k.Open, 64); err != nil {
		return c, fmt.Errorf("bad open %q", k.Open)
	}
	if c.High, err = strconv.ParseFloat(k.High, 64); err != nil {
		return c, fmt.Errorf("bad high %q", k.High)
	}
	if c.Low, err = strconv.ParseFloat(k.Low, 64); err != nil {
		return c, fmt.Errorf("bad low %q", k.Low)
	}
	if c.Close, err = strconv.ParseFloat(k.Close, 64); err != nil {
		return c, fmt.Errorf("bad close %q", k.Close)
	}
	if c.Volume, err = strconv.ParseFloat(k.Volume, 64); err != nil {
		return c, fmt.Errorf("bad volume %q", k.Volume)
	}
	if k.Time <= 0 {
		return c, fmt.Errorf("bad open time %d", k.Time)
	}
	c.OpenTime = time.UnixMilli(k.Time).UTC()
	return c, nil
}

func (f *BingXFeed) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := f.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("%w: create request: %v", ErrDataUnavailable, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: http do: %v", ErrDataUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d", ErrDataUnavailable, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrDataUnavailable, err)
	}
	return nil
}
