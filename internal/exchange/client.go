package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrTransient marks network faults and 5xx responses worth retrying.
var ErrTransient = errors.New("transient exchange error")

// APIError is a business rejection reported by the exchange (insufficient
// margin, invalid symbol, rate limited). The condition will not change within
// one scan pass, so it is terminal, not retried.
type APIError struct {
	Code int64
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange error %d: %s", e.Code, e.Msg)
}

// Auth-related response codes; any of them means the credentials or the
// signature scheme are wrong and every later signed call will fail identically.
var signingCodes = map[int64]bool{
	100001: true, // signature verification failed
	100413: true, // invalid api key
	100421: true, // timestamp outside recv window
}

// OrderParams describes one market order submission.
type OrderParams struct {
	Symbol        string
	Side          string // BUY or SELL
	PositionSide  string // LONG or SHORT
	Quantity      string
	ClientOrderID string
}

// OrderAck is the exchange's acknowledgment of a filled order.
type OrderAck struct {
	OrderID  string
	AvgPrice float64
}

// PositionInfo is one live exchange position, used for startup reconciliation.
type PositionInfo struct {
	Symbol   string
	Side     string // LONG or SHORT
	AvgPrice float64
	Amount   float64
}

// API is the surface the executor and reconciliation need from the venue.
type API interface {
	PlaceOrder(ctx context.Context, p OrderParams) (OrderAck, error)
	Positions(ctx context.Context, symbol string) ([]PositionInfo, error)
	Balance(ctx context.Context) (float64, error)
	SetLeverage(ctx context.Context, symbol, side string, leverage int) error
}

// Client talks to the BingX perpetual swap REST API with signed requests.
type Client struct {
	baseURL   string
	apiKey    string
	apiSecret string
	http      *http.Client
	log       zerolog.Logger
	now       func() time.Time
}

// ClientOption configures Client construction.
type ClientOption func(*Client)

// WithHTTPClient overrides the default HTTP client (used by tests).
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithClock overrides the timestamp source (used by tests).
func WithClock(now func() time.Time) ClientOption {
	return func(cl *Client) {
		if now != nil {
			cl.now = now
		}
	}
}

// NewClient builds a signed REST client for the given credentials.
func NewClient(baseURL, apiKey, apiSecret string, log zerolog.Logger, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = "https://open-api.bingx.com"
	}
	c := &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		http:      &http.Client{Timeout: 10 * time.Second},
		log:       log,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type apiResponse struct {
	Code int64           `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type orderData struct {
	Order struct {
		OrderID  int64  `json:"orderId"`
		AvgPrice string `json:"avgPrice"`
	} `json:"order"`
}

type positionData struct {
	Symbol       string `json:"symbol"`
	PositionSide string `json:"positionSide"`
	AvgPrice     string `json:"avgPrice"`
	PositionAmt  string `json:"positionAmt"`
}

type balanceData struct {
	Balance struct {
		AvailableMargin string `json:"availableMargin"`
	} `json:"balance"`
}

// PlaceOrder submits a signed market order.
func (c *Client) PlaceOrder(ctx context.Context, p OrderParams) (OrderAck, error) {
	params := map[string]string{
		"symbol":       p.Symbol,
		"side":         p.Side,
		"positionSide": p.PositionSide,
		"type":         "MARKET",
		"quantity":     p.Quantity,
	}
	if p.ClientOrderID != "" {
		params["clientOrderId"] = p.ClientOrderID
	}
	data, err := c.signedRequest(ctx, http.MethodPost, "/openApi/swap/v2/trade/order", params)
	if err != nil {
		return OrderAck{}, err
	}
	var od orderData
	if err := json.Unmarshal(data, &od); err != nil {
		return OrderAck{}, fmt.Errorf("decode order response: %w", err)
	}
	ack := OrderAck{OrderID: strconv.FormatInt(od.Order.OrderID, 10)}
	if od.Order.AvgPrice != "" {
		if px, err := strconv.ParseFloat(od.Order.AvgPrice, 64); err == nil {
			ack.AvgPrice = px
		}
	}
	return ack, nil
}

// Positions lists live positions; symbol may be empty for all symbols.
func (c *Client) Positions(ctx context.Context, symbol string) ([]PositionInfo, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = symbol
	}
	data, err := c.signedRequest(ctx, http.MethodGet, "/openApi/swap/v2/user/positions", params)
	if err != nil {
		return nil, err
	}
	var raw []positionData
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode positions response: %w", err)
	}
	out := make([]PositionInfo, 0, len(raw))
	for _, p := range raw {
		avg, _ := strconv.ParseFloat(p.AvgPrice, 64)
		amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		out = append(out, PositionInfo{
			Symbol:   p.Symbol,
			Side:     strings.ToUpper(p.PositionSide),
			AvgPrice: avg,
			Amount:   amt,
		})
	}
	return out, nil
}

// Balance returns the available margin in USDT.
func (c *Client) Balance(ctx context.Context) (float64, error) {
	data, err := c.signedRequest(ctx, http.MethodGet, "/openApi/swap/v2/user/balance", nil)
	if err != nil {
		return 0, err
	}
	var bd balanceData
	if err := json.Unmarshal(data, &bd); err != nil {
		return 0, fmt.Errorf("decode balance response: %w", err)
	}
	bal, err := strconv.ParseFloat(bd.Balance.AvailableMargin, 64)
	if err != nil {
		return 0, fmt.Errorf("parse available margin %q: %w", bd.Balance.AvailableMargin, err)
	}
	return bal, nil
}

// SetLeverage fixes the leverage for one side of a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol, side string, leverage int) error {
	params := map[string]string{
		"symbol":   symbol,
		"side":     side,
		"leverage": strconv.Itoa(leverage),
	}
	_, err := c.signedRequest(ctx, http.MethodPost, "/openApi/swap/v2/trade/leverage", params)
	return err
}

func (c *Client) signedRequest(ctx context.Context, method, path string, params map[string]string) (json.RawMessage, error) {
	all := make(map[string]string, len(params)+1)
	for k, v := range params {
		all[k] = v
	}
	all["timestamp"] = strconv.FormatInt(c.now().UnixMilli(), 10)

	sig, err := Sign(all, c.apiSecret)
	if err != nil {
		return nil, err
	}
	query := Canonical(all) + "&signature=" + sig

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+query, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-BX-APIKEY", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrTransient, err)
	}

	var ar apiResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if ar.Code != 0 {
		if signingCodes[ar.Code] {
			return nil, fmt.Errorf("%w: code %d: %s", ErrSigning, ar.Code, ar.Msg)
		}
		return nil, &APIError{Code: ar.Code, Msg: ar.Msg}
	}
	return ar.Data, nil
}
