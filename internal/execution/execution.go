// Package execution handles order lifecycle and interaction with the venue.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"perpbot-go/internal/exchange"
	"perpbot-go/internal/ledger"
	"perpbot-go/internal/metrics"
	"perpbot-go/internal/signal"
)

// Status is the terminal outcome of one order attempt sequence.
type Status string

const (
	Filled   Status = "FILLED"
	Rejected Status = "REJECTED"
	Errored  Status = "ERROR"
)

// Request asks for a market entry sized in quote currency.
type Request struct {
	Symbol   string
	Side     signal.Direction
	Notional float64 // quote currency (USDT)
	Leverage int
	Price    float64 // reference mark for sizing and fill bookkeeping
}

// Result reports how a submission ended.
type Result struct {
	Status   Status
	OrderID  string
	AvgPrice float64
	Message  string
}

// Fill is a recorded execution, consumed by the paper recorder.
type Fill struct {
	Symbol string    `json:"symbol"`
	Side   string    `json:"side"`
	Qty    float64   `json:"qty"`
	Price  float64   `json:"price"`
	Ts     time.Time `json:"ts"`
}

const maxAttempts = 3

// Limiter gates exchange-bound requests. *rate.Limiter satisfies it.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Executor submits signed orders with bounded retry. Transient faults are
// retried with exponential backoff under one client order id, so a retried
// submit cannot double-fill; business rejections end the attempt sequence.
type Executor struct {
	api     exchange.API
	log     zerolog.Logger
	limiter Limiter

	mu       sync.Mutex
	leverage map[string]int // symbol+side already configured on the venue
}

// NewExecutor wires the exchange API and a logger.
func NewExecutor(api exchange.API, log zerolog.Logger) *Executor {
	return &Executor{api: api, log: log, leverage: make(map[string]int)}
}

// SetLimiter joins the executor to a shared request budget; every venue call,
// including each retry attempt, waits on it. The scanner installs its own
// token bucket here so order traffic and market-data traffic draw from one
// budget.
func (e *Executor) SetLimiter(l Limiter) { e.limiter = l }

func (e *Executor) wait(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	return e.limiter.Wait(ctx)
}

// Submit opens a position per the request. The returned error is non-nil only
// for faults the caller must escalate (signing); everything else is folded
// into the Result status.
func (e *Executor) Submit(ctx context.Context, req Request) (Result, error) {
	if req.Price <= 0 {
		return Result{Status: Errored, Message: "no reference price"}, nil
	}
	qty := contractQty(req.Notional, req.Leverage, req.Price)
	if qty == "" {
		return Result{Status: Errored, Message: "order quantity rounds to zero"}, nil
	}

	positionSide := "LONG"
	side := "BUY"
	if req.Side == signal.Short {
		positionSide = "SHORT"
		side = "SELL"
	}

	if err := e.ensureLeverage(ctx, req.Symbol, positionSide, req.Leverage); err != nil {
		if errors.Is(err, exchange.ErrSigning) {
			return Result{}, err
		}
		return e.rejected(req.Symbol, side, fmt.Sprintf("set leverage: %v", err)), nil
	}

	params := exchange.OrderParams{
		Symbol:        req.Symbol,
		Side:          side,
		PositionSide:  positionSide,
		Quantity:      qty,
		ClientOrderID: uuid.NewString(),
	}
	result, err := e.place(ctx, params, req.Price)
	if err != nil {
		return Result{}, err
	}
	metrics.OrdersTotal.WithLabelValues(req.Symbol, side, string(result.Status)).Inc()
	return result, nil
}

// Close flattens the given position with an opposite reduce order sized from
// the venue's live position amount. markPrice is the caller's current mark,
// used as the fill price when the venue omits one.
func (e *Executor) Close(ctx context.Context, pos ledger.Position, markPrice float64) (Result, error) {
	if markPrice <= 0 {
		markPrice = pos.EntryPrice
	}
	if err := e.wait(ctx); err != nil {
		return Result{}, err
	}
	live, err := e.api.Positions(ctx, pos.Symbol)
	if err != nil {
		if errors.Is(err, exchange.ErrSigning) {
			return Result{}, err
		}
		return e.rejected(pos.Symbol, "CLOSE", fmt.Sprintf("lookup position: %v", err)), nil
	}

	positionSide := "LONG"
	side := "SELL"
	if pos.Side == signal.Short {
		positionSide = "SHORT"
		side = "BUY"
	}
	var amount float64
	for _, p := range live {
		if p.Symbol == pos.Symbol && p.Side == positionSide {
			amount = p.Amount
			break
		}
	}
	if amount <= 0 {
		// Already flat on the venue; report as filled so the ledger resolves.
		e.log.Warn().Str("symbol", pos.Symbol).Msg("close requested but venue reports flat")
		return Result{Status: Filled, AvgPrice: markPrice, Message: "venue already flat"}, nil
	}

	params := exchange.OrderParams{
		Symbol:        pos.Symbol,
		Side:          side,
		PositionSide:  positionSide,
		Quantity:      decimal.NewFromFloat(amount).String(),
		ClientOrderID: uuid.NewString(),
	}
	result, err := e.place(ctx, params, markPrice)
	if err != nil {
		return Result{}, err
	}
	metrics.OrdersTotal.WithLabelValues(pos.Symbol, side, string(result.Status)).Inc()
	return result, nil
}

func (e *Executor) place(ctx context.Context, params exchange.OrderParams, refPrice float64) (Result, error) {
	retry := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 5 * time.Second, Factor: 2}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := e.wait(ctx); err != nil {
			return Result{Status: Errored, Message: err.Error()}, nil
		}
		ack, err := e.api.PlaceOrder(ctx, params)
		if err == nil {
			price := ack.AvgPrice
			if price <= 0 {
				price = refPrice
			}
			e.log.Info().
				Str("symbol", params.Symbol).
				Str("side", params.Side).
				Str("qty", params.Quantity).
				Str("order_id", ack.OrderID).
				Float64("price", price).
				Msg("order_filled")
			return Result{Status: Filled, OrderID: ack.OrderID, AvgPrice: price}, nil
		}
		if errors.Is(err, exchange.ErrSigning) {
			return Result{}, err
		}
		var apiErr *exchange.APIError
		if errors.As(err, &apiErr) {
			return e.rejected(params.Symbol, params.Side, apiErr.Error()), nil
		}
		lastErr = err
		if attempt == maxAttempts {
			break
		}
		wait := retry.Duration()
		e.log.Warn().Err(err).
			Str("symbol", params.Symbol).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("transient order error, retrying")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return Result{Status: Errored, Message: ctx.Err().Error()}, nil
		}
	}
	return e.rejected(params.Symbol, params.Side, fmt.Sprintf("retries exhausted: %v", lastErr)), nil
}

func (e *Executor) rejected(symbol, side, msg string) Result {
	e.log.Warn().Str("symbol", symbol).Str("side", side).Str("msg", msg).Msg("order_rejected")
	return Result{Status: Rejected, Message: msg}
}

// ensureLeverage configures leverage once per symbol side; the venue keeps it
// sticky across orders.
func (e *Executor) ensureLeverage(ctx context.Context, symbol, positionSide string, leverage int) error {
	if leverage < 1 {
		return nil
	}
	key := symbol + "/" + positionSide
	e.mu.Lock()
	done := e.leverage[key] == leverage
	e.mu.Unlock()
	if done {
		return nil
	}
	if err := e.wait(ctx); err != nil {
		return err
	}
	if err := e.api.SetLeverage(ctx, symbol, positionSide, leverage); err != nil {
		return err
	}
	e.mu.Lock()
	e.leverage[key] = leverage
	e.mu.Unlock()
	return nil
}

// contractQty sizes the order in contracts: notional x leverage / price,
// truncated to four decimals. Decimal math avoids float drift that the venue
// would reject as a bad quantity step.
func contractQty(notional float64, leverage int, price float64) string {
	if notional <= 0 || price <= 0 {
		return ""
	}
	if leverage < 1 {
		leverage = 1
	}
	qty := decimal.NewFromFloat(notional).
		Mul(decimal.NewFromInt(int64(leverage))).
		Div(decimal.NewFromFloat(price)).
		Truncate(4)
	if qty.IsZero() {
		return ""
	}
	return qty.String()
}
