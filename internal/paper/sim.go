// Package paper provides a simulated venue and fill recording for dry runs.
package paper

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"perpbot-go/internal/exchange"
	"perpbot-go/internal/execution"
)

// FillRecorder captures simulated fills for later inspection.
type FillRecorder interface {
	Record(execution.Fill)
}

const epsilon = 1e-9

type simPosition struct {
	qty      float64
	avgPrice float64
	margin   float64
}

// Sim is an in-memory margin account implementing the exchange API surface.
// Orders fill deterministically at the latest mark set via SetMark.
type Sim struct {
	mu        sync.Mutex
	cash      float64
	realized  float64
	leverage  map[string]int
	positions map[string]simPosition // keyed symbol/positionSide
	marks     map[string]float64
	recorder  FillRecorder
	log       zerolog.Logger
	orderSeq  int64
}

// NewSim constructs a simulated account with the given starting margin.
func NewSim(startingMargin float64, log zerolog.Logger) *Sim {
	return &Sim{
		cash:      startingMargin,
		leverage:  make(map[string]int),
		positions: make(map[string]simPosition),
		marks:     make(map[string]float64),
		log:       log,
	}
}

// SetRecorder attaches an optional fill sink.
func (s *Sim) SetRecorder(r FillRecorder) {
	s.mu.Lock()
	s.recorder = r
	s.mu.Unlock()
}

// SetMark updates the fill price for a symbol.
func (s *Sim) SetMark(symbol string, price float64) {
	s.mu.Lock()
	s.marks[symbol] = price
	s.mu.Unlock()
}

// PlaceOrder fills a market order at the current mark, enforcing margin on
// opens and realizing PnL on closes.
func (s *Sim) PlaceOrder(ctx context.Context, p exchange.OrderParams) (exchange.OrderAck, error) {
	qty, err := strconv.ParseFloat(p.Quantity, 64)
	if err != nil || qty <= 0 {
		return exchange.OrderAck{}, &exchange.APIError{Code: 80012, Msg: fmt.Sprintf("bad quantity %q", p.Quantity)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	price, ok := s.marks[p.Symbol]
	if !ok || price <= 0 {
		return exchange.OrderAck{}, &exchange.APIError{Code: 80014, Msg: "no mark price for " + p.Symbol}
	}

	key := p.Symbol + "/" + p.PositionSide
	opens := (p.PositionSide == "LONG" && p.Side == "BUY") || (p.PositionSide == "SHORT" && p.Side == "SELL")

	if opens {
		lev := s.leverage[key]
		if lev < 1 {
			lev = 1
		}
		margin := qty * price / float64(lev)
		if margin > s.cash+epsilon {
			return exchange.OrderAck{}, &exchange.APIError{Code: 80001, Msg: "insufficient margin"}
		}
		pos := s.positions[key]
		newQty := pos.qty + qty
		pos.avgPrice = (pos.avgPrice*pos.qty + price*qty) / newQty
		pos.qty = newQty
		pos.margin += margin
		s.positions[key] = pos
		s.cash -= margin
	} else {
		pos := s.positions[key]
		if pos.qty+epsilon < qty {
			return exchange.OrderAck{}, &exchange.APIError{Code: 80017, Msg: "position smaller than close quantity"}
		}
		pnl := (price - pos.avgPrice) * qty
		if p.PositionSide == "SHORT" {
			pnl = -pnl
		}
		releasedMargin := pos.margin * qty / pos.qty
		pos.qty -= qty
		pos.margin -= releasedMargin
		if pos.qty <= epsilon {
			delete(s.positions, key)
		} else {
			s.positions[key] = pos
		}
		s.cash += releasedMargin + pnl
		s.realized += pnl
	}

	if s.recorder != nil {
		s.recorder.Record(execution.Fill{Symbol: p.Symbol, Side: p.Side, Qty: qty, Price: price, Ts: time.Now().UTC()})
	}

	s.orderSeq++
	return exchange.OrderAck{OrderID: strconv.FormatInt(s.orderSeq, 10), AvgPrice: price}, nil
}

// Positions lists open simulated positions; symbol may be empty for all.
func (s *Sim) Positions(ctx context.Context, symbol string) ([]exchange.PositionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]exchange.PositionInfo, 0, len(s.positions))
	for key, pos := range s.positions {
		sym, side, ok := splitKey(key)
		if !ok || (symbol != "" && sym != symbol) {
			continue
		}
		out = append(out, exchange.PositionInfo{Symbol: sym, Side: side, AvgPrice: pos.avgPrice, Amount: pos.qty})
	}
	return out, nil
}

// Balance reports free margin.
func (s *Sim) Balance(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cash, nil
}

// SetLeverage records the leverage used for margin math on later opens.
func (s *Sim) SetLeverage(ctx context.Context, symbol, side string, leverage int) error {
	if leverage < 1 {
		return &exchange.APIError{Code: 80020, Msg: "bad leverage"}
	}
	s.mu.Lock()
	s.leverage[symbol+"/"+side] = leverage
	s.mu.Unlock()
	return nil
}

// RealizedPnL returns total closed-trade profit and loss.
func (s *Sim) RealizedPnL() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.realized
}

func splitKey(key string) (string, string, bool) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}

var _ exchange.API = (*Sim)(nil)
