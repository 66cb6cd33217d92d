// Package ledger tracks the per-symbol position lifecycle: entry, favorable
// excursion, and exit decisions. It is the only shared mutable state in the
// scanner and owns every Position transition.
package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"perpbot-go/internal/metrics"
	"perpbot-go/internal/signal"
)

// ErrInvariant marks a ledger state the bot must not trade through, such as
// two live exchange positions for one symbol.
var ErrInvariant = errors.New("ledger invariant violation")

// State is the lifecycle stage of a symbol.
type State int

const (
	Flat State = iota
	Opening
	Open
	Closing
)

func (s State) String() string {
	switch s {
	case Opening:
		return "OPENING"
	case Open:
		return "OPEN"
	case Closing:
		return "CLOSING"
	default:
		return "FLAT"
	}
}

// ExitReason labels why a position should close.
type ExitReason string

const (
	ExitStopLoss ExitReason = "STOP_LOSS"
	ExitTrailTP  ExitReason = "TRAIL_TP"
)

// Position is the ledger's record of one open exchange position.
type Position struct {
	Symbol       string
	Side         signal.Direction
	EntryPrice   float64
	OpenedAt     time.Time
	HighWaterPct float64
}

// ExitRule fixes the stop-loss and trailing take-profit thresholds, all in
// percent of entry price.
type ExitRule struct {
	StopLossPct       float64
	TakeProfitBasePct float64
	TrailGivebackPct  float64
}

// ExitDecision reports the outcome of marking a price against an open position.
type ExitDecision struct {
	Exit      bool
	Reason    ExitReason
	ChangePct float64
}

type entry struct {
	state State
	pos   Position
}

// Ledger serializes all position transitions behind one mutex; it is safe for
// use from the scanner's worker pool.
type Ledger struct {
	mu       sync.Mutex
	rule     ExitRule
	log      zerolog.Logger
	entries  map[string]*entry
	poisoned map[string]struct{}
}

// New builds an empty ledger with the given exit rule.
func New(rule ExitRule, log zerolog.Logger) *Ledger {
	return &Ledger{
		rule:     rule,
		log:      log,
		entries:  make(map[string]*entry),
		poisoned: make(map[string]struct{}),
	}
}

// State reports the current lifecycle stage for symbol.
func (l *Ledger) State(symbol string) State {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[symbol]; ok {
		return e.state
	}
	return Flat
}

// Position returns a copy of the open position for symbol, if any.
func (l *Ledger) Position(symbol string) (Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[symbol]
	if !ok || (e.state != Open && e.state != Closing) {
		return Position{}, false
	}
	return e.pos, true
}

// Poisoned reports whether symbol has been quarantined by an invariant
// violation and must not be traded until manually resolved.
func (l *Ledger) Poisoned(symbol string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.poisoned[symbol]
	return ok
}

// Begin reserves the symbol for an entry order. It succeeds only from Flat,
// which is what enforces the at-most-one-position invariant: a second signal
// while a position exists never reaches the executor.
func (l *Ledger) Begin(symbol string, side signal.Direction) bool {
	if side != signal.Long && side != signal.Short {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, bad := l.poisoned[symbol]; bad {
		return false
	}
	if e, ok := l.entries[symbol]; ok && e.state != Flat {
		return false
	}
	l.entries[symbol] = &entry{state: Opening, pos: Position{Symbol: symbol, Side: side}}
	return true
}

// CommitOpen records a confirmed entry fill and creates the Position.
func (l *Ledger) CommitOpen(symbol string, fillPrice float64, at time.Time) error {
	if fillPrice <= 0 {
		return fmt.Errorf("commit open %s: non-positive fill price %f", symbol, fillPrice)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[symbol]
	if !ok || e.state != Opening {
		return fmt.Errorf("%w: commit open %s from %s", ErrInvariant, symbol, l.stateLocked(symbol))
	}
	e.state = Open
	e.pos.EntryPrice = fillPrice
	e.pos.OpenedAt = at
	e.pos.HighWaterPct = 0
	metrics.OpenPositions.Inc()
	l.log.Info().
		Str("symbol", symbol).
		Str("side", e.pos.Side.String()).
		Float64("entry_price", fillPrice).
		Msg("position_opened")
	return nil
}

// Abort releases an Opening reservation after a rejected or failed entry
// order. The symbol is simply Flat again and re-evaluated fresh next pass.
func (l *Ledger) Abort(symbol string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[symbol]; ok && e.state == Opening {
		delete(l.entries, symbol)
	}
}

// MarkPrice folds a new price into an Open position: it raises the high-water
// mark (monotone, never lowered) and evaluates the exit rules. Stop-loss wins
// over trailing take-profit when both would fire. The high-water mark is
// tracked separately from the exit check so a position cannot exit on the very
// candle it first turns profitable.
func (l *Ledger) MarkPrice(symbol string, price float64) (ExitDecision, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[symbol]
	if !ok || e.state != Open || price <= 0 {
		return ExitDecision{}, false
	}

	change := (price - e.pos.EntryPrice) / e.pos.EntryPrice * 100
	if e.pos.Side == signal.Short {
		change = -change
	}
	if change > e.pos.HighWaterPct {
		e.pos.HighWaterPct = change
	}

	d := ExitDecision{ChangePct: change}
	switch {
	case change <= -l.rule.StopLossPct:
		d.Exit = true
		d.Reason = ExitStopLoss
	case change >= l.rule.TakeProfitBasePct && change <= e.pos.HighWaterPct-l.rule.TrailGivebackPct:
		d.Exit = true
		d.Reason = ExitTrailTP
	}
	return d, true
}

// BeginClose moves an Open position into Closing while the close order is in
// flight.
func (l *Ledger) BeginClose(symbol string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[symbol]
	if !ok || e.state != Open {
		return false
	}
	e.state = Closing
	return true
}

// CommitClose destroys the Position after a confirmed close fill.
func (l *Ledger) CommitClose(symbol string, exitPrice float64, reason ExitReason) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[symbol]
	if !ok || e.state != Closing {
		return fmt.Errorf("%w: commit close %s from %s", ErrInvariant, symbol, l.stateLocked(symbol))
	}
	change := (exitPrice - e.pos.EntryPrice) / e.pos.EntryPrice * 100
	if e.pos.Side == signal.Short {
		change = -change
	}
	l.log.Info().
		Str("symbol", symbol).
		Str("side", e.pos.Side.String()).
		Str("reason", string(reason)).
		Float64("entry_price", e.pos.EntryPrice).
		Float64("exit_price", exitPrice).
		Float64("change_pct", change).
		Float64("high_water_pct", e.pos.HighWaterPct).
		Msg("position_closed")
	delete(l.entries, symbol)
	metrics.OpenPositions.Dec()
	return nil
}

// AbortClose returns a Closing position to Open after a failed close order so
// the exit is retried next pass. A losing position is never silently dropped.
func (l *Ledger) AbortClose(symbol string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[symbol]; ok && e.state == Closing {
		e.state = Open
	}
}

// Seed installs a position discovered on the exchange during startup
// reconciliation. The exchange does not report favorable excursion, so the
// high-water mark restarts at zero: a known information loss after a restart.
// A second live position for the same symbol violates the at-most-one
// invariant; the symbol is quarantined rather than picking one side.
func (l *Ledger) Seed(pos Position) error {
	if pos.Symbol == "" || pos.EntryPrice <= 0 {
		return fmt.Errorf("seed: invalid position %+v", pos)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[pos.Symbol]; ok && e.state != Flat {
		delete(l.entries, pos.Symbol)
		l.poisoned[pos.Symbol] = struct{}{}
		metrics.OpenPositions.Dec()
		l.log.Error().Str("symbol", pos.Symbol).Msg("duplicate live position, symbol quarantined")
		return fmt.Errorf("%w: duplicate live position for %s", ErrInvariant, pos.Symbol)
	}
	pos.HighWaterPct = 0
	l.entries[pos.Symbol] = &entry{state: Open, pos: pos}
	metrics.OpenPositions.Inc()
	l.log.Info().
		Str("symbol", pos.Symbol).
		Str("side", pos.Side.String()).
		Float64("entry_price", pos.EntryPrice).
		Bool("high_water_reset", true).
		Msg("position_reconciled")
	return nil
}

// Snapshot returns copies of all open or closing positions.
func (l *Ledger) Snapshot() []Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Position, 0, len(l.entries))
	for _, e := range l.entries {
		if e.state == Open || e.state == Closing {
			out = append(out, e.pos)
		}
	}
	return out
}

func (l *Ledger) stateLocked(symbol string) State {
	if e, ok := l.entries[symbol]; ok {
		return e.state
	}
	return Flat
}
