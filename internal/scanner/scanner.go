// Package scanner drives the periodic universe pass: fetch, evaluate, act.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"perpbot-go/internal/exchange"
	"perpbot-go/internal/execution"
	"perpbot-go/internal/indicator"
	"perpbot-go/internal/ledger"
	"perpbot-go/internal/market"
	"perpbot-go/internal/metrics"
	"perpbot-go/internal/signal"
)

// Config tunes the pass cadence, the parallelism, and the request budget.
type Config struct {
	Interval          time.Duration
	CandleInterval    string
	CandleLimit       int
	Workers           int
	RequestsPerSecond float64
	Burst             int
	Notional          float64
	Leverage          int
	Indicator         indicator.Config
	Signal            signal.Params
}

// PriceSource supplies a fresher mark than the last candle close when
// available. *market.PriceStream satisfies it.
type PriceSource interface {
	Last(symbol string) (float64, bool)
}

// Summary counts the outcome of one universe pass.
type Summary struct {
	Scanned  int
	Signaled int
	Opened   int
	Closed   int
	Errored  int
}

// Scanner owns the scan loop. All exchange-bound requests flow through one
// shared token bucket, which is the single source of truth for the request
// budget; worker counts never change the aggregate rate.
type Scanner struct {
	cfg         Config
	feed        market.Feed
	uni         market.Universe
	book        *ledger.Ledger
	exec        *execution.Executor
	api         exchange.API
	prices      PriceSource
	limiter     *rate.Limiter
	candleWidth time.Duration
	log         zerolog.Logger
	now         func() time.Time
}

// New validates the config and builds a scanner.
func New(cfg Config, feed market.Feed, uni market.Universe, book *ledger.Ledger, exec *execution.Executor, api exchange.API, log zerolog.Logger) (*Scanner, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("scan interval must be positive")
	}
	if cfg.RequestsPerSecond <= 0 {
		return nil, fmt.Errorf("request budget must be positive")
	}
	width, err := market.ParseInterval(cfg.CandleInterval)
	if err != nil {
		return nil, fmt.Errorf("candle interval: %w", err)
	}
	if cfg.CandleLimit <= 0 {
		cfg.CandleLimit = 100
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	if exec != nil {
		// Order traffic draws from the same bucket as market-data traffic.
		exec.SetLimiter(limiter)
	}
	return &Scanner{
		cfg:         cfg,
		feed:        feed,
		uni:         uni,
		book:        book,
		exec:        exec,
		api:         api,
		limiter:     limiter,
		candleWidth: width,
		log:         log,
		now:         time.Now,
	}, nil
}

// SetPriceSource attaches an optional live mark-price cache.
func (s *Scanner) SetPriceSource(ps PriceSource) { s.prices = ps }

// Run executes passes at the configured interval until the context is
// canceled. Only signing faults abort the loop: every subsequent signed call
// would fail identically.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		summary, err := s.Pass(ctx)
		s.report(summary)
		if err != nil {
			if errors.Is(err, exchange.ErrSigning) {
				s.log.Error().Err(err).Msg("signing failure, aborting scan loop")
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn().Err(err).Msg("scan pass failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type outcome struct {
	skipped  bool
	signaled bool
	opened   bool
	closed   bool
	err      error
}

// Pass scans the whole universe once. Per-symbol faults are isolated: they are
// logged and counted, and the remaining symbols still run.
func (s *Scanner) Pass(ctx context.Context) (Summary, error) {
	var sum Summary

	if err := s.limiter.Wait(ctx); err != nil {
		return sum, err
	}
	symbols, err := s.feed.Symbols(ctx)
	if err != nil {
		return sum, fmt.Errorf("list universe: %w", err)
	}
	symbols = s.uni.Filter(symbols)

	allowEntries, err := s.entryGate(ctx)
	if err != nil {
		return sum, err
	}

	results := make([]outcome, len(symbols))
	// Slots stay skipped unless a worker actually visits the symbol, so an
	// aborted pass never inflates the scanned count.
	for i := range results {
		results[i].skipped = true
	}
	if s.cfg.Workers == 1 {
		for i, sym := range symbols {
			if ctx.Err() != nil {
				break
			}
			results[i] = s.scanSymbol(ctx, sym, allowEntries)
			if errors.Is(results[i].err, exchange.ErrSigning) {
				break
			}
		}
	} else {
		s.scanParallel(ctx, symbols, allowEntries, results)
	}

	var fatal error
	for i, o := range results {
		if o.skipped {
			continue
		}
		sum.Scanned++
		if o.signaled {
			sum.Signaled++
		}
		if o.opened {
			sum.Opened++
		}
		if o.closed {
			sum.Closed++
		}
		if o.err != nil {
			if errors.Is(o.err, exchange.ErrSigning) {
				fatal = o.err
				continue
			}
			sum.Errored++
			kind := classify(o.err)
			metrics.ScanErrors.WithLabelValues(kind).Inc()
			s.log.Warn().Err(o.err).Str("symbol", symbols[i]).Str("kind", kind).Msg("scan_error")
		}
	}
	return sum, fatal
}

func (s *Scanner) scanParallel(ctx context.Context, symbols []string, allowEntries bool, results []outcome) {
	type job struct {
		idx int
		sym string
	}
	jobs := make(chan job)
	var wg sync.WaitGroup
	for w := 0; w < s.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				results[j.idx] = s.scanSymbol(ctx, j.sym, allowEntries)
			}
		}()
	}
	for i, sym := range symbols {
		if ctx.Err() != nil {
			break
		}
		jobs <- job{idx: i, sym: sym}
	}
	close(jobs)
	wg.Wait()
}

// entryGate checks free margin once per pass; entries are disabled when the
// account cannot fund one more order, exits still run.
func (s *Scanner) entryGate(ctx context.Context) (bool, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return false, err
	}
	bal, err := s.api.Balance(ctx)
	if err != nil {
		if errors.Is(err, exchange.ErrSigning) {
			return false, err
		}
		s.log.Warn().Err(err).Msg("balance check failed, entries disabled this pass")
		return false, nil
	}
	if bal < s.cfg.Notional {
		s.log.Info().Float64("available", bal).Float64("needed", s.cfg.Notional).Msg("insufficient margin, entries disabled this pass")
		return false, nil
	}
	return true, nil
}

func (s *Scanner) scanSymbol(ctx context.Context, sym string, allowEntries bool) outcome {
	if s.book.Poisoned(sym) {
		return outcome{skipped: true}
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return outcome{err: err}
	}

	candles, err := s.feed.Candles(ctx, sym, s.cfg.CandleInterval, s.cfg.CandleLimit)
	if err != nil {
		return outcome{err: err}
	}
	if err := market.ValidateSeries(candles, s.candleWidth); err != nil {
		return outcome{err: err}
	}
	// The newest kline is still forming; signals must only see closed candles.
	if last := candles[len(candles)-1]; s.now().Sub(last.OpenTime) < s.candleWidth {
		candles = candles[:len(candles)-1]
	}

	frames, err := indicator.Compute(candles, s.cfg.Indicator)
	if err != nil {
		if errors.Is(err, indicator.ErrInsufficientData) {
			s.log.Debug().Str("symbol", sym).Msg("insufficient history, skipping")
			return outcome{skipped: true}
		}
		return outcome{err: err}
	}

	price := candles[len(candles)-1].Close
	if s.prices != nil {
		if live, ok := s.prices.Last(sym); ok {
			price = live
		}
	}

	switch s.book.State(sym) {
	case ledger.Open:
		return s.manageExit(ctx, sym, price)
	case ledger.Flat:
		if !allowEntries {
			return outcome{}
		}
		return s.tryEntry(ctx, sym, frames, candles, price)
	default:
		// Opening/Closing should never persist across passes; leave it alone.
		return outcome{}
	}
}

func (s *Scanner) tryEntry(ctx context.Context, sym string, frames []indicator.Frame, candles []market.Candle, price float64) outcome {
	n := len(frames)
	dir := signal.Evaluate(frames[n-2], frames[n-1], candles[n-2], candles[n-1], s.cfg.Signal)
	s.log.Debug().Str("symbol", sym).Str("direction", dir.String()).Msg("signal_evaluated")
	if dir == signal.None {
		return outcome{}
	}
	metrics.SignalsTotal.WithLabelValues(sym, dir.String()).Inc()
	o := outcome{signaled: true}

	if !s.book.Begin(sym, dir) {
		return o
	}
	res, err := s.exec.Submit(ctx, execution.Request{
		Symbol:   sym,
		Side:     dir,
		Notional: s.cfg.Notional,
		Leverage: s.cfg.Leverage,
		Price:    price,
	})
	if err != nil {
		s.book.Abort(sym)
		o.err = err
		return o
	}
	if res.Status != execution.Filled {
		s.book.Abort(sym)
		return o
	}
	if err := s.book.CommitOpen(sym, res.AvgPrice, s.now()); err != nil {
		o.err = err
		return o
	}
	o.opened = true
	return o
}

func (s *Scanner) manageExit(ctx context.Context, sym string, price float64) outcome {
	decision, ok := s.book.MarkPrice(sym, price)
	if !ok || !decision.Exit {
		return outcome{}
	}
	pos, ok := s.book.Position(sym)
	if !ok || !s.book.BeginClose(sym) {
		return outcome{}
	}

	// Detach the close from scheduler cancellation: an in-flight close must
	// finish even during shutdown, or the ledger is left in CLOSING with an
	// unresolved exchange order.
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	res, err := s.exec.Close(closeCtx, pos, price)
	if err != nil {
		s.book.AbortClose(sym)
		return outcome{err: err}
	}
	if res.Status != execution.Filled {
		s.book.AbortClose(sym)
		return outcome{err: fmt.Errorf("close %s rejected: %s", sym, res.Message)}
	}
	exitPrice := res.AvgPrice
	if exitPrice <= 0 {
		exitPrice = price
	}
	if err := s.book.CommitClose(sym, exitPrice, decision.Reason); err != nil {
		return outcome{err: err}
	}
	return outcome{closed: true}
}

func (s *Scanner) report(sum Summary) {
	metrics.ScansTotal.Inc()
	metrics.SymbolsScanned.Add(float64(sum.Scanned))
	s.log.Info().
		Int("scanned", sum.Scanned).
		Int("signaled", sum.Signaled).
		Int("opened", sum.Opened).
		Int("closed", sum.Closed).
		Int("errored", sum.Errored).
		Msg("scan pass complete")
}

func classify(err error) string {
	switch {
	case errors.Is(err, market.ErrDataUnavailable):
		return "data_unavailable"
	case errors.Is(err, market.ErrBadSeries):
		return "bad_series"
	case errors.Is(err, ledger.ErrInvariant):
		return "ledger_invariant"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "order"
	}
}
