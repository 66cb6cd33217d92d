// Binary paper runs the scan loop against a simulated margin account using
// live market data. No signed requests ever leave the process.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"perpbot-go/internal/config"
	"perpbot-go/internal/execution"
	"perpbot-go/internal/indicator"
	"perpbot-go/internal/ledger"
	"perpbot-go/internal/market"
	"perpbot-go/internal/metrics"
	"perpbot-go/internal/paper"
	"perpbot-go/internal/scanner"
	"perpbot-go/internal/signal"
	"perpbot-go/internal/util"
)

// markingFeed mirrors every fetched candle close into the simulated venue so
// paper fills happen at the same price the scanner just evaluated.
type markingFeed struct {
	market.Feed
	sim *paper.Sim
}

func (f *markingFeed) Candles(ctx context.Context, symbol, interval string, limit int) ([]market.Candle, error) {
	candles, err := f.Feed.Candles(ctx, symbol, interval, limit)
	if err == nil && len(candles) > 0 {
		f.sim.SetMark(symbol, candles[len(candles)-1].Close)
	}
	return candles, err
}

type teeRecorder struct{ recorders []paper.FillRecorder }

func (t *teeRecorder) Record(fill execution.Fill) {
	for _, r := range t.recorders {
		r.Record(fill)
	}
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		boot := util.NewLogger("info")
		boot.Fatal().Err(err).Msg("load config")
	}
	log := util.NewLogger(cfg.App.LogLevel)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	if cfg.App.MetricsAddr != "" {
		_ = metrics.Serve(cfg.App.MetricsAddr)
		log.Info().Str("addr", cfg.App.MetricsAddr).Msg("metrics up")
	}

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	margin := cfg.Paper.StartingMargin
	if margin <= 0 {
		margin = 1000
	}
	sim := paper.NewSim(margin, log)
	blotter := paper.NewBlotter(64)
	recorders := []paper.FillRecorder{blotter}
	if cfg.Paper.FillsPath != "" {
		jsonl, err := paper.NewJSONLRecorder(cfg.Paper.FillsPath)
		if err != nil {
			log.Fatal().Err(err).Msg("open fills file")
		}
		defer jsonl.Close()
		recorders = append(recorders, jsonl)
	}
	sim.SetRecorder(&teeRecorder{recorders: recorders})

	feed := &markingFeed{
		Feed: market.NewBingXFeed(cfg.Exchange.BaseURL, log),
		sim:  sim,
	}
	book := ledger.New(ledger.ExitRule{
		StopLossPct:       cfg.Trade.StopLossPct,
		TakeProfitBasePct: cfg.Trade.TakeProfitBasePct,
		TrailGivebackPct:  cfg.Trade.TrailGivebackPct,
	}, log)
	exec := execution.NewExecutor(sim, log)

	interval := time.Duration(cfg.Scan.IntervalSecs) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	s, err := scanner.New(scanner.Config{
		Interval:          interval,
		CandleInterval:    cfg.Exchange.Interval,
		CandleLimit:       cfg.Exchange.CandleLimit,
		Workers:           cfg.Scan.Workers,
		RequestsPerSecond: cfg.Scan.RequestsPerSecond,
		Burst:             cfg.Scan.Burst,
		Notional:          cfg.Trade.NotionalUSDT,
		Leverage:          cfg.Trade.Leverage,
		Indicator:         indicator.Config{},
		Signal: signal.Params{
			RSIFloor:    cfg.Trade.RSIFloor,
			RSICeil:     cfg.Trade.RSICeil,
			MinRangePct: cfg.Trade.MinRangePct,
		},
	}, feed, market.Universe{
		Allow: cfg.Exchange.AllowSymbols,
		Deny:  cfg.Exchange.DenySymbols,
		Max:   cfg.Exchange.MaxSymbols,
	}, book, exec, sim, log)
	if err != nil {
		log.Fatal().Err(err).Msg("build scanner")
	}

	log.Info().Float64("starting_margin", margin).Msg("paper engine started")
	if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("scanner stopped")
	}

	log.Info().
		Int("fills", len(blotter.Snapshot())).
		Float64("realized_pnl", sim.RealizedPnL()).
		Msg("paper session summary")
}
