// Binary scanner runs the live trading loop against the BingX perpetual swap API.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"perpbot-go/internal/config"
	"perpbot-go/internal/exchange"
	"perpbot-go/internal/execution"
	"perpbot-go/internal/indicator"
	"perpbot-go/internal/ledger"
	"perpbot-go/internal/market"
	"perpbot-go/internal/metrics"
	"perpbot-go/internal/scanner"
	"perpbot-go/internal/signal"
	"perpbot-go/internal/util"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		boot := util.NewLogger("info")
		boot.Fatal().Err(err).Msg("load config")
	}
	cfg.ApplyEnv()
	log := util.NewLogger(cfg.App.LogLevel)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	if cfg.Exchange.APIKey == "" || cfg.Exchange.APISecret == "" {
		log.Fatal().Msg("BINGX_API_KEY and BINGX_API_SECRET must be set")
	}

	if cfg.App.MetricsAddr != "" {
		_ = metrics.Serve(cfg.App.MetricsAddr)
		log.Info().Str("addr", cfg.App.MetricsAddr).Msg("metrics up")
	}

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	feed := market.NewBingXFeed(cfg.Exchange.BaseURL, log)
	client := exchange.NewClient(cfg.Exchange.BaseURL, cfg.Exchange.APIKey, cfg.Exchange.APISecret, log)
	book := ledger.New(ledger.ExitRule{
		StopLossPct:       cfg.Trade.StopLossPct,
		TakeProfitBasePct: cfg.Trade.TakeProfitBasePct,
		TrailGivebackPct:  cfg.Trade.TrailGivebackPct,
	}, log)

	if err := reconcile(ctx, client, book, log); err != nil {
		log.Fatal().Err(err).Msg("startup reconciliation failed")
	}

	exec := execution.NewExecutor(client, log)
	s, err := scanner.New(scannerConfig(cfg), feed, market.Universe{
		Allow: cfg.Exchange.AllowSymbols,
		Deny:  cfg.Exchange.DenySymbols,
		Max:   cfg.Exchange.MaxSymbols,
	}, book, exec, client, log)
	if err != nil {
		log.Fatal().Err(err).Msg("build scanner")
	}

	if cfg.Exchange.WSURL != "" && len(cfg.Exchange.AllowSymbols) > 0 {
		stream := market.NewPriceStream(cfg.Exchange.WSURL, cfg.Exchange.AllowSymbols, log)
		go func() {
			if err := stream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("price stream stopped")
			}
		}()
		s.SetPriceSource(stream)
	}

	log.Info().Str("env", cfg.App.Env).Msg("scanner started")
	if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("scanner stopped")
	}
	log.Info().Msg("shutting down")
}

// reconcile seeds the ledger from positions already live on the exchange so a
// restart never double-enters or orphans an open position.
func reconcile(ctx context.Context, client *exchange.Client, book *ledger.Ledger, log zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	live, err := client.Positions(ctx, "")
	if err != nil {
		return err
	}
	for _, p := range live {
		side := signal.Long
		if p.Side == "SHORT" {
			side = signal.Short
		}
		err := book.Seed(ledger.Position{
			Symbol:     p.Symbol,
			Side:       side,
			EntryPrice: p.AvgPrice,
		})
		if err != nil {
			// Seed quarantines invariant violations itself; keep going.
			log.Warn().Err(err).Str("symbol", p.Symbol).Msg("reconciliation skipped position")
		}
	}
	log.Info().Int("positions", len(live)).Msg("reconciliation complete")
	return nil
}

func scannerConfig(cfg *config.Config) scanner.Config {
	interval := time.Duration(cfg.Scan.IntervalSecs) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	return scanner.Config{
		Interval:          interval,
		CandleInterval:    cfg.Exchange.Interval,
		CandleLimit:       cfg.Exchange.CandleLimit,
		Workers:           cfg.Scan.Workers,
		RequestsPerSecond: cfg.Scan.RequestsPerSecond,
		Burst:             cfg.Scan.Burst,
		Notional:          cfg.Trade.NotionalUSDT,
		Leverage:          cfg.Trade.Leverage,
		Indicator:         indicator.Config{}, // zero value means 12/26/9 MACD, RSI 14
		Signal: signal.Params{
			RSIFloor:    cfg.Trade.RSIFloor,
			RSICeil:     cfg.Trade.RSICeil,
			MinRangePct: cfg.Trade.MinRangePct,
		},
	}
}
