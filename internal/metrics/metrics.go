package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ScansTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "scans_total", Help: "Completed universe scan passes"},
	)
	SymbolsScanned = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "symbols_scanned_total", Help: "Symbols evaluated across all passes"},
	)
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "signals_total", Help: "Entry signals produced"},
		[]string{"symbol", "direction"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_total", Help: "Orders submitted"},
		[]string{"symbol", "side", "status"},
	)
	ScanErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "scan_errors_total", Help: "Per-symbol scan failures"},
		[]string{"kind"},
	)
	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "open_positions", Help: "Positions currently tracked as open"},
	)
)

func init() {
	prometheus.MustRegister(ScansTotal, SymbolsScanned, SignalsTotal, OrdersTotal, ScanErrors, OpenPositions)
}

func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
