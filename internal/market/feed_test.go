package market

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSymbolsFiltersTradingStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":0,"data":[
			{"symbol":"BTC-USDT","status":"TRADING"},
			{"symbol":"OLD-USDT","status":"SETTLING"},
			{"symbol":"ETH-USDT","status":"TRADING"}
		]}`))
	}))
	defer server.Close()

	feed := NewBingXFeed(server.URL, zerolog.Nop(), WithHTTPClient(server.Client()))
	symbols, err := feed.Symbols(context.Background())
	if err != nil {
		t.Fatalf("Symbols returned error: %v", err)
	}
	if len(symbols) != 2 || symbols[0] != "BTC-USDT" || symbols[1] != "ETH-USDT" {
		t.Fatalf("unexpected symbols: %+v", symbols)
	}
}

func TestCandlesNormalizesNewestFirst(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":0,"data":[
			{"open":"101","high":"102","low":"100","close":"101.5","volume":"10","time":1750000900000},
			{"open":"100","high":"101","low":"99","close":"101","volume":"12","time":1750000000000}
		]}`))
	}))
	defer server.Close()

	feed := NewBingXFeed(server.URL, zerolog.Nop(), WithHTTPClient(server.Client()))
	candles, err := feed.Candles(context.Background(), "BTC-USDT", "15m", 2)
	if err != nil {
		t.Fatalf("Candles returned error: %v", err)
	}
	if len(candles) != 2 {
		t.Fatalf("expected 2 candles, got %d", len(candles))
	}
	if !candles[0].OpenTime.Before(candles[1].OpenTime) {
		t.Fatalf("candles not chronological: %v then %v", candles[0].OpenTime, candles[1].OpenTime)
	}
	if candles[1].Close != 101.5 {
		t.Fatalf("unexpected latest close: %f", candles[1].Close)
	}
}

func TestCandlesReportsDataUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	feed := NewBingXFeed(server.URL, zerolog.Nop(), WithHTTPClient(server.Client()))
	_, err := feed.Candles(context.Background(), "BTC-USDT", "15m", 10)
	if !errors.Is(err, ErrDataUnavailable) {
		t.Fatalf("expected ErrDataUnavailable, got %v", err)
	}
}

func TestCandlesRejectsMalformedPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":0,"data":[{"open":"abc","high":"1","low":"1","close":"1","volume":"1","time":1750000000000}]}`))
	}))
	defer server.Close()

	feed := NewBingXFeed(server.URL, zerolog.Nop(), WithHTTPClient(server.Client()))
	_, err := feed.Candles(context.Background(), "BTC-USDT", "15m", 10)
	if !errors.Is(err, ErrDataUnavailable) {
		t.Fatalf("expected ErrDataUnavailable on malformed payload, got %v", err)
	}
}

func TestCandlesBusinessCodeIsDataUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":100400,"msg":"invalid symbol","data":[]}`))
	}))
	defer server.Close()

	feed := NewBingXFeed(server.URL, zerolog.Nop(), WithHTTPClient(server.Client()))
	_, err := feed.Candles(context.Background(), "NOPE-USDT", "15m", 10)
	if !errors.Is(err, ErrDataUnavailable) {
		t.Fatalf("expected ErrDataUnavailable, got %v", err)
	}
}

func TestParseStreamSymbol(t *testing.T) {
	cases := map[string]string{
		"BTC-USDT@markPrice": "BTC-USDT",
		"ETH-USDT@lastPrice": "ETH-USDT",
		"":                   "",
	}
	for dataType, expected := range cases {
		if got := parseStreamSymbol(dataType); got != expected {
			t.Fatalf("expected %q got %q", expected, got)
		}
	}
}

func TestPriceStreamRequiresSymbols(t *testing.T) {
	s := NewPriceStream("", nil, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Run(ctx); err == nil {
		t.Fatalf("expected error for empty stream config")
	}
}
