package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func fixedClock() func() time.Time {
	ts := time.UnixMilli(1750000000000)
	return func() time.Time { return ts }
}

func TestPlaceOrderSignsRequest(t *testing.T) {
	var gotQuery url.Values
	var gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		gotKey = r.Header.Get("X-BX-APIKEY")
		_, _ = w.Write([]byte(`{"code":0,"data":{"order":{"orderId":42,"avgPrice":"101.5"}}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "api-key", "api-secret", zerolog.Nop(),
		WithHTTPClient(server.Client()), WithClock(fixedClock()))

	ack, err := client.PlaceOrder(context.Background(), OrderParams{
		Symbol:       "BTC-USDT",
		Side:         "BUY",
		PositionSide: "LONG",
		Quantity:     "0.002",
	})
	if err != nil {
		t.Fatalf("PlaceOrder returned error: %v", err)
	}
	if ack.OrderID != "42" {
		t.Fatalf("unexpected order id: %s", ack.OrderID)
	}
	if ack.AvgPrice != 101.5 {
		t.Fatalf("unexpected avg price: %f", ack.AvgPrice)
	}
	if gotKey != "api-key" {
		t.Fatalf("missing api key header, got %q", gotKey)
	}

	sig := gotQuery.Get("signature")
	if sig == "" {
		t.Fatalf("signature missing from query: %v", gotQuery)
	}
	params := map[string]string{}
	for k, vs := range gotQuery {
		if k == "signature" {
			continue
		}
		params[k] = vs[0]
	}
	want, err := Sign(params, "api-secret")
	if err != nil {
		t.Fatalf("Sign returned error: %v", err)
	}
	if sig != want {
		t.Fatalf("server-side signature recomputation mismatch: got %s want %s", sig, want)
	}
}

func TestBusinessErrorIsTerminal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":80001,"msg":"insufficient margin"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "k", "s", zerolog.Nop(), WithHTTPClient(server.Client()))
	_, err := client.PlaceOrder(context.Background(), OrderParams{Symbol: "BTC-USDT", Side: "BUY", PositionSide: "LONG", Quantity: "1"})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != 80001 {
		t.Fatalf("unexpected code: %d", apiErr.Code)
	}
	if errors.Is(err, ErrTransient) {
		t.Fatalf("business rejection must not be transient")
	}
}

func TestServerFaultIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(server.URL, "k", "s", zerolog.Nop(), WithHTTPClient(server.Client()))
	_, err := client.Balance(context.Background())
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
}

func TestAuthCodeIsSigningError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":100413,"msg":"Incorrect apiKey"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "bad", "creds", zerolog.Nop(), WithHTTPClient(server.Client()))
	_, err := client.Balance(context.Background())
	if !errors.Is(err, ErrSigning) {
		t.Fatalf("expected ErrSigning, got %v", err)
	}
}

func TestPositionsSkipsFlatEntries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":0,"data":[
			{"symbol":"BTC-USDT","positionSide":"LONG","avgPrice":"65000","positionAmt":"0.01"},
			{"symbol":"ETH-USDT","positionSide":"SHORT","avgPrice":"3000","positionAmt":"0"}
		]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "k", "s", zerolog.Nop(), WithHTTPClient(server.Client()))
	positions, err := client.Positions(context.Background(), "")
	if err != nil {
		t.Fatalf("Positions returned error: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected 1 live position, got %d", len(positions))
	}
	if positions[0].Symbol != "BTC-USDT" || positions[0].Side != "LONG" || positions[0].AvgPrice != 65000 {
		t.Fatalf("unexpected position: %+v", positions[0])
	}
}
