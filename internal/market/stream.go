package market

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// PriceStream maintains a live mark-price cache over the BingX swap websocket.
// It is an optional freshness layer: callers fall back to candle closes when a
// symbol has no cached price yet.
type PriceStream struct {
	url     string
	symbols []string
	log     zerolog.Logger

	mu     sync.RWMutex
	prices map[string]float64
}

// NewPriceStream constructs a stream for the given symbols; Run must be called
// before Last returns anything.
func NewPriceStream(wsURL string, symbols []string, log zerolog.Logger) *PriceStream {
	return &PriceStream{
		url:     wsURL,
		symbols: symbols,
		log:     log,
		prices:  make(map[string]float64),
	}
}

// Last returns the most recent mark price for symbol, if one has been observed.
func (s *PriceStream) Last(symbol string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	px, ok := s.prices[symbol]
	return px, ok
}

// Run consumes the websocket until the context is canceled, reconnecting with
// multiplicative backoff on stream failure.
func (s *PriceStream) Run(ctx context.Context) error {
	if s.url == "" || len(s.symbols) == 0 {
		return fmt.Errorf("price stream requires a ws url and at least one symbol")
	}

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.consume(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn().Err(err).Msg("price stream disconnected, retrying")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff = time.Duration(math.Min(float64(maxBackoff), float64(backoff)*1.8))
			continue
		}
		return nil
	}
}

type streamSubscription struct {
	ID       string `json:"id"`
	ReqType  string `json:"reqType"`
	DataType string `json:"dataType"`
}

type streamEnvelope struct {
	Code     int64       `json:"code"`
	DataType string      `json:"dataType"`
	Data     streamPrice `json:"data"`
}

type streamPrice struct {
	MarkPrice string `json:"p"`
	LastPrice string `json:"c"`
}

func (s *PriceStream) consume(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	for _, sym := range s.symbols {
		sub := streamSubscription{ID: uuid.NewString(), ReqType: "sub", DataType: sym + "@markPrice"}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(sub); err != nil {
			return fmt.Errorf("subscribe %s: %w", sym, err)
		}
	}

	s.log.Info().Strs("symbols", s.symbols).Msg("connected mark price stream")
	conn.SetReadLimit(1 << 20)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		text, err := inflate(message)
		if err != nil {
			s.log.Warn().Err(err).Msg("failed to inflate stream frame")
			continue
		}
		// Server-level keepalive is a bare text frame, not JSON.
		if strings.TrimSpace(text) == "Ping" {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, []byte("Pong")); err != nil {
				return err
			}
			continue
		}

		var env streamEnvelope
		if err := json.Unmarshal([]byte(text), &env); err != nil {
			s.log.Warn().Err(err).Msg("failed to decode stream frame")
			continue
		}
		symbol := parseStreamSymbol(env.DataType)
		if symbol == "" {
			continue
		}
		raw := env.Data.MarkPrice
		if raw == "" {
			raw = env.Data.LastPrice
		}
		px, err := strconv.ParseFloat(raw, 64)
		if err != nil || px <= 0 {
			continue
		}
		s.mu.Lock()
		s.prices[symbol] = px
		s.mu.Unlock()
	}
}

// inflate transparently decompresses gzip frames; the exchange compresses all
// market pushes.
func inflate(message []byte) (string, error) {
	if len(message) < 2 || message[0] != 0x1f || message[1] != 0x8b {
		return string(message), nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(message))
	if err != nil {
		return "", err
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func parseStreamSymbol(dataType string) string {
	parts := strings.Split(dataType, "@")
	if len(parts) == 0 || parts[0] == "" {
		return ""
	}
	return parts[0]
}
