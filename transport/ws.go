package transport

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/thrasher-corp/obmirror/common/key"
	"github.com/thrasher-corp/obmirror/log"
	"github.com/thrasher-corp/obmirror/orderbook"
)

// WSConfig carries per-stream connection settings.
type WSConfig struct {
	URL      string
	Capacity int
}

// WSStream is the default stream.Stream: one gorilla/websocket
// connection carrying a shard of symbols. Liveness is tracked with
// plain timestamps rather than a heartbeat channel, since
// stream.Pool's monitor only polls LastEventTime and LastEventTimeFor.
type WSStream struct {
	cfg WSConfig

	mu              sync.Mutex
	symbols         []key.Symbol
	lastEventAll    time.Time
	lastEventSymbol map[key.Symbol]time.Time
	conn            *websocket.Conn
}

// NewWSStream returns an empty WSStream that accepts up to
// cfg.Capacity symbols.
func NewWSStream(cfg WSConfig) *WSStream {
	return &WSStream{
		cfg:             cfg,
		lastEventSymbol: make(map[key.Symbol]time.Time),
	}
}

// Register implements stream.Stream.
func (w *WSStream) Register(symbol key.Symbol) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.symbols) >= w.cfg.Capacity {
		return false
	}
	w.symbols = append(w.symbols, symbol)
	w.lastEventSymbol[symbol] = time.Now()
	return true
}

// diffMessage is the generic wire shape for an incremental depth
// update: {symbol, firstUpdateId, finalUpdateId, bids, asks}.
type diffMessage struct {
	Symbol        string     `json:"symbol"`
	FirstUpdateID int64      `json:"firstUpdateId"`
	FinalUpdateID int64      `json:"finalUpdateId"`
	Bids          [][]string `json:"bids"`
	Asks          [][]string `json:"asks"`
}

// Run implements stream.Stream: dials the connection, subscribes to
// the registered symbols, and forwards decoded diff envelopes to sink
// until ctx is cancelled or the connection fails.
func (w *WSStream) Run(ctx context.Context, sink chan<- *orderbook.DiffEnvelope) error {
	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, w.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", w.cfg.URL, err)
	}

	w.mu.Lock()
	w.conn = conn
	symbols := append([]key.Symbol(nil), w.symbols...)
	w.mu.Unlock()

	if err := w.subscribe(symbols); err != nil {
		_ = conn.Close()
		return err
	}

	defer func() {
		w.mu.Lock()
		w.conn = nil
		w.mu.Unlock()
		_ = conn.Close()
	}()

	errC := make(chan error, 1)
	go func() { errC <- w.readLoop(sink) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errC:
		return err
	}
}

func (w *WSStream) subscribe(symbols []key.Symbol) error {
	names := make([]string, len(symbols))
	for i, s := range symbols {
		names[i] = s.String()
	}
	msg := map[string]any{"method": "SUBSCRIBE", "params": names, "id": 1}

	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return errors.New("transport: not connected")
	}
	return conn.WriteJSON(msg)
}

func (w *WSStream) readLoop(sink chan<- *orderbook.DiffEnvelope) error {
	for {
		w.mu.Lock()
		conn := w.conn
		w.mu.Unlock()
		if conn == nil {
			return errors.New("transport: connection closed")
		}

		mType, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("transport: read message: %w", err)
		}

		if mType == websocket.BinaryMessage {
			raw, err = decompress(raw)
			if err != nil {
				log.Warnf(log.TransportMgr, "decompress frame: %v", err)
				continue
			}
		}

		var msg diffMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Warnf(log.TransportMgr, "decode diff message: %v", err)
			continue
		}
		if msg.Symbol == "" {
			continue
		}

		envelope, err := toEnvelope(msg)
		if err != nil {
			log.Warnf(log.TransportMgr, "decode diff levels for %s: %v", msg.Symbol, err)
			continue
		}

		now := time.Now()
		w.mu.Lock()
		w.lastEventAll = now
		w.lastEventSymbol[envelope.Symbol] = now
		w.mu.Unlock()

		sink <- envelope
	}
}

func toEnvelope(msg diffMessage) (*orderbook.DiffEnvelope, error) {
	bids, err := decodeLevels(msg.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := decodeLevels(msg.Asks)
	if err != nil {
		return nil, err
	}
	return &orderbook.DiffEnvelope{
		Symbol:     key.NewSymbol(msg.Symbol),
		FirstID:    msg.FirstUpdateID,
		FinalID:    msg.FinalUpdateID,
		BidChanges: bids,
		AskChanges: asks,
		EventTime:  time.Now(),
	}, nil
}

// decompress detects gzip by magic bytes, otherwise assumes raw
// DEFLATE, mirroring websocket_connection.go's parseBinaryResponse.
func decompress(raw []byte) ([]byte, error) {
	if len(raw) >= 2 && raw[0] == 0x1f && raw[1] == 0x8b {
		r, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	}
	r := flate.NewReader(bytes.NewReader(raw))
	defer r.Close()
	return io.ReadAll(r)
}

// LastEventTime implements stream.Stream.
func (w *WSStream) LastEventTime() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastEventAll
}

// LastEventTimeFor implements stream.Stream.
func (w *WSStream) LastEventTimeFor(symbol key.Symbol) time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastEventSymbol[symbol]
}

// Stop implements stream.Stream.
func (w *WSStream) Stop() error {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
