package smartconnect

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// FeedV2 is a client for the SmartAPI binary market feed (smart-stream).
// It subscribes to LTP or QUOTE packets, keeps the link alive with text
// heartbeats and reconnects with exponential backoff, replaying subscriptions.

const (
	RootURI           = "wss://smartapisocket.angelone.in/smart-stream"
	HeartBeatMessage  = "ping"
	HeartBeatInterval = 10 * time.Second
)

// Subscription action / modes / exchanges
const (
	SubscribeAction   = 1
	UnsubscribeAction = 0

	ModeLTP       = 1
	ModeQuote     = 2
	ModeSnapQuote = 3

	NSE_CM = 1
	NSE_FO = 2
	BSE_CM = 3
	BSE_FO = 4
	MCX_FO = 5
	NCX_FO = 7
	CDE_FO = 13
)

// ExchangeNames maps feed exchange_type codes to exchange names.
var ExchangeNames = map[int]string{
	NSE_CM: "NSE",
	NSE_FO: "NFO",
	BSE_CM: "BSE",
	BSE_FO: "BFO",
	MCX_FO: "MCX",
	NCX_FO: "NCX",
	CDE_FO: "CDE",
}

// Packet sizes for each mode.
const (
	ltpPacketLen   = 51
	quotePacketLen = 123
)

// TokenListEntry represents exchangeType + tokens for subscribe/unsubscribe
type TokenListEntry struct {
	ExchangeType int      `json:"exchangeType"`
	Tokens       []string `json:"tokens"`
}

// Packet is one decoded market data frame. Prices are in paise.
type Packet struct {
	Mode         int
	ExchangeType int
	Token        string
	Sequence     int64
	ExchangeTS   int64 // epoch milliseconds
	LTP          int64
	// LTQ is the last traded quantity. Only QUOTE and SNAP_QUOTE frames carry
	// it; HasLTQ is false for LTP frames.
	LTQ    int64
	HasLTQ bool
}

// ErrShortPacket is returned for frames smaller than an LTP packet.
var ErrShortPacket = errors.New("smartconnect: binary payload too short")

// ParsePacket decodes a little-endian feed frame.
func ParsePacket(b []byte) (Packet, error) {
	if len(b) < ltpPacketLen {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(b))
	}
	p := Packet{
		Mode:         int(b[0]),
		ExchangeType: int(b[1]),
		Token:        cString(b[2:27]),
		Sequence:     int64(binary.LittleEndian.Uint64(b[27:35])),
		ExchangeTS:   int64(binary.LittleEndian.Uint64(b[35:43])),
		LTP:          int64(binary.LittleEndian.Uint64(b[43:51])),
	}
	if (p.Mode == ModeQuote || p.Mode == ModeSnapQuote) && len(b) >= quotePacketLen {
		p.LTQ = int64(binary.LittleEndian.Uint64(b[51:59]))
		p.HasLTQ = true
	}
	return p, nil
}

// EncodePacket is the inverse of ParsePacket for LTP and QUOTE frames. Fields
// beyond the last traded quantity are zero.
func EncodePacket(p Packet) []byte {
	n := ltpPacketLen
	if p.HasLTQ {
		n = quotePacketLen
	}
	b := make([]byte, n)
	b[0] = byte(p.Mode)
	b[1] = byte(p.ExchangeType)
	copy(b[2:27], p.Token)
	binary.LittleEndian.PutUint64(b[27:35], uint64(p.Sequence))
	binary.LittleEndian.PutUint64(b[35:43], uint64(p.ExchangeTS))
	binary.LittleEndian.PutUint64(b[43:51], uint64(p.LTP))
	if p.HasLTQ {
		binary.LittleEndian.PutUint64(b[51:59], uint64(p.LTQ))
	}
	return b
}

func cString(b []byte) string {
	for i := 0; i < len(b); i++ {
		if b[i] == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// FeedConfig configures a FeedV2.
type FeedConfig struct {
	AuthToken  string
	APIKey     string
	ClientCode string
	FeedToken  string

	URL               string        // default RootURI
	MaxRetryAttempt   int           // default 5; <0 retries forever
	RetryDelay        time.Duration // default 5s
	MaxRetryDelay     time.Duration // default 60s
	HeartbeatInterval time.Duration // default HeartBeatInterval
}

// FeedV2 is safe for use by one Run loop plus concurrent Subscribe callers.
type FeedV2 struct {
	cfg    FeedConfig
	Dialer *websocket.Dialer

	mu    sync.Mutex
	conn  *websocket.Conn
	subs  map[int]map[int][]string // mode -> exchangeType -> tokens
	wmu   sync.Mutex
	lastP time.Time

	// Callbacks
	OnPacket  func(p Packet)
	OnOpen    func()
	OnClose   func(err error)
	OnControl func(msg string)
}

// NewFeedV2 validates credentials and returns an unconnected feed.
func NewFeedV2(cfg FeedConfig) (*FeedV2, error) {
	if cfg.AuthToken == "" || cfg.APIKey == "" || cfg.ClientCode == "" || cfg.FeedToken == "" {
		return nil, errors.New("smartconnect: provide valid value for all the tokens")
	}
	if cfg.URL == "" {
		cfg.URL = RootURI
	}
	if cfg.MaxRetryAttempt == 0 {
		cfg.MaxRetryAttempt = 5
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.MaxRetryDelay == 0 {
		cfg.MaxRetryDelay = 60 * time.Second
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = HeartBeatInterval
	}
	return &FeedV2{
		cfg:    cfg,
		Dialer: websocket.DefaultDialer,
		subs:   make(map[int]map[int][]string),
	}, nil
}

// Run connects and reads frames until ctx is cancelled or the retry budget is
// spent. Subscriptions registered with Subscribe are replayed on every connect.
func (f *FeedV2) Run(ctx context.Context) error {
	delay := f.cfg.RetryDelay
	attempts := 0
	for {
		err := f.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if f.OnClose != nil {
			f.OnClose(err)
		}
		attempts++
		if f.cfg.MaxRetryAttempt > 0 && attempts > f.cfg.MaxRetryAttempt {
			return fmt.Errorf("smartconnect: feed gave up after %d attempts: %w", attempts-1, err)
		}
		slog.Warn("smartconnect: feed disconnected, reconnecting", "error", err, "delay", delay, "attempt", attempts)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > f.cfg.MaxRetryDelay {
			delay = f.cfg.MaxRetryDelay
		}
	}
}

func (f *FeedV2) runOnce(ctx context.Context) error {
	header := http.Header{}
	header.Add("Authorization", f.cfg.AuthToken)
	header.Add("x-api-key", f.cfg.APIKey)
	header.Add("x-client-code", f.cfg.ClientCode)
	header.Add("x-feed-token", f.cfg.FeedToken)

	conn, resp, err := f.Dialer.DialContext(ctx, f.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial: %s: %w", resp.Status, err)
		}
		return fmt.Errorf("dial: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()
		conn.Close()
	}()

	if err := f.resubscribe(); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}
	if f.OnOpen != nil {
		f.OnOpen()
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go f.heartbeatLoop(connCtx, conn)
	go func() {
		<-connCtx.Done()
		f.write(conn, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}()

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		switch mt {
		case websocket.BinaryMessage:
			p, perr := ParsePacket(msg)
			if perr != nil {
				slog.Debug("smartconnect: parse error", "error", perr)
				continue
			}
			if f.OnPacket != nil {
				f.OnPacket(p)
			}
		case websocket.TextMessage:
			if string(msg) == "pong" {
				f.mu.Lock()
				f.lastP = time.Now()
				f.mu.Unlock()
				continue
			}
			if f.OnControl != nil {
				f.OnControl(string(msg))
			}
		}
	}
}

func (f *FeedV2) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(f.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.write(conn, websocket.TextMessage, []byte(HeartBeatMessage)); err != nil {
				slog.Warn("smartconnect: heartbeat write failed", "error", err)
				conn.Close()
				return
			}
		}
	}
}

// write serialises frame writes; gorilla connections allow one writer at a time.
func (f *FeedV2) write(conn *websocket.Conn, mt int, data []byte) error {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(mt, data)
}

func (f *FeedV2) writeJSON(conn *websocket.Conn, v any) error {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(v)
}

type subRequest struct {
	CorrelationID string    `json:"correlationID,omitempty"`
	Action        int       `json:"action"`
	Params        subParams `json:"params"`
}

type subParams struct {
	Mode      int              `json:"mode"`
	TokenList []TokenListEntry `json:"tokenList"`
}

// Subscribe records the tokens and, if connected, sends the request now.
func (f *FeedV2) Subscribe(correlationID string, mode int, tokenList []TokenListEntry) error {
	f.mu.Lock()
	if f.subs[mode] == nil {
		f.subs[mode] = make(map[int][]string)
	}
	for _, tl := range tokenList {
		f.subs[mode][tl.ExchangeType] = appendUnique(f.subs[mode][tl.ExchangeType], tl.Tokens...)
	}
	conn := f.conn
	f.mu.Unlock()

	if conn == nil {
		return nil
	}
	return f.writeJSON(conn, subRequest{
		CorrelationID: correlationID,
		Action:        SubscribeAction,
		Params:        subParams{Mode: mode, TokenList: tokenList},
	})
}

func (f *FeedV2) resubscribe() error {
	f.mu.Lock()
	conn := f.conn
	reqs := make([]subRequest, 0, len(f.subs))
	for mode, byEx := range f.subs {
		var tl []TokenListEntry
		for ex, toks := range byEx {
			tl = append(tl, TokenListEntry{ExchangeType: ex, Tokens: append([]string(nil), toks...)})
		}
		reqs = append(reqs, subRequest{Action: SubscribeAction, Params: subParams{Mode: mode, TokenList: tl}})
	}
	f.mu.Unlock()

	for _, r := range reqs {
		if err := f.writeJSON(conn, r); err != nil {
			return err
		}
	}
	return nil
}

// LastPong returns when the server last answered a heartbeat.
func (f *FeedV2) LastPong() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastP
}

func appendUnique(dst []string, toks ...string) []string {
	seen := make(map[string]bool, len(dst))
	for _, t := range dst {
		seen[t] = true
	}
	for _, t := range toks {
		if !seen[t] {
			seen[t] = true
			dst = append(dst, t)
		}
	}
	return dst
}

// PaiseToRupees converts a feed price to rupees.
func PaiseToRupees(p int64) float64 {
	return float64(p) / 100
}
