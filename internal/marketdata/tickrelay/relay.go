// Package tickrelay serves ticks as JSON text frames over WebSocket. It backs
// the staging feed: the bar engine connects to it through wssim instead of
// the broker.
package tickrelay

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"barengine/internal/markethours"
	"barengine/internal/model"
)

// TickSize is the NSE equity price increment in rupees.
const TickSize = 0.05

// Hub fans frames out to every connected client. A slow client loses frames.
type Hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
	log     *slog.Logger
}

// NewHub returns an empty hub.
func NewHub(l *slog.Logger) *Hub {
	if l == nil {
		l = slog.Default()
	}
	return &Hub{clients: make(map[*websocket.Conn]chan []byte), log: l}
}

func (h *Hub) register(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 256)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues msg for every client.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- msg:
		default: // slow client, drop frame
		}
	}
}

// BroadcastTick encodes t in the model.Tick wire format and broadcasts it.
func (h *Hub) BroadcastTick(t model.Tick) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	h.Broadcast(b)
	return nil
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// Handler upgrades the request and streams frames until the client goes away.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn("tickrelay: upgrade failed", "error", err)
			return
		}
		h.log.Info("tickrelay: client connected", "remote", r.RemoteAddr)

		ch := h.register(conn)
		defer func() {
			h.unregister(conn)
			conn.Close()
			h.log.Info("tickrelay: client disconnected", "remote", r.RemoteAddr)
		}()

		// Reader goroutine notices the client closing.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-gone:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		}
	}
}

// Pump broadcasts every tick from in until in is closed or ctx is cancelled.
func (h *Hub) Pump(ctx context.Context, in <-chan model.Tick) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-in:
			if !ok {
				return
			}
			if err := h.BroadcastTick(t); err != nil {
				h.log.Warn("tickrelay: encode tick", "symbol", t.Symbol, "error", err)
			}
		}
	}
}

// Generator produces a bounded random walk per instrument.
type Generator struct {
	instruments []model.Instrument
	prices      []float64
	rng         *rand.Rand
	now         func() time.Time
}

// NewGenerator starts every instrument at startPrice rupees.
func NewGenerator(instrs []model.Instrument, startPrice float64, seed int64) *Generator {
	prices := make([]float64, len(instrs))
	for i := range prices {
		prices[i] = startPrice
	}
	return &Generator{
		instruments: instrs,
		prices:      prices,
		rng:         rand.New(rand.NewSource(seed)),
		now:         time.Now,
	}
}

// Next moves every price by up to 0.1% and returns one tick per instrument,
// stamped with the current IST time.
func (g *Generator) Next() []model.Tick {
	ts := g.now().In(markethours.IST)
	ticks := make([]model.Tick, len(g.instruments))
	for i, inst := range g.instruments {
		g.prices[i] = walkPrice(g.prices[i], g.rng.Float64())
		ticks[i] = model.Tick{
			Symbol:   inst.Symbol,
			Token:    inst.Token,
			Exchange: inst.Exchange,
			Price:    g.prices[i],
			Qty:      int64(g.rng.Intn(100) + 1),
			TickTS:   ts,
		}
	}
	return ticks
}

// walkPrice applies a move of (u*0.2-0.1)% and rounds to the tick size.
// The result never drops below one tick.
func walkPrice(price, u float64) float64 {
	pct := (u*0.2 - 0.1) / 100.0
	next := math.Round(price*(1+pct)/TickSize) * TickSize
	next = math.Round(next*100) / 100
	if next < TickSize {
		next = TickSize
	}
	return next
}

// RunGenerator broadcasts g's ticks every interval until ctx is cancelled.
func (h *Hub) RunGenerator(ctx context.Context, g *Generator, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, t := range g.Next() {
				h.BroadcastTick(t)
			}
		}
	}
}
