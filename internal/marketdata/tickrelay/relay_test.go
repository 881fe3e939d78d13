package tickrelay

import (
	"context"
	"encoding/json"
	"math"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"barengine/internal/markethours"
	"barengine/internal/model"
)

func TestWalkPrice(t *testing.T) {
	tests := []struct {
		price, u, want float64
	}{
		{1000, 0.5, 1000},
		{1000, 1, 1001},
		{1000, 0, 999},
		{0.05, 0, 0.05},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, walkPrice(tt.price, tt.u), 1e-9, "walkPrice(%v, %v)", tt.price, tt.u)
	}
}

func TestGeneratorNext(t *testing.T) {
	instrs := []model.Instrument{
		{Symbol: "SBIN", Token: "3045", Exchange: "NSE"},
		{Symbol: "TCS", Token: "11536", Exchange: "NSE"},
	}
	g := NewGenerator(instrs, 500, 1)
	fixed := time.Date(2024, 6, 3, 4, 30, 0, 0, time.UTC)
	g.now = func() time.Time { return fixed }

	for i := 0; i < 50; i++ {
		ticks := g.Next()
		require.Len(t, ticks, 2)
		for _, tk := range ticks {
			steps := tk.Price / TickSize
			assert.InDelta(t, math.Round(steps), steps, 1e-6)
			assert.GreaterOrEqual(t, tk.Qty, int64(1))
			assert.Equal(t, markethours.IST, tk.TickTS.Location())
		}
	}
}

func TestHubStreamsTicks(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in := make(chan model.Tick, 1)
	go hub.Pump(ctx, in)

	ts := time.Date(2024, 6, 3, 10, 0, 0, 0, markethours.IST)
	in <- model.Tick{Symbol: "SBIN", Token: "3045", Exchange: "NSE", Price: 830.5, Qty: 3, TickTS: ts}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var got model.Tick
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "SBIN", got.Symbol)
	assert.Equal(t, 830.5, got.Price)
	assert.Equal(t, int64(3), got.Qty)
	assert.True(t, got.TickTS.Equal(ts))
	assert.True(t, got.HasZone())

	conn.Close()
	assert.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}
