package wssim

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"barengine/internal/instruments"
	"barengine/internal/model"
)

func TestNew_RejectsHTTPScheme(t *testing.T) {
	_, err := New(Config{URL: "http://localhost:9001"}, nil, nil)
	assert.Error(t, err)
}

func TestDecode(t *testing.T) {
	reg, err := instruments.New([][2]string{{"SBIN", "3045"}})
	require.NoError(t, err)
	ing, err := New(Config{URL: "ws://x"}, reg, nil)
	require.NoError(t, err)

	tick, err := ing.decode([]byte(`{"token":"3045","price":800.1,"tick_ts":"2024-06-03T09:15:00+05:30"}`))
	require.NoError(t, err)
	assert.Equal(t, "SBIN", tick.Symbol)
	assert.Equal(t, "NSE", tick.Exchange)
	assert.Equal(t, int64(model.DefaultQty), tick.Qty)

	tick, err = ing.decode([]byte(`{"symbol":"SBIN","price":800.1,"tick_ts":"2024-06-03 09:15:00"}`))
	require.NoError(t, err)
	assert.True(t, tick.Naive)

	_, err = ing.decode([]byte(`{"token":"9","price":1}`))
	assert.Error(t, err)
	_, err = ing.decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestStart_StreamsTicks(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"symbol":"INFY","price":1500,"qty":3,"tick_ts":"2024-06-03T09:16:00+05:30"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`garbage`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"symbol":"INFY","price":1501,"tick_ts":"2024-06-03T09:16:01+05:30"}`))
		conn.ReadMessage()
	}))
	defer srv.Close()

	ing, err := New(Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}, nil, nil)
	require.NoError(t, err)

	tickCh := make(chan model.Tick, 10)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ing.Start(ctx, tickCh) }()

	var got []model.Tick
	for len(got) < 2 {
		select {
		case tk := <-tickCh:
			got = append(got, tk)
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d ticks", len(got))
		}
	}
	assert.Equal(t, 1500.0, got[0].Price)
	assert.Equal(t, int64(3), got[0].Qty)
	assert.Equal(t, 1501.0, got[1].Price)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return")
	}
}
