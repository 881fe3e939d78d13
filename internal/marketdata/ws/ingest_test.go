package ws

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"barengine/internal/instruments"
	"barengine/internal/model"
	"barengine/pkg/smartconnect"
)

func newTestIngest(t *testing.T) *Ingest {
	t.Helper()
	reg, err := instruments.New([][2]string{{"RELIANCE", "2885"}, {"SBIN", "3045"}})
	require.NoError(t, err)
	insts, err := reg.Subset([]string{"RELIANCE", "SBIN"})
	require.NoError(t, err)
	ing, err := New(IngestConfig{
		Feed:        smartconnect.FeedConfig{AuthToken: "a", APIKey: "k", ClientCode: "c", FeedToken: "f"},
		Instruments: insts,
	}, reg, nil, nil)
	require.NoError(t, err)
	return ing
}

func TestToTick(t *testing.T) {
	ing := newTestIngest(t)
	ts := time.Date(2024, 6, 3, 9, 20, 1, 500e6, time.FixedZone("IST", 19800))

	tick, drop := ing.toTick(smartconnect.Packet{
		Mode: smartconnect.ModeQuote, ExchangeType: smartconnect.NSE_CM, Token: "2885",
		ExchangeTS: ts.UnixMilli(), LTP: 290055, LTQ: 7, HasLTQ: true,
	})
	require.Empty(t, drop)
	assert.Equal(t, "RELIANCE", tick.Symbol)
	assert.Equal(t, "NSE", tick.Exchange)
	assert.InDelta(t, 2900.55, tick.Price, 1e-9)
	assert.Equal(t, int64(7), tick.Qty)
	assert.True(t, tick.TickTS.Equal(ts))
	assert.Equal(t, 9, tick.TickTS.Hour())
	assert.True(t, tick.HasZone())
}

func TestToTick_DefaultQty(t *testing.T) {
	ing := newTestIngest(t)
	for _, p := range []smartconnect.Packet{
		{Token: "3045", ExchangeType: 1, ExchangeTS: 1, LTP: 100},
		{Token: "3045", ExchangeType: 1, ExchangeTS: 1, LTP: 100, HasLTQ: true},
	} {
		tick, drop := ing.toTick(p)
		require.Empty(t, drop)
		assert.Equal(t, int64(model.DefaultQty), tick.Qty)
	}
}

func TestToTick_Drops(t *testing.T) {
	ing := newTestIngest(t)
	tests := []struct {
		name string
		p    smartconnect.Packet
		want string
	}{
		{"no token", smartconnect.Packet{ExchangeTS: 1, LTP: 1}, DropMissingField},
		{"no price", smartconnect.Packet{Token: "2885", ExchangeTS: 1}, DropMissingField},
		{"no timestamp", smartconnect.Packet{Token: "2885", LTP: 1}, DropMissingField},
		{"unknown token", smartconnect.Packet{Token: "999999", ExchangeTS: 1, LTP: 1}, DropUnknownSymbol},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, drop := ing.toTick(tt.p)
			assert.Equal(t, tt.want, drop)
		})
	}
}

func TestTokenList(t *testing.T) {
	ing := newTestIngest(t)
	tl := ing.tokenList()
	require.Len(t, tl, 1)
	assert.Equal(t, smartconnect.NSE_CM, tl[0].ExchangeType)
	assert.Equal(t, []string{"2885", "3045"}, tl[0].Tokens)
}

func TestNew_RequiresInstruments(t *testing.T) {
	_, err := New(IngestConfig{Feed: smartconnect.FeedConfig{AuthToken: "a", APIKey: "k", ClientCode: "c", FeedToken: "f"}}, nil, nil, nil)
	assert.Error(t, err)
}
