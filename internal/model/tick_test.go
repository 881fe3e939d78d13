package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTickTime(t *testing.T) {
	ts, naive, err := ParseTickTime("2024-06-03T09:15:00.250+05:30")
	require.NoError(t, err)
	assert.False(t, naive)
	_, off := ts.Zone()
	assert.Equal(t, 19800, off)

	_, naive, err = ParseTickTime("2024-06-03 09:15:00")
	require.NoError(t, err)
	assert.True(t, naive)

	_, _, err = ParseTickTime("not a time")
	assert.Error(t, err)
}

func TestTickUnmarshalJSON(t *testing.T) {
	var tk Tick
	require.NoError(t, json.Unmarshal([]byte(`{"symbol":"SBIN","token":"3045","exchange":"NSE","price":812.5,"qty":4,"tick_ts":"2024-06-03T03:45:10Z"}`), &tk))
	assert.Equal(t, "SBIN", tk.Symbol)
	assert.Equal(t, int64(4), tk.Qty)
	assert.True(t, tk.HasZone())
	assert.True(t, tk.TickTS.Equal(time.Date(2024, 6, 3, 3, 45, 10, 0, time.UTC)))
}

func TestTickUnmarshalJSON_DefaultsAndNaive(t *testing.T) {
	var tk Tick
	require.NoError(t, json.Unmarshal([]byte(`{"symbol":"SBIN","price":812.5,"tick_ts":"2024-06-03T09:15:10"}`), &tk))
	assert.Equal(t, int64(DefaultQty), tk.Qty)
	assert.True(t, tk.Naive)
	assert.False(t, tk.HasZone())

	var zero Tick
	require.NoError(t, json.Unmarshal([]byte(`{"symbol":"SBIN","price":1,"qty":0}`), &zero))
	assert.Equal(t, int64(0), zero.Qty)
	assert.False(t, zero.HasZone())
}

func TestTickUnmarshalJSON_BadTimestamp(t *testing.T) {
	var tk Tick
	assert.Error(t, json.Unmarshal([]byte(`{"symbol":"SBIN","price":1,"tick_ts":"soon"}`), &tk))
}

func TestTickJSONRoundTrip(t *testing.T) {
	in := Tick{Symbol: "INFY", Token: "1594", Exchange: "NSE", Price: 1500.25, Qty: 2,
		TickTS: time.Date(2024, 6, 3, 10, 0, 0, 0, time.FixedZone("IST", 19800))}
	raw, err := json.Marshal(in)
	require.NoError(t, err)
	var out Tick
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.True(t, out.TickTS.Equal(in.TickTS))
	assert.Equal(t, in.Price, out.Price)
	assert.False(t, out.Naive)
}
