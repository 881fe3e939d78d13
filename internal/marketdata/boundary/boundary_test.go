package boundary

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"barengine/internal/markethours"
)

func at(h, m, s, ns int) time.Time {
	return time.Date(2024, 6, 3, h, m, s, ns, markethours.IST)
}

func TestStart_Truncates(t *testing.T) {
	tests := []struct {
		name string
		in   time.Time
		g    int
		want time.Time
	}{
		{"15m mid window", at(9, 17, 42, 0), 900, at(9, 15, 0, 0)},
		{"15m second window", at(9, 42, 5, 0), 900, at(9, 30, 0, 0)},
		{"15m exact boundary", at(9, 30, 0, 0), 900, at(9, 30, 0, 0)},
		{"1m drops seconds", at(10, 3, 59, 999_999_999), 60, at(10, 3, 0, 0)},
		{"5m", at(11, 59, 1, 0), 300, at(11, 55, 0, 0)},
		{"10m before open", at(9, 14, 59, 0), 600, at(9, 10, 0, 0)},
		{"3m", at(9, 20, 0, 1), 180, at(9, 18, 0, 0)},
		{"30m", at(15, 29, 0, 0), 1800, at(15, 0, 0, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.want.Equal(Start(tt.in, tt.g)), "got %s", Start(tt.in, tt.g))
		})
	}
}

func TestStart_KeepsLocation(t *testing.T) {
	in := time.Date(2024, 6, 3, 4, 7, 30, 0, time.UTC)
	got := Start(in, 300)
	assert.Equal(t, time.UTC, got.Location())
	assert.True(t, got.Equal(time.Date(2024, 6, 3, 4, 5, 0, 0, time.UTC)))
}

func TestStart_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	base := at(9, 15, 0, 0)
	for _, g := range []int{60, 180, 300, 600, 900, 1800} {
		d := time.Duration(g) * time.Second
		for i := 0; i < 500; i++ {
			ts := base.Add(time.Duration(rng.Int63n(int64(6*time.Hour + 15*time.Minute))))
			b := Start(ts, g)
			require.False(t, ts.Before(b), "boundary after tick: %s > %s", b, ts)
			require.True(t, ts.Before(b.Add(d)), "tick past end: %s", ts)
			require.True(t, b.Equal(Start(b, g)), "not idempotent at %s", b)
			require.True(t, End(ts, g).Equal(b.Add(d)))
		}
	}
}

func TestSupported(t *testing.T) {
	for _, g := range []int{60, 120, 180, 240, 300, 360, 600, 720, 900, 1200, 1800} {
		assert.True(t, Supported(g), "%d", g)
		assert.NoError(t, Check(g))
	}
	for _, g := range []int{0, -60, 30, 90, 420, 2700, 3600, 86400} {
		assert.False(t, Supported(g), "%d", g)
		assert.ErrorIs(t, Check(g), ErrUnsupportedGranularity)
	}
}

func TestStart_PanicsOnUnsupported(t *testing.T) {
	assert.Panics(t, func() { Start(at(10, 0, 0, 0), 3600) })
	assert.Panics(t, func() { Start(at(10, 0, 0, 0), 90) })
}
