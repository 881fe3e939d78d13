package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeframe(t *testing.T) {
	tests := []struct {
		in   string
		want Timeframe
	}{
		{"15m", FifteenMinute},
		{" 1M ", OneMinute},
		{"FIVE_MINUTE", FiveMinute},
		{"ten_minute", TenMinute},
		{"1h", OneHour},
	}
	for _, tt := range tests {
		got, err := ParseTimeframe(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseTimeframe("7m")
	assert.Error(t, err)
}

func TestTimeframeDuration(t *testing.T) {
	d, ok := ThreeMinute.Duration()
	assert.True(t, ok)
	assert.Equal(t, 3*time.Minute, d)
	assert.Equal(t, 600, TenMinute.Seconds())

	_, ok = Timeframe("TWO_MINUTE").Duration()
	assert.False(t, ok)
	assert.Zero(t, Timeframe("TWO_MINUTE").Seconds())
}

func TestTimeframeShort(t *testing.T) {
	assert.Equal(t, "15m", FifteenMinute.Short())
	assert.Equal(t, "1d", OneDay.Short())
	assert.Equal(t, "ODD", Timeframe("ODD").Short())
}
