package markethours

import (
	"testing"
	"time"
)

func ist(y int, m time.Month, d, h, mi, s int) time.Time {
	return time.Date(y, m, d, h, mi, s, 0, IST)
}

func TestInSessionBoundaries(t *testing.T) {
	tests := []struct {
		name string
		t    time.Time
		want bool
	}{
		{"before open", ist(2024, 6, 3, 9, 14, 59), false},
		{"open", ist(2024, 6, 3, 9, 15, 0), true},
		{"midday", ist(2024, 6, 3, 12, 0, 0), true},
		{"close inclusive", ist(2024, 6, 3, 15, 30, 0), true},
		{"after close", ist(2024, 6, 3, 15, 30, 1), false},
		{"weekend still in window", ist(2024, 6, 8, 10, 0, 0), true},
		{"utc input", time.Date(2024, 6, 3, 3, 45, 0, 0, time.UTC), true},
	}
	for _, tt := range tests {
		if got := InSession(tt.t); got != tt.want {
			t.Errorf("%s: InSession(%v) = %v, want %v", tt.name, tt.t, got, tt.want)
		}
	}
}

func TestTimeOfDay(t *testing.T) {
	got := TimeOfDay(time.Date(2024, 6, 3, 4, 0, 30, 0, time.UTC))
	want := 9*time.Hour + 30*time.Minute + 30*time.Second
	if got != want {
		t.Errorf("TimeOfDay = %v, want %v", got, want)
	}
}

func TestIsMarketOpen(t *testing.T) {
	if !IsMarketOpen(ist(2026, 10, 19, 10, 0, 0)) {
		t.Error("Monday 10:00 should be open")
	}
	if IsMarketOpen(ist(2026, 10, 20, 10, 0, 0)) {
		t.Error("Dussehra should be closed")
	}
	if IsMarketOpen(ist(2026, 10, 24, 10, 0, 0)) {
		t.Error("Saturday should be closed")
	}
	if IsMarketOpen(ist(2026, 10, 19, 15, 30, 0)) {
		t.Error("15:30 is the end of trading")
	}
}

func TestNextOpen(t *testing.T) {
	// Monday evening before a two-day holiday.
	got := NextOpen(ist(2026, 10, 19, 16, 0, 0))
	want := ist(2026, 10, 22, 9, 15, 0)
	if !got.Equal(want) {
		t.Errorf("NextOpen = %v, want %v", got, want)
	}

	got = NextOpen(ist(2026, 10, 19, 8, 0, 0))
	if !got.Equal(ist(2026, 10, 19, 9, 15, 0)) {
		t.Errorf("NextOpen before open = %v", got)
	}

	if pre := NextPreOpen(ist(2026, 10, 19, 8, 0, 0)); !pre.Equal(ist(2026, 10, 19, 9, 10, 0)) {
		t.Errorf("NextPreOpen = %v", pre)
	}
}

func TestTimeUntilClose(t *testing.T) {
	if d := TimeUntilClose(ist(2026, 10, 19, 15, 0, 0)); d != 30*time.Minute {
		t.Errorf("TimeUntilClose = %v", d)
	}
	if d := TimeUntilClose(ist(2026, 10, 19, 16, 0, 0)); d != 0 {
		t.Errorf("TimeUntilClose after close = %v", d)
	}
}
