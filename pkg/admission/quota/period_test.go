package quota

import (
	"testing"
	"time"
)

func TestDailyBounds(t *testing.T) {
	utc := time.UTC

	tests := []struct {
		name      string
		now       time.Time
		resetTime string
		wantKey   string
		wantEnd   time.Time
	}{
		{
			name:    "midnight reset midday",
			now:     time.Date(2026, 8, 30, 14, 0, 0, 0, utc),
			wantKey: "2026-08-30",
			wantEnd: time.Date(2026, 8, 31, 0, 0, 0, 0, utc),
		},
		{
			name:      "before custom reset files under previous day",
			now:       time.Date(2026, 8, 30, 2, 59, 0, 0, utc),
			resetTime: "03:00",
			wantKey:   "2026-08-29",
			wantEnd:   time.Date(2026, 8, 30, 3, 0, 0, 0, utc),
		},
		{
			name:      "after custom reset files under current day",
			now:       time.Date(2026, 8, 30, 3, 0, 0, 0, utc),
			resetTime: "03:00",
			wantKey:   "2026-08-30",
			wantEnd:   time.Date(2026, 8, 31, 3, 0, 0, 0, utc),
		},
		{
			name:    "month boundary",
			now:     time.Date(2026, 8, 31, 23, 59, 59, 0, utc),
			wantKey: "2026-08-31",
			wantEnd: time.Date(2026, 9, 1, 0, 0, 0, 0, utc),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bounds, err := DailyBounds(tt.now, tt.resetTime, utc)
			if err != nil {
				t.Fatalf("DailyBounds: %v", err)
			}
			if bounds.Key != tt.wantKey {
				t.Errorf("key = %q, want %q", bounds.Key, tt.wantKey)
			}
			if !bounds.End.Equal(tt.wantEnd) {
				t.Errorf("end = %v, want %v", bounds.End, tt.wantEnd)
			}
		})
	}
}

func TestDailyBounds_BadResetTime(t *testing.T) {
	for _, bad := range []string{"3am", "24:00", "12:60", "12"} {
		if _, err := DailyBounds(time.Now(), bad, time.UTC); err == nil {
			t.Errorf("DailyBounds(%q) should fail", bad)
		}
	}
}

func TestMonthlyBounds(t *testing.T) {
	now := time.Date(2026, 12, 15, 8, 0, 0, 0, time.UTC)
	bounds := MonthlyBounds(now, time.UTC)

	if bounds.Key != "2026-12" {
		t.Errorf("key = %q, want 2026-12", bounds.Key)
	}
	wantEnd := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	if !bounds.End.Equal(wantEnd) {
		t.Errorf("end = %v, want %v (year rollover)", bounds.End, wantEnd)
	}
}

func TestMonthlyBounds_Timezone(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	// 2026-08-31 23:00 UTC is already September in Tokyo.
	now := time.Date(2026, 8, 31, 23, 0, 0, 0, time.UTC)
	bounds := MonthlyBounds(now, tokyo)
	if bounds.Key != "2026-09" {
		t.Errorf("key = %q, want 2026-09", bounds.Key)
	}
}
