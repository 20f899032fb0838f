package eligibility

import (
	"testing"
	"time"
)

func TestParseQuietWindow(t *testing.T) {
	w, err := ParseQuietWindow("22:00", "07:30")
	if err != nil || !w.Enabled || w.Start != 22*60 || w.End != 7*60+30 {
		t.Fatalf("w=%+v err=%v", w, err)
	}
	if w, _ := ParseQuietWindow("", "07:00"); w.Enabled {
		t.Fatalf("half-open window should be disabled")
	}
	if w, _ := ParseQuietWindow("08:00", "08:00"); w.Enabled {
		t.Fatalf("empty window should be disabled")
	}
	for _, bad := range []string{"24:00", "7", "ab:cd", "10:60"} {
		if _, err := ParseQuietWindow(bad, "08:00"); err == nil {
			t.Fatalf("%q should fail", bad)
		}
	}
}

func TestDeferral_WrapsMidnight(t *testing.T) {
	w, _ := ParseQuietWindow("22:00", "07:00")
	utc := time.UTC
	cases := []struct {
		now   time.Time
		in    bool
		until time.Time
	}{
		{time.Date(2024, 1, 1, 23, 15, 0, 0, utc), true, time.Date(2024, 1, 2, 7, 0, 0, 0, utc)},
		{time.Date(2024, 1, 2, 3, 0, 0, 0, utc), true, time.Date(2024, 1, 2, 7, 0, 0, 0, utc)},
		{time.Date(2024, 1, 2, 6, 59, 59, 0, utc), true, time.Date(2024, 1, 2, 7, 0, 0, 0, utc)},
		{time.Date(2024, 1, 2, 7, 0, 0, 0, utc), false, time.Time{}},
		{time.Date(2024, 1, 2, 21, 59, 0, 0, utc), false, time.Time{}},
		{time.Date(2024, 1, 2, 22, 0, 0, 0, utc), true, time.Date(2024, 1, 3, 7, 0, 0, 0, utc)},
	}
	for _, tc := range cases {
		until, in := w.Deferral(tc.now, utc)
		if in != tc.in {
			t.Fatalf("now=%s in=%v want %v", tc.now, in, tc.in)
		}
		if in && !until.Equal(tc.until) {
			t.Fatalf("now=%s until=%s want %s", tc.now, until, tc.until)
		}
		if in && !until.After(tc.now) {
			t.Fatalf("until %s not after now %s", until, tc.now)
		}
	}
}

func TestDeferral_SameDayWindow(t *testing.T) {
	w, _ := ParseQuietWindow("12:00", "13:30")
	now := time.Date(2024, 1, 1, 12, 45, 0, 0, time.UTC)
	until, in := w.Deferral(now, time.UTC)
	if !in || !until.Equal(time.Date(2024, 1, 1, 13, 30, 0, 0, time.UTC)) {
		t.Fatalf("until=%s in=%v", until, in)
	}
	if _, in := w.Deferral(now.Add(time.Hour), time.UTC); in {
		t.Fatalf("13:45 is outside the window")
	}
}

func TestDeferral_UsesUserTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	w, _ := ParseQuietWindow("22:00", "07:00")
	// 03:00 UTC on Jan 2 is 22:00 on Jan 1 in New York (UTC-5).
	now := time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC)
	until, in := w.Deferral(now, loc)
	if !in {
		t.Fatalf("expected quiet hours in New York")
	}
	if want := time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC); !until.Equal(want) {
		t.Fatalf("until=%s want %s", until, want)
	}
	// 12:00 UTC is 07:00 in New York: the window has ended.
	if _, in := w.Deferral(time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC), loc); in {
		t.Fatalf("07:00 local should be outside the window")
	}
}
