package schedule

import (
	"errors"
	"testing"
	"time"
)

func TestNextRun_DailyUTC(t *testing.T) {
	after := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	want := time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)

	got, err := NextRun("0 2 * * *", "UTC", after)
	if err != nil {
		t.Fatalf("NextRun failed: %v", err)
	}
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNextRun_TimezoneConvertsToUTC(t *testing.T) {
	// 02:00 in New York on Jan 1 is 07:00 UTC (EST, UTC-5).
	after := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	got, err := NextRun("0 2 * * *", "America/New_York", after)
	if err != nil {
		t.Fatalf("NextRun failed: %v", err)
	}
	want := time.Date(2024, 1, 1, 7, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got.Location() != time.UTC {
		t.Errorf("result not in UTC: %v", got.Location())
	}
}

func TestNextRun_StrictlyAfter(t *testing.T) {
	// When 'after' is exactly a fire time, the next fire is the following one.
	after := time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)

	got, err := NextRun("0 2 * * *", "UTC", after)
	if err != nil {
		t.Fatalf("NextRun failed: %v", err)
	}
	want := time.Date(2024, 1, 2, 2, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestNextRun_Deterministic(t *testing.T) {
	after := time.Date(2024, 6, 15, 9, 30, 0, 0, time.UTC)
	first, err := NextRun("*/15 * * * *", "Europe/Berlin", after)
	if err != nil {
		t.Fatalf("NextRun failed: %v", err)
	}
	second, err := NextRun("*/15 * * * *", "Europe/Berlin", after)
	if err != nil {
		t.Fatalf("NextRun failed: %v", err)
	}
	if !first.Equal(second) {
		t.Errorf("same inputs gave %v and %v", first, second)
	}
}

func TestNextRun_MalformedExpression(t *testing.T) {
	_, err := NextRun("not a cron", "UTC", time.Now())
	if !errors.Is(err, ErrMalformedSchedule) {
		t.Errorf("got %v, want ErrMalformedSchedule", err)
	}
}

func TestNextRun_UnknownTimezone(t *testing.T) {
	_, err := NextRun("0 2 * * *", "Mars/Olympus_Mons", time.Now())
	if !errors.Is(err, ErrMalformedSchedule) {
		t.Errorf("got %v, want ErrMalformedSchedule", err)
	}
}

func TestIsDue(t *testing.T) {
	lastRun := time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"before next fire", time.Date(2024, 1, 2, 1, 59, 0, 0, time.UTC), false},
		{"exactly at next fire", time.Date(2024, 1, 2, 2, 0, 0, 0, time.UTC), true},
		{"after next fire", time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := IsDue("0 2 * * *", "UTC", lastRun, tt.now)
			if err != nil {
				t.Fatalf("IsDue failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	if err := Validate("30 4 * * 1", "UTC"); err != nil {
		t.Errorf("valid schedule rejected: %v", err)
	}
	if err := Validate("61 4 * * 1", "UTC"); err == nil {
		t.Error("expected error for out-of-range minute")
	}
}
