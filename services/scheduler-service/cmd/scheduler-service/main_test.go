package main

import (
	"testing"
	"time"

	"github.com/pawcare-labs/pawcare/libs/config"
)

// The reschedule consumer and the booking side must agree on which
// remind_ats a reschedule invalidates; both read the same offsets env.
func TestRescheduleCancellationOffsets(t *testing.T) {
	t.Setenv("REMINDER_OFFSETS_MINUTES", "1440,60")
	offsets := config.MinutesList("REMINDER_OFFSETS_MINUTES", "1440,60")

	oldStart := time.Date(2026, 9, 1, 14, 0, 0, 0, time.UTC)
	var remindAts []time.Time
	for _, offset := range offsets {
		remindAts = append(remindAts, oldStart.Add(-offset))
	}

	want := []time.Time{
		time.Date(2026, 8, 31, 14, 0, 0, 0, time.UTC),
		time.Date(2026, 9, 1, 13, 0, 0, 0, time.UTC),
	}
	if len(remindAts) != len(want) {
		t.Fatalf("remindAts = %v, want %v", remindAts, want)
	}
	for i := range want {
		if !remindAts[i].Equal(want[i]) {
			t.Fatalf("remindAts[%d] = %v, want %v", i, remindAts[i], want[i])
		}
	}
}
