package lifecycle

import (
	"testing"
	"time"

	"github.com/pawcare-labs/pawcare/services/appointment-service/internal/model"
)

func apptAt(status string, date time.Time, start string) *model.Appointment {
	return &model.Appointment{
		Status:        status,
		ScheduledDate: date,
		StartTime:     start,
		EndTime:       "14:30",
	}
}

func TestEvaluate_StartWindow(t *testing.T) {
	day := time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC)
	appt := apptAt(model.StatusConfirmed, day, "14:00")

	cases := []struct {
		name     string
		now      time.Time
		canStart bool
	}{
		{"8 minutes early", day.Add(13*time.Hour + 52*time.Minute), true},
		{"35 minutes early", day.Add(13*time.Hour + 25*time.Minute), false},
		{"exactly 30 minutes early", day.Add(13*time.Hour + 30*time.Minute), true},
		{"on time", day.Add(14 * time.Hour), true},
		{"10 minutes late", day.Add(14*time.Hour + 10*time.Minute), true},
		{"11 minutes late", day.Add(14*time.Hour + 11*time.Minute), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Evaluate(appt, tc.now)
			if got.CanStart != tc.canStart {
				t.Fatalf("CanStart at %s = %v, want %v", tc.now.Format("15:04"), got.CanStart, tc.canStart)
			}
		})
	}
}

func TestEvaluate_StatusGates(t *testing.T) {
	day := time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC)
	now := day.Add(13*time.Hour + 55*time.Minute)

	for _, status := range []string{
		model.StatusInProgress, model.StatusCompleted, model.StatusCancelled,
		model.StatusNoShow, model.StatusMissed,
	} {
		got := Evaluate(apptAt(status, day, "14:00"), now)
		if got.CanStart || got.CanCancel || got.CanReschedule {
			t.Fatalf("status %s: unexpected eligibility %+v", status, got)
		}
	}

	// Join is allowed for an in-progress consult inside the window.
	got := Evaluate(apptAt(model.StatusInProgress, day, "14:00"), now)
	if !got.CanJoin {
		t.Fatal("expected CanJoin for in_progress inside window")
	}
	// But not for a merely scheduled one.
	got = Evaluate(apptAt(model.StatusScheduled, day, "14:00"), now)
	if got.CanJoin {
		t.Fatal("did not expect CanJoin for scheduled")
	}
}

func TestEvaluate_CancelAndRescheduleLead(t *testing.T) {
	day := time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC)
	appt := apptAt(model.StatusScheduled, day, "14:00")

	cases := []struct {
		name          string
		now           time.Time
		canCancel     bool
		canReschedule bool
	}{
		{"5 hours before", day.Add(9 * time.Hour), true, true},
		{"3 hours before", day.Add(11 * time.Hour), true, false},
		{"exactly 2 hours before", day.Add(12 * time.Hour), true, false},
		{"90 minutes before", day.Add(12*time.Hour + 30*time.Minute), false, false},
		{"after start", day.Add(14*time.Hour + 5*time.Minute), false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Evaluate(appt, tc.now)
			if got.CanCancel != tc.canCancel {
				t.Fatalf("CanCancel = %v, want %v", got.CanCancel, tc.canCancel)
			}
			if got.CanReschedule != tc.canReschedule {
				t.Fatalf("CanReschedule = %v, want %v", got.CanReschedule, tc.canReschedule)
			}
		})
	}
}

func TestEvaluate_BadClockIsIneligible(t *testing.T) {
	day := time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC)
	got := Evaluate(apptAt(model.StatusConfirmed, day, "25:99"), day)
	if got != (Eligibility{}) {
		t.Fatalf("expected zero eligibility for unparseable start time, got %+v", got)
	}
}

func TestActualDuration(t *testing.T) {
	now := time.Date(2026, 3, 12, 15, 0, 0, 0, time.UTC)

	started := now.Add(-31*time.Minute - 40*time.Second)
	if got := ActualDuration(0, &started, now); got != 31 {
		t.Fatalf("floored duration = %d, want 31", got)
	}

	if got := ActualDuration(45, &started, now); got != 45 {
		t.Fatalf("supplied duration = %d, want 45", got)
	}

	future := now.Add(5 * time.Minute)
	if got := ActualDuration(0, &future, now); got != 0 {
		t.Fatalf("negative elapsed should clamp to 0, got %d", got)
	}

	if got := ActualDuration(0, nil, now); got != 0 {
		t.Fatalf("nil startedAt should yield 0, got %d", got)
	}
}

func TestMergeText(t *testing.T) {
	if got := MergeText("previous notes", ""); got != "previous notes" {
		t.Fatalf("blank update should keep existing, got %q", got)
	}
	if got := MergeText("previous notes", "  "); got != "previous notes" {
		t.Fatalf("whitespace update should keep existing, got %q", got)
	}
	if got := MergeText("previous notes", "new notes"); got != "new notes" {
		t.Fatalf("update should replace, got %q", got)
	}
}

func TestSettlesOnCompletion(t *testing.T) {
	cash := model.Payment{Method: model.MethodCash, Status: model.PaymentPending}
	if !SettlesOnCompletion(cash) {
		t.Fatal("pending cash payment should settle when the consult ends")
	}
	card := model.Payment{Method: model.MethodCard, Status: model.PaymentPending}
	if SettlesOnCompletion(card) {
		t.Fatal("card payments must wait for the gateway webhook")
	}
	paid := model.Payment{Method: model.MethodCash, Status: model.PaymentCompleted}
	if SettlesOnCompletion(paid) {
		t.Fatal("already-settled payment should not settle again")
	}
}

func TestCombineDateClock(t *testing.T) {
	day := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	got, err := CombineDateClock(day, "09:45")
	if err != nil {
		t.Fatalf("CombineDateClock failed: %v", err)
	}
	want := time.Date(2026, 7, 1, 9, 45, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %s, want %s", got, want)
	}

	if _, err := CombineDateClock(day, "9.45"); err == nil {
		t.Fatal("expected error for malformed clock")
	}
}
