package lifecycle

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pawcare-labs/pawcare/services/appointment-service/internal/model"
)

// Policy constants. These are platform-wide; they are not configurable per
// provider or per appointment type.
const (
	StartWindowBefore = 30 * time.Minute
	StartWindowAfter  = 10 * time.Minute
	CancelMinLead     = 2 * time.Hour
	RescheduleMinLead = 4 * time.Hour

	DefaultConnectionQuality = "good"
	DefaultMessageType       = "text"

	PrescriptionValidity = 30 * 24 * time.Hour
)

// Eligibility is the single evaluation of every time-window transition rule
// against one appointment. All checks run off the injected now so they are
// testable without a clock.
type Eligibility struct {
	CanStart      bool
	CanCancel     bool
	CanReschedule bool
	CanJoin       bool
}

func Evaluate(appt *model.Appointment, now time.Time) Eligibility {
	start, err := StartInstant(appt)
	if err != nil {
		return Eligibility{}
	}
	untilStart := start.Sub(now)

	inStartWindow := untilStart <= StartWindowBefore && untilStart >= -StartWindowAfter
	pending := appt.Status == model.StatusScheduled || appt.Status == model.StatusConfirmed

	return Eligibility{
		CanStart:      pending && inStartWindow,
		CanCancel:     pending && untilStart >= CancelMinLead,
		CanReschedule: pending && untilStart >= RescheduleMinLead,
		CanJoin: (appt.Status == model.StatusConfirmed || appt.Status == model.StatusInProgress) &&
			inStartWindow,
	}
}

// StartInstant combines the scheduled date with the "HH:MM" start time into
// an absolute UTC instant.
func StartInstant(appt *model.Appointment) (time.Time, error) {
	return CombineDateClock(appt.ScheduledDate, appt.StartTime)
}

func CombineDateClock(date time.Time, clock string) (time.Time, error) {
	hour, minute, err := ParseClock(clock)
	if err != nil {
		return time.Time{}, err
	}
	d := date.UTC()
	return time.Date(d.Year(), d.Month(), d.Day(), hour, minute, 0, 0, time.UTC), nil
}

func ParseClock(clock string) (hour int, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(clock), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q (want HH:MM)", clock)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", clock)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", clock)
	}
	return hour, minute, nil
}

// ActualDuration returns the supplied duration when positive, otherwise the
// elapsed consultation time floored to whole minutes. Never negative.
func ActualDuration(supplied int, startedAt *time.Time, now time.Time) int {
	if supplied > 0 {
		return supplied
	}
	if startedAt == nil {
		return 0
	}
	mins := int(now.Sub(*startedAt) / time.Minute)
	if mins < 0 {
		return 0
	}
	return mins
}

// MergeText keeps the previously stored value when the update is blank.
func MergeText(existing, update string) string {
	if strings.TrimSpace(update) == "" {
		return existing
	}
	return update
}

// SettlesOnCompletion reports whether ending the consultation should promote
// a pending payment to completed. Only non-gateway methods settle this way;
// card payments are confirmed by the payment provider's webhook, never by
// finishing the consult.
func SettlesOnCompletion(p model.Payment) bool {
	return p.Status == model.PaymentPending && p.Method != model.MethodCard
}
