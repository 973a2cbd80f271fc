package discovery

import (
	"testing"
	"time"

	"github.com/pawcare-labs/pawcare/services/provider-service/internal/model"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestEnrich_AvailableNow(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
	slots := []model.Slot{
		{SlotDate: day(2026, 3, 10), StartTime: "14:00", EndTime: "15:00"},
	}

	e := Enrich(model.Provider{}, slots, now)
	if !e.AvailableNow {
		t.Error("expected available now: open slot covers 14:30")
	}
}

func TestEnrich_BookedSlotDoesNotCount(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
	slots := []model.Slot{
		{SlotDate: day(2026, 3, 10), StartTime: "14:00", EndTime: "15:00", IsBooked: true},
	}

	e := Enrich(model.Provider{}, slots, now)
	if e.AvailableNow {
		t.Error("booked slot must not count as available")
	}
	if e.NextAvailable != nil {
		t.Error("booked slot must not be the next availability")
	}
}

func TestEnrich_NextAvailablePicksEarliest(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
	slots := []model.Slot{
		{SlotDate: day(2026, 3, 12), StartTime: "09:00", EndTime: "10:00"},
		{SlotDate: day(2026, 3, 11), StartTime: "16:00", EndTime: "17:00"},
		{SlotDate: day(2026, 3, 11), StartTime: "10:00", EndTime: "11:00", IsBooked: true},
	}

	e := Enrich(model.Provider{}, slots, now)
	if e.NextAvailable == nil {
		t.Fatal("expected a next availability")
	}
	want := time.Date(2026, 3, 11, 16, 0, 0, 0, time.UTC)
	if !e.NextAvailable.Equal(want) {
		t.Errorf("next availability = %s, want %s", e.NextAvailable, want)
	}
}

func TestEnrich_IgnoresBeyondLookahead(t *testing.T) {
	now := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
	slots := []model.Slot{
		{SlotDate: day(2026, 3, 20), StartTime: "09:00", EndTime: "10:00"},
	}

	e := Enrich(model.Provider{}, slots, now)
	if e.NextAvailable != nil {
		t.Errorf("slot beyond %d days should be ignored, got %s", LookaheadDays, e.NextAvailable)
	}
}

func TestResponseTime(t *testing.T) {
	cases := []struct {
		secs int
		want string
	}{
		{0, "unknown"},
		{-5, "unknown"},
		{45, "under a minute"},
		{600, "10 minutes"},
		{3600, "1 hour"},
		{7 * 3600, "7 hours"},
		{36 * 3600, "1 day"},
	}
	for _, c := range cases {
		if got := ResponseTime(c.secs); got != c.want {
			t.Errorf("ResponseTime(%d) = %q, want %q", c.secs, got, c.want)
		}
	}
}
