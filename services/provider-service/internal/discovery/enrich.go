package discovery

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pawcare-labs/pawcare/services/provider-service/internal/model"
)

// How far ahead the search looks for the next open slot.
const LookaheadDays = 7

// Enrichment is the computed availability summary attached to search
// results. It is derived, never stored.
type Enrichment struct {
	AvailableNow  bool
	NextAvailable *time.Time
	ResponseTime  string
}

// Enrich summarizes a provider's open slots relative to now. AvailableNow
// means an open slot window contains now; NextAvailable is the start of the
// earliest open future slot within the lookahead.
func Enrich(p model.Provider, slots []model.Slot, now time.Time) Enrichment {
	e := Enrichment{ResponseTime: ResponseTime(p.AvgResponseSecs)}
	horizon := now.Add(LookaheadDays * 24 * time.Hour)

	for _, s := range slots {
		if s.IsBooked {
			continue
		}
		start, err := slotInstant(s.SlotDate, s.StartTime)
		if err != nil {
			continue
		}
		end, err := slotInstant(s.SlotDate, s.EndTime)
		if err != nil {
			continue
		}
		if !start.After(now) && end.After(now) {
			e.AvailableNow = true
		}
		if start.After(now) && start.Before(horizon) {
			if e.NextAvailable == nil || start.Before(*e.NextAvailable) {
				t := start
				e.NextAvailable = &t
			}
		}
	}
	return e
}

// ResponseTime humanizes the rolling response time into a minutes, hours,
// or days label for search results.
func ResponseTime(avgSecs int) string {
	switch {
	case avgSecs <= 0:
		return "unknown"
	case avgSecs < 60:
		return "under a minute"
	case avgSecs < 3600:
		return plural(avgSecs/60, "minute")
	case avgSecs < 24*3600:
		return plural(avgSecs/3600, "hour")
	default:
		return plural(avgSecs/(24*3600), "day")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

func slotInstant(date time.Time, clock string) (time.Time, error) {
	parts := strings.Split(strings.TrimSpace(clock), ":")
	if len(parts) != 2 {
		return time.Time{}, fmt.Errorf("invalid time %q (want HH:MM)", clock)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return time.Time{}, fmt.Errorf("invalid hour in %q", clock)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return time.Time{}, fmt.Errorf("invalid minute in %q", clock)
	}
	d := date.UTC()
	return time.Date(d.Year(), d.Month(), d.Day(), hour, minute, 0, 0, time.UTC), nil
}
