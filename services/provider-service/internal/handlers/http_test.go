package handlers

import "testing"

func TestValidClock(t *testing.T) {
	valid := []string{"00:00", "09:30", "23:59"}
	for _, clock := range valid {
		if !validClock(clock) {
			t.Errorf("validClock(%q) = false, want true", clock)
		}
	}
	invalid := []string{"", "9:30", "24:00", "12:60", "12-30", "12:3a"}
	for _, clock := range invalid {
		if validClock(clock) {
			t.Errorf("validClock(%q) = true, want false", clock)
		}
	}
}
