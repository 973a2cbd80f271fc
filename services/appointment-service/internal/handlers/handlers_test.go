package handlers

import (
	"net/http/httptest"
	"testing"

	"github.com/pawcare-labs/pawcare/services/appointment-service/internal/model"
)

func TestPageParams(t *testing.T) {
	cases := []struct {
		rawLimit, rawSkip string
		wantLimit         int
		wantSkip          int
	}{
		{"", "", 50, 0},
		{"20", "40", 20, 40},
		{"0", "-5", 50, 0},
		{"1000", "abc", 50, 0},
		{"200", "0", 200, 0},
	}
	for _, c := range cases {
		limit, skip := pageParams(c.rawLimit, c.rawSkip)
		if limit != c.wantLimit || skip != c.wantSkip {
			t.Errorf("pageParams(%q, %q) = (%d, %d), want (%d, %d)", c.rawLimit, c.rawSkip, limit, skip, c.wantLimit, c.wantSkip)
		}
	}
}

func TestAllowed(t *testing.T) {
	h := &AppointmentHandler{}
	appt := model.Appointment{UserID: "user-1", ProviderID: "vet-1"}

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-User-Id", "user-1")
	if !h.allowed(r, appt) {
		t.Error("booking user should be allowed")
	}

	r = httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-User-Id", "user-2")
	if h.allowed(r, appt) {
		t.Error("other user should not be allowed")
	}

	r = httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Provider-Id", "vet-1")
	if !h.allowed(r, appt) {
		t.Error("appointment provider should be allowed")
	}

	r = httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Provider-Id", "vet-2")
	if h.allowed(r, appt) {
		t.Error("other provider should not be allowed")
	}

	r = httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-User-Id", "user-2")
	r.Header.Set("X-Role", "admin")
	if !h.allowed(r, appt) {
		t.Error("admin should be allowed")
	}
}
