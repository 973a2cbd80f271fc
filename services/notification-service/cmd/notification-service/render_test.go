package main

import (
	"strings"
	"testing"
)

func TestRenderEmailSubject(t *testing.T) {
	data := map[string]any{"pet_name": "Biscuit"}
	if got := renderEmailSubject("reminder_1h", data); got != "Biscuit's appointment starts in 1 hour" {
		t.Errorf("reminder_1h subject = %q", got)
	}
	if got := renderEmailSubject("reminder_24h", data); got != "Upcoming appointment for Biscuit" {
		t.Errorf("reminder_24h subject = %q", got)
	}
	if got := renderEmailSubject("reminder_24h", nil); got != "Upcoming appointment" {
		t.Errorf("subject without pet = %q", got)
	}
}

func TestRenderEmailBody(t *testing.T) {
	data := map[string]any{
		"pet_name":      "Biscuit",
		"provider_name": "Dr. Patel",
		"service_type":  "checkup",
		"start_time":    "2026-09-01T10:00:00Z",
	}
	body := renderEmailBody("appt-1", "2026-08-31T10:00:00Z", data)
	for _, want := range []string{"Biscuit", "checkup", "Dr. Patel", "appt-1", "01 Sep 2026"} {
		if !strings.Contains(body, want) {
			t.Errorf("email body missing %q:\n%s", want, body)
		}
	}
}

func TestRenderSMSFallsBackWithoutTemplateData(t *testing.T) {
	got := renderSMS("appt-2", "2026-09-01T10:00:00Z", nil)
	if !strings.Contains(got, "appt-2") || !strings.Contains(got, "01 Sep 2026") {
		t.Errorf("sms fallback = %q", got)
	}
}

func TestRenderConfirmation(t *testing.T) {
	data := map[string]any{
		"pet_name":      "Biscuit",
		"provider_name": "Dr. Patel",
		"service_type":  "checkup",
		"date":          "2026-09-01",
		"start_time":    "10:00",
	}
	if got := renderConfirmationSubject(data); got != "Appointment confirmed for Biscuit" {
		t.Errorf("confirmation subject = %q", got)
	}
	if got := renderConfirmationSubject(nil); got != "Appointment confirmed" {
		t.Errorf("confirmation subject without pet = %q", got)
	}

	body := renderConfirmationBody("appt-3", data)
	for _, want := range []string{"confirmed", "Biscuit", "checkup", "Dr. Patel", "2026-09-01", "10:00", "appt-3"} {
		if !strings.Contains(body, want) {
			t.Errorf("confirmation body missing %q:\n%s", want, body)
		}
	}

	bare := renderConfirmationBody("appt-4", nil)
	if !strings.Contains(bare, "appt-4") || !strings.Contains(bare, "confirmed") {
		t.Errorf("bare confirmation body = %q", bare)
	}
}
