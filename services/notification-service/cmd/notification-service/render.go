package main

import (
	"fmt"
	"strings"
	"time"
)

// templateString pulls an optional string field out of the reminder's
// template data.
func templateString(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func startTimeLabel(data map[string]any, fallback string) string {
	raw := templateString(data, "start_time")
	if raw == "" {
		raw = fallback
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC().Format("Mon, 02 Jan 2006 15:04 MST")
	}
	return raw
}

func renderEmailSubject(kind string, data map[string]any) string {
	pet := templateString(data, "pet_name")
	switch kind {
	case "reminder_1h":
		if pet != "" {
			return fmt.Sprintf("%s's appointment starts in 1 hour", pet)
		}
		return "Your appointment starts in 1 hour"
	default:
		if pet != "" {
			return fmt.Sprintf("Upcoming appointment for %s", pet)
		}
		return "Upcoming appointment"
	}
}

func renderEmailBody(appointmentID, remindAt string, data map[string]any) string {
	pet := templateString(data, "pet_name")
	provider := templateString(data, "provider_name")
	service := templateString(data, "service_type")
	when := startTimeLabel(data, remindAt)

	var b strings.Builder
	b.WriteString("Hello,\n\n")
	if pet != "" && service != "" {
		fmt.Fprintf(&b, "This is a reminder that %s has a %s appointment", pet, service)
	} else {
		b.WriteString("This is a reminder for your upcoming appointment")
	}
	if provider != "" {
		fmt.Fprintf(&b, " with %s", provider)
	}
	fmt.Fprintf(&b, " on %s.\n\n", when)
	fmt.Fprintf(&b, "Booking reference: %s\n", appointmentID)
	return b.String()
}

func renderSMS(appointmentID, remindAt string, data map[string]any) string {
	pet := templateString(data, "pet_name")
	provider := templateString(data, "provider_name")
	when := startTimeLabel(data, remindAt)

	if pet != "" && provider != "" {
		return fmt.Sprintf("Reminder: %s's appointment with %s on %s (ref %s)", pet, provider, when, appointmentID)
	}
	return fmt.Sprintf("Reminder: appointment on %s (ref %s)", when, appointmentID)
}

func renderConfirmationSubject(data map[string]any) string {
	if pet := templateString(data, "pet_name"); pet != "" {
		return fmt.Sprintf("Appointment confirmed for %s", pet)
	}
	return "Appointment confirmed"
}

func renderConfirmationBody(appointmentID string, data map[string]any) string {
	pet := templateString(data, "pet_name")
	provider := templateString(data, "provider_name")
	service := templateString(data, "service_type")
	date := templateString(data, "date")
	start := templateString(data, "start_time")

	var b strings.Builder
	b.WriteString("Hello,\n\n")
	b.WriteString("Your payment was received and the appointment is confirmed.")
	if pet != "" && service != "" {
		fmt.Fprintf(&b, " %s is booked for a %s", pet, service)
		if provider != "" {
			fmt.Fprintf(&b, " with %s", provider)
		}
		if date != "" && start != "" {
			fmt.Fprintf(&b, " on %s at %s", date, start)
		}
		b.WriteString(".")
	}
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Booking reference: %s\n", appointmentID)
	return b.String()
}
