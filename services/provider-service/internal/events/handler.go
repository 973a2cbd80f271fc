package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/segmentio/kafka-go"

	"github.com/pawcare-labs/pawcare/libs/kafkax"
)

// Store is the slice of the storage repository the event handler touches.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	MarkSlotBooked(ctx context.Context, tx pgx.Tx, providerID string, date time.Time, startTime string) (bool, error)
	FreeSlot(ctx context.Context, tx pgx.Tx, providerID string, date time.Time, startTime string) error
	BumpCompleted(ctx context.Context, tx pgx.Tx, providerID, userID string) error
	BumpCancelled(ctx context.Context, tx pgx.Tx, providerID string) error
}

// Handler applies appointment lifecycle events to provider availability
// and aggregate stats.
type Handler struct {
	repo   Store
	logger *slog.Logger
}

func New(repo Store, logger *slog.Logger) *Handler {
	return &Handler{repo: repo, logger: logger}
}

type appointmentEvent struct {
	AppointmentID string `json:"appointment_id"`
	UserID        string `json:"user_id"`
	ProviderID    string `json:"provider_id"`
	Date          string `json:"date"`
	StartTime     string `json:"start_time"`
	OldDate       string `json:"old_date"`
	OldStartTime  string `json:"old_start_time"`
}

func (h *Handler) Handle(ctx context.Context, msg kafka.Message) error {
	meta := kafkax.ExtractEventMeta(msg)

	var ev appointmentEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return fmt.Errorf("decode %s: %w", meta.EventType, err)
	}
	if ev.ProviderID == "" {
		h.logger.Warn("event without provider_id ignored", "event_type", meta.EventType, "event_id", meta.EventID)
		return nil
	}

	switch meta.EventType {
	case "appointments.appointment.booked.v1":
		return h.bookSlot(ctx, ev)
	case "appointments.appointment.cancelled.v1":
		return h.cancelAppointment(ctx, ev)
	case "appointments.appointment.rescheduled.v1":
		return h.moveSlot(ctx, ev)
	case "appointments.appointment.completed.v1":
		return h.completeAppointment(ctx, ev)
	default:
		h.logger.Info("unhandled event type", "event_type", meta.EventType)
		return nil
	}
}

func (h *Handler) bookSlot(ctx context.Context, ev appointmentEvent) error {
	date, err := parseDate(ev.Date)
	if err != nil {
		return err
	}
	tx, err := h.repo.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	booked, err := h.repo.MarkSlotBooked(ctx, tx, ev.ProviderID, date, ev.StartTime)
	if err != nil {
		return err
	}
	if !booked {
		// The provider may not have published a matching slot. Availability
		// enrichment simply won't see it, which is harmless.
		h.logger.Info("no open slot matched booking",
			"provider_id", ev.ProviderID, "date", ev.Date, "start_time", ev.StartTime)
	}
	return tx.Commit(ctx)
}

func (h *Handler) cancelAppointment(ctx context.Context, ev appointmentEvent) error {
	date, err := parseDate(ev.Date)
	if err != nil {
		return err
	}
	tx, err := h.repo.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := h.repo.FreeSlot(ctx, tx, ev.ProviderID, date, ev.StartTime); err != nil {
		return err
	}
	if err := h.repo.BumpCancelled(ctx, tx, ev.ProviderID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (h *Handler) moveSlot(ctx context.Context, ev appointmentEvent) error {
	oldDate, err := parseDate(ev.OldDate)
	if err != nil {
		return err
	}
	newDate, err := parseDate(ev.Date)
	if err != nil {
		return err
	}
	tx, err := h.repo.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := h.repo.FreeSlot(ctx, tx, ev.ProviderID, oldDate, ev.OldStartTime); err != nil {
		return err
	}
	if _, err := h.repo.MarkSlotBooked(ctx, tx, ev.ProviderID, newDate, ev.StartTime); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (h *Handler) completeAppointment(ctx context.Context, ev appointmentEvent) error {
	tx, err := h.repo.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := h.repo.BumpCompleted(ctx, tx, ev.ProviderID, ev.UserID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func parseDate(raw string) (time.Time, error) {
	d, err := time.ParseInLocation("2006-01-02", raw, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse event date %q: %w", raw, err)
	}
	return d, nil
}
