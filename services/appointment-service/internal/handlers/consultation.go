package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pawcare-labs/pawcare/services/appointment-service/internal/lifecycle"
	"github.com/pawcare-labs/pawcare/services/appointment-service/internal/model"
	"github.com/pawcare-labs/pawcare/services/appointment-service/internal/outbox"
	"github.com/pawcare-labs/pawcare/services/appointment-service/internal/storage"
)

type startConsultationRequest struct {
	AppointmentID     string `json:"appointment_id"`
	RoomID            string `json:"room_id"`
	ConnectionQuality string `json:"connection_quality"`
}

// Start opens the consultation. Only allowed inside the start window: from
// 30 minutes before the scheduled time until 10 minutes after it.
func (h *AppointmentHandler) Start(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req startConsultationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.AppointmentID == "" {
		writeError(w, http.StatusBadRequest, "appointment_id required")
		return
	}

	ctx := r.Context()
	tx, err := h.repo.Begin(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db error")
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	appt, err := h.repo.GetForUpdate(ctx, tx, req.AppointmentID)
	if err != nil {
		if storage.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "appointment not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load appointment")
		return
	}
	if !h.allowed(r, appt) {
		writeError(w, http.StatusForbidden, "not a participant of this appointment")
		return
	}

	now := h.now()
	elig := lifecycle.Evaluate(&appt, now)
	if !elig.CanStart {
		if appt.Status != model.StatusScheduled && appt.Status != model.StatusConfirmed {
			writeError(w, http.StatusConflict, "consultation cannot start in the current status")
			return
		}
		writeError(w, http.StatusUnprocessableEntity, "consultation can only start between 30 minutes before and 10 minutes after the scheduled time")
		return
	}

	quality := strings.TrimSpace(req.ConnectionQuality)
	if quality == "" {
		quality = lifecycle.DefaultConnectionQuality
	}
	roomID := strings.TrimSpace(req.RoomID)
	if roomID == "" {
		roomID = "room-" + appt.ID
	}
	sessionID := uuid.NewString()

	if err := h.repo.StartConsultation(ctx, tx, appt.ID, now, sessionID, roomID, quality); err != nil {
		if err == storage.ErrStateConflict {
			writeError(w, http.StatusConflict, "appointment changed concurrently")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to start consultation")
		return
	}

	if err := tx.Commit(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to commit")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"appointment_id": appt.ID,
		"status":         model.StatusInProgress,
		"session_id":     sessionID,
		"room_id":        roomID,
		"started_at":     now.Format(time.RFC3339),
	})
}

type endConsultationRequest struct {
	AppointmentID      string `json:"appointment_id"`
	ActualDurationMins int    `json:"actual_duration_minutes"`
	Notes              string `json:"notes"`
	Diagnosis          string `json:"diagnosis"`
	Recommendations    string `json:"recommendations"`
	SessionSummary     string `json:"session_summary"`
	FollowUpRequired   bool   `json:"follow_up_required"`
	FollowUpDate       string `json:"follow_up_date"`
	IssuePrescription  bool   `json:"issue_prescription"`
}

// End closes the consultation and settles any pending on-site payment.
// Blank text fields keep the values recorded during the consult.
func (h *AppointmentHandler) End(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req endConsultationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.AppointmentID == "" {
		writeError(w, http.StatusBadRequest, "appointment_id required")
		return
	}
	if req.ActualDurationMins < 0 {
		writeError(w, http.StatusBadRequest, "actual_duration_minutes must not be negative")
		return
	}

	var followUpDate *time.Time
	if raw := strings.TrimSpace(req.FollowUpDate); raw != "" {
		d, err := time.ParseInLocation("2006-01-02", raw, time.UTC)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid follow_up_date (want YYYY-MM-DD)")
			return
		}
		followUpDate = &d
	}

	ctx := r.Context()
	tx, err := h.repo.Begin(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db error")
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	appt, err := h.repo.GetForUpdate(ctx, tx, req.AppointmentID)
	if err != nil {
		if storage.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "appointment not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load appointment")
		return
	}
	if !h.allowed(r, appt) {
		writeError(w, http.StatusForbidden, "not a participant of this appointment")
		return
	}
	if appt.Status != model.StatusInProgress {
		writeError(w, http.StatusConflict, "consultation is not in progress")
		return
	}

	now := h.now()
	duration := lifecycle.ActualDuration(req.ActualDurationMins, appt.Consultation.StartedAt, now)

	update := storage.CompletionUpdate{
		EndedAt:            now,
		ActualDurationMins: duration,
		Notes:              lifecycle.MergeText(appt.Consultation.Notes, req.Notes),
		Diagnosis:          lifecycle.MergeText(appt.Consultation.Diagnosis, req.Diagnosis),
		Recommendations:    lifecycle.MergeText(appt.Consultation.Recommendations, req.Recommendations),
		SessionSummary:     lifecycle.MergeText(appt.Consultation.SessionSummary, req.SessionSummary),
		FollowUpRequired:   req.FollowUpRequired,
		FollowUpDate:       followUpDate,
		SettlePayment:      lifecycle.SettlesOnCompletion(appt.Payment),
	}
	if req.IssuePrescription && appt.Prescription == nil {
		update.Prescription = &model.Prescription{
			ID:         uuid.NewString(),
			IssuedAt:   now,
			ValidUntil: now.Add(lifecycle.PrescriptionValidity),
		}
	}

	if err := h.repo.CompleteConsultation(ctx, tx, appt.ID, update); err != nil {
		if err == storage.ErrStateConflict {
			writeError(w, http.StatusConflict, "appointment changed concurrently")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to end consultation")
		return
	}

	paymentStatus := appt.Payment.Status
	if update.SettlePayment {
		paymentStatus = model.PaymentCompleted
	}

	completedPayload, err := json.Marshal(map[string]any{
		"appointment_id":          appt.ID,
		"user_id":                 appt.UserID,
		"provider_id":             appt.ProviderID,
		"ended_at":                now.Format(time.RFC3339),
		"actual_duration_minutes": duration,
		"payment_status":          paymentStatus,
		"follow_up_required":      req.FollowUpRequired,
	})
	if err != nil {
		h.logger.Warn("failed to build completed event payload", "appointment_id", appt.ID, "error", err)
	} else if err := h.outboxRepo.Insert(ctx, tx, outbox.Event{
		AggregateType: "appointment",
		AggregateID:   appt.ID,
		EventType:     "appointments.appointment.completed.v1",
		Payload:       completedPayload,
	}); err != nil {
		// Counter and notification fan-out rides on this event. Losing it
		// must not undo the completion itself.
		h.logger.Warn("failed to write completed outbox event", "appointment_id", appt.ID, "error", err)
	}

	if err := tx.Commit(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to commit")
		return
	}

	resp := map[string]any{
		"appointment_id":          appt.ID,
		"status":                  model.StatusCompleted,
		"ended_at":                now.Format(time.RFC3339),
		"actual_duration_minutes": duration,
		"payment_status":          paymentStatus,
	}
	if update.Prescription != nil {
		resp["prescription_id"] = update.Prescription.ID
		resp["prescription_valid_until"] = update.Prescription.ValidUntil.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}
