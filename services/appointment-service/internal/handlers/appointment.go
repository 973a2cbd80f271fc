package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pawcare-labs/pawcare/services/appointment-service/internal/lifecycle"
	"github.com/pawcare-labs/pawcare/services/appointment-service/internal/model"
	"github.com/pawcare-labs/pawcare/services/appointment-service/internal/outbox"
	"github.com/pawcare-labs/pawcare/services/appointment-service/internal/providers"
	"github.com/pawcare-labs/pawcare/services/appointment-service/internal/storage"
)

type AppointmentHandler struct {
	repo       *storage.AppointmentRepository
	outboxRepo *outbox.Repository
	directory  providers.Directory
	logger     *slog.Logger
	now        func() time.Time
	// Shared with the scheduler via REMINDER_OFFSETS_MINUTES so a
	// reschedule cancels exactly the remind_ats the booking enqueued.
	reminderOffsets []time.Duration
}

func NewAppointmentHandler(repo *storage.AppointmentRepository, outboxRepo *outbox.Repository, directory providers.Directory, logger *slog.Logger, reminderOffsets []time.Duration) *AppointmentHandler {
	if len(reminderOffsets) == 0 {
		reminderOffsets = []time.Duration{24 * time.Hour, time.Hour}
	}
	return &AppointmentHandler{
		repo:            repo,
		outboxRepo:      outboxRepo,
		directory:       directory,
		logger:          logger,
		now:             func() time.Time { return time.Now().UTC() },
		reminderOffsets: reminderOffsets,
	}
}

type createAppointmentRequest struct {
	UserEmail    string `json:"user_email"`
	UserPhone    string `json:"user_phone"`
	ProviderID   string `json:"provider_id"`
	ProviderType string `json:"provider_type"`
	ProviderName string `json:"provider_name"`
	PetName      string `json:"pet_name"`
	PetSpecies   string `json:"pet_species"`
	PetBreed     string `json:"pet_breed"`
	PetAgeMonths int    `json:"pet_age_months"`
	ServiceType  string `json:"service_type"`
	Date         string `json:"date"`       // YYYY-MM-DD
	StartTime    string `json:"start_time"` // HH:MM
	EndTime      string `json:"end_time"`   // HH:MM
	DurationMins int    `json:"duration_minutes"`
	Amount       int64  `json:"amount"` // minor units
	Currency     string `json:"currency"`
	Method       string `json:"payment_method"`
}

type createAppointmentResponse struct {
	AppointmentID string `json:"appointment_id"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
}

func (h *AppointmentHandler) Create(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	userID := strings.TrimSpace(r.Header.Get("X-User-Id"))
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	var req createAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	req.ProviderID = strings.TrimSpace(req.ProviderID)
	req.ProviderType = strings.TrimSpace(req.ProviderType)
	req.PetName = strings.TrimSpace(req.PetName)
	req.PetSpecies = strings.TrimSpace(req.PetSpecies)
	req.ServiceType = strings.TrimSpace(req.ServiceType)
	req.Method = strings.TrimSpace(strings.ToLower(req.Method))

	if req.ProviderID == "" || req.PetName == "" || req.ServiceType == "" {
		writeError(w, http.StatusBadRequest, "provider_id, pet_name, and service_type are required")
		return
	}
	switch req.ProviderType {
	case "vet", "groomer", "trainer":
	default:
		writeError(w, http.StatusBadRequest, "invalid provider_type")
		return
	}
	if req.Method == "" {
		req.Method = model.MethodCard
	}

	date, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(req.Date), time.UTC)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid date (want YYYY-MM-DD)")
		return
	}
	startHour, startMin, err := lifecycle.ParseClock(req.StartTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start_time (want HH:MM)")
		return
	}
	endHour, endMin, err := lifecycle.ParseClock(req.EndTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end_time (want HH:MM)")
		return
	}
	startMins := startHour*60 + startMin
	endMins := endHour*60 + endMin
	if endMins <= startMins {
		writeError(w, http.StatusBadRequest, "end_time must be after start_time")
		return
	}
	duration := req.DurationMins
	if duration <= 0 {
		duration = endMins - startMins
	}
	start := time.Date(date.Year(), date.Month(), date.Day(), startHour, startMin, 0, 0, time.UTC)
	if !start.After(h.now()) {
		writeError(w, http.StatusBadRequest, "appointment must be in the future")
		return
	}
	if req.Amount < 0 {
		writeError(w, http.StatusBadRequest, "amount must not be negative")
		return
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "usd"
	}

	// When the provider directory is reachable, reject bookings against
	// unknown or deactivated providers and fill in defaults from the
	// listing. A transport failure only degrades to trusting the request.
	if h.directory != nil {
		profile, err := h.directory.Lookup(r.Context(), req.ProviderID)
		switch {
		case err == providers.ErrNotFound:
			writeError(w, http.StatusUnprocessableEntity, "unknown provider")
			return
		case err != nil:
			h.logger.Warn("provider lookup failed", "err", err, "provider_id", req.ProviderID)
		default:
			if !profile.IsActive {
				writeError(w, http.StatusUnprocessableEntity, "provider is not accepting appointments")
				return
			}
			if strings.TrimSpace(req.ProviderName) == "" {
				req.ProviderName = profile.Name
			}
			if req.Amount == 0 && profile.PricePerSession > 0 {
				req.Amount = profile.PricePerSession
				if profile.Currency != "" {
					currency = profile.Currency
				}
			}
		}
	}

	appt := &model.Appointment{
		ID:            uuid.NewString(),
		UserID:        userID,
		UserEmail:     strings.TrimSpace(req.UserEmail),
		UserPhone:     strings.TrimSpace(req.UserPhone),
		ProviderID:    req.ProviderID,
		ProviderType:  req.ProviderType,
		ProviderName:  strings.TrimSpace(req.ProviderName),
		PetName:       req.PetName,
		PetSpecies:    req.PetSpecies,
		PetBreed:      strings.TrimSpace(req.PetBreed),
		PetAgeMonths:  req.PetAgeMonths,
		ServiceType:   req.ServiceType,
		ScheduledDate: date,
		StartTime:     req.StartTime,
		EndTime:       req.EndTime,
		DurationMins:  duration,
		Status:        model.StatusScheduled,
		Payment: model.Payment{
			Amount:   req.Amount,
			Currency: currency,
			Method:   req.Method,
			Status:   model.PaymentPending,
		},
	}

	ctx := r.Context()
	tx, err := h.repo.Begin(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "db error")
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idempotencyKey != "" {
		rec, exists, err := h.repo.LockIdempotencyKey(ctx, tx, userID, idempotencyKey)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to lock idempotency key")
			return
		}
		if exists && rec.StatusCode > 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(rec.StatusCode)
			_, _ = w.Write(rec.ResponsePayload)
			return
		}
	}

	id, err := h.repo.Create(ctx, tx, appt)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			writeError(w, http.StatusConflict, "time slot already booked")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create appointment")
		return
	}

	bookedPayload, err := json.Marshal(map[string]any{
		"appointment_id": id,
		"user_id":        userID,
		"provider_id":    appt.ProviderID,
		"provider_type":  appt.ProviderType,
		"pet_name":       appt.PetName,
		"service_type":   appt.ServiceType,
		"date":           appt.ScheduledDate.Format("2006-01-02"),
		"start_time":     appt.StartTime,
		"end_time":       appt.EndTime,
		"payment_method": appt.Payment.Method,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build event payload")
		return
	}
	if err := h.outboxRepo.Insert(ctx, tx, outbox.Event{
		AggregateType: "appointment",
		AggregateID:   id,
		EventType:     "appointments.appointment.booked.v1",
		Payload:       bookedPayload,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to write outbox event")
		return
	}

	h.enqueueReminders(ctx, tx, id, appt, start)

	respBody, err := json.Marshal(createAppointmentResponse{
		AppointmentID: id,
		Status:        appt.Status,
		PaymentStatus: appt.Payment.Status,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build response")
		return
	}
	if idempotencyKey != "" {
		if err := h.repo.FinalizeIdempotency(ctx, tx, userID, idempotencyKey, id, http.StatusCreated, respBody); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to finalize idempotency key")
			return
		}
	}

	if err := tx.Commit(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to commit")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(respBody)
}

func (h *AppointmentHandler) enqueueReminders(ctx context.Context, tx pgx.Tx, appointmentID string, appt *model.Appointment, start time.Time) {
	now := h.now()
	for _, offset := range h.reminderOffsets {
		remindAt := start.Add(-offset)
		if remindAt.Before(now) {
			continue
		}
		kind := "reminder_24h"
		if offset == time.Hour {
			kind = "reminder_1h"
		}
		h.enqueueReminder(ctx, tx, appointmentID, appt, kind, remindAt, start, "email", appt.UserEmail)
		h.enqueueReminder(ctx, tx, appointmentID, appt, kind, remindAt, start, "sms", appt.UserPhone)
	}
}

func (h *AppointmentHandler) enqueueReminder(ctx context.Context, tx pgx.Tx, appointmentID string, appt *model.Appointment, kind string, remindAt, start time.Time, channel, recipient string) {
	if strings.TrimSpace(recipient) == "" {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"appointment_id": appointmentID,
		"user_id":        appt.UserID,
		"kind":           kind,
		"channel":        channel,
		"recipient":      recipient,
		"remind_at":      remindAt.Format(time.RFC3339),
		"template_data": map[string]any{
			"pet_name":      appt.PetName,
			"provider_name": appt.ProviderName,
			"service_type":  appt.ServiceType,
			"start_time":    start.Format(time.RFC3339),
		},
	})
	if err != nil {
		h.logger.Error("failed to build reminder payload", "err", err)
		return
	}
	if err := h.outboxRepo.Insert(ctx, tx, outbox.Event{
		AggregateType: "appointment",
		AggregateID:   appointmentID,
		EventType:     "appointments.reminder.requested.v1",
		Payload:       payload,
	}); err != nil {
		h.logger.Error("failed to enqueue reminder", "err", err)
	}
}

type appointmentDetail struct {
	AppointmentID string `json:"appointment_id"`
	UserID        string `json:"user_id"`
	ProviderID    string `json:"provider_id"`
	ProviderType  string `json:"provider_type"`
	ProviderName  string `json:"provider_name,omitempty"`
	PetName       string `json:"pet_name"`
	PetSpecies    string `json:"pet_species,omitempty"`
	PetBreed      string `json:"pet_breed,omitempty"`
	PetAgeMonths  int    `json:"pet_age_months,omitempty"`
	ServiceType   string `json:"service_type"`
	Date          string `json:"date"`
	StartTime     string `json:"start_time"`
	EndTime       string `json:"end_time"`
	DurationMins  int    `json:"duration_minutes"`
	Status        string `json:"status"`

	Payment struct {
		Amount        int64  `json:"amount"`
		Currency      string `json:"currency"`
		Method        string `json:"method"`
		Status        string `json:"status"`
		TransactionID string `json:"transaction_id,omitempty"`
		PaidAt        string `json:"paid_at,omitempty"`
	} `json:"payment"`

	Consultation *consultationDetail `json:"consultation,omitempty"`
	Prescription *prescriptionDetail `json:"prescription,omitempty"`
	Cancellation *cancellationDetail `json:"cancellation,omitempty"`

	CanStart      bool `json:"can_start"`
	CanCancel     bool `json:"can_cancel"`
	CanReschedule bool `json:"can_reschedule"`
	CanJoin       bool `json:"can_join"`

	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type consultationDetail struct {
	StartedAt          string `json:"started_at,omitempty"`
	EndedAt            string `json:"ended_at,omitempty"`
	ActualDurationMins int    `json:"actual_duration_minutes,omitempty"`
	SessionID          string `json:"session_id,omitempty"`
	RoomID             string `json:"room_id,omitempty"`
	ConnectionQuality  string `json:"connection_quality,omitempty"`
	Notes              string `json:"notes,omitempty"`
	Diagnosis          string `json:"diagnosis,omitempty"`
	Recommendations    string `json:"recommendations,omitempty"`
	SessionSummary     string `json:"session_summary,omitempty"`
	FollowUpRequired   bool   `json:"follow_up_required,omitempty"`
	FollowUpDate       string `json:"follow_up_date,omitempty"`
}

type prescriptionDetail struct {
	PrescriptionID string `json:"prescription_id"`
	IssuedAt       string `json:"issued_at"`
	ValidUntil     string `json:"valid_until"`
}

type cancellationDetail struct {
	CancelledBy  string `json:"cancelled_by"`
	Reason       string `json:"reason,omitempty"`
	CancelledAt  string `json:"cancelled_at"`
	RefundStatus string `json:"refund_status,omitempty"`
}

func (h *AppointmentHandler) Detail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	apptID := strings.TrimSpace(r.URL.Query().Get("appointment_id"))
	if apptID == "" {
		writeError(w, http.StatusBadRequest, "appointment_id required")
		return
	}

	appt, err := h.repo.Get(r.Context(), apptID)
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

	writeJSON(w, http.StatusOK, h.detailOf(appt))
}

func (h *AppointmentHandler) detailOf(appt model.Appointment) appointmentDetail {
	d := appointmentDetail{
		AppointmentID: appt.ID,
		UserID:        appt.UserID,
		ProviderID:    appt.ProviderID,
		ProviderType:  appt.ProviderType,
		ProviderName:  appt.ProviderName,
		PetName:       appt.PetName,
		PetSpecies:    appt.PetSpecies,
		PetBreed:      appt.PetBreed,
		PetAgeMonths:  appt.PetAgeMonths,
		ServiceType:   appt.ServiceType,
		Date:          appt.ScheduledDate.UTC().Format("2006-01-02"),
		StartTime:     appt.StartTime,
		EndTime:       appt.EndTime,
		DurationMins:  appt.DurationMins,
		Status:        appt.Status,
		CreatedAt:     appt.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     appt.UpdatedAt.UTC().Format(time.RFC3339),
	}
	d.Payment.Amount = appt.Payment.Amount
	d.Payment.Currency = appt.Payment.Currency
	d.Payment.Method = appt.Payment.Method
	d.Payment.Status = appt.Payment.Status
	d.Payment.TransactionID = appt.Payment.TransactionID
	if appt.Payment.PaidAt != nil {
		d.Payment.PaidAt = appt.Payment.PaidAt.UTC().Format(time.RFC3339)
	}

	if appt.Consultation.StartedAt != nil || appt.Consultation.EndedAt != nil {
		c := &consultationDetail{
			ActualDurationMins: appt.Consultation.ActualDurationMins,
			SessionID:          appt.Consultation.SessionID,
			RoomID:             appt.Consultation.RoomID,
			ConnectionQuality:  appt.Consultation.ConnectionQuality,
			Notes:              appt.Consultation.Notes,
			Diagnosis:          appt.Consultation.Diagnosis,
			Recommendations:    appt.Consultation.Recommendations,
			SessionSummary:     appt.Consultation.SessionSummary,
			FollowUpRequired:   appt.Consultation.FollowUpRequired,
		}
		if appt.Consultation.StartedAt != nil {
			c.StartedAt = appt.Consultation.StartedAt.UTC().Format(time.RFC3339)
		}
		if appt.Consultation.EndedAt != nil {
			c.EndedAt = appt.Consultation.EndedAt.UTC().Format(time.RFC3339)
		}
		if appt.Consultation.FollowUpDate != nil {
			c.FollowUpDate = appt.Consultation.FollowUpDate.UTC().Format("2006-01-02")
		}
		d.Consultation = c
	}
	if appt.Prescription != nil {
		d.Prescription = &prescriptionDetail{
			PrescriptionID: appt.Prescription.ID,
			IssuedAt:       appt.Prescription.IssuedAt.UTC().Format(time.RFC3339),
			ValidUntil:     appt.Prescription.ValidUntil.UTC().Format(time.RFC3339),
		}
	}
	if appt.Cancellation != nil {
		d.Cancellation = &cancellationDetail{
			CancelledBy:  appt.Cancellation.CancelledBy,
			Reason:       appt.Cancellation.Reason,
			CancelledAt:  appt.Cancellation.CancelledAt.UTC().Format(time.RFC3339),
			RefundStatus: appt.Cancellation.RefundStatus,
		}
	}

	elig := lifecycle.Evaluate(&appt, h.now())
	d.CanStart = elig.CanStart
	d.CanCancel = elig.CanCancel
	d.CanReschedule = elig.CanReschedule
	d.CanJoin = elig.CanJoin
	return d
}

func (h *AppointmentHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	var appts []model.Appointment
	var err error
	if providerID := strings.TrimSpace(r.Header.Get("X-Provider-Id")); providerID != "" {
		appts, err = h.repo.ListByProvider(r.Context(), providerID, limit)
	} else if userID := strings.TrimSpace(r.Header.Get("X-User-Id")); userID != "" {
		appts, err = h.repo.ListByUser(r.Context(), userID, limit)
	} else {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list appointments")
		return
	}

	items := make([]appointmentDetail, 0, len(appts))
	for _, appt := range appts {
		items = append(items, h.detailOf(appt))
	}
	writeJSON(w, http.StatusOK, items)
}

type cancelAppointmentRequest struct {
	AppointmentID string `json:"appointment_id"`
	Reason        string `json:"reason"`
}

func (h *AppointmentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req cancelAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	req.Reason = strings.TrimSpace(req.Reason)
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

	if appt.Status == model.StatusCancelled && appt.Cancellation != nil {
		writeJSON(w, http.StatusOK, map[string]string{
			"appointment_id": appt.ID,
			"status":         model.StatusCancelled,
			"cancelled_at":   appt.Cancellation.CancelledAt.UTC().Format(time.RFC3339),
		})
		return
	}

	elig := lifecycle.Evaluate(&appt, h.now())
	if !elig.CanCancel {
		if appt.Status != model.StatusScheduled && appt.Status != model.StatusConfirmed {
			writeError(w, http.StatusConflict, "appointment cannot be cancelled in its current status")
			return
		}
		writeError(w, http.StatusUnprocessableEntity, "appointments can only be cancelled at least 2 hours before the start time")
		return
	}

	cancelledBy := "user"
	if strings.TrimSpace(r.Header.Get("X-Provider-Id")) != "" {
		cancelledBy = "provider"
	}
	refundStatus := "not_applicable"
	if appt.Payment.Status == model.PaymentCompleted {
		refundStatus = "pending"
	}

	cancelledAt, err := h.repo.CancelAppointment(ctx, tx, appt.ID, cancelledBy, req.Reason, refundStatus)
	if err != nil {
		if err == storage.ErrStateConflict {
			writeError(w, http.StatusConflict, "appointment changed concurrently")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to cancel appointment")
		return
	}

	cancelPayload, err := json.Marshal(map[string]any{
		"appointment_id": appt.ID,
		"user_id":        appt.UserID,
		"provider_id":    appt.ProviderID,
		"date":           appt.ScheduledDate.UTC().Format("2006-01-02"),
		"start_time":     appt.StartTime,
		"end_time":       appt.EndTime,
		"cancelled_by":   cancelledBy,
		"cancelled_at":   cancelledAt.UTC().Format(time.RFC3339),
		"reason":         req.Reason,
		"refund_status":  refundStatus,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build cancellation event")
		return
	}
	if err := h.outboxRepo.Insert(ctx, tx, outbox.Event{
		AggregateType: "appointment",
		AggregateID:   appt.ID,
		EventType:     "appointments.appointment.cancelled.v1",
		Payload:       cancelPayload,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to write outbox event")
		return
	}

	if err := tx.Commit(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to commit")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"appointment_id": appt.ID,
		"status":         model.StatusCancelled,
		"cancelled_at":   cancelledAt.UTC().Format(time.RFC3339),
		"refund_status":  refundStatus,
	})
}

type rescheduleRequest struct {
	AppointmentID string `json:"appointment_id"`
	Date          string `json:"date"`
	StartTime     string `json:"start_time"`
	EndTime       string `json:"end_time"`
}

func (h *AppointmentHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req rescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.AppointmentID == "" {
		writeError(w, http.StatusBadRequest, "appointment_id required")
		return
	}

	date, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(req.Date), time.UTC)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid date (want YYYY-MM-DD)")
		return
	}
	newStart, err := lifecycle.CombineDateClock(date, req.StartTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start_time (want HH:MM)")
		return
	}
	if _, _, err := lifecycle.ParseClock(req.EndTime); err != nil {
		writeError(w, http.StatusBadRequest, "invalid end_time (want HH:MM)")
		return
	}
	if !newStart.After(h.now()) {
		writeError(w, http.StatusBadRequest, "new time must be in the future")
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

	elig := lifecycle.Evaluate(&appt, h.now())
	if !elig.CanReschedule {
		if appt.Status != model.StatusScheduled && appt.Status != model.StatusConfirmed {
			writeError(w, http.StatusConflict, "appointment cannot be rescheduled in its current status")
			return
		}
		writeError(w, http.StatusUnprocessableEntity, "appointments can only be rescheduled at least 4 hours before the start time")
		return
	}

	oldDate := appt.ScheduledDate.UTC().Format("2006-01-02")
	oldStart := appt.StartTime
	oldEnd := appt.EndTime

	if err := h.repo.Reschedule(ctx, tx, appt.ID, date, req.StartTime, req.EndTime); err != nil {
		if err == storage.ErrStateConflict {
			writeError(w, http.StatusConflict, "appointment changed concurrently")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to reschedule appointment")
		return
	}

	payload, err := json.Marshal(map[string]any{
		"appointment_id": appt.ID,
		"user_id":        appt.UserID,
		"provider_id":    appt.ProviderID,
		"old_date":       oldDate,
		"old_start_time": oldStart,
		"old_end_time":   oldEnd,
		"date":           date.Format("2006-01-02"),
		"start_time":     req.StartTime,
		"end_time":       req.EndTime,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to build event payload")
		return
	}
	if err := h.outboxRepo.Insert(ctx, tx, outbox.Event{
		AggregateType: "appointment",
		AggregateID:   appt.ID,
		EventType:     "appointments.appointment.rescheduled.v1",
		Payload:       payload,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to write outbox event")
		return
	}

	rescheduled := appt
	rescheduled.ScheduledDate = date
	rescheduled.StartTime = req.StartTime
	rescheduled.EndTime = req.EndTime
	h.enqueueReminders(ctx, tx, appt.ID, &rescheduled, newStart)

	if err := tx.Commit(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to commit")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"appointment_id": appt.ID,
		"status":         model.StatusScheduled,
		"date":           date.Format("2006-01-02"),
		"start_time":     req.StartTime,
		"end_time":       req.EndTime,
	})
}

// allowed checks that the caller is the booking user or the provider on the
// appointment. Gateway-injected identity headers are trusted here.
func (h *AppointmentHandler) allowed(r *http.Request, appt model.Appointment) bool {
	if providerID := strings.TrimSpace(r.Header.Get("X-Provider-Id")); providerID != "" && providerID == appt.ProviderID {
		return true
	}
	if userID := strings.TrimSpace(r.Header.Get("X-User-Id")); userID != "" && userID == appt.UserID {
		return true
	}
	return strings.TrimSpace(r.Header.Get("X-Role")) == "admin"
}
