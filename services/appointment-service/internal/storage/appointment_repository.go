package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pawcare-labs/pawcare/libs/db"
	"github.com/pawcare-labs/pawcare/services/appointment-service/internal/model"
)

// ErrStateConflict is returned when a conditional update matched no row:
// either the appointment is gone or its status changed under us. Transitions
// are compare-and-swap on the expected prior status so two concurrent
// requests can never both win.
var ErrStateConflict = errors.New("appointment state conflict")

type AppointmentRepository struct {
	pool *db.Pool
}

func NewAppointmentRepository(pool *db.Pool) *AppointmentRepository {
	return &AppointmentRepository{pool: pool}
}

func (r *AppointmentRepository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

const appointmentColumns = `
	id::text, user_id, COALESCE(user_email, ''), COALESCE(user_phone, ''),
	provider_id, provider_type, provider_name,
	pet_name, pet_species, COALESCE(pet_breed, ''), pet_age_months, service_type,
	scheduled_date, start_time, end_time, duration_minutes, status,
	payment_amount, payment_currency, payment_method, payment_status,
	COALESCE(payment_intent_id, ''), COALESCE(payment_transaction_id, ''), paid_at, refunded_at,
	consult_started_at, consult_ended_at, consult_actual_duration_mins,
	COALESCE(consult_session_id, ''), COALESCE(consult_room_id, ''), COALESCE(consult_connection_quality, ''),
	COALESCE(consult_notes, ''), COALESCE(consult_diagnosis, ''), COALESCE(consult_recommendations, ''),
	COALESCE(consult_summary, ''), consult_last_activity_at, follow_up_required, follow_up_date,
	COALESCE(prescription_id, ''), prescription_issued_at, prescription_valid_until,
	COALESCE(cancelled_by, ''), COALESCE(cancellation_reason, ''), cancelled_at, COALESCE(refund_status, ''),
	reminder_24h_sent, reminder_1h_sent, confirmation_sent,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAppointment(row rowScanner) (model.Appointment, error) {
	var a model.Appointment
	var prescriptionID string
	var prescriptionIssued, prescriptionValid *time.Time
	var cancelledBy, cancelReason, refundStatus string
	var cancelledAt *time.Time

	err := row.Scan(
		&a.ID, &a.UserID, &a.UserEmail, &a.UserPhone,
		&a.ProviderID, &a.ProviderType, &a.ProviderName,
		&a.PetName, &a.PetSpecies, &a.PetBreed, &a.PetAgeMonths, &a.ServiceType,
		&a.ScheduledDate, &a.StartTime, &a.EndTime, &a.DurationMins, &a.Status,
		&a.Payment.Amount, &a.Payment.Currency, &a.Payment.Method, &a.Payment.Status,
		&a.Payment.IntentID, &a.Payment.TransactionID, &a.Payment.PaidAt, &a.Payment.RefundedAt,
		&a.Consultation.StartedAt, &a.Consultation.EndedAt, &a.Consultation.ActualDurationMins,
		&a.Consultation.SessionID, &a.Consultation.RoomID, &a.Consultation.ConnectionQuality,
		&a.Consultation.Notes, &a.Consultation.Diagnosis, &a.Consultation.Recommendations,
		&a.Consultation.SessionSummary, &a.Consultation.LastActivityAt,
		&a.Consultation.FollowUpRequired, &a.Consultation.FollowUpDate,
		&prescriptionID, &prescriptionIssued, &prescriptionValid,
		&cancelledBy, &cancelReason, &cancelledAt, &refundStatus,
		&a.Reminder24hSent, &a.Reminder1hSent, &a.ConfirmationSent,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return model.Appointment{}, err
	}
	if prescriptionID != "" && prescriptionIssued != nil && prescriptionValid != nil {
		a.Prescription = &model.Prescription{
			ID:         prescriptionID,
			IssuedAt:   *prescriptionIssued,
			ValidUntil: *prescriptionValid,
		}
	}
	if cancelledAt != nil {
		a.Cancellation = &model.Cancellation{
			CancelledBy:  cancelledBy,
			Reason:       cancelReason,
			CancelledAt:  *cancelledAt,
			RefundStatus: refundStatus,
		}
	}
	return a, nil
}

func (r *AppointmentRepository) Create(ctx context.Context, tx pgx.Tx, a *model.Appointment) (string, error) {
	var id string
	err := tx.QueryRow(ctx, `
		INSERT INTO appointments
			(id, user_id, user_email, user_phone, provider_id, provider_type, provider_name,
			 pet_name, pet_species, pet_breed, pet_age_months, service_type,
			 scheduled_date, start_time, end_time, duration_minutes, status,
			 payment_amount, payment_currency, payment_method, payment_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		RETURNING id::text
	`, a.ID, a.UserID, a.UserEmail, a.UserPhone, a.ProviderID, a.ProviderType, a.ProviderName,
		a.PetName, a.PetSpecies, a.PetBreed, a.PetAgeMonths, a.ServiceType,
		a.ScheduledDate, a.StartTime, a.EndTime, a.DurationMins, a.Status,
		a.Payment.Amount, a.Payment.Currency, a.Payment.Method, a.Payment.Status).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (r *AppointmentRepository) Get(ctx context.Context, id string) (model.Appointment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id)
	return scanAppointment(row)
}

func (r *AppointmentRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (model.Appointment, error) {
	row := tx.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1 FOR UPDATE`, id)
	return scanAppointment(row)
}

func (r *AppointmentRepository) GetByPaymentIntent(ctx context.Context, tx pgx.Tx, intentID string) (model.Appointment, error) {
	row := tx.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE payment_intent_id = $1 FOR UPDATE`, intentID)
	return scanAppointment(row)
}

// StartConsultation promotes scheduled/confirmed to in_progress.
func (r *AppointmentRepository) StartConsultation(ctx context.Context, tx pgx.Tx, id string, startedAt time.Time, sessionID, roomID, quality string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE appointments
		SET status = 'in_progress',
			consult_started_at = $2,
			consult_session_id = $3,
			consult_room_id = $4,
			consult_connection_quality = $5,
			consult_last_activity_at = $2,
			updated_at = now()
		WHERE id = $1 AND status IN ('scheduled', 'confirmed')
	`, id, startedAt, sessionID, roomID, quality)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStateConflict
	}
	return nil
}

type CompletionUpdate struct {
	EndedAt            time.Time
	ActualDurationMins int
	Notes              string
	Diagnosis          string
	Recommendations    string
	SessionSummary     string
	FollowUpRequired   bool
	FollowUpDate       *time.Time
	Prescription       *model.Prescription
	SettlePayment      bool // pending non-gateway payment settles now
}

// CompleteConsultation promotes in_progress to completed.
func (r *AppointmentRepository) CompleteConsultation(ctx context.Context, tx pgx.Tx, id string, u CompletionUpdate) error {
	var prescriptionID *string
	var issuedAt, validUntil *time.Time
	if u.Prescription != nil {
		prescriptionID = &u.Prescription.ID
		issuedAt = &u.Prescription.IssuedAt
		validUntil = &u.Prescription.ValidUntil
	}
	tag, err := tx.Exec(ctx, `
		UPDATE appointments
		SET status = 'completed',
			consult_ended_at = $2,
			consult_actual_duration_mins = $3,
			consult_notes = $4,
			consult_diagnosis = $5,
			consult_recommendations = $6,
			consult_summary = $7,
			follow_up_required = $8,
			follow_up_date = $9,
			prescription_id = COALESCE($10, prescription_id),
			prescription_issued_at = COALESCE($11, prescription_issued_at),
			prescription_valid_until = COALESCE($12, prescription_valid_until),
			payment_status = CASE WHEN $13 THEN 'completed' ELSE payment_status END,
			paid_at = CASE WHEN $13 THEN $2 ELSE paid_at END,
			updated_at = now()
		WHERE id = $1 AND status = 'in_progress'
	`, id, u.EndedAt, u.ActualDurationMins, u.Notes, u.Diagnosis, u.Recommendations,
		u.SessionSummary, u.FollowUpRequired, u.FollowUpDate,
		prescriptionID, issuedAt, validUntil, u.SettlePayment)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStateConflict
	}
	return nil
}

func (r *AppointmentRepository) CancelAppointment(ctx context.Context, tx pgx.Tx, id, cancelledBy, reason, refundStatus string) (time.Time, error) {
	var cancelledAt time.Time
	err := tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'cancelled',
			cancelled_by = $2,
			cancellation_reason = $3,
			cancelled_at = now(),
			refund_status = $4,
			updated_at = now()
		WHERE id = $1 AND status IN ('scheduled', 'confirmed')
		RETURNING cancelled_at
	`, id, cancelledBy, reason, refundStatus).Scan(&cancelledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, ErrStateConflict
	}
	return cancelledAt, err
}

func (r *AppointmentRepository) Reschedule(ctx context.Context, tx pgx.Tx, id string, date time.Time, startTime, endTime string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE appointments
		SET scheduled_date = $2,
			start_time = $3,
			end_time = $4,
			status = 'scheduled',
			reminder_24h_sent = false,
			reminder_1h_sent = false,
			updated_at = now()
		WHERE id = $1 AND status IN ('scheduled', 'confirmed')
	`, id, date, startTime, endTime)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStateConflict
	}
	return nil
}

func (r *AppointmentRepository) AppendMessage(ctx context.Context, tx pgx.Tx, m model.Message) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO consultation_messages (id, appointment_id, sender, body, message_type, file_url, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, m.ID, m.AppointmentID, m.Sender, m.Body, m.MessageType, m.FileURL, m.SentAt)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		UPDATE appointments SET consult_last_activity_at = $2, updated_at = now() WHERE id = $1
	`, m.AppointmentID, m.SentAt)
	return err
}

func (r *AppointmentRepository) CountMessages(ctx context.Context, tx pgx.Tx, appointmentID string) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM consultation_messages WHERE appointment_id = $1
	`, appointmentID).Scan(&n)
	return n, err
}

// ListMessages returns a page ordered by sent time ascending, plus the total
// message count for the appointment.
func (r *AppointmentRepository) ListMessages(ctx context.Context, appointmentID string, limit, skip int) ([]model.Message, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM consultation_messages WHERE appointment_id = $1
	`, appointmentID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id::text, appointment_id::text, sender, body, message_type, COALESCE(file_url, ''), sent_at
		FROM consultation_messages
		WHERE appointment_id = $1
		ORDER BY sent_at ASC, id ASC
		OFFSET $2
		LIMIT $3
	`, appointmentID, skip, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.AppointmentID, &m.Sender, &m.Body, &m.MessageType, &m.FileURL, &m.SentAt); err != nil {
			return nil, 0, err
		}
		msgs = append(msgs, m)
	}
	if rows.Err() != nil {
		return nil, 0, rows.Err()
	}
	return msgs, total, nil
}

func (r *AppointmentRepository) MarkCheckoutStarted(ctx context.Context, tx pgx.Tx, id, sessionID string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE appointments
		SET payment_intent_id = $2,
			payment_status = 'processing',
			updated_at = now()
		WHERE id = $1 AND payment_status IN ('pending', 'processing')
	`, id, sessionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStateConflict
	}
	return nil
}

// MarkPaymentCompleted settles the payment and promotes the appointment to
// confirmed. Re-applying the same values for a redelivered event is a no-op
// in effect.
func (r *AppointmentRepository) MarkPaymentCompleted(ctx context.Context, tx pgx.Tx, intentID, transactionID string, paidAt time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE appointments
		SET payment_status = 'completed',
			payment_transaction_id = $2,
			paid_at = COALESCE(paid_at, $3),
			status = CASE WHEN status = 'scheduled' THEN 'confirmed' ELSE status END,
			updated_at = now()
		WHERE payment_intent_id = $1
	`, intentID, transactionID, paidAt)
	return err
}

func (r *AppointmentRepository) MarkPaymentFailed(ctx context.Context, tx pgx.Tx, intentID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE appointments
		SET payment_status = 'failed', updated_at = now()
		WHERE payment_intent_id = $1 AND payment_status = 'processing'
	`, intentID)
	return err
}

type ProcessingPayment struct {
	AppointmentID string
	IntentID      string
}

// ListProcessingPayments returns appointments whose checkout started but
// never reconciled, oldest first. Used by the payment reconciler.
func (r *AppointmentRepository) ListProcessingPayments(ctx context.Context, olderThan time.Duration, limit int) ([]ProcessingPayment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, payment_intent_id
		FROM appointments
		WHERE payment_status = 'processing'
			AND payment_intent_id IS NOT NULL
			AND updated_at < now() - $1::interval
		ORDER BY updated_at ASC
		LIMIT $2
	`, olderThan.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProcessingPayment
	for rows.Next() {
		var p ProcessingPayment
		if err := rows.Scan(&p.AppointmentID, &p.IntentID); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *AppointmentRepository) SetNotificationFlag(ctx context.Context, id, flag string) error {
	var column string
	switch flag {
	case "reminder_24h":
		column = "reminder_24h_sent"
	case "reminder_1h":
		column = "reminder_1h_sent"
	case "confirmation":
		column = "confirmation_sent"
	default:
		return errors.New("unknown notification flag: " + flag)
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE appointments SET `+column+` = true, updated_at = now() WHERE id = $1
	`, id)
	return err
}

func (r *AppointmentRepository) ListByUser(ctx context.Context, userID string, limit int) ([]model.Appointment, error) {
	return r.list(ctx, `user_id`, userID, limit)
}

func (r *AppointmentRepository) ListByProvider(ctx context.Context, providerID string, limit int) ([]model.Appointment, error) {
	return r.list(ctx, `provider_id`, providerID, limit)
}

func (r *AppointmentRepository) list(ctx context.Context, column, value string, limit int) ([]model.Appointment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE `+column+` = $1
		ORDER BY scheduled_date DESC, start_time DESC
		LIMIT $2
	`, value, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var appts []model.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		appts = append(appts, a)
	}
	return appts, rows.Err()
}

func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
