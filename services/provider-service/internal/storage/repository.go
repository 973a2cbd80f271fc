package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pawcare-labs/pawcare/libs/db"
	"github.com/pawcare-labs/pawcare/services/provider-service/internal/model"
)

// ErrDuplicateReview means the appointment already has a review.
var ErrDuplicateReview = errors.New("appointment already reviewed")

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

const providerColumns = `
	id::text, name, type, COALESCE(email, ''), COALESCE(phone, ''), COALESCE(bio, ''),
	specialties, COALESCE(city, ''), COALESCE(clinic_name, ''), experience_years,
	price_per_session, currency, rating_avg, rating_count,
	completed_count, cancelled_count, patient_count, avg_response_secs,
	is_active, created_at, updated_at`

func scanProvider(row pgx.Row) (model.Provider, error) {
	var p model.Provider
	err := row.Scan(
		&p.ID, &p.Name, &p.Type, &p.Email, &p.Phone, &p.Bio,
		&p.Specialties, &p.City, &p.ClinicName, &p.ExperienceYears,
		&p.PricePerSession, &p.Currency, &p.RatingAvg, &p.RatingCount,
		&p.CompletedCount, &p.CancelledCount, &p.PatientCount, &p.AvgResponseSecs,
		&p.IsActive, &p.CreatedAt, &p.UpdatedAt,
	)
	return p, err
}

func (r *Repository) Upsert(ctx context.Context, p *model.Provider) (string, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO providers
			(id, name, type, email, phone, bio, specialties, city, clinic_name,
			 experience_years, price_per_session, currency, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
			type = EXCLUDED.type,
			email = EXCLUDED.email,
			phone = EXCLUDED.phone,
			bio = EXCLUDED.bio,
			specialties = EXCLUDED.specialties,
			city = EXCLUDED.city,
			clinic_name = EXCLUDED.clinic_name,
			experience_years = EXCLUDED.experience_years,
			price_per_session = EXCLUDED.price_per_session,
			currency = EXCLUDED.currency,
			is_active = EXCLUDED.is_active,
			updated_at = now()
	`, p.ID, p.Name, p.Type, p.Email, p.Phone, p.Bio, p.Specialties, p.City, p.ClinicName,
		p.ExperienceYears, p.PricePerSession, p.Currency, p.IsActive)
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

func (r *Repository) Get(ctx context.Context, id string) (model.Provider, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+providerColumns+` FROM providers WHERE id = $1`, id)
	return scanProvider(row)
}

// SearchFilter narrows the public provider listing. Zero values mean "any".
type SearchFilter struct {
	Type      string
	City      string
	Specialty string
	MinRating float64
	MaxPrice  int64
	Query     string // free text over name, clinic, bio
	SortBy    string // rating | price | experience | name
	Ascending bool
	Limit     int
	Skip      int
}

// Search returns active providers matching the filter plus the total match
// count for pagination.
func (r *Repository) Search(ctx context.Context, f SearchFilter) ([]model.Provider, int, error) {
	where := []string{"is_active"}
	var args []any

	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if f.Type != "" {
		where = append(where, "type = "+arg(f.Type))
	}
	if f.City != "" {
		where = append(where, "lower(city) = lower("+arg(f.City)+")")
	}
	if f.Specialty != "" {
		where = append(where, arg(f.Specialty)+" = ANY(specialties)")
	}
	if f.MinRating > 0 {
		where = append(where, "rating_avg >= "+arg(f.MinRating))
	}
	if f.MaxPrice > 0 {
		where = append(where, "price_per_session <= "+arg(f.MaxPrice))
	}
	if f.Query != "" {
		pattern := arg("%" + f.Query + "%")
		where = append(where, "(name ILIKE "+pattern+" OR clinic_name ILIKE "+pattern+" OR bio ILIKE "+pattern+")")
	}
	whereSQL := strings.Join(where, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM providers WHERE `+whereSQL, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	// Descending unless ascending was asked for explicitly.
	dir := "DESC"
	if f.Ascending {
		dir = "ASC"
	}
	var orderSQL string
	switch f.SortBy {
	case "price":
		orderSQL = "price_per_session " + dir
	case "experience":
		orderSQL = "experience_years " + dir
	case "name":
		orderSQL = "name " + dir
	case "", "rating":
		orderSQL = "rating_avg " + dir + ", rating_count " + dir
	default:
		return nil, 0, fmt.Errorf("unsupported sort: %s", f.SortBy)
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	skip := f.Skip
	if skip < 0 {
		skip = 0
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+providerColumns+`
		FROM providers
		WHERE `+whereSQL+`
		ORDER BY `+orderSQL+`, id ASC
		OFFSET `+arg(skip)+`
		LIMIT `+arg(limit),
		args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []model.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	if rows.Err() != nil {
		return nil, 0, rows.Err()
	}
	return out, total, nil
}

func (r *Repository) ReplaceSlots(ctx context.Context, providerID string, date time.Time, slots []model.Slot) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Booked slots are kept; only open ones are replaced.
	if _, err := tx.Exec(ctx, `
		DELETE FROM provider_slots
		WHERE provider_id = $1 AND slot_date = $2 AND NOT is_booked
	`, providerID, date); err != nil {
		return err
	}
	for _, s := range slots {
		if _, err := tx.Exec(ctx, `
			INSERT INTO provider_slots (id, provider_id, slot_date, start_time, end_time, is_booked)
			VALUES ($1, $2, $3, $4, $5, false)
			ON CONFLICT (provider_id, slot_date, start_time) DO NOTHING
		`, uuid.NewString(), providerID, date, s.StartTime, s.EndTime); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *Repository) ListSlots(ctx context.Context, providerID string, from, to time.Time) ([]model.Slot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, provider_id::text, slot_date, start_time, end_time, is_booked
		FROM provider_slots
		WHERE provider_id = $1 AND slot_date >= $2 AND slot_date < $3
		ORDER BY slot_date ASC, start_time ASC
	`, providerID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Slot
	for rows.Next() {
		var s model.Slot
		if err := rows.Scan(&s.ID, &s.ProviderID, &s.SlotDate, &s.StartTime, &s.EndTime, &s.IsBooked); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// MarkSlotBooked flips an open slot to booked. Returns false when no open
// slot matched, so a double booking is detectable.
func (r *Repository) MarkSlotBooked(ctx context.Context, tx pgx.Tx, providerID string, date time.Time, startTime string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE provider_slots
		SET is_booked = true
		WHERE provider_id = $1 AND slot_date = $2 AND start_time = $3 AND NOT is_booked
	`, providerID, date, startTime)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) FreeSlot(ctx context.Context, tx pgx.Tx, providerID string, date time.Time, startTime string) error {
	_, err := tx.Exec(ctx, `
		UPDATE provider_slots
		SET is_booked = false
		WHERE provider_id = $1 AND slot_date = $2 AND start_time = $3 AND is_booked
	`, providerID, date, startTime)
	return err
}

// AddReview stores a review and folds it into the provider's aggregates in
// one transaction.
func (r *Repository) AddReview(ctx context.Context, rev model.Review) (string, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	id := uuid.NewString()
	if _, err := tx.Exec(ctx, `
		INSERT INTO provider_reviews (id, provider_id, user_id, appointment_id, rating, comment)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, rev.ProviderID, rev.UserID, rev.AppointmentID, rev.Rating, rev.Comment); err != nil {
		// provider_reviews has a unique index on appointment_id.
		if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == "23505" {
			return "", ErrDuplicateReview
		}
		return "", err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE providers
		SET rating_avg = (rating_avg * rating_count + $2) / (rating_count + 1),
			rating_count = rating_count + 1,
			updated_at = now()
		WHERE id = $1
	`, rev.ProviderID, rev.Rating); err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return id, nil
}

func (r *Repository) ListReviews(ctx context.Context, providerID string, limit int) ([]model.Review, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, provider_id::text, user_id, COALESCE(appointment_id::text, ''), rating, COALESCE(comment, ''), created_at
		FROM provider_reviews
		WHERE provider_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, providerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Review
	for rows.Next() {
		var rev model.Review
		if err := rows.Scan(&rev.ID, &rev.ProviderID, &rev.UserID, &rev.AppointmentID, &rev.Rating, &rev.Comment, &rev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rev)
	}
	return out, rows.Err()
}

// BumpCompleted increments the consultation counter, and the distinct-patient
// counter when this is the user's first completed appointment with the
// provider.
func (r *Repository) BumpCompleted(ctx context.Context, tx pgx.Tx, providerID, userID string) error {
	if _, err := tx.Exec(ctx, `
		UPDATE providers SET completed_count = completed_count + 1, updated_at = now() WHERE id = $1
	`, providerID); err != nil {
		return err
	}
	if userID == "" {
		return nil
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO provider_patients (provider_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (provider_id, user_id) DO NOTHING
	`, providerID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	_, err = tx.Exec(ctx, `
		UPDATE providers SET patient_count = patient_count + 1 WHERE id = $1
	`, providerID)
	return err
}

func (r *Repository) BumpCancelled(ctx context.Context, tx pgx.Tx, providerID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE providers SET cancelled_count = cancelled_count + 1, updated_at = now() WHERE id = $1
	`, providerID)
	return err
}

func IsNotFound(err error) bool {
	return err == pgx.ErrNoRows
}
