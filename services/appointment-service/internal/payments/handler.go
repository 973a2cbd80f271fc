package payments

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pawcare-labs/pawcare/services/appointment-service/internal/model"
	"github.com/pawcare-labs/pawcare/services/appointment-service/internal/outbox"
	"github.com/pawcare-labs/pawcare/services/appointment-service/internal/storage"
	"github.com/stripe/stripe-go/v79"
	checkoutsession "github.com/stripe/stripe-go/v79/checkout/session"
	"github.com/stripe/stripe-go/v79/webhook"
)

// Repository is the slice of the appointment store the payment flows touch.
type Repository interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (model.Appointment, error)
	GetByPaymentIntent(ctx context.Context, tx pgx.Tx, intentID string) (model.Appointment, error)
	MarkCheckoutStarted(ctx context.Context, tx pgx.Tx, id, sessionID string) error
	MarkPaymentCompleted(ctx context.Context, tx pgx.Tx, intentID, transactionID string, paidAt time.Time) error
	MarkPaymentFailed(ctx context.Context, tx pgx.Tx, intentID string) error
	InsertPaymentEvent(ctx context.Context, tx pgx.Tx, evt storage.PaymentEvent) error
}

// OutboxWriter enqueues integration events in the caller's transaction.
type OutboxWriter interface {
	Insert(ctx context.Context, tx pgx.Tx, evt outbox.Event) error
}

type Handler struct {
	repo                   Repository
	outboxRepo             OutboxWriter
	logger                 *slog.Logger
	stripeSecretKey        string
	stripeWebhookSecret    string
	stripeWebhookTolerance time.Duration
	checkoutSuccessURL     string
	checkoutCancelURL      string
}

type Config struct {
	StripeSecretKey               string
	StripeWebhookSecret           string
	StripeWebhookToleranceSeconds int
	CheckoutSuccessURL            string
	CheckoutCancelURL             string
}

func New(repo Repository, outboxRepo OutboxWriter, logger *slog.Logger, cfg Config) *Handler {
	tolSeconds := cfg.StripeWebhookToleranceSeconds
	if tolSeconds <= 0 {
		tolSeconds = 300
	}
	return &Handler{
		repo:                   repo,
		outboxRepo:             outboxRepo,
		logger:                 logger,
		stripeSecretKey:        strings.TrimSpace(cfg.StripeSecretKey),
		stripeWebhookSecret:    strings.TrimSpace(cfg.StripeWebhookSecret),
		stripeWebhookTolerance: time.Duration(tolSeconds) * time.Second,
		checkoutSuccessURL:     strings.TrimSpace(cfg.CheckoutSuccessURL),
		checkoutCancelURL:      strings.TrimSpace(cfg.CheckoutCancelURL),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

type checkoutRequest struct {
	AppointmentID string `json:"appointment_id"`
	SuccessURL    string `json:"success_url,omitempty"`
	CancelURL     string `json:"cancel_url,omitempty"`
}

// Checkout creates a hosted payment page for a card appointment and stores
// the provider session id on the appointment. The payment moves to
// processing until the provider confirms via webhook.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.stripeSecretKey == "" {
		http.Error(w, "stripe checkout not configured (STRIPE_SECRET_KEY missing)", http.StatusNotImplemented)
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.AppointmentID == "" {
		http.Error(w, "appointment_id is required", http.StatusBadRequest)
		return
	}
	userID := strings.TrimSpace(r.Header.Get("X-User-Id"))
	if userID == "" {
		http.Error(w, "missing user context", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	tx, err := h.repo.Begin(ctx)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	appt, err := h.repo.GetForUpdate(ctx, tx, req.AppointmentID)
	if err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "appointment not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load appointment", http.StatusInternalServerError)
		return
	}
	if appt.UserID != userID && r.Header.Get("X-Role") != "admin" {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if appt.Payment.Method != model.MethodCard {
		http.Error(w, "checkout is only available for card payments", http.StatusConflict)
		return
	}
	if appt.Payment.Status == model.PaymentCompleted {
		http.Error(w, "payment already completed", http.StatusConflict)
		return
	}
	if appt.Status == model.StatusCancelled {
		http.Error(w, "appointment is cancelled", http.StatusConflict)
		return
	}
	if appt.Payment.Amount <= 0 {
		http.Error(w, "appointment has no payable amount", http.StatusConflict)
		return
	}

	successURL := strings.TrimSpace(req.SuccessURL)
	if successURL == "" {
		successURL = h.checkoutSuccessURL
	}
	cancelURL := strings.TrimSpace(req.CancelURL)
	if cancelURL == "" {
		cancelURL = h.checkoutCancelURL
	}
	if successURL == "" || cancelURL == "" {
		http.Error(w, "success_url and cancel_url are required (or configure default URLs)", http.StatusBadRequest)
		return
	}

	// Stripe uses a global API key. Keep usage limited to this handler call.
	stripe.Key = h.stripeSecretKey

	idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))

	currency := appt.Payment.Currency
	if currency == "" {
		currency = "usd"
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(appt.ID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(currency),
					UnitAmount: stripe.Int64(appt.Payment.Amount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(appt.ServiceType + " for " + appt.PetName),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: map[string]string{
			"appointment_id": appt.ID,
			"user_id":        appt.UserID,
		},
	}
	params.AddExpand("url")
	if idemKey != "" {
		params.IdempotencyKey = stripe.String(idemKey)
	}

	sess, err := checkoutsession.New(params)
	if err != nil {
		h.logger.Error("stripe checkout session create failed", "err", err, "appointment_id", appt.ID)
		http.Error(w, "failed to create checkout session", http.StatusBadGateway)
		return
	}

	if err := h.repo.MarkCheckoutStarted(ctx, tx, appt.ID, sess.ID); err != nil {
		if errors.Is(err, storage.ErrStateConflict) {
			http.Error(w, "payment state changed concurrently", http.StatusConflict)
			return
		}
		http.Error(w, "failed to persist checkout session", http.StatusInternalServerError)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		http.Error(w, "failed to commit", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":     sess.ID,
		"url":            sess.URL,
		"payment_status": model.PaymentProcessing,
	})
}

// StripeWebhook handles Stripe webhooks (no JWT auth; signature verification
// is the auth). Gateway should expose this path publicly.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.stripeWebhookSecret == "" {
		http.Error(w, "stripe webhook not configured", http.StatusServiceUnavailable)
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		http.Error(w, "missing Stripe-Signature header", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MiB hard cap
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	evt, err := webhook.ConstructEventWithTolerance(body, sigHeader, h.stripeWebhookSecret, h.stripeWebhookTolerance)
	if err != nil {
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	occurredAt := time.Unix(evt.Created, 0).UTC()
	evtType := string(evt.Type)
	h.logger.Info("payment provider event received",
		"provider", "stripe",
		"provider_event_id", evt.ID,
		"event_type", evtType,
		"occurred_at", occurredAt.Format(time.RFC3339),
	)

	tx, err := h.repo.Begin(r.Context())
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(r.Context()) }()

	// Idempotency: ignore replayed Stripe events.
	if err := h.repo.InsertPaymentEvent(r.Context(), tx, storage.PaymentEvent{
		Provider:        "stripe",
		ProviderEventID: evt.ID,
		EventType:       evtType,
		Payload:         body,
	}); err != nil {
		if errors.Is(err, storage.ErrDuplicatePaymentEvent) {
			h.logger.Info("payment provider event duplicate ignored", "provider", "stripe", "provider_event_id", evt.ID, "event_type", evtType)
			writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
			_ = tx.Commit(r.Context())
			return
		}
		http.Error(w, "failed to record provider event", http.StatusInternalServerError)
		return
	}

	switch evtType {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(evt.Data.Raw, &session); err != nil {
			h.logger.Error("stripe: invalid checkout session payload", "err", err)
			break
		}
		// completed fires for async methods before funds clear; only settle on paid.
		if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			break
		}
		if err := h.applyPaid(r.Context(), tx, session, occurredAt); err != nil {
			http.Error(w, "failed to apply payment", http.StatusInternalServerError)
			return
		}

	case "checkout.session.async_payment_failed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(evt.Data.Raw, &session); err != nil {
			h.logger.Error("stripe: invalid checkout session payload", "err", err)
			break
		}
		if err := h.repo.MarkPaymentFailed(r.Context(), tx, session.ID); err != nil {
			http.Error(w, "failed to apply payment failure", http.StatusInternalServerError)
			return
		}
	}

	if err := tx.Commit(r.Context()); err != nil {
		http.Error(w, "failed to commit", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// applyPaid settles the payment identified by the session and promotes the
// appointment to confirmed. Safe to apply repeatedly: an unmatched session
// is logged and dropped, a settled one is untouched.
func (h *Handler) applyPaid(ctx context.Context, tx pgx.Tx, session stripe.CheckoutSession, occurredAt time.Time) error {
	appt, err := h.repo.GetByPaymentIntent(ctx, tx, session.ID)
	if err != nil {
		if storage.IsNotFound(err) {
			h.logger.Warn("stripe: no appointment for checkout session", "session_id", session.ID)
			return nil
		}
		return err
	}
	alreadySettled := appt.Payment.Status == model.PaymentCompleted

	transactionID := ""
	if session.PaymentIntent != nil {
		transactionID = session.PaymentIntent.ID
	}
	if err := h.repo.MarkPaymentCompleted(ctx, tx, session.ID, transactionID, occurredAt); err != nil {
		return err
	}
	if alreadySettled {
		return nil
	}

	payload, err := json.Marshal(map[string]any{
		"appointment_id": appt.ID,
		"user_id":        appt.UserID,
		"provider_id":    appt.ProviderID,
		"amount":         appt.Payment.Amount,
		"currency":       appt.Payment.Currency,
		"paid_at":        occurredAt.Format(time.RFC3339),
		"user_email":     appt.UserEmail,
		"template_data": map[string]string{
			"pet_name":      appt.PetName,
			"provider_name": appt.ProviderName,
			"service_type":  appt.ServiceType,
			"date":          appt.ScheduledDate.Format("2006-01-02"),
			"start_time":    appt.StartTime,
		},
	})
	if err != nil {
		return err
	}
	return h.outboxRepo.Insert(ctx, tx, outbox.Event{
		AggregateType: "appointment",
		AggregateID:   appt.ID,
		EventType:     "appointments.appointment.confirmed.v1",
		Payload:       payload,
	})
}
