package payments

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/pawcare-labs/pawcare/libs/db"
	"github.com/pawcare-labs/pawcare/services/appointment-service/internal/model"
	"github.com/pawcare-labs/pawcare/services/appointment-service/internal/outbox"
	"github.com/pawcare-labs/pawcare/services/appointment-service/internal/storage"
	"github.com/stripe/stripe-go/v79"
	checkoutsession "github.com/stripe/stripe-go/v79/checkout/session"
)

// Reconciler self-heals payments stuck in processing when a webhook was
// missed: it asks Stripe for the session's final state and applies it.
type Reconciler struct {
	pool        *db.Pool
	repo        *storage.AppointmentRepository
	outboxRepo  *outbox.Repository
	logger      *slog.Logger
	stripeKey   string
	stuckAfter  time.Duration
	batchSize   int
	advisoryKey int64
}

type ReconcilerConfig struct {
	StripeSecretKey string
	StuckAfter      time.Duration
	BatchSize       int
	AdvisoryLockKey int64
}

func NewReconciler(pool *db.Pool, repo *storage.AppointmentRepository, outboxRepo *outbox.Repository, logger *slog.Logger, cfg ReconcilerConfig) *Reconciler {
	stuck := cfg.StuckAfter
	if stuck <= 0 {
		stuck = 15 * time.Minute
	}
	bs := cfg.BatchSize
	if bs <= 0 {
		bs = 50
	}
	lockKey := cfg.AdvisoryLockKey
	if lockKey == 0 {
		// Stable-ish default; override via env if you run multiple instances.
		lockKey = 7310042
	}
	return &Reconciler{
		pool:        pool,
		repo:        repo,
		outboxRepo:  outboxRepo,
		logger:      logger,
		stripeKey:   strings.TrimSpace(cfg.StripeSecretKey),
		stuckAfter:  stuck,
		batchSize:   bs,
		advisoryKey: lockKey,
	}
}

func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if r.stripeKey == "" {
		r.logger.Warn("payment reconcile disabled: STRIPE_SECRET_KEY missing")
		return
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	// Best-effort leader election for multi-instance deployments.
	// Only the instance holding the advisory lock will reconcile.
	for {
		if ctx.Err() != nil {
			return
		}
		var locked bool
		if err := r.pool.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, r.advisoryKey).Scan(&locked); err != nil {
			r.logger.Error("payment reconcile: failed to acquire advisory lock", "err", err)
			time.Sleep(5 * time.Second)
			continue
		}
		if !locked {
			r.logger.Info("payment reconcile: advisory lock held by another instance", "lock_key", r.advisoryKey)
			time.Sleep(30 * time.Second)
			continue
		}
		r.logger.Info("payment reconcile: advisory lock acquired", "lock_key", r.advisoryKey)
		defer func() {
			_, _ = r.pool.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, r.advisoryKey)
		}()
		break
	}

	stripe.Key = r.stripeKey
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run immediately on startup to self-heal faster after downtime.
	r.reconcileOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reconcileOnce(ctx)
		}
	}
}

func (r *Reconciler) reconcileOnce(ctx context.Context) {
	stuck, err := r.repo.ListProcessingPayments(ctx, r.stuckAfter, r.batchSize)
	if err != nil {
		r.logger.Error("payment reconcile: failed to list stuck payments", "err", err)
		return
	}
	if len(stuck) == 0 {
		return
	}
	r.logger.Info("payment reconcile: checking stuck payments", "count", len(stuck))

	for _, p := range stuck {
		if ctx.Err() != nil {
			return
		}
		sess, err := checkoutsession.Get(p.IntentID, nil)
		if err != nil {
			r.logger.Warn("payment reconcile: failed to fetch session", "err", err, "session_id", p.IntentID, "appointment_id", p.AppointmentID)
			continue
		}
		r.apply(ctx, p, sess)
	}
}

func (r *Reconciler) apply(ctx context.Context, p storage.ProcessingPayment, sess *stripe.CheckoutSession) {
	tx, err := r.repo.Begin(ctx)
	if err != nil {
		r.logger.Error("payment reconcile: begin failed", "err", err)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	switch {
	case sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
		appt, err := r.repo.GetByPaymentIntent(ctx, tx, sess.ID)
		if err != nil {
			r.logger.Error("payment reconcile: lookup failed", "err", err, "session_id", sess.ID)
			return
		}
		transactionID := ""
		if sess.PaymentIntent != nil {
			transactionID = sess.PaymentIntent.ID
		}
		if err := r.repo.MarkPaymentCompleted(ctx, tx, sess.ID, transactionID, now); err != nil {
			r.logger.Error("payment reconcile: settle failed", "err", err, "appointment_id", p.AppointmentID)
			return
		}
		payload, err := marshalConfirmed(appt, now)
		if err != nil {
			r.logger.Error("payment reconcile: payload build failed", "err", err)
			return
		}
		if err := r.outboxRepo.Insert(ctx, tx, outbox.Event{
			AggregateType: "appointment",
			AggregateID:   appt.ID,
			EventType:     "appointments.appointment.confirmed.v1",
			Payload:       payload,
		}); err != nil {
			r.logger.Error("payment reconcile: outbox insert failed", "err", err)
			return
		}
		r.logger.Info("payment reconcile: settled", "appointment_id", p.AppointmentID, "session_id", sess.ID)

	case sess.Status == stripe.CheckoutSessionStatusExpired:
		if err := r.repo.MarkPaymentFailed(ctx, tx, sess.ID); err != nil {
			r.logger.Error("payment reconcile: mark failed errored", "err", err, "appointment_id", p.AppointmentID)
			return
		}
		r.logger.Info("payment reconcile: session expired, payment failed", "appointment_id", p.AppointmentID, "session_id", sess.ID)

	default:
		// Session still open; leave it processing.
		return
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.Error("payment reconcile: commit failed", "err", err)
	}
}

func marshalConfirmed(appt model.Appointment, paidAt time.Time) ([]byte, error) {
	return json.Marshal(map[string]any{
		"appointment_id": appt.ID,
		"user_id":        appt.UserID,
		"provider_id":    appt.ProviderID,
		"amount":         appt.Payment.Amount,
		"currency":       appt.Payment.Currency,
		"paid_at":        paidAt.Format(time.RFC3339),
	})
}
