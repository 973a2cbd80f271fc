package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pawcare-labs/pawcare/services/appointment-service/internal/model"
	"github.com/pawcare-labs/pawcare/services/appointment-service/internal/outbox"
	"github.com/pawcare-labs/pawcare/services/appointment-service/internal/storage"
	"github.com/stripe/stripe-go/v79/webhook"
)

func testHandler(secret string) *Handler {
	return New(nil, nil, slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil)), Config{
		StripeWebhookSecret: secret,
	})
}

func TestStripeWebhookRejectsWhenUnconfigured(t *testing.T) {
	h := testHandler("")
	r := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhooks/stripe", bytes.NewReader([]byte("{}")))
	w := httptest.NewRecorder()
	h.StripeWebhook(w, r)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestStripeWebhookRejectsMissingSignature(t *testing.T) {
	h := testHandler("whsec_test")
	r := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhooks/stripe", bytes.NewReader([]byte("{}")))
	w := httptest.NewRecorder()
	h.StripeWebhook(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	h := testHandler("whsec_test")
	payload, _ := json.Marshal(map[string]any{"id": "evt_1", "type": "checkout.session.completed"})

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    "whsec_other",
		Timestamp: time.Now(),
		Scheme:    "v1",
	})

	r := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhooks/stripe", bytes.NewReader(payload))
	r.Header.Set("Stripe-Signature", signed.Header)
	w := httptest.NewRecorder()
	h.StripeWebhook(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for wrong secret, got %d", w.Code)
	}
}

func TestStripeWebhookRejectsStaleTimestamp(t *testing.T) {
	h := testHandler("whsec_test")
	payload, _ := json.Marshal(map[string]any{"id": "evt_1", "type": "checkout.session.completed"})

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    "whsec_test",
		Timestamp: time.Now().Add(-time.Hour),
		Scheme:    "v1",
	})

	r := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhooks/stripe", bytes.NewReader(payload))
	r.Header.Set("Stripe-Signature", signed.Header)
	w := httptest.NewRecorder()
	h.StripeWebhook(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for stale signature, got %d", w.Code)
	}
}

func TestCheckoutRejectsWrongMethod(t *testing.T) {
	h := testHandler("whsec_test")
	r := httptest.NewRequest(http.MethodGet, "/api/v1/payments/checkout", nil)
	w := httptest.NewRecorder()
	h.Checkout(w, r)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

type fakeTx struct{ pgx.Tx }

func (fakeTx) Commit(context.Context) error   { return nil }
func (fakeTx) Rollback(context.Context) error { return nil }

// fakeRepo remembers provider event ids so a replayed webhook takes the
// duplicate path, and records settlement calls.
type fakeRepo struct {
	seenEvents map[string]bool
	appt       model.Appointment
	completed  []string
	failed     []string
}

func (f *fakeRepo) Begin(context.Context) (pgx.Tx, error) { return fakeTx{}, nil }

func (f *fakeRepo) GetForUpdate(_ context.Context, _ pgx.Tx, id string) (model.Appointment, error) {
	return f.appt, nil
}

func (f *fakeRepo) GetByPaymentIntent(_ context.Context, _ pgx.Tx, intentID string) (model.Appointment, error) {
	if f.appt.Payment.IntentID != intentID {
		return model.Appointment{}, pgx.ErrNoRows
	}
	return f.appt, nil
}

func (f *fakeRepo) MarkCheckoutStarted(_ context.Context, _ pgx.Tx, id, sessionID string) error {
	return nil
}

func (f *fakeRepo) MarkPaymentCompleted(_ context.Context, _ pgx.Tx, intentID, transactionID string, _ time.Time) error {
	f.completed = append(f.completed, intentID)
	return nil
}

func (f *fakeRepo) MarkPaymentFailed(_ context.Context, _ pgx.Tx, intentID string) error {
	f.failed = append(f.failed, intentID)
	return nil
}

func (f *fakeRepo) InsertPaymentEvent(_ context.Context, _ pgx.Tx, evt storage.PaymentEvent) error {
	if f.seenEvents == nil {
		f.seenEvents = map[string]bool{}
	}
	if f.seenEvents[evt.ProviderEventID] {
		return storage.ErrDuplicatePaymentEvent
	}
	f.seenEvents[evt.ProviderEventID] = true
	return nil
}

type fakeOutbox struct {
	events []outbox.Event
}

func (f *fakeOutbox) Insert(_ context.Context, _ pgx.Tx, evt outbox.Event) error {
	f.events = append(f.events, evt)
	return nil
}

func TestStripeWebhookReplayedEventIsIdempotent(t *testing.T) {
	repo := &fakeRepo{appt: model.Appointment{
		ID:     "appt-1",
		UserID: "user-1",
		Status: model.StatusScheduled,
		Payment: model.Payment{
			Amount:   4500,
			Currency: "usd",
			Method:   "card",
			Status:   model.PaymentProcessing,
			IntentID: "cs_1",
		},
	}}
	ob := &fakeOutbox{}
	h := New(repo, ob, slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil)), Config{
		StripeWebhookSecret: "whsec_test",
	})

	payload, _ := json.Marshal(map[string]any{
		"id":          "evt_1",
		"type":        "checkout.session.completed",
		"created":     time.Now().Unix(),
		"api_version": "2024-06-20",
		"data": map[string]any{
			"object": map[string]any{
				"id":             "cs_1",
				"payment_status": "paid",
				"payment_intent": map[string]any{"id": "pi_1"},
			},
		},
	})

	deliver := func() *httptest.ResponseRecorder {
		signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
			Payload:   payload,
			Secret:    "whsec_test",
			Timestamp: time.Now(),
			Scheme:    "v1",
		})
		r := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhooks/stripe", bytes.NewReader(payload))
		r.Header.Set("Stripe-Signature", signed.Header)
		w := httptest.NewRecorder()
		h.StripeWebhook(w, r)
		return w
	}

	if w := deliver(); w.Code != http.StatusOK {
		t.Fatalf("first delivery: expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	if len(repo.completed) != 1 || repo.completed[0] != "cs_1" {
		t.Fatalf("completed marks after first delivery = %v", repo.completed)
	}
	if len(ob.events) != 1 || ob.events[0].EventType != "appointments.appointment.confirmed.v1" {
		t.Fatalf("outbox after first delivery = %+v", ob.events)
	}

	if w := deliver(); w.Code != http.StatusOK {
		t.Fatalf("replay: expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	if len(repo.completed) != 1 {
		t.Fatalf("replay settled again: %v", repo.completed)
	}
	if len(ob.events) != 1 {
		t.Fatalf("replay emitted another event: %+v", ob.events)
	}
}
