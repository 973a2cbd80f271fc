package events

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/segmentio/kafka-go"
)

// fakeTx only needs Commit/Rollback; the handler never touches the rest.
type fakeTx struct{ pgx.Tx }

func (fakeTx) Commit(context.Context) error   { return nil }
func (fakeTx) Rollback(context.Context) error { return nil }

type call struct {
	name       string
	providerID string
	userID     string
	date       string
	startTime  string
}

type fakeStore struct {
	calls []call
}

func (s *fakeStore) Begin(context.Context) (pgx.Tx, error) {
	return fakeTx{}, nil
}

func (s *fakeStore) MarkSlotBooked(_ context.Context, _ pgx.Tx, providerID string, date time.Time, startTime string) (bool, error) {
	s.calls = append(s.calls, call{name: "book", providerID: providerID, date: date.Format("2006-01-02"), startTime: startTime})
	return true, nil
}

func (s *fakeStore) FreeSlot(_ context.Context, _ pgx.Tx, providerID string, date time.Time, startTime string) error {
	s.calls = append(s.calls, call{name: "free", providerID: providerID, date: date.Format("2006-01-02"), startTime: startTime})
	return nil
}

func (s *fakeStore) BumpCompleted(_ context.Context, _ pgx.Tx, providerID, userID string) error {
	s.calls = append(s.calls, call{name: "completed", providerID: providerID, userID: userID})
	return nil
}

func (s *fakeStore) BumpCancelled(_ context.Context, _ pgx.Tx, providerID string) error {
	s.calls = append(s.calls, call{name: "cancelled", providerID: providerID})
	return nil
}

func message(topic, payload string) kafka.Message {
	return kafka.Message{Topic: topic, Key: []byte("evt-1"), Value: []byte(payload)}
}

func TestHandleCancelledFreesSlotAndBumps(t *testing.T) {
	store := &fakeStore{}
	h := New(store, slog.Default())

	msg := message("appointments.appointment.cancelled.v1",
		`{"appointment_id":"a1","provider_id":"p1","date":"2026-09-01","start_time":"10:00"}`)
	if err := h.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	want := []call{
		{name: "free", providerID: "p1", date: "2026-09-01", startTime: "10:00"},
		{name: "cancelled", providerID: "p1"},
	}
	if len(store.calls) != len(want) {
		t.Fatalf("calls = %+v, want %+v", store.calls, want)
	}
	for i := range want {
		if store.calls[i] != want[i] {
			t.Fatalf("call %d = %+v, want %+v", i, store.calls[i], want[i])
		}
	}
}

func TestHandleCompletedCarriesUserID(t *testing.T) {
	store := &fakeStore{}
	h := New(store, slog.Default())

	msg := message("appointments.appointment.completed.v1",
		`{"appointment_id":"a1","provider_id":"p1","user_id":"u1"}`)
	if err := h.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if len(store.calls) != 1 || store.calls[0].name != "completed" {
		t.Fatalf("calls = %+v", store.calls)
	}
	if store.calls[0].userID != "u1" {
		t.Fatalf("completed bump user id = %q, want u1", store.calls[0].userID)
	}
}

func TestHandleRescheduledMovesSlot(t *testing.T) {
	store := &fakeStore{}
	h := New(store, slog.Default())

	msg := message("appointments.appointment.rescheduled.v1",
		`{"appointment_id":"a1","provider_id":"p1","date":"2026-09-02","start_time":"11:00","old_date":"2026-09-01","old_start_time":"10:00"}`)
	if err := h.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	want := []call{
		{name: "free", providerID: "p1", date: "2026-09-01", startTime: "10:00"},
		{name: "book", providerID: "p1", date: "2026-09-02", startTime: "11:00"},
	}
	if len(store.calls) != len(want) {
		t.Fatalf("calls = %+v, want %+v", store.calls, want)
	}
	for i := range want {
		if store.calls[i] != want[i] {
			t.Fatalf("call %d = %+v, want %+v", i, store.calls[i], want[i])
		}
	}
}

func TestHandleIgnoresMissingProvider(t *testing.T) {
	store := &fakeStore{}
	h := New(store, slog.Default())

	msg := message("appointments.appointment.booked.v1", `{"appointment_id":"a1"}`)
	if err := h.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(store.calls) != 0 {
		t.Fatalf("expected no storage calls, got %+v", store.calls)
	}
}
