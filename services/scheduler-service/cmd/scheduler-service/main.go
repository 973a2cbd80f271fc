package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pawcare-labs/pawcare/libs/config"
	"github.com/pawcare-labs/pawcare/libs/db"
	"github.com/pawcare-labs/pawcare/libs/httpx"
	"github.com/pawcare-labs/pawcare/libs/kafkax"
	otelx "github.com/pawcare-labs/pawcare/libs/otel"
	"github.com/pawcare-labs/pawcare/libs/runtime"
	"github.com/pawcare-labs/pawcare/services/scheduler-service/internal/consumer"
	"github.com/pawcare-labs/pawcare/services/scheduler-service/internal/inbox"
	"github.com/pawcare-labs/pawcare/services/scheduler-service/internal/jobs"
	"github.com/pawcare-labs/pawcare/services/scheduler-service/internal/outbox"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "scheduler-service")
	port, err := config.Port("PORT", "8087")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}

	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	inboxRepo := inbox.NewRepository(pool)
	jobRepo := jobs.NewRepository()
	outboxRepo := outbox.NewRepository(pool)

	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	backoffSeconds, err := strconv.Atoi(config.String("SCHEDULER_BACKOFF_SECONDS", "60"))
	if err != nil || backoffSeconds <= 0 {
		backoffSeconds = 60
	}
	jobWorker := jobs.NewWorker(pool, jobRepo, outboxRepo, logger, jobs.WorkerConfig{
		Interval:  2 * time.Second,
		BatchSize: 50,
		Backoff:   time.Duration(backoffSeconds) * time.Second,
	})
	go jobWorker.Run(ctx)

	brokers := config.String("KAFKA_BROKERS", "")
	groupID := config.String("KAFKA_GROUP_ID", "scheduler-service")

	type reminderRequest struct {
		AppointmentID string         `json:"appointment_id"`
		UserID        string         `json:"user_id"`
		Kind          string         `json:"kind"`
		Channel       string         `json:"channel"`
		Recipient     string         `json:"recipient"`
		RemindAt      string         `json:"remind_at"`
		TemplateData  map[string]any `json:"template_data"`
	}

	requestConsumer := consumer.New(logger, inboxRepo, consumer.Config{
		Brokers: brokers,
		GroupID: groupID,
		Topic:   config.String("KAFKA_CONSUME_TOPIC", "appointments.reminder.requested.v1"),
	}, func(ctx context.Context, msg kafka.Message) error {
		var payload reminderRequest
		if err := json.Unmarshal(msg.Value, &payload); err != nil {
			logger.Error("invalid reminder request", "err", err)
			return nil
		}
		if payload.AppointmentID == "" || payload.Kind == "" || payload.Channel == "" || payload.Recipient == "" || payload.RemindAt == "" {
			logger.Error("missing reminder fields")
			return nil
		}
		remindAt, err := time.Parse(time.RFC3339, payload.RemindAt)
		if err != nil {
			logger.Error("invalid remind_at", "err", err)
			return nil
		}

		idempotencyKey := payload.AppointmentID + "|" + payload.RemindAt + "|" + payload.Kind + "|" + payload.Channel

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if err := jobRepo.Insert(ctx, tx, jobs.Job{
			IdempotencyKey: idempotencyKey,
			AppointmentID:  payload.AppointmentID,
			UserID:         payload.UserID,
			Kind:           payload.Kind,
			Channel:        payload.Channel,
			Recipient:      payload.Recipient,
			RemindAt:       remindAt,
			TemplateData:   payload.TemplateData,
		}); err != nil {
			return err
		}

		return tx.Commit(ctx)
	})
	go requestConsumer.Run(ctx)

	// Cancellations and reschedules retire reminders that should no longer
	// fire. Reschedules only retire the reminders computed from the old
	// start time; replacements arrive as fresh reminder requests.
	offsets := config.MinutesList("REMINDER_OFFSETS_MINUTES", "1440,60")

	type lifecycleEvent struct {
		AppointmentID string `json:"appointment_id"`
		OldDate       string `json:"old_date"`
		OldStartTime  string `json:"old_start_time"`
	}

	lifecycleHandler := func(ctx context.Context, msg kafka.Message) error {
		meta := kafkax.ExtractEventMeta(msg)
		var payload lifecycleEvent
		if err := json.Unmarshal(msg.Value, &payload); err != nil {
			logger.Error("invalid lifecycle event", "err", err, "event_type", meta.EventType)
			return nil
		}
		if payload.AppointmentID == "" {
			return nil
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		switch meta.EventType {
		case "appointments.appointment.cancelled.v1":
			if err := jobRepo.CancelPending(ctx, tx, payload.AppointmentID); err != nil {
				return err
			}
		case "appointments.appointment.rescheduled.v1":
			oldStart, err := time.ParseInLocation("2006-01-02 15:04", payload.OldDate+" "+payload.OldStartTime, time.UTC)
			if err != nil {
				logger.Error("invalid old start in reschedule event", "err", err, "appointment_id", payload.AppointmentID)
				return nil
			}
			remindAts := make([]time.Time, 0, len(offsets))
			for _, offset := range offsets {
				remindAts = append(remindAts, oldStart.Add(-offset))
			}
			if err := jobRepo.CancelAt(ctx, tx, payload.AppointmentID, remindAts); err != nil {
				return err
			}
		}

		return tx.Commit(ctx)
	}

	for _, topic := range []string{
		config.String("KAFKA_CANCELLED_TOPIC", "appointments.appointment.cancelled.v1"),
		config.String("KAFKA_RESCHEDULED_TOPIC", "appointments.appointment.rescheduled.v1"),
	} {
		if strings.TrimSpace(topic) == "" {
			continue
		}
		lifecycleConsumer := consumer.New(logger, inboxRepo, consumer.Config{
			Brokers: brokers,
			GroupID: groupID,
			Topic:   topic,
		}, lifecycleHandler)
		go lifecycleConsumer.Run(ctx)
	}

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "scheduler")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
