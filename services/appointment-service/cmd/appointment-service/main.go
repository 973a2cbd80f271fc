package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pawcare-labs/pawcare/libs/config"
	"github.com/pawcare-labs/pawcare/libs/db"
	"github.com/pawcare-labs/pawcare/libs/httpx"
	"github.com/pawcare-labs/pawcare/libs/kafkax"
	otelx "github.com/pawcare-labs/pawcare/libs/otel"
	"github.com/pawcare-labs/pawcare/libs/runtime"
	"github.com/pawcare-labs/pawcare/services/appointment-service/internal/consumer"
	"github.com/pawcare-labs/pawcare/services/appointment-service/internal/handlers"
	"github.com/pawcare-labs/pawcare/services/appointment-service/internal/inbox"
	"github.com/pawcare-labs/pawcare/services/appointment-service/internal/outbox"
	"github.com/pawcare-labs/pawcare/services/appointment-service/internal/payments"
	"github.com/pawcare-labs/pawcare/services/appointment-service/internal/providers"
	"github.com/pawcare-labs/pawcare/services/appointment-service/internal/storage"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "appointment-service")
	port, err := config.Port("PORT", "8083")
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

	repo := storage.NewAppointmentRepository(pool)
	outboxRepo := outbox.NewRepository(pool)

	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	paymentCfg := payments.Config{
		StripeSecretKey:               config.String("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret:           config.String("STRIPE_WEBHOOK_SECRET", ""),
		StripeWebhookToleranceSeconds: config.Int("STRIPE_WEBHOOK_TOLERANCE_SECONDS", 300),
		CheckoutSuccessURL:            config.String("CHECKOUT_SUCCESS_URL", ""),
		CheckoutCancelURL:             config.String("CHECKOUT_CANCEL_URL", ""),
	}
	paymentHandler := payments.New(repo, outboxRepo, logger, paymentCfg)

	reconciler := payments.NewReconciler(pool, repo, outboxRepo, logger, payments.ReconcilerConfig{
		StripeSecretKey: paymentCfg.StripeSecretKey,
		StuckAfter:      time.Duration(config.Int("PAYMENT_RECONCILE_STUCK_MINUTES", 15)) * time.Minute,
		BatchSize:       config.Int("PAYMENT_RECONCILE_BATCH_SIZE", 50),
		AdvisoryLockKey: int64(config.Int("PAYMENT_RECONCILE_LOCK_KEY", 0)),
	})
	go reconciler.Run(ctx, time.Duration(config.Int("PAYMENT_RECONCILE_INTERVAL_MINUTES", 5))*time.Minute)

	// Delivery receipts from notification-service flip the sent flags so
	// reminders are visibly tracked per appointment.
	inboxRepo := inbox.NewRepository(pool)
	sentTopic := config.String("KAFKA_CONSUME_TOPIC", "notification.sent.v1")
	if strings.TrimSpace(sentTopic) != "" {
		consumerCfg := consumer.Config{
			Brokers: config.String("KAFKA_BROKERS", ""),
			GroupID: config.String("KAFKA_GROUP_ID", "appointment-service"),
			Topic:   sentTopic,
		}
		eventConsumer := consumer.New(logger, inboxRepo, consumerCfg, func(ctx context.Context, msg kafka.Message) error {
			var payload struct {
				AppointmentID string `json:"appointment_id"`
				Kind          string `json:"kind"`
			}
			if err := json.Unmarshal(msg.Value, &payload); err != nil {
				logger.Error("invalid notification receipt", "err", err, "topic", msg.Topic)
				return nil
			}
			if payload.AppointmentID == "" || payload.Kind == "" {
				logger.Error("missing notification receipt fields", "topic", msg.Topic)
				return nil
			}
			if err := repo.SetNotificationFlag(ctx, payload.AppointmentID, payload.Kind); err != nil {
				logger.Warn("failed to set notification flag", "err", err, "appointment_id", payload.AppointmentID, "kind", payload.Kind)
			}
			return nil
		})
		go eventConsumer.Run(ctx)
	}

	directory, err := providers.NewDirectory(config.String("PROVIDER_GRPC_ADDR", ""))
	if err != nil {
		logger.Error("provider directory unavailable", "err", err)
	}
	reminderOffsets := config.MinutesList("REMINDER_OFFSETS_MINUTES", "1440,60")
	apptHandler := handlers.NewAppointmentHandler(repo, outboxRepo, directory, logger, reminderOffsets)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)
	mux.HandleFunc("/api/v1/appointments", apptHandler.Create)
	mux.HandleFunc("/api/v1/appointments/list", apptHandler.List)
	mux.HandleFunc("/api/v1/appointments/detail", apptHandler.Detail)
	mux.HandleFunc("/api/v1/appointments/cancel", apptHandler.Cancel)
	mux.HandleFunc("/api/v1/appointments/reschedule", apptHandler.Reschedule)
	mux.HandleFunc("/api/v1/consultations/start", apptHandler.Start)
	mux.HandleFunc("/api/v1/consultations/end", apptHandler.End)
	mux.HandleFunc("/api/v1/consultations/messages", apptHandler.SendMessage)
	mux.HandleFunc("/api/v1/consultations/messages/list", apptHandler.ListMessages)
	mux.HandleFunc("/api/v1/payments/checkout", paymentHandler.Checkout)
	mux.HandleFunc("/api/v1/payments/webhooks/stripe", paymentHandler.StripeWebhook)

	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "appointment")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
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
