package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/pawcare-labs/pawcare/libs/config"
	"github.com/pawcare-labs/pawcare/libs/db"
	"github.com/pawcare-labs/pawcare/libs/httpx"
	"github.com/pawcare-labs/pawcare/libs/kafkax"
	otelx "github.com/pawcare-labs/pawcare/libs/otel"
	"github.com/pawcare-labs/pawcare/libs/runtime"
	"github.com/pawcare-labs/pawcare/services/provider-service/internal/consumer"
	"github.com/pawcare-labs/pawcare/services/provider-service/internal/events"
	"github.com/pawcare-labs/pawcare/services/provider-service/internal/handlers"
	"github.com/pawcare-labs/pawcare/services/provider-service/internal/inbox"
	"github.com/pawcare-labs/pawcare/services/provider-service/internal/storage"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "provider-service")
	port, err := config.Port("PORT", "8082")
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

	repo := storage.NewRepository(pool)
	inboxRepo := inbox.NewRepository(pool)
	eventHandler := events.New(repo, logger)

	// Appointment lifecycle events keep the slot grid and provider stats in
	// sync with the appointment service.
	topics := config.String("KAFKA_APPOINTMENT_TOPICS",
		"appointments.appointment.booked.v1,appointments.appointment.cancelled.v1,appointments.appointment.rescheduled.v1,appointments.appointment.completed.v1")
	for _, topic := range strings.Split(topics, ",") {
		topic = strings.TrimSpace(topic)
		if topic == "" {
			continue
		}
		eventConsumer := consumer.New(logger, inboxRepo, consumer.Config{
			Brokers: config.String("KAFKA_BROKERS", ""),
			GroupID: config.String("KAFKA_GROUP_ID", "provider-service"),
			Topic:   topic,
		}, eventHandler.Handle)
		go eventConsumer.Run(ctx)
	}

	httpHandler := handlers.New(repo)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)
	mux.HandleFunc("/api/v1/public/providers", httpHandler.Search)
	mux.HandleFunc("/api/v1/public/providers/detail", httpHandler.Detail)
	mux.HandleFunc("/api/v1/public/providers/reviews", httpHandler.ListReviews)
	mux.HandleFunc("/api/v1/providers/profile", httpHandler.UpsertProfile)
	mux.HandleFunc("/api/v1/providers/slots", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			httpHandler.ListSlots(w, r)
			return
		}
		if r.Method == http.MethodPut {
			httpHandler.ReplaceSlots(w, r)
			return
		}
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	})
	mux.HandleFunc("/api/v1/providers/reviews", httpHandler.CreateReview)

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "provider")
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

	if err := startGrpcServer(ctx, logger, pool, repo); err != nil {
		logger.Error("grpc server failed to start", "err", err)
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
