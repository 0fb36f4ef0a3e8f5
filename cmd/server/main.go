package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/basinflow/be-afe-invoices/internal/client"
	"github.com/basinflow/be-afe-invoices/internal/config"
	"github.com/basinflow/be-afe-invoices/internal/handler"
	"github.com/basinflow/be-afe-invoices/internal/repository"
	"github.com/basinflow/be-afe-invoices/internal/service"
	"github.com/basinflow/be-afe-invoices/pkg/logger"
	"github.com/basinflow/be-afe-invoices/pkg/metrics"
	"github.com/basinflow/be-afe-invoices/pkg/middleware"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting AFE Invoices Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := repository.NewDB(ctx, repository.DBConfig{
		DSN:      cfg.Database.DSN(),
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// NATS is optional: without a URL, notifications are disabled but the
	// service still runs.
	var natsConn *nats.Conn
	if cfg.NATS.URL != "" {
		natsConn, err = nats.Connect(cfg.NATS.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			log.Error().Err(err).Str("url", cfg.NATS.URL).Msg("Failed to connect to NATS, notifications disabled")
		} else {
			defer natsConn.Close()
			log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
		}
	}

	store := repository.NewStore(db)
	collector := metrics.NewCollector()
	extractor := client.NewExtractorClient(cfg.Extractor, log.Logger)
	notifier := client.NewNotificationPublisher(natsConn, log.Logger)

	extractionService := service.NewExtractionService(store, extractor, notifier, collector, log)
	policyService := service.NewPolicyService(store, notifier, collector, log)
	approvalService := service.NewApprovalService(store, notifier, collector, log)
	invoiceService := service.NewInvoiceService(store, log)

	httpHandler := handler.NewHTTPHandler(extractionService, policyService, approvalService, invoiceService, log)
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.Handle("/metrics", collector.Handler())

	mux.HandleFunc("/api/v1/extractions", requireMethod(http.MethodPost, httpHandler.ExtractInvoice))
	mux.HandleFunc("/api/v1/policies/evaluate", requireMethod(http.MethodPost, httpHandler.EvaluatePolicies))
	mux.HandleFunc("/api/v1/approvals/decide", requireMethod(http.MethodPost, httpHandler.DecideApproval))
	mux.HandleFunc("/api/v1/approvals", requireMethod(http.MethodGet, httpHandler.ListPendingApprovals))
	mux.HandleFunc("/api/v1/invoices", requireMethod(http.MethodGet, httpHandler.ListInvoices))
	mux.HandleFunc("/api/v1/invoices/get", requireMethod(http.MethodGet, httpHandler.GetInvoice))
	mux.HandleFunc("/api/v1/invoices/audit", requireMethod(http.MethodGet, httpHandler.GetAuditTrail))
	mux.HandleFunc("/api/v1/review-queue", requireMethod(http.MethodGet, httpHandler.ListReviewQueue))
	mux.HandleFunc("/api/v1/review-queue/resolve", requireMethod(http.MethodPost, httpHandler.ResolveReview))

	var h http.Handler = mux
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(90 * time.Second)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}

func requireMethod(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}
