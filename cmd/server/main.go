package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/groundcrew/be-work-requests/internal/client"
	"github.com/groundcrew/be-work-requests/internal/config"
	"github.com/groundcrew/be-work-requests/internal/database"
	"github.com/groundcrew/be-work-requests/internal/handler"
	"github.com/groundcrew/be-work-requests/internal/middleware"
	"github.com/groundcrew/be-work-requests/internal/repository"
	"github.com/groundcrew/be-work-requests/internal/service"
	"github.com/groundcrew/be-work-requests/internal/workflow"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := newLogger(cfg)

	log.Info().
		Str("environment", cfg.Service.Environment).
		Msg("Starting Work Requests Service")

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		DSN:         cfg.Database.DSN(),
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnLife: cfg.Database.MaxConnLife,
		MaxIdleTime: cfg.Database.MaxIdleTime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// NATS for lifecycle notifications (optional)
	var natsConn *nats.Conn
	if cfg.NATS.Enabled {
		natsConn, err = nats.Connect(cfg.NATS.URL, nats.Name(cfg.Service.Name))
		if err != nil {
			log.Warn().Err(err).Msg("NATS unavailable; notifications disabled")
		} else {
			defer natsConn.Close()
			log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
		}
	}

	// Redis for cache invalidation signals (optional)
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}

	// Initialize repositories
	workRequestRepo := repository.NewWorkRequestRepository(db)
	chainRepo := repository.NewApprovalChainRepository(db)
	stepRepo := repository.NewApprovalStepRepository(db)
	policyRepo := repository.NewApprovalPolicyRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	// Outbound collaborators
	notifier := client.NewNotificationPublisher(natsConn, log)
	invalidator := client.NewRedisCacheInvalidator(redisClient, log)
	standsClient := client.NewStandsClient(cfg.Stands.BaseURL, cfg.Stands.Timeout)

	defaultPolicy := workflow.Policy{
		FinanceThresholdCents: cfg.Workflow.FinanceThresholdCents,
		SupervisorID:          cfg.Workflow.DefaultSupervisorID,
		DutyManagerID:         cfg.Workflow.DefaultDutyManagerID,
		FinanceApproverID:     cfg.Workflow.DefaultFinanceID,
		OperationsLeadID:      cfg.Workflow.DefaultOpsLeadID,
		StepSLAHours:          cfg.Workflow.StepSLAHours,
	}

	// Initialize services
	approvalService := service.NewApprovalWorkflowService(
		workRequestRepo, chainRepo, stepRepo, policyRepo, auditRepo,
		standsClient, notifier, defaultPolicy, log)
	workRequestService := service.NewWorkRequestService(
		workRequestRepo, approvalService, auditRepo, notifier, invalidator,
		cfg.Workflow.CompensationRetries, cfg.Workflow.BulkWorkers, log)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(workRequestService, approvalService, log)
	mux := http.NewServeMux()

	// Health check and metrics
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.Handle("/metrics", promhttp.Handler())

	// Work request routes
	mux.HandleFunc("/api/v1/work-requests", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpHandler.ListWorkRequests(w, r)
		case http.MethodPost:
			httpHandler.CreateWorkRequest(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("GET /api/v1/work-requests/get", httpHandler.GetWorkRequest)
	mux.HandleFunc("POST /api/v1/work-requests/submit", httpHandler.SubmitWorkRequest)
	mux.HandleFunc("POST /api/v1/work-requests/decision", httpHandler.RecordDecision)
	mux.HandleFunc("GET /api/v1/work-requests/chain", httpHandler.GetApprovalChain)
	mux.HandleFunc("GET /api/v1/work-requests/pending-approvals", httpHandler.GetPendingApprovals)
	mux.HandleFunc("GET /api/v1/work-requests/audit", httpHandler.GetAuditTrail)
	mux.HandleFunc("POST /api/v1/work-requests/status", httpHandler.UpdateStatus)
	mux.HandleFunc("POST /api/v1/work-requests/bulk-status", httpHandler.BulkUpdateStatus)
	mux.HandleFunc("POST /api/v1/work-requests/duplicate", httpHandler.DuplicateWorkRequest)
	mux.HandleFunc("DELETE /api/v1/work-requests/delete", httpHandler.DeleteWorkRequest)
	mux.HandleFunc("PUT /api/v1/approval-policies", httpHandler.UpsertApprovalPolicy)
	mux.HandleFunc("DELETE /api/v1/approval-policies", httpHandler.DeactivateApprovalPolicy)

	// Apply middleware
	var h http.Handler = mux
	h = middleware.Timeout(cfg.Server.RequestTimeout)(h)
	h = middleware.RequestLogger(log)(h)
	h = middleware.Recovery(log)(h)

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

	// gRPC server for platform health probes and reflection.
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthServer.SetServingStatus(cfg.Service.Name, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	grpcServer.GracefulStop()

	log.Info().Msg("Server stopped")
}

// newLogger builds the service-wide zerolog logger.
func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Service.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Logger()
}
