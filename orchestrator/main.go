package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fave-labs/fave-go/internal/execution/executor"
	"github.com/fave-labs/fave-go/internal/execution/invoker"
	"github.com/fave-labs/fave-go/internal/execution/plan"
	"github.com/fave-labs/fave-go/internal/execution/state"
	"github.com/fave-labs/fave-go/internal/ledger"
	"github.com/fave-labs/fave-go/internal/platform/auth"
	"github.com/fave-labs/fave-go/internal/platform/httpserver"
	"github.com/fave-labs/fave-go/internal/platform/memlimit"
	"github.com/fave-labs/fave-go/internal/platform/objectstore"
	"github.com/fave-labs/fave-go/internal/platform/postgres"
	"github.com/fave-labs/fave-go/internal/telemetry"
)

const service = "orchestrator"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpCfg, err := httpserver.ConfigFromEnv(service, "ORCHESTRATOR_HTTP_ADDR", ":8080")
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	objects, err := objectstore.Open(storeCfg)
	if err != nil {
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	if ms, ok := objects.(*objectstore.MinioStore); ok {
		bucketCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := objectstore.EnsureBucket(bucketCtx, ms.Client(), storeCfg.Bucket, storeCfg.Region)
		cancel()
		if err != nil {
			logger.Error("ensure bucket failed", "bucket", storeCfg.Bucket, "error", err)
			os.Exit(1)
		}
	}

	memoryMB := memlimit.Detect(memlimit.DefaultMB)

	execCfg, err := executor.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid executor config", "error", err)
		os.Exit(2)
	}
	execCfg.Bucket = storeCfg.Bucket
	execCfg.MemoryLimitMB = memoryMB

	plans, err := plan.Load(execCfg.PipelineFile)
	if err != nil {
		logger.Error("invalid pipeline file", "path", execCfg.PipelineFile, "error", err)
		os.Exit(2)
	}

	invCfg, err := invoker.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid invoker config", "error", err)
		os.Exit(2)
	}
	invCfg.Bucket = storeCfg.Bucket
	invCfg.MemoryLimitMB = memoryMB
	inv, err := invoker.New(ctx, invCfg)
	if err != nil {
		logger.Error("invoker init failed", "error", err)
		os.Exit(2)
	}

	metrics := telemetry.New(prometheus.DefaultRegisterer)

	states, err := state.New(objects, storeCfg.Bucket)
	if err != nil {
		logger.Error("state store init failed", "error", err)
		os.Exit(2)
	}
	stager, err := executor.NewInputStager(objects, storeCfg.Bucket, nil)
	if err != nil {
		logger.Error("input stager init failed", "error", err)
		os.Exit(2)
	}

	checks := []httpserver.ReadinessCheck{{
		Name: "object_store",
		Check: func(ctx context.Context) error {
			checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return objectstore.Ping(checkCtx, objects, storeCfg.Bucket)
		},
	}}

	var (
		recorder ledger.Recorder = ledger.Nop{}
		audit    func(context.Context, auth.DenyEvent) error
	)
	ledgerMode, err := ledger.ModeFromEnv()
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	if ledgerMode == ledger.ModePostgres {
		db, err := openLedger(ctx)
		if err != nil {
			logger.Error("ledger unavailable", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
		pg, err := ledger.NewPostgres(db)
		if err != nil {
			logger.Error("ledger init failed", "error", err)
			os.Exit(2)
		}
		recorder = pg
		audit = func(ctx context.Context, event auth.DenyEvent) error {
			auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return ledger.RecordAuthDeny(auditCtx, db, service, event)
		}
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "postgres",
			Check: func(ctx context.Context) error {
				return postgres.Ping(ctx, db, 750*time.Millisecond)
			},
		})
	}

	exec, err := executor.New(execCfg, executor.Deps{
		Plans:   plans,
		Invoker: invoker.Instrument(inv, metrics),
		States:  states,
		Stager:  stager,
		Ledger:  recorder,
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("executor init failed", "error", err)
		os.Exit(2)
	}

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(service))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks(service, checks...))
	mux.Handle("/metrics", promhttp.Handler())

	api := newOrchestratorAPI(logger, exec, states)
	api.register(mux)

	var handler http.Handler = mux
	if authCfg.Mode == auth.ModeOIDC {
		verifier, err := auth.NewOIDCVerifier(ctx, authCfg)
		if err != nil {
			logger.Error("oidc provider unavailable", "issuer", authCfg.OIDCIssuerURL, "error", err)
			os.Exit(1)
		}
		handler = auth.Middleware{
			Logger:       logger,
			Verifier:     verifier,
			EnforceRoles: authCfg.EnforceRoles,
			SkipPrefixes: []string{"/healthz", "/readyz", "/metrics"},
			Audit:        audit,
		}.Wrap(mux)
	}

	logger.Info("orchestrator configured",
		"dry_run", invCfg.DryRun,
		"gateway_url", invCfg.GatewayURL,
		"bucket", storeCfg.Bucket,
		"memory_limit_mb", memoryMB,
		"profiles", plans.Profiles(),
		"ledger", ledgerMode,
		"auth_mode", authCfg.Mode,
	)

	if err := httpserver.Run(ctx, logger, httpCfg, httpserver.Wrap(logger, handler)); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func openLedger(ctx context.Context) (*sql.DB, error) {
	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		return nil, err
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		return nil, err
	}
	schemaCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := ledger.EnsureSchema(schemaCtx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
