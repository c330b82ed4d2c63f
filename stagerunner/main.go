package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fave-labs/fave-go/internal/platform/env"
	"github.com/fave-labs/fave-go/internal/platform/httpserver"
	"github.com/fave-labs/fave-go/internal/platform/memlimit"
	"github.com/fave-labs/fave-go/internal/platform/objectstore"
	"github.com/fave-labs/fave-go/internal/stagesvc"
	"github.com/fave-labs/fave-go/internal/telemetry"
)

const service = "stagerunner"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpCfg, err := httpserver.ConfigFromEnv(service, "STAGERUNNER_HTTP_ADDR", ":8081")
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

	relay, err := stagesvc.NewRelayProcessor(objects, storeCfg.Bucket)
	if err != nil {
		logger.Error("processor init failed", "error", err)
		os.Exit(2)
	}
	memoryMB := memlimit.Detect(memlimit.DefaultMB)

	api := newStageRunnerAPI(stageRunnerConfig{
		DefaultStage: env.String("STAGE_NAME", ""),
		Allowed:      env.List("STAGE_ALLOWLIST", nil),
	}, logger, telemetry.New(prometheus.DefaultRegisterer), func(name string) (*stagesvc.Service, error) {
		return stagesvc.New(name, memoryMB, relay, logger)
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(service))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks(service, httpserver.ReadinessCheck{
		Name: "object_store",
		Check: func(ctx context.Context) error {
			checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return objectstore.Ping(checkCtx, objects, storeCfg.Bucket)
		},
	}))
	mux.Handle("/metrics", promhttp.Handler())
	api.register(mux)

	logger.Info("stage runner configured",
		"stage", api.cfg.DefaultStage,
		"allowlist", api.cfg.Allowed,
		"bucket", storeCfg.Bucket,
		"memory_limit_mb", memoryMB,
	)

	if err := httpserver.Run(ctx, logger, httpCfg, httpserver.Wrap(logger, mux)); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
