package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atharvv04/CompliancePilot/internal/blobstore"
	"github.com/atharvv04/CompliancePilot/internal/execution/binding"
	"github.com/atharvv04/CompliancePilot/internal/execution/evidence"
	"github.com/atharvv04/CompliancePilot/internal/execution/sandbox"
	"github.com/atharvv04/CompliancePilot/internal/migrations"
	"github.com/atharvv04/CompliancePilot/internal/platform/auditlog"
	"github.com/atharvv04/CompliancePilot/internal/platform/auth"
	"github.com/atharvv04/CompliancePilot/internal/platform/env"
	"github.com/atharvv04/CompliancePilot/internal/platform/httpserver"
	platformstore "github.com/atharvv04/CompliancePilot/internal/platform/objectstore"
	"github.com/atharvv04/CompliancePilot/internal/platform/postgres"
	pgstore "github.com/atharvv04/CompliancePilot/internal/repo/postgres"
	"github.com/atharvv04/CompliancePilot/internal/service/controlruns"
	"github.com/atharvv04/CompliancePilot/internal/service/controls"
	"github.com/atharvv04/CompliancePilot/internal/service/datasets"
	"github.com/atharvv04/CompliancePilot/internal/storage/objectstore"
)

const serviceName = "controls"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpCfg, err := httpserver.ConfigFromEnv(serviceName)
	if err != nil {
		logger.Error("invalid http config", "error", err)
		os.Exit(2)
	}
	autoMigrate, err := env.Bool("CONTROLS_AUTO_MIGRATE", true)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if autoMigrate {
		if err := migrations.Up(db); err != nil {
			logger.Error("migrations failed", "error", err)
			os.Exit(1)
		}
	}

	storeCfg, err := platformstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := platformstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := platformstore.EnsureBuckets(startupCtx, storeClient, storeCfg); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()

	objects, err := objectstore.NewMinioStoreWithClient(storeClient)
	if err != nil {
		logger.Error("object store init failed", "error", err)
		os.Exit(2)
	}
	evidenceBlobs, err := blobstore.New(objects, storeCfg.BucketEvidence)
	if err != nil {
		logger.Error("evidence store init failed", "error", err)
		os.Exit(2)
	}
	datasetBlobs, err := blobstore.New(objects, storeCfg.BucketDatasets)
	if err != nil {
		logger.Error("dataset store init failed", "error", err)
		os.Exit(2)
	}

	bindingCfg, err := binding.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid binding config", "error", err)
		os.Exit(2)
	}
	sandboxCfg, err := sandbox.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid sandbox config", "error", err)
		os.Exit(2)
	}
	evidenceCfg, err := evidence.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid evidence config", "error", err)
		os.Exit(2)
	}
	runCfg, err := controlruns.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid run config", "error", err)
		os.Exit(2)
	}

	controlStore := pgstore.NewControlStore(db)
	datasetStore := pgstore.NewDatasetStore(db, bindingCfg.Schema)
	runStore := pgstore.NewControlRunStore(db)
	audit := pgstore.NewAuditAppender(db)

	resolver, err := binding.NewResolver(datasetStore, bindingCfg)
	if err != nil {
		logger.Error("resolver init failed", "error", err)
		os.Exit(2)
	}
	executor, err := sandbox.NewExecutor(db, sandboxCfg, logger)
	if err != nil {
		logger.Error("executor init failed", "error", err)
		os.Exit(2)
	}
	generator, err := evidence.NewGenerator(executor, evidenceBlobs, evidenceCfg, logger)
	if err != nil {
		logger.Error("evidence generator init failed", "error", err)
		os.Exit(2)
	}
	runService, err := controlruns.New(controlruns.Deps{
		Controls: controlStore,
		Runs:     runStore,
		Resolver: resolver,
		Executor: executor,
		Evidence: generator,
		Audit:    audit,
	}, runCfg, logger)
	if err != nil {
		logger.Error("run service init failed", "error", err)
		os.Exit(2)
	}
	controlService, err := controls.New(controlStore, audit, logger, runCfg.ParseOptions()...)
	if err != nil {
		logger.Error("control service init failed", "error", err)
		os.Exit(2)
	}
	datasetService, err := datasets.New(datasetStore, datasetBlobs, audit, logger)
	if err != nil {
		logger.Error("dataset service init failed", "error", err)
		os.Exit(2)
	}

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	headersAuth, err := auth.NewGatewayHeadersAuthenticator(authCfg)
	if err != nil {
		logger.Error("invalid internal auth config", "error", err)
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(serviceName))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			serviceName,
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: httpserver.WithTimeout(750*time.Millisecond, func(ctx context.Context) error {
					return db.PingContext(ctx)
				}),
			},
			httpserver.ReadinessCheck{
				Name: "minio",
				Check: httpserver.WithTimeout(750*time.Millisecond, func(ctx context.Context) error {
					return platformstore.CheckBuckets(ctx, storeClient, storeCfg)
				}),
			},
		),
	)

	api := newControlsAPI(logger, controlService, runService, datasetService, httpCfg.MaxBodyBytes)
	api.register(mux)

	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: headersAuth,
		Authorize:     auth.ReadOnlyAuthorizer(),
		Audit: func(ctx context.Context, event auth.DenyEvent) error {
			auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return auditlog.InsertAuthDeny(auditCtx, db, serviceName, event)
		},
		SkipPrefixes: []string{"/healthz", "/readyz"},
	}.Wrap(mux)

	if err := httpserver.Run(ctx, logger, httpCfg, httpserver.Wrap(logger, serviceName, handler)); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
