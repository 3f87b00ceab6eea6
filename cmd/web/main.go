package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"campusgenius/internal/aigen"
	"campusgenius/internal/app"
	"campusgenius/internal/app/observability"
	"campusgenius/internal/auth"
	"campusgenius/internal/db"
	"campusgenius/internal/exam"
	"campusgenius/internal/gemini"
	"campusgenius/internal/logger"
	"campusgenius/internal/quiz"
	"campusgenius/internal/report"
	"campusgenius/internal/resource"
	"campusgenius/internal/store"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg := app.LoadConfig()

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		os.Stderr.WriteString("logger init failed: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg app.Config, log *logger.Logger) error {
	shutdownTracing := observability.InitOTel(ctx, log, observability.OtelConfig{
		Enabled:     cfg.OtelEnabled,
		ServiceName: "campusgenius-assessment",
		Environment: cfg.AppEnv,
		Version:     cfg.ServiceVersion,
		Endpoint:    cfg.OtelEndpoint,
		Insecure:    cfg.OtelInsecure,
		SampleRatio: cfg.OtelSampleRatio,
	})
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}

	conn, err := db.OpenPostgresWithConfig(ctx, cfg.DBDSN, db.PostgresConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.DBConnMaxLifeMins) * time.Minute,
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	if cfg.DBAutoMigrate {
		if err := db.Migrate(ctx, conn); err != nil {
			return err
		}
		log.Info("database migrations applied")
	}

	st := store.NewPostgres(conn)

	blobs, err := resource.NewBlobStore(ctx, resource.Options{
		Driver:       cfg.StorageDriver,
		LocalDir:     cfg.StorageLocalDir,
		GCSBucket:    cfg.GCSBucket,
		EmulatorHost: os.Getenv("STORAGE_EMULATOR_HOST"),
	})
	if err != nil {
		return err
	}
	resources := resource.NewService(blobs, st, log)

	collector := observability.NewCollector(conn, log)
	aiSvc := newAIService(cfg, st, resources, collector, log)

	handler := app.NewRouter(cfg, auth.NewAuthenticator(cfg.JWTSecret), collector, app.Handlers{
		Quiz:   quiz.NewHandler(quiz.NewService(st, log), log),
		Exam:   exam.NewHandler(exam.NewService(st, log, cfg.PassThreshold).WithMetrics(collector), log),
		Report: report.NewHandler(report.NewService(st), log),
		AI:     aigen.NewHandler(aiSvc, log, cfg.AIMaxUploadBytes),
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(handler, "http.server"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("assessment engine listening", "addr", cfg.HTTPAddr, "env", cfg.AppEnv)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

// newAIService wires the generative backend. Without an API key the service
// still serves requests and reports itself unavailable.
func newAIService(cfg app.Config, st store.Store, resources *resource.Service, metrics aigen.Metrics, log *logger.Logger) *aigen.Service {
	aiCfg := aigen.Config{QuizTimeLimit: cfg.AIQuizTimeLimit, UploadTimeout: cfg.AIUploadTimeout}
	client := gemini.New(cfg.GeminiBaseURL, cfg.GeminiAPIKey)
	if !client.Configured() {
		log.Warn("GEMINI_API_KEY not set; AI processing disabled")
		return aigen.NewService(nil, nil, st, resources, log, aiCfg)
	}
	cascade := aigen.NewCascade(client, []aigen.Stage{
		aigen.StaticStage(cfg.AIModels),
		aigen.DiscoveryStage(aigen.NewDiscovery(client, cfg.AIDiscoveryTTL)),
	}, cfg.AICallTimeout, log, nil).WithMetrics(metrics)
	return aigen.NewService(cascade, client, st, resources, log, aiCfg)
}
