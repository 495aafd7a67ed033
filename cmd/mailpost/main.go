package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/znz-systems/mailpost/internal/auth"
	"github.com/znz-systems/mailpost/internal/blob"
	"github.com/znz-systems/mailpost/internal/config"
	"github.com/znz-systems/mailpost/internal/database"
	"github.com/znz-systems/mailpost/internal/mail"
	"github.com/znz-systems/mailpost/internal/outbox"
	"github.com/znz-systems/mailpost/internal/ratelimit"
	"github.com/znz-systems/mailpost/internal/sigv4"
	"github.com/znz-systems/mailpost/internal/store/postgres"
	"github.com/znz-systems/mailpost/internal/web"
	"github.com/znz-systems/mailpost/internal/web/handlers"
	"github.com/znz-systems/mailpost/migrations"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	db, err := postgres.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Migrations
	if cfg.AutoMigrate {
		if err := database.RunMigrations(migrations.FS, cfg.DatabaseURL); err != nil {
			slog.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
	}

	// Attachment storage
	blobs, err := blob.NewFromConfig(ctx, blob.Config{
		Backend:           cfg.BlobBackend,
		FSRoot:            cfg.BlobFSRoot,
		S3Bucket:          cfg.BlobS3Bucket,
		S3Region:          cfg.BlobS3Region,
		S3Endpoint:        cfg.BlobS3Endpoint,
		S3AccessKeyID:     cfg.BlobS3AccessKeyID,
		S3SecretAccessKey: cfg.BlobS3SecretKey,
		S3ForcePathStyle:  cfg.BlobS3ForcePathStyle,
		MaxObjectBytes:    cfg.BlobMaxBytes,
	})
	if err != nil {
		slog.Error("failed to init blob store", "error", err)
		os.Exit(1)
	}

	// Stores
	outboxStore := postgres.NewOutboxStore(db)
	credentialStore := postgres.NewCredentialStore(db)

	// Dispatcher
	dispatcher := outbox.NewDispatcher(outboxStore, credentialStore, blobs, outbox.Options{
		BatchSize: cfg.BatchSize,
		Timeout:   cfg.DrainTimeout,
		NewSES: outbox.SESFactory(
			sigv4.Credentials{AccessKeyID: cfg.AWSAccessKeyID, SecretAccessKey: cfg.AWSSecretAccessKey},
			cfg.AWSRegion,
			mail.SESOptions{
				Endpoint:   cfg.SESEndpoint,
				HTTPClient: &http.Client{Timeout: cfg.SMTPTimeout},
			},
		),
		NewGmail: outbox.GmailFactory(mail.GmailOptions{
			Host:       cfg.GmailSMTPHost,
			Port:       cfg.GmailSMTPPort,
			RequireTLS: cfg.SMTPRequireTLS,
			Timeout:    cfg.SMTPTimeout,
		}),
	})

	var wg sync.WaitGroup

	// Background drain
	if cfg.DrainInterval > 0 {
		worker := outbox.NewWorker(outboxStore, dispatcher, outbox.WorkerOptions{
			Interval:   cfg.DrainInterval,
			StaleAfter: cfg.StaleSendingAfter,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Run(ctx)
		}()
		slog.Info("outbox worker started", "interval", cfg.DrainInterval)
	}

	// Rate limiter
	limiter := ratelimit.NewLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	defer limiter.Close()

	// Router
	router := web.NewRouter(web.RouterDeps{
		SendEmailHandler: handlers.NewSendEmailHandler(dispatcher),
		OutboxHandler:    handlers.NewOutboxHandler(outboxStore),
		HealthHandler:    handlers.NewHealthHandler(db),
		Verifier:         auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience),
		Limiter:          limiter,
	})

	// Server. A drain can run for DrainTimeout, so the write timeout has to
	// outlast it.
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.DrainTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("mailpost starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	wg.Wait()
}
