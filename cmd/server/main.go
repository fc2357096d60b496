/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the yukyu leave-administration server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (environment, .env, policy overlay)
  2. Open the SQLite store and run pending migrations
  3. Vet stored credentials (hardened environments refuse plaintext)
  4. Wire services: auth, fiscal engine, request workflow, ingestion
  5. Start the scheduler (grant scan, compliance snapshot)
  6. Start the HTTP server with graceful shutdown

CONFIGURATION:
  All config comes from the environment (optionally via .env):
  YUKYU_ENV, PORT, YUKYU_DB, YUKYU_BACKUP_DIR, YUKYU_SIGNING_KEY,
  YUKYU_SIGNING_KEY_ID, YUKYU_TOKEN_TTL, YUKYU_ALLOWED_ORIGINS,
  YUKYU_ALLOW_PLAINTEXT_CREDENTIALS, YUKYU_POLICY_FILE,
  YUKYU_LOG_LEVEL, YUKYU_RATE_<BUCKET>

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler and wait for running jobs
  4. Close the database
  5. Exit

EXAMPLES:
  # Development with defaults (synthesized signing key, yukyu.db)
  ./server

  # Hardened deployment
  YUKYU_ENV=production YUKYU_SIGNING_KEY=... YUKYU_ALLOWED_ORIGINS=https://kintai.example.jp ./server

SEE ALSO:
  - config/config.go: Environment loading and validation
  - api/server.go: Router configuration
  - api/scheduler.go: Recurring jobs
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/yukyu/api"
	"github.com/warp/yukyu/auth"
	"github.com/warp/yukyu/config"
	"github.com/warp/yukyu/fiscal"
	"github.com/warp/yukyu/ingest"
	"github.com/warp/yukyu/notify"
	"github.com/warp/yukyu/store/sqlite"
	"github.com/warp/yukyu/workflow"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	zerolog.TimeFieldFormat = time.RFC3339
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load(log)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log = log.Level(cfg.LogLevel)
	if cfg.Development() {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	tokens, err := auth.NewTokenManager(cfg.SigningKey, cfg.SigningKeyID, cfg.TokenTTL)
	if err != nil {
		return fmt.Errorf("token manager: %w", err)
	}
	authSvc := auth.NewService(store, tokens, cfg.AllowPlaintext, log)

	ctx := context.Background()
	if cfg.Development() {
		if err := bootstrapAdmin(ctx, store, log); err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
	} else {
		if err := authSvc.VetStoredCredentials(ctx); err != nil {
			return fmt.Errorf("credential vetting: %w", err)
		}
	}

	engine := fiscal.NewEngine(store, cfg.Policy, log)
	requests := workflow.NewService(store, engine, notify.NewLogNotifier(log), log)
	ingester := ingest.NewService(store, cfg.Policy, log)

	handler := api.NewHandler(store, engine, requests, ingester, authSvc, cfg.BackupDir, log)
	router := api.NewRouter(handler, api.RouterConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimits:     cfg.RateLimits,
	})

	scheduler := api.NewScheduler(store, engine, log)
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Str("env", cfg.Env).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errc:
		scheduler.Stop()
		return fmt.Errorf("server: %w", err)
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	scheduler.Stop()

	log.Info().Msg("server stopped")
	return nil
}

// bootstrapAdmin seeds a development instance with an initial admin
// account when the user directory is empty. The generated password is
// printed once to stderr and never logged through the structured logger.
func bootstrapAdmin(ctx context.Context, store *sqlite.Store, log zerolog.Logger) error {
	users, err := store.ListUsers(ctx)
	if err != nil {
		return err
	}
	if len(users) > 0 {
		return nil
	}

	password, err := auth.GeneratePassword()
	if err != nil {
		return err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	if err := store.PutUser(ctx, fiscal.User{
		Username:     "admin",
		PasswordHash: hash,
		Role:         fiscal.RoleAdmin,
		Active:       true,
	}); err != nil {
		return err
	}
	log.Warn().Msg("no users found; created development admin account")
	fmt.Fprintf(os.Stderr, "development admin credentials: admin / %s\n", password)
	return nil
}
