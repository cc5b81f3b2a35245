package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dr-assistant/abdm-core/internal/config"
	"github.com/dr-assistant/abdm-core/internal/domain/audit"
	"github.com/dr-assistant/abdm-core/internal/domain/consent"
	"github.com/dr-assistant/abdm-core/internal/domain/hifetch"
	"github.com/dr-assistant/abdm-core/internal/domain/records"
	"github.com/dr-assistant/abdm-core/internal/platform/apierr"
	"github.com/dr-assistant/abdm-core/internal/platform/auth"
	"github.com/dr-assistant/abdm-core/internal/platform/db"
	"github.com/dr-assistant/abdm-core/internal/platform/gateway"
	"github.com/dr-assistant/abdm-core/internal/platform/keys"
	"github.com/dr-assistant/abdm-core/internal/platform/lease"
	"github.com/dr-assistant/abdm-core/internal/platform/middleware"
	"github.com/dr-assistant/abdm-core/internal/platform/webhookverify"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "abdm-server",
		Short: "ABDM Integration Core API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(scanCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the ABDM Integration Core API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is destructive and not supported by the built-in runner.")
			fmt.Println("Use Atlas CLI for migration rollback: atlas schema apply --dir migrations/")
			return nil
		},
	})

	return cmd
}

// scanCmd runs the consent-expiry and HI-fetch-watchdog scans once and
// exits, for a cron/k8s-CronJob to drive instead of (or alongside) the
// long-running server's own leased periodic ticks.
func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run the consent-expiry and HI-fetch-watchdog scans once, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer pool.Close()

			gw := gateway.New(gateway.Config{
				BaseURL:        cfg.ABDMBaseURL,
				AuthURL:        cfg.ABDMAuthURL,
				ClientID:       cfg.ABDMClientID,
				ClientSecret:   cfg.ABDMClientSecret,
				RequestTimeout: cfg.RequestTimeout(),
				CacheTTL:       cfg.CacheTTL(),
				MaxRetries:     cfg.MaxRetryAttempts,
			}, logger)

			auditSvc := audit.NewService(audit.NewPGRepository(pool), logger)
			consentSvc := consent.NewService(consent.NewPGRepository(pool), pool, gw, auditSvc, nil, cfg.ConsentCallbackURL, logger)
			hifetchSvc := hifetch.NewService(hifetch.NewPGRepository(pool), gw, consentSvc, nil, keys.ECDHHKDFDeriver{}, [32]byte{}, cfg.HealthRecordCallbackURL, logger)

			expired, err := consentSvc.ScanExpiry(ctx)
			if err != nil {
				return fmt.Errorf("consent expiry scan: %w", err)
			}
			fmt.Printf("consent expiry scan: %d consent(s) expired\n", expired)

			timedOut, err := hifetchSvc.ScanWatchdog(ctx)
			if err != nil {
				return fmt.Errorf("hi fetch watchdog scan: %w", err)
			}
			fmt.Printf("hi fetch watchdog scan: %d fetch request(s) timed out\n", timedOut)
			return nil
		},
	}
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Redis, backing the single-leader scan locks (internal/platform/lease).
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid REDIS_URL")
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	locker := lease.NewLocker(redisClient)

	// Gateway client (outbound ABDM calls, spec.md §6.3).
	gw := gateway.New(gateway.Config{
		BaseURL:        cfg.ABDMBaseURL,
		AuthURL:        cfg.ABDMAuthURL,
		ClientID:       cfg.ABDMClientID,
		ClientSecret:   cfg.ABDMClientSecret,
		RequestTimeout: cfg.RequestTimeout(),
		CacheTTL:       cfg.CacheTTL(),
		MaxRetries:     cfg.MaxRetryAttempts,
	}, logger)

	// Webhook verifier, shared by every inbound ABDM callback (spec.md §4.F).
	verifier, err := webhookverify.New(webhookverify.Config{
		Secret:       cfg.WebhookSecret,
		AllowedCIDRs: cfg.WebhookAllowedCIDRs,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build webhook verifier")
	}

	// Requester private key for HI fetch decrypt-key derivation (spec.md §4.D).
	// config.Validate requires DATA_ENCRYPTION_KEY only in production, but
	// serve refuses to start without it in every environment other than
	// development; a development run without one falls back to an all-zero
	// key so the service still starts, purely to exercise the fetch flow
	// locally.
	var requesterPrivateKey [32]byte
	if cfg.DataEncryptionKey != "" {
		requesterPrivateKey, err = deriveRequesterKey(cfg.DataEncryptionKey)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid DATA_ENCRYPTION_KEY")
		}
	} else if cfg.IsDev() {
		logger.Warn().Msg("DATA_ENCRYPTION_KEY not set; using an all-zero development key")
	} else {
		logger.Fatal().Msg("DATA_ENCRYPTION_KEY is required")
	}

	// Domain stacks
	auditSvc := audit.NewService(audit.NewPGRepository(pool), logger)

	consentSvc := consent.NewService(consent.NewPGRepository(pool), pool, gw, auditSvc, nil, cfg.ConsentCallbackURL, logger)
	consentHandler := consent.NewHandler(consentSvc, verifier)

	recordsSvc := records.NewService(records.NewPGRepository(pool), pool, auditSvc, logger)

	hifetchSvc := hifetch.NewService(hifetch.NewPGRepository(pool), gw, consentSvc, recordsSvc, keys.ECDHHKDFDeriver{}, requesterPrivateKey, cfg.HealthRecordCallbackURL, logger)
	recordsHandler := records.NewHandler(recordsSvc, hifetchOwnerLookup{hifetchSvc})
	// Bounded work queue absorbing HI-records webhook bursts; a full queue
	// returns 503 instead of blocking the HTTP server (spec.md §5).
	hifetchQueue := hifetch.NewCallbackQueue(hifetchSvc, hifetch.DefaultQueueCapacity, 0, logger)
	defer hifetchQueue.Close(30 * time.Second)
	hifetchHandler := hifetch.NewHandler(hifetchSvc, hifetchQueue, verifier)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(echomw.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout()))
	e.Use(middleware.BodyLimit("1M", "16M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	e.Use(middleware.RateLimit(rateLimitCfg))

	// webhookGroup has no bearer-auth middleware attached: ABDM calls these
	// directly and is authenticated via webhookverify instead (spec.md §6.2).
	webhookGroup := e.Group("/api/abdm")

	// apiGroup carries bearer auth; RegisterRoutes further restricts most
	// routes to clinician roles via auth.RequireRole (spec.md §6.1).
	apiGroup := e.Group("/api/abdm")
	if cfg.IsDev() {
		apiGroup.Use(auth.DevAuthMiddleware())
	} else {
		apiGroup.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		}))
	}

	consentHandler.RegisterRoutes(apiGroup, webhookGroup)
	recordsHandler.RegisterRoutes(apiGroup)
	hifetchHandler.RegisterRoutes(apiGroup, webhookGroup)

	// Gateway reachability probe (spec.md §6.1).
	apiGroup.GET("/status", func(c echo.Context) error {
		if err := gw.Authenticate(c.Request().Context()); err != nil {
			return apierr.Respond(c, apierr.FromGatewayError(err))
		}
		return apierr.OK(c, http.StatusOK, map[string]string{"gateway": "reachable"})
	})

	e.GET("/health/db", db.HealthHandler(pool))

	// Single-leader periodic scans (spec.md §5): only one instance runs each
	// scan at a time, coordinated through a Redis lease.
	scanCtx, cancelScans := context.WithCancel(context.Background())
	defer cancelScans()
	go locker.RunWithLease(scanCtx, "consent-expiry-scan", time.Minute, 2*time.Minute, func(ctx context.Context) {
		if n, err := consentSvc.ScanExpiry(ctx); err != nil {
			logger.Error().Err(err).Msg("consent expiry scan failed")
		} else if n > 0 {
			logger.Info().Int("expired", n).Msg("consent expiry scan")
		}
	})
	go locker.RunWithLease(scanCtx, "hifetch-watchdog-scan", time.Minute, 2*time.Minute, func(ctx context.Context) {
		if n, err := hifetchSvc.ScanWatchdog(ctx); err != nil {
			logger.Error().Err(err).Msg("hi fetch watchdog scan failed")
		} else if n > 0 {
			logger.Info().Int("timedOut", n).Msg("hi fetch watchdog scan")
		}
	})

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	cancelScans()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// hifetchOwnerLookup adapts hifetch.Service to records.FetchOwnerLookup so
// the records package doesn't need to import hifetch just for ownership
// checks (spec.md §4.F).
type hifetchOwnerLookup struct {
	svc *hifetch.Service
}

func (l hifetchOwnerLookup) OwnerOfFetch(ctx context.Context, fetchRequestID uuid.UUID) (uuid.UUID, error) {
	f, err := l.svc.GetRequest(ctx, fetchRequestID)
	if err != nil {
		return uuid.UUID{}, err
	}
	return f.DoctorID, nil
}

// deriveRequesterKey decodes the 32-byte X25519 requester private key from
// DATA_ENCRYPTION_KEY's hex encoding (config.Validate already checks length).
func deriveRequesterKey(hexKey string) ([32]byte, error) {
	var key [32]byte
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return key, err
	}
	if len(raw) != 32 {
		return key, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}
