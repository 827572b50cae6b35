package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/config"
	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/domain/batchlock"
	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/domain/contact"
	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/domain/escalation"
	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/domain/provider"
	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/domain/referral"
	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/domain/triage"
	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/platform/auth"
	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/platform/db"
	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/platform/middleware"
	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/platform/notify"
	"github.com/mlcsu-digitalinnovations/wms-sub003/internal/platform/postcode"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "wms-server",
		Short: "Weight management referral API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(tokensCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the referral API server",
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
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
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
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

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
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

// sweepCmd runs one contact-escalation pass and exits. The serve command
// runs the same pass on a timer; this form suits an external scheduler.
func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run a single contact escalation pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()

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
				return err
			}
			defer pool.Close()

			refRepo, refService := buildReferralService(pool, cfg, logger)
			sweeper := buildSweeper(pool, cfg, refRepo, refService, logger)
			if err := sweeper.Sweep(ctx); err != nil {
				return fmt.Errorf("sweep failed: %w", err)
			}
			logger.Info().Msg("sweep complete")
			return nil
		},
	}
}

func tokensCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Manage the contact link token pool",
	}

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Top up the pool of unclaimed link tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, _ := cmd.Flags().GetInt("target")
			logger := newLogger()

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

			locks := batchlock.NewService(batchlock.NewRepoPG(pool), logger, cfg.BatchLockRetries)
			tokens := contact.NewTokenPool(
				contact.NewTokenRepoPG(pool),
				locks,
				time.Duration(cfg.LinkTokenExpiryDays)*24*time.Hour,
				logger,
			)
			if err := tokens.Generate(ctx, target); err != nil {
				return fmt.Errorf("token generation failed: %w", err)
			}
			logger.Info().Int("target", target).Msg("token pool topped up")
			return nil
		},
	}
	generateCmd.Flags().Int("target", 1000, "Number of unclaimed tokens the pool should hold")
	cmd.AddCommand(generateCmd)

	return cmd
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" || os.Getenv("ENV") == "" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

// buildSweeper wires the escalation sweeper and the token pool it draws
// from. Shared between the serve loop and the one-shot sweep command.
func buildSweeper(pool *pgxpool.Pool, cfg *config.Config, refRepo referral.Repository, refService *referral.Service, logger zerolog.Logger) *escalation.Sweeper {
	locks := batchlock.NewService(batchlock.NewRepoPG(pool), logger, cfg.BatchLockRetries)
	tokens := contact.NewTokenPool(
		contact.NewTokenRepoPG(pool),
		locks,
		time.Duration(cfg.LinkTokenExpiryDays)*24*time.Hour,
		logger,
	)

	var sender notify.Sender
	if cfg.NotifyBaseURL == "" {
		// No gateway configured. Log-only sender for local development.
		sender = &notify.MockSender{}
	} else {
		sender = notify.NewHTTPSender(cfg.NotifyBaseURL, cfg.NotifyAPIKey, cfg.NotifySMSSender, notify.NewTemplateEngine())
	}

	windows := escalation.Windows{
		SMS1Recontact: time.Duration(cfg.SMS1RecontactHours) * time.Hour,
		SMS2Recontact: time.Duration(cfg.SMS2RecontactHours) * time.Hour,
		SMS3Recontact: time.Duration(cfg.SMS3RecontactHours) * time.Hour,
		RmcDelay:      time.Duration(cfg.RmcDelayHours) * time.Hour,
		MaxLookBack:   time.Duration(cfg.MaxLookBackDays) * 24 * time.Hour,
	}

	txRunner := func(ctx context.Context, fn func(ctx context.Context) error) error {
		return db.RunInTx(ctx, pool, fn)
	}

	sweeper := escalation.NewSweeper(
		refRepo,
		refService,
		contact.NewRepoPG(pool),
		tokens,
		sender,
		locks,
		txRunner,
		windows,
		cfg.LinkBaseURL,
		cfg.NotifySMSSender,
		logger,
	)
	return sweeper
}

// buildReferralService wires the referral aggregate and its collaborators.
func buildReferralService(pool *pgxpool.Pool, cfg *config.Config, logger zerolog.Logger) (referral.Repository, *referral.Service) {
	refRepo := referral.NewRepoPG(pool)
	triageEngine := triage.NewEngine(triage.NewConfigurationRepoPG(pool), logger)
	deprivation := postcode.NewHTTPLookup(cfg.PostcodeBaseURL)
	submissionRepo := provider.NewSubmissionRepoPG(pool)
	contactRepo := contact.NewRepoPG(pool)
	return refRepo, referral.NewService(refRepo, triageEngine, deprivation, submissionRepo, contactRepo, logger)
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	e.GET("/health", db.HealthHandler(pool))

	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		}))
	}

	// Domain wiring
	refRepo, refService := buildReferralService(pool, cfg, logger)
	referral.NewHandler(refService).RegisterRoutes(apiV1)

	providerService := provider.NewService(
		provider.NewRepoPG(pool),
		provider.NewSubmissionRepoPG(pool),
		refService,
		refRepo,
		cfg.ProgrammeCompletionDays,
		cfg.SortSubmissionUpdates,
		logger,
	)
	provider.NewHandler(providerService).RegisterRoutes(apiV1)

	sweeper := buildSweeper(pool, cfg, refRepo, refService, logger)

	// Background escalation pass
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go func() {
		ticker := time.NewTicker(time.Duration(cfg.SweepIntervalMinutes) * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if err := sweeper.Sweep(sweepCtx); err != nil {
					logger.Error().Err(err).Msg("contact escalation pass failed")
				}
			}
		}
	}()

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
	stopSweep()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
