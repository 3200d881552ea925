package main

import (
	"context"
	"encoding/json"
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

	"github.com/dermalink/booking/internal/config"
	"github.com/dermalink/booking/internal/domain/booking"
	"github.com/dermalink/booking/internal/platform/auth"
	"github.com/dermalink/booking/internal/platform/db"
	"github.com/dermalink/booking/internal/platform/events"
	"github.com/dermalink/booking/internal/platform/middleware"
	"github.com/dermalink/booking/internal/platform/session"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "booking-server",
		Short:        "Appointment slot reservation API server",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(tenantCmd())
	root.AddCommand(providerCmd())
	root.AddCommand(auditCmd())
	return root
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// connect loads config and opens the pool for one-shot commands.
func connect(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the booking API server",
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

			ctx := cmd.Context()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
			count, err := db.NewMigrator(pool, dir).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			ctx := cmd.Context()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage clinic tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create and migrate a tenant schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			dir, _ := cmd.Flags().GetString("dir")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			ctx := cmd.Context()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Creating tenant schema: tenant_%s\n", name)
			if err := db.CreateTenantSchema(ctx, pool, name, dir); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")
	createCmd.Flags().String("dir", "./migrations", "Path to migrations directory; empty skips migrating")
	cmd.AddCommand(createCmd)
	return cmd
}

func providerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provider",
		Short: "Manage providers",
	}

	registerCmd := &cobra.Command{
		Use:   "register",
		Short: "Register a provider in a tenant's directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			specialization, _ := cmd.Flags().GetString("specialization")
			tenant, _ := cmd.Flags().GetString("tenant")

			cfg, pool, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}

			ctx, release, err := db.AcquireTenant(cmd.Context(), pool, tenant)
			if err != nil {
				return err
			}
			defer release()

			svc := booking.NewService(booking.ServiceDeps{Providers: booking.NewProviderRepoPG(pool)})
			p, err := svc.RegisterProvider(ctx, name, specialization)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered provider %d (%s) in tenant %s\n", p.ID, p.DisplayName, tenant)
			return nil
		},
	}
	registerCmd.Flags().String("name", "", "Provider display name")
	registerCmd.Flags().String("specialization", "", "Provider specialization")
	registerCmd.Flags().String("tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")
	cmd.AddCommand(registerCmd)
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Check slot and reservation invariants for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")

			cfg, pool, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer pool.Close()
			if tenant == "" {
				tenant = cfg.DefaultTenant
			}

			ctx, release, err := db.AcquireTenant(cmd.Context(), pool, tenant)
			if err != nil {
				return err
			}
			defer release()

			logger := newLogger(cfg).With().Str("tenant", tenant).Logger()
			report, err := booking.Audit(ctx, booking.NewAuditRepoPG(pool), logger)
			if err != nil {
				return err
			}
			return writeReport(cmd, report)
		},
	}
	cmd.Flags().String("tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")
	return cmd
}

func writeReport(cmd *cobra.Command, report *booking.AuditReport) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if !report.Clean() {
		return fmt.Errorf("audit found %d orphaned claim(s) and %d mismatched reservation(s)",
			len(report.OrphanedClaims), len(report.Mismatched))
	}
	return nil
}

// newSessionIssuer builds the configured issuer behind a credential cache.
func newSessionIssuer(cfg *config.Config) (*session.CachingIssuer, error) {
	var inner session.Issuer
	switch cfg.SessionIssuer {
	case "remote":
		inner = session.NewRemoteIssuer(cfg.SessionIssuerURL, cfg.SessionAppID, cfg.SessionTokenTTL)
	case "local", "":
		key, err := cfg.SessionKey()
		if err != nil {
			return nil, err
		}
		local, err := session.NewJWTIssuer(cfg.SessionAppID, key, cfg.SessionTokenTTL)
		if err != nil {
			return nil, err
		}
		inner = local
	default:
		return nil, fmt.Errorf("unknown session issuer %q", cfg.SessionIssuer)
	}
	return session.NewCachingIssuer(inner, cfg.SessionCacheSize, cfg.SessionTokenTTL), nil
}

func newEventPublisher(cfg *config.Config, logger zerolog.Logger) (events.Publisher, error) {
	if cfg.AMQPURL == "" {
		return events.Noop{}, nil
	}
	return events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
}

func jwtConfig(cfg *config.Config) (auth.JWTConfig, error) {
	key, err := cfg.AuthKey()
	if err != nil {
		return auth.JWTConfig{}, err
	}
	return auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: key,
		Skipper:    auth.AuthSkipper,
	}, nil
}

func newBookingService(cfg *config.Config, pool *pgxpool.Pool, issuer session.Issuer, pub booking.EventPublisher, logger zerolog.Logger) *booking.Service {
	providers := booking.NewProviderRepoPG(pool)
	slots := booking.NewSlotRepoPG(pool)
	reservations := booking.NewReservationRepoPG(pool)

	alloc := booking.NewAllocator(booking.AllocatorDeps{
		Providers:    providers,
		Slots:        slots,
		Reservations: reservations,
		Tx:           db.NewTxManager(pool),
		Issuer:       issuer,
		Events:       pub,
		Timeout:      cfg.AllocateTimeout,
		Logger:       logger,
	})
	return booking.NewService(booking.ServiceDeps{
		Providers:    providers,
		Slots:        slots,
		Reservations: reservations,
		Allocator:    alloc,
		Issuer:       issuer,
		AppID:        cfg.SessionAppID,
		SlotDuration: cfg.SlotDuration(),
		TokenMargin:  cfg.SessionTokenTTL / 10,
	})
}

// newServer wires middleware and routes. A nil pool leaves out tenant
// resolution and the database health check.
func newServer(cfg *config.Config, pool *pgxpool.Pool, svc *booking.Service, logger zerolog.Logger) (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, db.TenantHeader},
	}))

	jwtCfg, err := jwtConfig(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(auth.JWTMiddleware(jwtCfg)))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}

	apiV1 := e.Group("/api/v1")
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	if pool != nil {
		apiV1.Use(db.TenantMiddleware(pool, cfg.DefaultTenant))
	}

	booking.NewHandler(svc, logger).RegisterRoutes(apiV1)
	return e, nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
		boot.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg)
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

	issuer, err := newSessionIssuer(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build session issuer")
	}
	pub, err := newEventPublisher(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to message broker")
	}
	defer pub.Close()

	svc := newBookingService(cfg, pool, issuer, pub, logger)
	e, err := newServer(cfg, pool, svc, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("session_issuer", cfg.SessionIssuer).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
