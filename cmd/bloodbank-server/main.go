package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/bloodbank/internal/config"
	"github.com/ehr/bloodbank/internal/platform/auth"
	"github.com/ehr/bloodbank/internal/platform/db"
	"github.com/ehr/bloodbank/internal/platform/equipment"
	"github.com/ehr/bloodbank/internal/platform/middleware"
	platformredis "github.com/ehr/bloodbank/internal/platform/redis"
	"github.com/ehr/bloodbank/internal/platform/telemetry"
	"github.com/ehr/bloodbank/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "bloodbank-server",
		Short: "Blood bank unit lifecycle and issuance API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(equipmentCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the blood bank API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// migrationSource prefers an on-disk directory when one is given.
func migrationSource(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

func withPool(fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, poolOptions(cfg))
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, cfg, pool)
}

func schemaOrDefault(schema string, cfg *config.Config) string {
	if schema == "" {
		return db.SchemaFor(cfg.DefaultTenant)
	}
	return schema
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
			return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				schema := schemaOrDefault(schema, cfg)
				fmt.Printf("Running migrations on schema: %s\n", schema)
				count, err := db.NewMigrator(pool, migrationSource(dir)).Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("schema", "", "Target schema (defaults to the DEFAULT_TENANT schema)")
	upCmd.Flags().String("dir", "", "Migrations directory (defaults to the embedded set)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")
			return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				schema := schemaOrDefault(schema, cfg)
				statuses, err := db.NewMigrator(pool, migrationSource(dir)).Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("Migration status for schema: %s\n", schema)
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Println("---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status, appliedAt := "pending", ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema (defaults to the DEFAULT_TENANT schema)")
	statusCmd.Flags().String("dir", "", "Migrations directory (defaults to the embedded set)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			return withPool(func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
				fmt.Printf("Creating tenant schema: %s\n", db.SchemaFor(name))
				if err := db.CreateTenantSchema(ctx, pool, name, migrations.FS); err != nil {
					return err
				}
				fmt.Println("Tenant created successfully.")
				return nil
			})
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

// sweepCmd runs the housekeeping jobs once, for deployments that schedule
// them externally instead of inside serve.
func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Release lapsed reservations, expire due units and report abandoned transfusions once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := newLogger(cfg.Env)
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			rt, err := buildRuntime(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.close()

			wctx, stopWorker := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() {
				_ = rt.worker.Run(wctx)
				close(done)
			}()

			res, err := rt.sweeper().RunOnce(ctx)
			stopWorker()
			<-done
			out, _ := json.MarshalIndent(res, "", "  ")
			fmt.Println(string(out))
			return err
		},
	}
}

// equipmentCmd feeds the Redis calibration source from the command line.
func equipmentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "equipment",
		Short: "Manage the equipment calibration feed",
	}

	calibrateCmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Record a calibration for one piece of equipment",
		RunE: func(cmd *cobra.Command, args []string) error {
			branch, _ := cmd.Flags().GetString("branch")
			id, _ := cmd.Flags().GetString("id")
			kind, _ := cmd.Flags().GetString("kind")
			valid, _ := cmd.Flags().GetDuration("valid-for")

			branchID, err := uuid.Parse(branch)
			if err != nil {
				return fmt.Errorf("--branch must be a uuid")
			}
			if id == "" {
				return fmt.Errorf("--id is required")
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			rc, err := platformredis.New(ctx, platformredis.Options{URL: cfg.RedisURL})
			if err != nil {
				return err
			}
			if rc == nil {
				return fmt.Errorf("REDIS_URL is required")
			}
			defer rc.Close()

			now := time.Now().UTC()
			it := equipment.Item{ID: id, Kind: kind, CalibratedAt: now, DueAt: now.Add(valid)}
			if err := equipment.Publish(ctx, rc.Client, branchID, it); err != nil {
				return err
			}
			fmt.Printf("Recorded calibration for %s, due %s\n", id, it.DueAt.Format(time.RFC3339))
			return nil
		},
	}
	calibrateCmd.Flags().String("branch", "", "Branch ID")
	calibrateCmd.Flags().String("id", "", "Equipment identifier")
	calibrateCmd.Flags().String("kind", "refrigerator", "Equipment kind")
	calibrateCmd.Flags().Duration("valid-for", 30*24*time.Hour, "Calibration validity window")

	cmd.AddCommand(calibrateCmd)
	return cmd
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return err
	}
	defer rt.close()

	e := newEcho(rt)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreDriver).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(sctx)
	})
	g.Go(func() error { return rt.sweeper().Run(gctx) })

	// The audit worker outlives the server so events from in-flight requests
	// are still written.
	wctx, stopWorker := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() { workerDone <- rt.worker.Run(wctx) }()

	err = g.Wait()
	stopWorker()
	<-workerDone
	if err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newEcho builds the HTTP surface: global middleware, health and metrics
// endpoints, and the authenticated /api/v1 group.
func newEcho(rt *runtime) *echo.Echo {
	cfg, logger := rt.cfg, rt.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(telemetry.TracingMiddleware())
	e.Use(rt.metrics.Middleware())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID", "X-Branch-ID"},
	}))

	// Health and metrics stay outside authentication.
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/ready", db.HealthHandler(rt.pool, rt.checks))
	e.GET("/metrics", rt.metrics.Handler())

	apiV1 := e.Group("/api/v1")

	// Auth middleware
	if cfg.ResolvedAuthMode() == "development" {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}

	// Tenant middleware
	if rt.pool != nil {
		apiV1.Use(db.TenantMiddleware(rt.pool, cfg.DefaultTenant))
	}

	apiV1.Use(middleware.Audit(logger, rt.audit))

	var limiter middleware.Limiter = middleware.NewMemoryLimiter()
	if rt.redis != nil {
		limiter = middleware.NewRedisLimiter(rt.redis.Client)
	}
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{RequestsPerMinute: cfg.RateLimitRPM}, limiter, logger))

	rt.services.RegisterRoutes(apiV1)
	return e
}
