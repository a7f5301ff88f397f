package main

import (
	"context"
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
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/dental/internal/config"
	"github.com/ehr/dental/internal/domain/dental"
	"github.com/ehr/dental/internal/platform/auditlog"
	"github.com/ehr/dental/internal/platform/chartbus"
	"github.com/ehr/dental/internal/platform/db"
	"github.com/ehr/dental/internal/platform/metrics"
	"github.com/ehr/dental/internal/platform/middleware"
	"github.com/ehr/dental/internal/platform/validate"
	"github.com/ehr/dental/internal/platform/websocket"
	"github.com/ehr/dental/migrations"
)

const version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "dental-server",
		Short: "Dental treatment and teeth chart API server",
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(tenantCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the dental API server",
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
			pool, err := db.NewPool(ctx, poolConfig(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationsFS(dir, cfg.MigrationsDir))
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", db.SchemaName("default"), "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Migrations directory (defaults to the embedded set)")
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
			pool, err := db.NewPool(ctx, poolConfig(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationsFS(dir, cfg.MigrationsDir)).Status(ctx, schema)
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
	statusCmd.Flags().String("schema", db.SchemaName("default"), "Target schema for migrations")
	statusCmd.Flags().String("dir", "", "Migrations directory (defaults to the embedded set)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage practices",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create and migrate a practice schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := db.NewPool(ctx, poolConfig(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Creating tenant schema: %s\n", db.SchemaName(name))
			if err := db.CreateTenantSchema(ctx, pool, name, migrationsFS("", cfg.MigrationsDir)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")
	cmd.AddCommand(createCmd)
	return cmd
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: "dental-server",
	}
}

// migrationsFS picks the flag directory, then MIGRATIONS_DIR, then the
// migrations compiled into the binary.
func migrationsFS(flagDir, envDir string) fs.FS {
	switch {
	case flagDir != "":
		return os.DirFS(flagDir)
	case envDir != "":
		return os.DirFS(envDir)
	default:
		return migrations.FS
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// newAuditor always logs and also ships to Kafka when brokers are set.
func newAuditor(cfg *config.Config, logger zerolog.Logger) (dental.Auditor, func() error) {
	sinks := auditlog.Multi{auditlog.NewLogSink(logger)}
	closer := func() error { return nil }
	if cfg.AuditToKafka() {
		if k := auditlog.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaAuditTopic); k != nil {
			sinks = append(sinks, k)
			closer = k.Close
		}
	}
	return sinks, closer
}

func repositories(cfg *config.Config, pool *pgxpool.Pool) dental.Repositories {
	transactor := db.NewTransactor(pool)
	return dental.Repositories{
		Catalog:     dental.NewCachedCatalog(dental.NewCatalogRepoPG(pool), cfg.CatalogCacheTTL),
		Diagnoses:   dental.NewDiagnosisRepoPG(pool),
		Plans:       dental.NewPlanRepoPG(pool),
		Treatments:  dental.NewTreatmentRepoPG(pool),
		Courses:     dental.NewCourseRepoPG(pool),
		Chart:       dental.NewChartRepoPG(pool),
		Precautions: dental.NewPrecautionRepoPG(pool),
		Tx:          transactor,
		Sessions:    transactor,
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	m := metrics.New()
	hub := websocket.NewHub(logger)

	svc := dental.NewService(repositories(cfg, pool))
	svc.SetLogger(logger)
	svc.SetMetrics(m)

	auditor, closeAudit := newAuditor(cfg, logger)
	defer closeAudit()
	svc.SetAuditor(auditor)

	bus, err := chartbus.New(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	if bus != nil {
		defer bus.Close()
		svc.SetChartPublisher(dental.ChartPublisherFunc(func(ctx context.Context, patientID uuid.UUID, cs dental.Changeset) error {
			return bus.Publish(ctx, patientID, cs)
		}))
		stream, err := bus.Subscribe(ctx, "*", uuid.Nil)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to subscribe to chart channels")
		}
		go hub.Run(ctx, stream)
		logger.Info().Msg("chart changesets fan out over redis")
	} else {
		svc.SetChartPublisher(dental.ChartPublisherFunc(func(ctx context.Context, patientID uuid.UUID, cs dental.Changeset) error {
			return hub.Publish(ctx, patientID, cs)
		}))
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validate.New()

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Content-Type", middleware.RequestIDHeader, db.TenantHeader, middleware.ActorIDHeader, middleware.ActorNameHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.PrintBodyLimit))
	e.Use(m.Middleware())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/metrics", m.Handler())

	api := e.Group("/api/v1/dental", middleware.Actor(), db.TenantMiddleware(pool, cfg.DefaultTenant))
	dental.NewHandler(svc).RegisterRoutes(api)
	websocket.NewHandler(hub).RegisterRoutes(api)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
