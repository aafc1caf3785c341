package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinica/tiss/internal/config"
	"github.com/clinica/tiss/internal/domain/glosa"
	"github.com/clinica/tiss/internal/domain/reconciliation"
	"github.com/clinica/tiss/internal/platform/audit"
	"github.com/clinica/tiss/internal/platform/auth"
	"github.com/clinica/tiss/internal/platform/blobstore"
	"github.com/clinica/tiss/internal/platform/db"
	"github.com/clinica/tiss/internal/platform/jobs"
	"github.com/clinica/tiss/internal/platform/middleware"
	"github.com/clinica/tiss/internal/tiss/encoding"
	"github.com/clinica/tiss/internal/tiss/parser"
	"github.com/clinica/tiss/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tiss-server",
		Short: "TISS return file interchange server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(parseCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the TISS API server",
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

			migrator := db.NewMigrator(pool, migrations.FS)
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

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

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx, schema)
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
	statusCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
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
		Short: "Create a clinic schema and apply migrations to it",
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
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating tenant schema: tenant_%s\n", name)
			if err := db.CreateTenantSchema(ctx, pool, name, migrations.FS); err != nil {
				return err
			}
			fmt.Println("Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

// parseCmd runs the parser over a local file and prints the result. It needs
// no database and is meant for inspecting operator files by hand.
func parseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parse <file>",
		Short: "Parse a TISS return file and print the result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sample, _ := cmd.Flags().GetInt("sample-size")
			keepUTF8, _ := cmd.Flags().GetBool("keep-utf8")
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			res := newParser(sample, keepUTF8).ParseBuffer(raw)
			if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("parse failed: %d error(s)", len(res.Errors))
			}
			return nil
		},
	}
	cmd.Flags().Int("sample-size", 0, "Bytes scanned for legacy encoding markers (0 uses the default)")
	cmd.Flags().Bool("keep-utf8", false, "Keep multi-byte UTF-8 as UTF-8 even when it carries stray control bytes")
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed bearer token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("subject")
			tenant, _ := cmd.Flags().GetString("tenant")
			roles, _ := cmd.Flags().GetString("roles")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, err := jwtConfig(cfg).IssueToken(subject, tenant, splitRoles(roles), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("subject", "cli", "Token subject (user id)")
	cmd.Flags().String("tenant", "default", "Tenant the token is scoped to")
	cmd.Flags().String("roles", auth.RoleBilling, "Comma-separated roles")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	return cmd
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.Env, cfg.LogLevel)
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

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.BodyLimit("1M", uploadLimit(cfg.MaxUploadBytes), reconciliation.IsUpload))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtConfig(cfg)))
	} else {
		e.Use(auth.JWTMiddleware(jwtConfig(cfg)))
	}

	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		PerMinute: cfg.UploadRatePerMinute,
		Burst:     cfg.UploadBurst,
		Applies:   reconciliation.IsUpload,
	}))

	// Tenant middleware
	e.Use(db.TenantMiddleware(pool, cfg.DefaultTenant))

	// Health
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.NewHealthCheck(pool).Handler())

	apiV1 := e.Group("/api/v1")

	auditSink := audit.MultiSink{audit.NewLogSink(logger), audit.NewPGSink(pool)}

	// Glosa risk predictor
	policy, err := glosa.LoadPolicy(cfg.GlosaPolicyFile)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.GlosaPolicyFile).Msg("failed to load glosa policy")
	}
	glosaHandler := glosa.NewHandler(glosa.NewPredictor(policy, nil))
	glosaHandler.SetAuditSink(auditSink)
	glosaHandler.RegisterRoutes(apiV1)

	// Background jobs
	runner := jobs.NewRunner(logger, jobs.Options{
		Workers:   cfg.JobWorkers,
		QueueSize: cfg.JobQueueSize,
	})
	runner.Start(ctx)

	// Reconciliation
	svc := reconciliation.NewService(
		reconciliation.NewLotRepoPG(pool),
		reconciliation.NewImportRepoPG(pool),
		reconciliation.NewErrorRepoPG(pool),
		blobstore.NewPGBlobStore(pool, cfg.MaxUploadBytes),
		newParser(cfg.EncodingSampleSize, cfg.EncodingKeepUTF8),
		logger,
	)
	svc.SetRunner(runner)
	svc.SetAuditSink(auditSink)
	svc.SetTenantScope(func(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
		return db.WithTenant(ctx, pool, tenantID, fn)
	})
	reconciliation.NewHandler(svc).RegisterRoutes(apiV1)

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
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	// In-flight imports finish before the pool closes.
	if err := runner.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("job runner shutdown timed out")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newLogger builds the process logger. Development gets the console writer;
// an unknown level falls back to info.
func newLogger(env, level string) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if env == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return logger.Level(lvl)
}

func newParser(sampleSize int, keepUTF8 bool) *parser.Parser {
	policy := encoding.DefaultPolicy()
	if sampleSize > 0 {
		policy.SampleSize = sampleSize
	}
	policy.KeepMultibyteUTF8 = keepUTF8
	return parser.New(encoding.NewNormalizer(policy))
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
}

// uploadLimit renders the upload cap in the form BodyLimit expects.
func uploadLimit(maxBytes int64) string {
	if maxBytes <= 0 {
		return "100M"
	}
	return strconv.FormatInt(maxBytes, 10)
}

func splitRoles(s string) []string {
	var roles []string
	for _, r := range strings.Split(s, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
