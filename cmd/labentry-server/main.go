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

	"github.com/healthrec/labentry/internal/config"
	"github.com/healthrec/labentry/internal/domain/entry"
	"github.com/healthrec/labentry/internal/domain/workflow"
	"github.com/healthrec/labentry/internal/labapi"
	"github.com/healthrec/labentry/internal/platform/attachments"
	"github.com/healthrec/labentry/internal/platform/auth"
	"github.com/healthrec/labentry/internal/platform/history"
	"github.com/healthrec/labentry/internal/platform/middleware"
	"github.com/healthrec/labentry/internal/platform/session"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "labentry-server",
		Short: "Lab report entry API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(catalogCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the report entry API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the submission history schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is not set")
			}

			ctx := context.Background()
			pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connecting to database: %w", err)
			}
			defer pool.Close()

			if _, err := pool.Exec(ctx, history.MigrationSubmissionHistory); err != nil {
				return fmt.Errorf("applying submission history schema: %w", err)
			}
			fmt.Println("Submission history schema applied.")
			return nil
		},
	}
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the upstream lab test catalog",
	}

	var token string
	cmd.PersistentFlags().StringVar(&token, "token", "", "Bearer token for the lab API")

	newClient := func() (*labapi.Client, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		opts := []labapi.Option{
			labapi.WithHTTPClient(&http.Client{Timeout: cfg.LabAPITimeout}),
		}
		if token != "" {
			opts = append(opts, labapi.WithAuthToken(token))
		}
		return labapi.New(cfg.LabAPIBaseURL, opts...), nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "types",
		Short: "List available test types",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			types, err := client.ListTestTypes(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("%-8s %-30s %-10s %s\n", "ID", "NAME", "PRIORITY", "DEFAULT")
			for _, t := range types {
				fmt.Printf("%-8d %-30s %-10d %v\n", t.ID, t.Name, t.Priority, t.IsDefault)
			}
			return nil
		},
	})

	groupsCmd := &cobra.Command{
		Use:   "groups",
		Short: "List the groups and parameters of one test type",
		RunE: func(cmd *cobra.Command, args []string) error {
			testID, _ := cmd.Flags().GetInt64("test-id")
			if testID == 0 {
				return fmt.Errorf("--test-id is required")
			}
			client, err := newClient()
			if err != nil {
				return err
			}
			groups, err := client.GetTestGroups(context.Background(), testID)
			if err != nil {
				return err
			}
			for _, g := range groups {
				fmt.Printf("[%d] %s\n", g.ID, g.Name)
				params := g.Parameters
				if len(params) == 0 {
					params, err = client.GetGroupParameters(context.Background(), g.ID)
					if err != nil {
						return err
					}
				}
				for _, p := range params {
					fmt.Printf("    %-8d %-25s %-12s %s\n", p.ID, p.Name, p.Unit, p.NormalRange())
				}
			}
			return nil
		},
	}
	groupsCmd.Flags().Int64("test-id", 0, "Test type ID")
	cmd.AddCommand(groupsCmd)

	return cmd
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
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.IsProduction() {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Upstream lab API client
	apiClient := labapi.New(cfg.LabAPIBaseURL,
		labapi.WithHTTPClient(&http.Client{Timeout: cfg.LabAPITimeout}),
	)

	// Attachment staging
	att := attachments.NewStore()

	// Session store; closing or expiring a session releases its form timer
	// and any staged files.
	sessions := session.NewStore(cfg.SessionTTL, session.WithEvictFunc(func(s *session.Session) {
		if ws, ok := s.Value.(*workflow.Session); ok {
			ws.Close()
		}
		att.DiscardOwner(context.Background(), s.ID)
	}))
	sessions.StartCleanup(ctx, time.Minute)

	// Submission history: Postgres when configured, in-memory otherwise.
	var recorder history.Recorder = history.NewInMemoryRecorder()
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		if _, err := pool.Exec(ctx, history.MigrationSubmissionHistory); err != nil {
			logger.Fatal().Err(err).Msg("failed to apply submission history schema")
		}
		recorder = history.NewPGRecorderFromPool(pool)
		logger.Info().Msg("submission history backed by postgres")
	} else {
		logger.Warn().Msg("DATABASE_URL not set; submission history is in-memory")
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.RequestTimeout(30*time.Second,
		"/api/v1/entry-sessions/", // upload routes live under sessions
	))

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})

	// API group
	apiV1 := e.Group("/api/v1")

	// Auth middleware
	if cfg.IsDev() {
		apiV1.Use(auth.DevMiddleware())
	} else {
		apiV1.Use(auth.Middleware(auth.Config{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		}))
	}

	// Rate limiting
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	// Workflow handler
	wfHandler := workflow.NewHandler(sessions, att, apiClient, recorder, logger,
		entry.WithResetDelay(cfg.SaveResetDelay),
	)
	wfHandler.RegisterRoutes(apiV1)

	// Start server with graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return e.Shutdown(shutdownCtx)
}
