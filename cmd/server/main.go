package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-gov-certificates/internal/client"
	"github.com/pesio-ai/be-gov-certificates/internal/config"
	"github.com/pesio-ai/be-gov-certificates/internal/database"
	"github.com/pesio-ai/be-gov-certificates/internal/definition"
	"github.com/pesio-ai/be-gov-certificates/internal/handler"
	"github.com/pesio-ai/be-gov-certificates/internal/logger"
	"github.com/pesio-ai/be-gov-certificates/internal/metrics"
	"github.com/pesio-ai/be-gov-certificates/internal/repository"
	"github.com/pesio-ai/be-gov-certificates/internal/repository/sqlite"
	"github.com/pesio-ai/be-gov-certificates/internal/service"
	"github.com/pesio-ai/be-gov-certificates/internal/workflow"
)

type cli struct {
	v   *viper.Viper
	cfg *config.Config
	log *logger.Logger
}

func (c *cli) setupConfig(cmd *cobra.Command, _ []string) error {
	configFile, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}

	cfg, err := config.Load(c.v, configFile)
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.log = logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})
	return nil
}

func serveFlags(cmd *cobra.Command, v *viper.Viper) error {
	cmd.Flags().Int("http-port", 8080, "http port for rest endpoints")
	cmd.Flags().Int("grpc-port", 9090, "grpc port for action clients")
	cmd.Flags().String("database-driver", "postgres", "storage backend: postgres or sqlite")
	cmd.Flags().String("database-dsn", "", "sqlite path, or a postgres URL")
	cmd.Flags().String("workflows-file", "workflows.yaml", "workflow definitions file")

	for key, flag := range map[string]string{
		"server.port":      "http-port",
		"server.grpc_port": "grpc-port",
		"database.driver":  "database-driver",
		"database.dsn":     "database-dsn",
		"workflows.file":   "workflows-file",
	} {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}
	return nil
}

// ── serve ─────────────────────────────────────────────────────────────────────

func (c *cli) serve(cmd *cobra.Command, _ []string) error {
	cfg, log := c.cfg, c.log

	log.Info().
		Str("environment", cfg.Service.Environment).
		Int("http_port", cfg.Server.Port).
		Int("grpc_port", cfg.Server.GRPCPort).
		Str("database", cfg.Database.Driver).
		Str("workflows", cfg.Workflows.Source).
		Msg("Starting certificate workflow service")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage
	st, err := openStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	// Workflow definitions
	src, err := openDefinitions(cfg, st.db)
	if err != nil {
		return err
	}
	definitions := definition.NewCache(src, cfg.Workflows.CacheTTL, cfg.Workflows.CacheCapacity)

	// Role directory
	roles, closeRoles, err := openRoles(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRoles()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := []service.Option{
		service.WithMetrics(metrics.New(reg)),
		service.WithTracer(otel.GetTracerProvider().Tracer(cfg.Service.Name)),
	}

	// Transition events
	if cfg.Events.NATSURL != "" {
		nc, err := client.ConnectNATS(cfg.Events.NATSURL, cfg.Service.Name)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer nc.Drain()
		opts = append(opts, service.WithEvents(client.NewEventPublisher(nc, cfg.Events.SubjectPrefix, log.Logger)))
		if err := followWorkflowUpdates(nc, cfg.Events.SubjectPrefix, definitions, log); err != nil {
			return err
		}
		log.Info().Str("url", cfg.Events.NATSURL).Msg("Publishing transition events")
	}

	processor := service.NewActionProcessor(st.store, definitions, workflow.NewResolver(roles), log, opts...)
	auth := handler.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)

	// HTTP server
	httpHandler := handler.NewHTTPHandler(processor, cfg.Server.RequestTimeout, log)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.NewRouter(httpHandler, auth, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
			stop()
		}
	}()

	// gRPC server
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(auth.UnaryInterceptor),
		grpc.ChainStreamInterceptor(auth.StreamInterceptor),
	)
	handler.NewGRPCHandler(processor, log.Logger).Register(grpcServer)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("create gRPC listener: %w", err)
	}

	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	grpcServer.GracefulStop()

	log.Info().Msg("Server stopped")
	return nil
}

// followWorkflowUpdates drops cached definitions announced as changed.
func followWorkflowUpdates(conn client.Subscriber, prefix string, cache *definition.Cache, log *logger.Logger) error {
	_, err := client.SubscribeWorkflowUpdates(conn, prefix, log.Logger, func(certificateType string) {
		if certificateType == "" {
			cache.InvalidateAll()
		} else {
			cache.Invalidate(certificateType)
		}
		log.Info().Str("certificate_type", certificateType).Msg("Workflow definition cache invalidated")
	})
	return err
}

type storage struct {
	store service.Store
	db    *database.DB // nil unless the postgres driver is used
	close func()
}

func openStorage(ctx context.Context, cfg *config.Config, log *logger.Logger) (*storage, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		s, err := sqlite.NewStore(cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		log.Info().Str("path", cfg.Database.DSN).Msg("Using sqlite store")
		return &storage{store: s, close: func() { _ = s.Close() }}, nil
	}

	dsn := cfg.Database.PostgresDSN()
	if cfg.Database.Migrate {
		if err := database.Migrate(dsn); err != nil {
			return nil, err
		}
		log.Info().Msg("Database migrations applied")
	}

	db, err := openPostgres(ctx, cfg)
	if err != nil {
		return nil, err
	}
	log.Info().Str("host", cfg.Database.Host).Str("database", cfg.Database.Database).Msg("Database connected")
	return &storage{store: repository.NewStore(db), db: db, close: db.Close}, nil
}

func openPostgres(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	db, err := database.New(connectCtx, database.Config{
		DSN:         cfg.Database.PostgresDSN(),
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

func openDefinitions(cfg *config.Config, db *database.DB) (definition.Source, error) {
	if cfg.Workflows.Source == "database" {
		if db == nil {
			return nil, fmt.Errorf("workflows.source=database requires database.driver=postgres")
		}
		return repository.NewWorkflowDefinitionRepository(db), nil
	}

	src, err := definition.LoadFile(cfg.Workflows.File)
	if err != nil {
		return nil, err
	}
	return src, nil
}

func openRoles(ctx context.Context, cfg *config.Config) (workflow.RoleDirectory, func(), error) {
	if cfg.Roles.Source != "redis" {
		return client.StaticRoleDirectory(cfg.Roles.Static), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Roles.RedisAddr, DB: cfg.Roles.RedisDB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client.NewRedisRoleDirectory(rdb, cfg.Roles.Prefix), func() { _ = rdb.Close() }, nil
}

func main() {
	c := &cli{v: config.New()}

	root := &cobra.Command{
		Use:           "certificates",
		Short:         "Certificate request approval workflow service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "Path to config file.")

	serve := &cobra.Command{
		Use:     "serve",
		Short:   "Run the HTTP and gRPC servers",
		PreRunE: c.setupConfig,
		RunE:    c.serve,
	}
	if err := serveFlags(serve, c.v); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	root.AddCommand(serve, workflowsCommand(c), rolesCommand(c), actCommand(), historyCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
