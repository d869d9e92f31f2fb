// Package app wires the tabledeck server together and runs it.
package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/s2quake/tabledeck/internal/api/httpapi"
	"github.com/s2quake/tabledeck/internal/audit"
	auditsqlite "github.com/s2quake/tabledeck/internal/audit/sqlite"
	"github.com/s2quake/tabledeck/internal/auth"
	"github.com/s2quake/tabledeck/internal/platform/config"
	"github.com/s2quake/tabledeck/internal/platform/logging"
	"github.com/s2quake/tabledeck/internal/session/payload"
	"github.com/s2quake/tabledeck/internal/session/registry"
	"github.com/s2quake/tabledeck/internal/session/service"
)

// Config holds server configuration.
type Config struct {
	Port     int    `env:"TABLEDECK_PORT" envDefault:"8090"`
	Addr     string `env:"TABLEDECK_ADDR"`
	GRPCPort int    `env:"TABLEDECK_GRPC_PORT" envDefault:"9090"`
	DataDir  string `env:"TABLEDECK_DATA_DIR" envDefault:"data"`
	LogLevel string `env:"TABLEDECK_LOG_LEVEL" envDefault:"info"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The HTTP API port")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "The HTTP API listen address (overrides -port)")
	fs.IntVar(&cfg.GRPCPort, "grpc-port", cfg.GRPCPort, "The gRPC health port")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory holding session journals and the audit database")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the server and blocks until ctx is canceled.
func Run(ctx context.Context, cfg Config) error {
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	settings, err := auth.LoadSettingsFromEnv(nil)
	if err != nil {
		return fmt.Errorf("load auth settings: %w", err)
	}
	authenticator, err := auth.NewAuthenticator(settings)
	if err != nil {
		return fmt.Errorf("create authenticator: %w", err)
	}

	reg, err := registry.New(registry.Config{
		Root:          filepath.Join(cfg.DataDir, "journals"),
		Strategies:    payload.NewRegistry(payload.TableStrategy{}),
		Authenticator: authenticator,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("create registry: %w", err)
	}

	auditStore, err := auditsqlite.Open(filepath.Join(cfg.DataDir, "audit.db"))
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	recorder := audit.NewRecorder(auditStore, logger)
	unsubscribe := reg.Subscribe(recorder.Record)

	if err := reg.RestoreAll(ctx); err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}

	svc := service.New(reg, authenticator, logger)
	api := httpapi.New(svc, logger)

	addr := cfg.Addr
	if addr == "" {
		addr = fmt.Sprintf(":%d", cfg.Port)
	}
	apiListener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	healthListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		_ = apiListener.Close()
		return fmt.Errorf("listen on grpc port %d: %w", cfg.GRPCPort, err)
	}

	httpServer := &http.Server{Handler: api.Handler()}
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("api listening", zap.String("addr", apiListener.Addr().String()))
		if err := httpServer.Serve(apiListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("serve api: %w", err)
			return
		}
		errCh <- nil
	}()
	go func() {
		logger.Info("health listening", zap.String("addr", healthListener.Addr().String()))
		if err := grpcServer.Serve(healthListener); err != nil {
			errCh <- fmt.Errorf("serve health: %w", err)
			return
		}
		errCh <- nil
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
	}

	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()

	if err := reg.Close(shutdownCtx); err != nil {
		logger.Warn("registry close", zap.Error(err))
	}
	unsubscribe()
	recorder.Close()
	if err := auditStore.Close(); err != nil {
		logger.Warn("audit store close", zap.Error(err))
	}
	return serveErr
}
