package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/tecet/ollm/internal/config"
	"github.com/tecet/ollm/internal/rpc"
)

const drainTimeout = 5 * time.Second

// RunServer starts the gRPC server and blocks until a signal or a Shutdown
// call stops it.
func RunServer(cfg config.Config) error {
	level := slog.LevelInfo
	if cfg.Debug.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	listener, err := net.Listen("tcp", cfg.Bind)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", cfg.Bind, err)
	}

	services := NewServices(ctx, cfg, logger)
	defer services.Close()

	pidFile := PIDFile(cfg.DataDir)
	if err := writePIDFile(pidFile); err != nil {
		logger.Warn("failed to write PID file", "error", err)
	}
	defer os.Remove(pidFile)

	if services.Monitor != nil {
		services.Monitor.Start(time.Duration(cfg.Monitor.IntervalMS) * time.Millisecond)
	}

	shutdownCh := make(chan struct{})
	var shutdownOnce sync.Once
	requestShutdown := func() { shutdownOnce.Do(func() { close(shutdownCh) }) }

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(rpc.LoggingInterceptor(logger)))
	rpc.RegisterContextServiceServer(grpcServer, newRPCServer(services, time.Now(), requestShutdown))

	healthServer := health.NewServer()
	healthServer.SetServingStatus(rpc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := grpcServer.Serve(listener); err != nil {
			return fmt.Errorf("server: serve: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		select {
		case <-groupCtx.Done():
			logger.Info("received signal, shutting down")
		case <-shutdownCh:
			logger.Info("shutdown requested via rpc")
		}

		healthServer.Shutdown()
		// Ends Events streams, which otherwise stay open until the client leaves.
		services.Bus.Close()
		drain(grpcServer, logger)
		return nil
	})

	logger.Info("server listening", "address", listener.Addr().String(), "data_dir", cfg.DataDir)

	return group.Wait()
}

func newRPCServer(services Services, started time.Time, stopFunc func()) *rpc.Server {
	server := &rpc.Server{
		Sessions:  services.Registry,
		Snapshots: services.Snapshots,
		Bus:       services.Bus,
		Config:    services.Config,
		StartTime: started,
		StopFunc:  stopFunc,
	}
	if services.Monitor != nil {
		server.Monitor = services.Monitor
	}
	if services.Model != nil {
		server.Model = services.Model
	}
	if services.Runner != nil {
		server.Runner = services.Runner
	}
	if services.Tools != nil {
		server.Tools = services.Tools
	}
	return server
}

// drain lets in-flight calls finish, then cuts off streams still open after
// drainTimeout.
func drain(server *grpc.Server, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainTimeout):
		logger.Warn("drain timeout, forcing shutdown")
		server.Stop()
		<-done
	}
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("write pid file: mkdir: %w", err)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}
