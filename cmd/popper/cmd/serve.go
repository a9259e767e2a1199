package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/msto63/popper/internal/popper/server"
	"github.com/msto63/popper/internal/popper/service"
	"github.com/msto63/popper/pkg/core/config"
	coregrpc "github.com/msto63/popper/pkg/core/grpc"
)

var (
	serveUpstream string
	serveNoGRPC   bool
	serveNoWatch  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and gRPC fronts",
	Long: `Starts the validation service.

HTTP (default :8080):
  POST /api/v1/validate   validate a request document
  GET  /api/v1/endpoints  list endpoints and validator types
  GET  /api/v1/stream     websocket feed of validation events
  GET  /health, /metrics, /version
  everything else         validated, then proxied to --upstream

gRPC (default :9090) validates unary calls and serves grpc.health.v1.

The config file is watched and reloaded on change.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveUpstream, "upstream", "", "URL that validated requests are proxied to")
	serveCmd.Flags().BoolVar(&serveNoGRPC, "no-grpc", false, "do not start the gRPC front")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "do not reload the config file on change")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if cfgPath == "" {
		logger.Warn("No config file found, using defaults")
	}

	svc, err := service.New(cfg, service.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	defer svc.Close()

	proxies, err := server.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}
	httpCfg := httpConfig(cfg)
	httpCfg.TrustedProxies = proxies
	if serveUpstream != "" {
		target, err := url.Parse(serveUpstream)
		if err != nil {
			return fmt.Errorf("invalid upstream: %w", err)
		}
		httpCfg.Upstream = httputil.NewSingleHostReverseProxy(target)
	}
	httpSrv := server.New(svc, httpCfg, logger.With("component", "http"))

	var grpcSrv *coregrpc.Server
	if !serveNoGRPC {
		grpcSrv = coregrpc.NewServer(grpcConfig(cfg), logger.With("component", "grpc"),
			grpc.ChainUnaryInterceptor(server.UnaryServerInterceptor(svc, proxies, logger)))
		grpcSrv.SetServing(true)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return httpSrv.Start() })
	if grpcSrv != nil {
		g.Go(func() error {
			lis, err := net.Listen("tcp", cfg.GRPCAddress())
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", cfg.GRPCAddress(), err)
			}
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			return nil
		})
	}
	if cfgPath != "" && !serveNoWatch {
		w, err := config.NewWatcher(cfgPath, config.WithWatchLogger(logger))
		if err != nil {
			logger.Warn("Config watcher disabled", "error", err)
		} else {
			g.Go(func() error {
				return w.Run(gctx, func(next *config.Config, err error) {
					if err != nil {
						return
					}
					if err := svc.Reload(next); err != nil {
						logger.Error("Failed to apply configuration", "error", err)
					}
				})
			})
		}
	}

	logger.Info("Popper started",
		"http", cfg.HTTPAddress(),
		"grpc", !serveNoGRPC,
		"upstream", serveUpstream,
		"endpoints", len(cfg.Endpoints))

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown signal received, stopping servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()

		if grpcSrv != nil {
			grpcSrv.StopWithTimeout(shutdownCtx)
		}
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server stopped with error", "error", err)
		return err
	}
	logger.Info("Popper stopped")
	return nil
}

func httpConfig(cfg *config.Config) server.Config {
	c := server.DefaultConfig()
	c.Host = cfg.Server.Host
	c.Port = cfg.Server.HTTPPort
	c.MaxBodyBytes = cfg.Server.MaxBodyBytes
	c.MetricsPath = cfg.Observability.MetricsPath
	if d := cfg.Server.ReadTimeout.Duration; d > 0 {
		c.ReadTimeout = d
	}
	if d := cfg.Server.WriteTimeout.Duration; d > 0 {
		c.WriteTimeout = d
	}
	return c
}

func grpcConfig(cfg *config.Config) coregrpc.ServerConfig {
	c := coregrpc.DefaultServerConfig()
	c.Host = cfg.Server.Host
	c.Port = cfg.Server.GRPCPort
	c.EnableReflection = cfg.General.Environment == "development"
	if cfg.Server.MaxBodyBytes > 0 {
		c.MaxRecvMsgSize = int(cfg.Server.MaxBodyBytes)
	}
	return c
}
