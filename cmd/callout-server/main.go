// Command callout-server runs the ext-proc/ext-authz/L4 callout runtime
// described by a TOML configuration file, wiring together the header
// mutation, authorization, and network-byte-stream example handlers.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	networkextprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/network_ext_proc/v3"
	"google.golang.org/grpc"

	"github.com/service-extensions/callout-sdk/examples/addheader"
	"github.com/service-extensions/callout-sdk/examples/blockip"
	"github.com/service-extensions/callout-sdk/examples/modelarmor"
	"github.com/service-extensions/callout-sdk/examples/redirect"
	"github.com/service-extensions/callout-sdk/examples/setcookie"
	"github.com/service-extensions/callout-sdk/extauthz"
	"github.com/service-extensions/callout-sdk/extproc"
	"github.com/service-extensions/callout-sdk/internal/config"
	"github.com/service-extensions/callout-sdk/internal/metrics"
	"github.com/service-extensions/callout-sdk/internal/tracing"
	"github.com/service-extensions/callout-sdk/netproc"
	"github.com/service-extensions/callout-sdk/server"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
)

var (
	configFile = flag.String("config", "", "Path to configuration file (required)")
	handler    = flag.String("handler", "addheader", "Example handler to serve: addheader, blockip, jwtauth, redirect, setcookie, modelarmor, netecho")
)

func main() {
	flag.Parse()

	if *configFile == "" {
		fmt.Fprintf(os.Stderr, "Error: -config flag is required\n")
		fmt.Fprintf(os.Stderr, "Usage: %s -config <path-to-config.toml>\n", os.Args[0])
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration from %s: %v\n", *configFile, err)
		os.Exit(1)
	}

	metrics.SetEnabled(cfg.Metrics.Enabled)
	metrics.InitMetrics()

	logger := setupLogger(cfg)
	slog.SetDefault(logger)
	ctx := context.Background()

	slog.InfoContext(ctx, "callout server starting",
		"version", Version, "git_commit", GitCommit, "config_file", *configFile, "handler", *handler)

	tracingShutdown, err := tracing.InitTracer(ctx, tracing.Config{
		Enabled:            cfg.Tracing.Enabled,
		Endpoint:           cfg.Tracing.Endpoint,
		Insecure:           cfg.Tracing.Insecure,
		ServiceName:        "callout-server",
		ServiceVersion:     cfg.Tracing.ServiceVersion,
		BatchTimeout:       cfg.Tracing.BatchTimeout,
		MaxExportBatchSize: cfg.Tracing.MaxExportBatchSize,
		SamplingRate:       cfg.Tracing.SamplingRate,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer tracingShutdown(context.Background())

	register, err := buildRegisterFunc(*handler)
	if err != nil {
		slog.ErrorContext(ctx, "invalid handler selection", "error", err)
		os.Exit(1)
	}

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Port)
		go func() {
			if err := metricsServer.Start(ctx); err != nil {
				slog.ErrorContext(ctx, "metrics server error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Stop(shutdownCtx); err != nil {
				slog.ErrorContext(ctx, "error stopping metrics server", "error", err)
			}
		}()
	}

	srv, err := server.New(server.Options{
		SecureAddress:         cfg.Server.SecureAddress,
		PlaintextAddress:      cfg.Server.PlaintextAddress,
		DisablePlaintext:      cfg.Server.DisablePlaintext,
		HealthCheckAddress:    cfg.Server.HealthCheckAddress,
		CombinedHealthCheck:   cfg.Server.CombinedHealthCheck,
		SecureHealthCheck:     cfg.Server.SecureHealthCheck,
		HealthCheckAllowedIPs: cfg.Server.HealthCheckAllowedIPs,
		ServerThreadCount:     cfg.Server.ServerThreadCount,
		NumProcesses:          cfg.Server.NumProcesses,
		CertChainPath:         cfg.Server.CertChainPath,
		PrivateKeyPath:        cfg.Server.PrivateKeyPath,
	}, register)
	if err != nil {
		slog.ErrorContext(ctx, "failed to construct server", "error", err)
		os.Exit(1)
	}

	runCtx, cancel := context.WithCancel(ctx)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.InfoContext(ctx, "received signal, shutting down gracefully", "signal", sig)
		cancel()
	}()

	var runErr error
	switch {
	case os.Getenv(server.WorkerEnvVar) == "1":
		runErr = srv.RunWorker(runCtx)
	case cfg.Server.NumProcesses > 1:
		runErr = srv.RunSupervisor(runCtx, os.Args[1:])
	default:
		runErr = srv.RunSingleProcess(runCtx)
	}

	if runErr != nil {
		slog.ErrorContext(ctx, "server exited with error", "error", runErr)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "callout server shut down successfully")
}

// buildRegisterFunc selects which example handler's services to attach to
// each constructed gRPC server, based on the -handler flag. A production
// deployment would replace this selection with its own Hooks/Authorizer
// composition; the flag exists to let this binary demonstrate every
// example package without a separate main per example.
func buildRegisterFunc(name string) (server.RegisterFunc, error) {
	switch name {
	case "addheader":
		hooks := addheader.Hooks{AddKey: "x-callout-processed", AddValue: "true"}
		extprocSrv := extproc.NewServer(hooks)
		return func(s *grpc.Server) { extprocv3.RegisterExternalProcessorServer(s, extprocSrv) }, nil

	case "redirect":
		hooks := redirect.Hooks{MatchPrefix: "/legacy", TargetURL: "https://example.com/new"}
		extprocSrv := extproc.NewServer(hooks)
		return func(s *grpc.Server) { extprocv3.RegisterExternalProcessorServer(s, extprocSrv) }, nil

	case "setcookie":
		hooks := setcookie.Hooks{CookieName: "callout-session", CookieValue: "issued", MaxAgeSecs: 3600}
		extprocSrv := extproc.NewServer(hooks)
		return func(s *grpc.Server) { extprocv3.RegisterExternalProcessorServer(s, extprocSrv) }, nil

	case "modelarmor":
		hooks := modelarmor.Hooks{Denylist: []string{"ignore previous instructions"}}
		extprocSrv := extproc.NewServer(hooks)
		return func(s *grpc.Server) { extprocv3.RegisterExternalProcessorServer(s, extprocSrv) }, nil

	case "blockip":
		az, err := blockip.NewAuthorizer([]string{"10.0.0.0/8"})
		if err != nil {
			return nil, err
		}
		extauthzSrv := extauthz.NewServer(az)
		return func(s *grpc.Server) { authv3.RegisterAuthorizationServer(s, extauthzSrv) }, nil

	case "jwtauth":
		return nil, fmt.Errorf("jwtauth handler requires a -jwt-public-key-file flag; wire it in a custom main")

	case "netecho":
		netprocSrv := netproc.NewServer(netproc.BaseHooks{})
		return func(s *grpc.Server) { networkextprocv3.RegisterNetworkExternalProcessorServer(s, netprocSrv) }, nil

	default:
		return nil, fmt.Errorf("unknown handler %q", name)
	}
}

func setupLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.Logging.Format == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(h)
}
