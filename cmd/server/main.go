// devicetrust - device trust and risk-policy decisions for banking gateways
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/mbd888/devicetrust/internal/config"
	"github.com/mbd888/devicetrust/internal/logging"
	"github.com/mbd888/devicetrust/internal/server"
	"github.com/mbd888/devicetrust/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	seedFile := flag.String("seed", "", "YAML policy seed file applied before serving (overrides POLICY_SEED_FILE)")
	flag.Parse()

	// Bootstrap logger until the configured level and format are known
	logger := logging.New("info", "json")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting devicetrust",
		zap.String("version", Version),
		zap.String("commit", Commit),
		zap.String("build_time", BuildTime),
		zap.String("env", cfg.Env),
	)

	ctx := context.Background()

	if cfg.NeedsResolution() {
		resolver, err := config.NewAWSSecretResolver(ctx)
		if err != nil {
			logger.Fatal("failed to configure secret resolver", zap.Error(err))
		}
		if err := resolver.Resolve(ctx, cfg); err != nil {
			logger.Fatal("failed to resolve secrets", zap.Error(err))
		}
		logger.Info("anonymizer salt resolved from AWS")
	}

	shutdownTracing, err := traces.Init(ctx, traces.Config{
		Endpoint:       cfg.OTLPEndpoint,
		ServiceVersion: Version,
		Environment:    cfg.Env,
		SampleRatio:    cfg.TraceSampleRatio,
	}, logger)
	if err != nil {
		logger.Fatal("failed to initialize tracing", zap.Error(err))
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			logger.Error("tracing shutdown error", zap.Error(err))
		}
	}()

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Fatal("failed to create server", zap.Error(err))
	}

	if path := firstNonEmpty(*seedFile, cfg.PolicySeedFile); path != "" {
		if _, err := srv.SeedPolicies(ctx, path); err != nil {
			logger.Error("policy seed failed", zap.String("file", path), zap.Error(err))
			_ = srv.Shutdown()
			os.Exit(1)
		}
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
