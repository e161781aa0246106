package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jmerrifield20/consulkit/internal/heartbeat"
	"github.com/jmerrifield20/consulkit/internal/sidecar"
	"github.com/jmerrifield20/consulkit/internal/telemetry"
	"github.com/jmerrifield20/consulkit/pkg/consul"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("consul-sidecar exited with error", zap.Error(err))
	}
}

// newViper returns the sidecar's configuration source: sidecar.yaml in
// configs/ or the working directory, SIDECAR_* environment variables, and
// the defaults below. The listen ports stay clear of the agent's own
// 8300-8302 and 8500-8503.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("sidecar")
	v.SetConfigType("yaml")
	v.AddConfigPath("configs")
	v.AddConfigPath(".")
	v.SetEnvPrefix("SIDECAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("consul.address", "")
	v.SetDefault("consul.token", "")
	v.SetDefault("consul.datacenter", "")
	v.SetDefault("consul.timeout", "10s")
	v.SetDefault("service.name", "")
	v.SetDefault("service.id", "")
	v.SetDefault("service.address", "")
	v.SetDefault("service.port", 0)
	v.SetDefault("service.tags", []string{})
	v.SetDefault("service.health_url", "")
	v.SetDefault("check.ttl", "30s")
	v.SetDefault("check.deregister_critical_after", "0s")
	v.SetDefault("heartbeat.interval", "0s")
	v.SetDefault("heartbeat.probe_timeout", "5s")
	v.SetDefault("heartbeat.fail_threshold", 3)
	v.SetDefault("sidecar.http_addr", ":9501")
	v.SetDefault("sidecar.grpc_addr", ":9502")
	v.SetDefault("sidecar.cors_origins", []string{})
	v.SetDefault("sidecar.maintenance_rps", 5)
	v.SetDefault("sidecar.register_attempts", 5)
	v.SetDefault("sidecar.shutdown_timeout", "10s")
	return v
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	v := newViper()

	if err := v.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	// ── Agent client ──────────────────────────────────────────────────────────
	cfg := consul.NewConfigFromEnv()
	if addr := v.GetString("consul.address"); addr != "" {
		cfg = consul.NewConfigFromAddr(addr, cfg.Token)
	}
	if token := v.GetString("consul.token"); token != "" {
		cfg.Token = token
	}
	cfg.Datacenter = v.GetString("consul.datacenter")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.New(reg)

	client, err := consul.New(cfg,
		consul.WithTimeout(v.GetDuration("consul.timeout")),
		consul.WithLogger(logger.Named("consul")),
		consul.WithObserver(metrics),
	)
	if err != nil {
		return fmt.Errorf("consul client: %w", err)
	}

	// ── Sidecar ───────────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	sc, err := sidecar.New(client, sidecarConfig(v), metrics, reg, logger.Named("sidecar"))
	if err != nil {
		return err
	}

	// ── Run until signalled ───────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	logger.Info("consul-sidecar starting",
		zap.String("agent", cfg.Address),
		zap.String("service_id", sc.ServiceID()),
	)
	if err := sc.Run(ctx); err != nil {
		return err
	}
	logger.Info("consul-sidecar stopped", zap.Duration("uptime", time.Since(start)))
	return nil
}

func sidecarConfig(v *viper.Viper) sidecar.Config {
	return sidecar.Config{
		ServiceName:                    v.GetString("service.name"),
		ServiceID:                      v.GetString("service.id"),
		ServiceAddress:                 v.GetString("service.address"),
		ServicePort:                    v.GetInt("service.port"),
		Tags:                           v.GetStringSlice("service.tags"),
		HealthURL:                      v.GetString("service.health_url"),
		CheckTTL:                       v.GetDuration("check.ttl"),
		DeregisterCriticalServiceAfter: v.GetDuration("check.deregister_critical_after"),
		Heartbeat: heartbeat.Config{
			Interval:      v.GetDuration("heartbeat.interval"),
			ProbeTimeout:  v.GetDuration("heartbeat.probe_timeout"),
			FailThreshold: v.GetInt("heartbeat.fail_threshold"),
		},
		HTTPAddr:         v.GetString("sidecar.http_addr"),
		GRPCAddr:         v.GetString("sidecar.grpc_addr"),
		CORSOrigins:      v.GetStringSlice("sidecar.cors_origins"),
		MaintenanceRPS:   v.GetInt("sidecar.maintenance_rps"),
		RegisterAttempts: v.GetInt("sidecar.register_attempts"),
		ShutdownTimeout:  v.GetDuration("sidecar.shutdown_timeout"),
	}
}
