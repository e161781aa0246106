// Package sidecar registers a service with the local agent, keeps its TTL
// check alive, and exposes the result over HTTP and grpc.health.v1.
package sidecar

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/flowchartsman/retry"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/jmerrifield20/consulkit/internal/heartbeat"
	"github.com/jmerrifield20/consulkit/internal/telemetry"
	"github.com/jmerrifield20/consulkit/pkg/consul"
)

// Sidecar owns one service registration for the lifetime of Run.
type Sidecar struct {
	cfg      Config
	agent    consul.Agent
	logger   *zap.Logger
	metrics  *telemetry.Metrics
	gatherer prometheus.Gatherer

	beat   *heartbeat.Heartbeater
	health *health.Server
	router *gin.Engine

	registered  *atomic.Bool
	maintenance *atomic.Bool
	reason      *atomic.String
	agentStatus *atomic.String
}

// healthSource is implemented by *consul.Client. When the agent passed to
// New has it, Run also follows the service's checks as the agent sees them.
type healthSource interface {
	Health() *consul.Health
}

// New builds a Sidecar. Metrics are recorded on m and served from g.
func New(agent consul.Agent, cfg Config, m *telemetry.Metrics, g prometheus.Gatherer, logger *zap.Logger) (*Sidecar, error) {
	if agent == nil {
		return nil, errors.New("sidecar: agent is required")
	}
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		reg := prometheus.NewRegistry()
		m, g = telemetry.New(reg), reg
	}
	if g == nil {
		g = prometheus.DefaultGatherer
	}

	beat, err := heartbeat.New(agent, cfg.Heartbeat, logger.Named("heartbeat"))
	if err != nil {
		return nil, fmt.Errorf("sidecar: %w", err)
	}

	s := &Sidecar{
		cfg:         cfg,
		agent:       agent,
		logger:      logger,
		metrics:     m,
		gatherer:    g,
		beat:        beat,
		health:      health.NewServer(),
		registered:  atomic.NewBool(false),
		maintenance: atomic.NewBool(false),
		reason:      atomic.NewString(""),
		agentStatus: atomic.NewString(""),
	}
	beat.SetMetricsRecord(m.RecordProbe)
	beat.SetPushRecord(m.RecordHeartbeat)
	beat.SetStateChange(func(bool) { s.syncServing() })
	s.syncServing()
	s.router = s.newRouter()
	return s, nil
}

// ServiceID is the registered service id.
func (s *Sidecar) ServiceID() string { return s.cfg.ServiceID }

// CheckID is the id of the TTL check the sidecar drives.
func (s *Sidecar) CheckID() string { return s.cfg.Heartbeat.CheckID }

// Handler is the sidecar's HTTP API.
func (s *Sidecar) Handler() http.Handler { return s.router }

// HealthServer is the grpc.health.v1 implementation the sidecar keeps in
// step with the heartbeater.
func (s *Sidecar) HealthServer() *health.Server { return s.health }

func (s *Sidecar) registration() *consul.AgentServiceRegistration {
	return &consul.AgentServiceRegistration{
		ID:      s.cfg.ServiceID,
		Name:    s.cfg.ServiceName,
		Tags:    s.cfg.Tags,
		Port:    s.cfg.ServicePort,
		Address: s.cfg.ServiceAddress,
		Meta:    s.cfg.Meta,
		Check: &consul.CheckDefinition{
			ID:                             s.CheckID(),
			Name:                           s.cfg.ServiceName + " heartbeat",
			Notes:                          "driven by consul-sidecar probing " + s.cfg.HealthURL,
			DeregisterCriticalServiceAfter: s.cfg.DeregisterCriticalServiceAfter,
			Kind:                           consul.TTLCheck{TTL: s.cfg.CheckTTL},
		},
	}
}

// Register registers the service and its TTL check, retrying transient
// failures with backoff.
func (s *Sidecar) Register(ctx context.Context) error {
	reg := s.registration()
	if err := reg.Validate(); err != nil {
		return fmt.Errorf("sidecar: %w", err)
	}

	attempt := 0
	retrier := retry.NewRetrier(s.cfg.RegisterAttempts, 100*time.Millisecond, s.cfg.RegisterMaxDelay)
	err := retrier.RunContext(ctx, func(ctx context.Context) error {
		attempt++
		if err := s.agent.RegisterService(ctx, reg, true); err != nil {
			s.logger.Warn("sidecar: register failed",
				zap.String("service_id", reg.ID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sidecar: register %s: %w", reg.ID, err)
	}

	s.registered.Store(true)
	s.logger.Info("sidecar: registered",
		zap.String("service", reg.Name),
		zap.String("service_id", reg.ID),
		zap.String("check_id", s.CheckID()),
	)
	return nil
}

// Deregister removes the check and the service. Both are attempted and
// their errors combined.
func (s *Sidecar) Deregister(ctx context.Context) error {
	if !s.registered.Load() {
		return nil
	}
	err := multierr.Combine(
		s.agent.DeregisterCheck(ctx, s.CheckID()),
		s.agent.DeregisterService(ctx, s.cfg.ServiceID),
	)
	if err != nil {
		return fmt.Errorf("sidecar: deregister %s: %w", s.cfg.ServiceID, err)
	}
	s.registered.Store(false)
	s.logger.Info("sidecar: deregistered", zap.String("service_id", s.cfg.ServiceID))
	return nil
}

// SetMaintenance toggles maintenance mode on the service.
func (s *Sidecar) SetMaintenance(ctx context.Context, enable bool, reason string) error {
	if err := s.agent.ServiceMaintenanceMode(ctx, s.cfg.ServiceID, enable, reason); err != nil {
		return fmt.Errorf("sidecar: maintenance %s: %w", s.cfg.ServiceID, err)
	}
	s.maintenance.Store(enable)
	if enable {
		s.reason.Store(reason)
	} else {
		s.reason.Store("")
	}
	s.syncServing()
	s.logger.Info("sidecar: maintenance",
		zap.String("service_id", s.cfg.ServiceID),
		zap.Bool("enabled", enable),
		zap.String("reason", reason),
	)
	return nil
}

// syncServing mirrors the probe result onto the grpc health service. The
// empty service name reports the sidecar as a whole.
func (s *Sidecar) syncServing() {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if s.beat.Healthy() && !s.maintenance.Load() {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(s.cfg.ServiceName, st)
}

// Run registers the service, then serves until ctx is done or a component
// fails. The service is deregistered before Run returns.
func (s *Sidecar) Run(ctx context.Context) (err error) {
	if err := s.Register(ctx); err != nil {
		return err
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		err = multierr.Append(err, s.Deregister(dctx))
	}()

	var httpLis, grpcLis net.Listener
	if s.cfg.HTTPAddr != "" {
		if httpLis, err = net.Listen("tcp", s.cfg.HTTPAddr); err != nil {
			return fmt.Errorf("sidecar: http listen on %s: %w", s.cfg.HTTPAddr, err)
		}
	}
	if s.cfg.GRPCAddr != "" {
		if grpcLis, err = net.Listen("tcp", s.cfg.GRPCAddr); err != nil {
			if httpLis != nil {
				httpLis.Close()
			}
			return fmt.Errorf("sidecar: grpc listen on %s: %w", s.cfg.GRPCAddr, err)
		}
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return s.beat.Run(ctx) })
	if hs, ok := s.agent.(healthSource); ok {
		eg.Go(func() error { return s.watchChecks(ctx, hs.Health()) })
	}

	var httpSrv *http.Server
	if httpLis != nil {
		httpSrv = &http.Server{
			Handler:           s.router,
			ReadHeaderTimeout: 10 * time.Second,
		}
		eg.Go(func() error {
			s.logger.Info("sidecar: HTTP listening", zap.String("addr", httpLis.Addr().String()))
			if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("sidecar: http serve: %w", err)
			}
			return nil
		})
	}

	var grpcSrv *grpc.Server
	if grpcLis != nil {
		grpcSrv = grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(s.logger)))
		healthpb.RegisterHealthServer(grpcSrv, s.health)
		eg.Go(func() error {
			s.logger.Info("sidecar: gRPC health listening", zap.String("addr", grpcLis.Addr().String()))
			if err := grpcSrv.Serve(grpcLis); err != nil {
				return fmt.Errorf("sidecar: grpc serve: %w", err)
			}
			return nil
		})
	}

	eg.Go(func() error {
		<-ctx.Done()
		s.logger.Info("sidecar: shutting down", zap.String("service_id", s.cfg.ServiceID))

		shutCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		var err error
		if httpSrv != nil {
			err = httpSrv.Shutdown(shutCtx)
		}
		if grpcSrv != nil {
			s.health.Shutdown()
			grpcSrv.GracefulStop()
		}
		return err
	})

	return eg.Wait()
}

// watchChecks follows the checks of the service with a blocking query and
// records the aggregated status of this instance.
func (s *Sidecar) watchChecks(ctx context.Context, h *consul.Health) error {
	err := consul.Watch(ctx,
		func(ctx context.Context, q *consul.QueryOptions) ([]consul.HealthCheck, *consul.QueryMeta, error) {
			return h.Checks(ctx, s.cfg.ServiceName, q)
		},
		func(index uint64, checks []consul.HealthCheck) error {
			s.metrics.RecordWatchUpdate()
			var entry consul.ServiceEntry
			for i := range checks {
				if checks[i].ServiceID == s.cfg.ServiceID {
					entry.Checks = append(entry.Checks, &checks[i])
				}
			}
			status := ""
			if len(entry.Checks) > 0 {
				status = string(entry.AggregatedStatus())
			}
			if prev := s.agentStatus.Swap(status); prev != status {
				s.logger.Info("sidecar: agent status changed",
					zap.String("service_id", s.cfg.ServiceID),
					zap.String("status", status),
					zap.Uint64("index", index),
				)
			}
			return nil
		},
		consul.WithErrorHandler(func(err error) bool {
			s.logger.Warn("sidecar: health watch failed", zap.Error(err))
			return true
		}),
	)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// loggingInterceptor logs each unary gRPC call.
func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("grpc",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}
