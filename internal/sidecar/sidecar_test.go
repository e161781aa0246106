package sidecar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/travisjeffery/go-dynaport"
	"go.uber.org/atomic"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jmerrifield20/consulkit/internal/consultest"
	"github.com/jmerrifield20/consulkit/internal/heartbeat"
	"github.com/jmerrifield20/consulkit/internal/telemetry"
	"github.com/jmerrifield20/consulkit/pkg/consul"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

func app(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func heartbeatEvery(d time.Duration) heartbeat.Config {
	return heartbeat.Config{Interval: d, ProbeTimeout: time.Second}
}

func newSidecar(t *testing.T, agent consul.Agent, cfg Config) *Sidecar {
	t.Helper()
	reg := prometheus.NewRegistry()
	s, err := New(agent, cfg, telemetry.New(reg), reg, zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestNew_defaults(t *testing.T) {
	agent := consultest.New(t)
	s := newSidecar(t, agent.Client(t), Config{ServiceName: "web", HealthURL: "http://127.0.0.1:1/healthz"})

	assert.True(t, strings.HasPrefix(s.ServiceID(), "web-"))
	assert.Equal(t, s.ServiceID()+":ttl", s.CheckID())
	assert.Equal(t, 30*time.Second, s.cfg.CheckTTL)
	assert.Equal(t, 10*time.Second, s.cfg.Heartbeat.Interval)
	assert.Equal(t, 15*time.Second, s.cfg.Heartbeat.RefreshInterval)

	_, err := New(agent.Client(t), Config{HealthURL: "http://x"}, nil, nil, nil)
	assert.Error(t, err)
	_, err = New(agent.Client(t), Config{ServiceName: "web"}, nil, nil, nil)
	assert.Error(t, err)
	_, err = New(nil, Config{ServiceName: "web", HealthURL: "http://x"}, nil, nil, nil)
	assert.Error(t, err)
}

func TestNew_heartbeatMustBeatTTL(t *testing.T) {
	agent := consultest.New(t)
	base := Config{ServiceName: "web", HealthURL: "http://127.0.0.1:1/healthz", CheckTTL: 10 * time.Second}

	cfg := base
	cfg.Heartbeat = heartbeat.Config{Interval: 10 * time.Second}
	_, err := New(agent.Client(t), cfg, nil, nil, nil)
	assert.ErrorContains(t, err, "heartbeat interval")

	cfg = base
	cfg.Heartbeat = heartbeat.Config{RefreshInterval: time.Minute}
	_, err = New(agent.Client(t), cfg, nil, nil, nil)
	assert.ErrorContains(t, err, "refresh interval")

	cfg = base
	cfg.Heartbeat = heartbeat.Config{Interval: 2 * time.Second, RefreshInterval: 9 * time.Second}
	s, err := New(agent.Client(t), cfg, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 9*time.Second, s.cfg.Heartbeat.RefreshInterval)
}

func TestRegisterDeregister(t *testing.T) {
	agent := consultest.New(t)
	s := newSidecar(t, agent.Client(t), Config{
		ServiceName: "web",
		ServiceID:   "web-1",
		ServicePort: 8080,
		Tags:        []string{"v1"},
		HealthURL:   app(t).URL,
		CheckTTL:    time.Minute,
	})
	ctx := context.Background()

	require.NoError(t, s.Register(ctx))
	svc, ok := agent.Service("web-1")
	require.True(t, ok)
	assert.Equal(t, 8080, svc.Port)
	assert.Equal(t, []string{"v1"}, svc.Tags)

	chk, ok := agent.Check("web-1:ttl")
	require.True(t, ok)
	assert.Equal(t, consul.StatusCritical, chk.Status)
	assert.Equal(t, "web-1", chk.ServiceID)

	require.NoError(t, s.Deregister(ctx))
	_, ok = agent.Service("web-1")
	assert.False(t, ok)
	_, ok = agent.Check("web-1:ttl")
	assert.False(t, ok)

	require.NoError(t, s.Deregister(ctx), "deregistering twice is a no-op")
}

// flakyAgent fails the first n registrations.
type flakyAgent struct {
	consul.Agent
	failures *atomic.Int32
}

func (f flakyAgent) RegisterService(ctx context.Context, reg *consul.AgentServiceRegistration, replace bool) error {
	if f.failures.Dec() >= 0 {
		return errors.New("connection refused")
	}
	return f.Agent.RegisterService(ctx, reg, replace)
}

func TestRegister_retries(t *testing.T) {
	agent := consultest.New(t)
	flaky := flakyAgent{Agent: agent.Client(t), failures: atomic.NewInt32(2)}
	s := newSidecar(t, flaky, Config{
		ServiceName:      "web",
		ServiceID:        "web-1",
		HealthURL:        app(t).URL,
		RegisterAttempts: 5,
		RegisterMaxDelay: 20 * time.Millisecond,
	})

	require.NoError(t, s.Register(context.Background()))
	_, ok := agent.Service("web-1")
	assert.True(t, ok)
}

func TestRegister_givesUp(t *testing.T) {
	agent := consultest.New(t)
	flaky := flakyAgent{Agent: agent.Client(t), failures: atomic.NewInt32(10)}
	s := newSidecar(t, flaky, Config{
		ServiceName:      "web",
		HealthURL:        app(t).URL,
		RegisterAttempts: 2,
		RegisterMaxDelay: 10 * time.Millisecond,
	})

	err := s.Register(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestAPI(t *testing.T) {
	agent := consultest.New(t)
	s := newSidecar(t, agent.Client(t), Config{
		ServiceName: "web",
		ServiceID:   "web-1",
		HealthURL:   app(t).URL,
		CORSOrigins: []string{"http://dashboard.local"},
	})
	ctx := context.Background()
	require.NoError(t, s.Register(ctx))
	_, err := s.beat.Beat(ctx)
	require.NoError(t, err)

	do := func(method, target string, body string) *httptest.ResponseRecorder {
		var req *http.Request
		if body != "" {
			req = httptest.NewRequest(method, target, strings.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
		} else {
			req = httptest.NewRequest(method, target, nil)
		}
		req.Header.Set("Origin", "http://dashboard.local")
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		return w
	}

	w := do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "http://dashboard.local", w.Header().Get("Access-Control-Allow-Origin"))

	w = do(http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "web-1", st.ServiceID)
	assert.True(t, st.Registered)
	assert.True(t, st.Healthy)
	assert.Equal(t, consul.StatusPassing, st.CheckStatus)
	assert.False(t, st.Maintenance)

	w = do(http.MethodPut, "/maintenance", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(http.MethodPut, "/maintenance?enable=maybe", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(http.MethodPut, "/maintenance?enable=true&reason=deploy", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	chk, ok := agent.Check("_service_maintenance:web-1")
	require.True(t, ok)
	assert.Equal(t, "deploy", chk.Notes)

	w = do(http.MethodGet, "/status", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.True(t, st.Maintenance)
	assert.Equal(t, "deploy", st.Reason)

	w = do(http.MethodPut, "/maintenance", `{"enable":false}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	_, ok = agent.Check("_service_maintenance:web-1")
	assert.False(t, ok)

	w = do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `consulkit_http_requests_total{method="PUT",path="/maintenance",status="200"} 2`)
	assert.Contains(t, w.Body.String(), `consulkit_heartbeats_total{status="passing"} 1`)
}

func TestAPI_maintenanceUnknownService(t *testing.T) {
	agent := consultest.New(t)
	s := newSidecar(t, agent.Client(t), Config{ServiceName: "web", ServiceID: "web-1", HealthURL: app(t).URL})

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/maintenance?enable=true", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_maintenanceRateLimited(t *testing.T) {
	agent := consultest.New(t)
	s := newSidecar(t, agent.Client(t), Config{
		ServiceName:    "web",
		ServiceID:      "web-1",
		HealthURL:      app(t).URL,
		MaintenanceRPS: 1,
	})
	require.NoError(t, s.Register(context.Background()))

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/maintenance?enable=true", nil))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRun(t *testing.T) {
	agent := consultest.New(t)
	ports := dynaport.Get(2)
	httpAddr := fmt.Sprintf("127.0.0.1:%d", ports[0])
	grpcAddr := fmt.Sprintf("127.0.0.1:%d", ports[1])

	s := newSidecar(t, agent.Client(t), Config{
		ServiceName: "web",
		ServiceID:   "web-1",
		HealthURL:   app(t).URL,
		CheckTTL:    time.Minute,
		Heartbeat:   heartbeatEvery(20 * time.Millisecond),
		HTTPAddr:    httpAddr,
		GRPCAddr:    grpcAddr,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		chk, ok := agent.Check("web-1:ttl")
		return ok && chk.Status == consul.StatusPassing
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + httpAddr + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + httpAddr + "/status")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var st StatusResponse
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			return false
		}
		return st.AgentStatus == consul.StatusPassing
	}, 2*time.Second, 10*time.Millisecond, "the health watch sees the passing check")

	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	hc := healthpb.NewHealthClient(conn)
	require.Eventually(t, func() bool {
		cctx, ccancel := context.WithTimeout(context.Background(), time.Second)
		defer ccancel()
		resp, err := hc.Check(cctx, &healthpb.HealthCheckRequest{Service: "web"})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, conn.Close())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	_, ok := agent.Service("web-1")
	assert.False(t, ok, "service is deregistered on shutdown")
}

func TestRun_listenFailureDeregisters(t *testing.T) {
	agent := consultest.New(t)
	s := newSidecar(t, agent.Client(t), Config{
		ServiceName: "web",
		ServiceID:   "web-1",
		HealthURL:   app(t).URL,
		HTTPAddr:    "256.0.0.1:bad",
	})

	err := s.Run(context.Background())
	require.Error(t, err)
	_, ok := agent.Service("web-1")
	assert.False(t, ok)
}

func TestServingFollowsMaintenance(t *testing.T) {
	agent := consultest.New(t)
	s := newSidecar(t, agent.Client(t), Config{ServiceName: "web", ServiceID: "web-1", HealthURL: app(t).URL})
	ctx := context.Background()
	require.NoError(t, s.Register(ctx))

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := s.HealthServer().Check(ctx, &healthpb.HealthCheckRequest{Service: "web"})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())
	_, err := s.beat.Beat(ctx)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())

	require.NoError(t, s.SetMaintenance(ctx, true, "drain"))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())
	require.NoError(t, s.SetMaintenance(ctx, false, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())
}
