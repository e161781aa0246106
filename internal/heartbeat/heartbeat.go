// Package heartbeat keeps a TTL check alive by probing a local endpoint and
// pushing the result to the agent.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/jmerrifield20/consulkit/pkg/consul"
)

// NoteProbeOK is the note attached to passing updates.
const NoteProbeOK = "probe ok"

// Config holds heartbeat configuration.
type Config struct {
	// CheckID is the TTL check to drive.
	CheckID string
	// Target is probed with HEAD, then GET; any 2xx is a success.
	Target          string
	Interval        time.Duration
	ProbeTimeout    time.Duration
	FailThreshold   int
	RefreshInterval time.Duration
}

// TTLUpdater pushes a TTL check status. *consul.Client satisfies it.
type TTLUpdater interface {
	UpdateTTL(ctx context.Context, checkID string, status consul.CheckStatus, note string) error
}

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(success bool)

// PushRecordFunc is an optional callback invoked after each successful push.
type PushRecordFunc func(status consul.CheckStatus)

// StateChangeFunc is an optional callback invoked when the probe result
// flips between healthy and unhealthy.
type StateChangeFunc func(healthy bool)

// Heartbeater runs periodic probes and drives a TTL check.
type Heartbeater struct {
	updater    TTLUpdater
	httpClient *http.Client
	cfg        Config
	logger     *zap.Logger

	mu         sync.Mutex
	failCount  int
	lastStatus consul.CheckStatus
	lastPush   time.Time

	healthy *atomic.Bool
	status  *atomic.String

	onMetrics MetricsRecordFunc
	onPush    PushRecordFunc
	onChange  StateChangeFunc

	now func() time.Time
}

// New creates a Heartbeater. Zero durations and thresholds take defaults:
// a 10s interval, a 5s probe timeout, a threshold of 3 and a refresh of
// three intervals.
func New(updater TTLUpdater, cfg Config, logger *zap.Logger) (*Heartbeater, error) {
	if updater == nil {
		return nil, errors.New("heartbeat: updater is required")
	}
	if cfg.CheckID == "" {
		return nil, errors.New("heartbeat: check id is required")
	}
	if cfg.Target == "" {
		return nil, errors.New("heartbeat: target is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = 3
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 3 * cfg.Interval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Heartbeater{
		updater:    updater,
		httpClient: &http.Client{Timeout: cfg.ProbeTimeout},
		cfg:        cfg,
		logger:     logger,
		healthy:    atomic.NewBool(false),
		status:     atomic.NewString(""),
		now:        time.Now,
	}, nil
}

// SetMetricsRecord configures the probe metrics callback.
func (h *Heartbeater) SetMetricsRecord(fn MetricsRecordFunc) { h.onMetrics = fn }

// SetPushRecord configures the push callback.
func (h *Heartbeater) SetPushRecord(fn PushRecordFunc) { h.onPush = fn }

// SetStateChange configures the state change callback.
func (h *Heartbeater) SetStateChange(fn StateChangeFunc) { h.onChange = fn }

// Healthy reports the last probe result.
func (h *Heartbeater) Healthy() bool { return h.healthy.Load() }

// Status returns the last status pushed to the agent, empty before the
// first successful push.
func (h *Heartbeater) Status() consul.CheckStatus { return consul.CheckStatus(h.status.Load()) }

// Run beats once immediately, then every interval until ctx is done.
func (h *Heartbeater) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := h.Beat(ctx); err != nil && ctx.Err() == nil {
			h.logger.Warn("heartbeat: push failed",
				zap.String("check_id", h.cfg.CheckID),
				zap.Error(err),
			)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Beat probes the target once and pushes the resulting status when it
// changed or the refresh interval has elapsed.
func (h *Heartbeater) Beat(ctx context.Context) (consul.CheckStatus, error) {
	probeCtx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
	probeErr := h.probe(probeCtx, h.cfg.Target)
	cancel()

	success := probeErr == nil
	if h.onMetrics != nil {
		h.onMetrics(success)
	}
	if prev := h.healthy.Swap(success); prev != success {
		if success {
			h.logger.Info("heartbeat: recovered", zap.String("target", h.cfg.Target))
		} else {
			h.logger.Warn("heartbeat: probe failing",
				zap.String("target", h.cfg.Target),
				zap.Error(probeErr),
			)
		}
		if h.onChange != nil {
			h.onChange(success)
		}
	}

	h.mu.Lock()
	if success {
		h.failCount = 0
	} else {
		h.failCount++
	}
	count := h.failCount

	status, note := consul.StatusPassing, NoteProbeOK
	switch {
	case success:
	case count >= h.cfg.FailThreshold:
		status = consul.StatusCritical
		note = fmt.Sprintf("probe failed %d times: %v", count, probeErr)
	default:
		status = consul.StatusWarning
		note = fmt.Sprintf("probe failed (%d/%d): %v", count, h.cfg.FailThreshold, probeErr)
	}

	now := h.now()
	due := status != h.lastStatus || now.Sub(h.lastPush) >= h.cfg.RefreshInterval
	h.mu.Unlock()

	if !due {
		return status, nil
	}

	if err := h.updater.UpdateTTL(ctx, h.cfg.CheckID, status, note); err != nil {
		return status, fmt.Errorf("heartbeat: update %s: %w", h.cfg.CheckID, err)
	}

	h.mu.Lock()
	h.lastStatus = status
	h.lastPush = now
	h.mu.Unlock()

	h.status.Store(string(status))
	if h.onPush != nil {
		h.onPush(status)
	}
	h.logger.Debug("heartbeat: pushed",
		zap.String("check_id", h.cfg.CheckID),
		zap.String("status", string(status)),
		zap.Int("fail_count", count),
	)
	return status, nil
}

// probe attempts HEAD then GET and returns nil on any 2xx response.
func (h *Heartbeater) probe(ctx context.Context, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return err
	}
	resp, err := h.httpClient.Do(req)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
	}

	// Some servers reject HEAD.
	req, err = http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err = h.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
