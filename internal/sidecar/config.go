package sidecar

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/consulkit/internal/heartbeat"
)

// Config holds sidecar configuration.
type Config struct {
	ServiceName string
	// ServiceID defaults to "<name>-<uuid>".
	ServiceID      string
	ServiceAddress string
	ServicePort    int
	Tags           []string
	Meta           map[string]string

	// HealthURL is the local endpoint the heartbeater probes.
	HealthURL string
	// CheckTTL is the TTL of the registered check.
	CheckTTL                       time.Duration
	DeregisterCriticalServiceAfter time.Duration
	Heartbeat                      heartbeat.Config

	// HTTPAddr serves the status API. Empty disables it.
	HTTPAddr string
	// GRPCAddr serves grpc.health.v1. Empty disables it.
	GRPCAddr    string
	CORSOrigins []string
	// MaintenanceRPS bounds PUT /maintenance. Zero disables the limit.
	MaintenanceRPS int

	RegisterAttempts int
	RegisterMaxDelay time.Duration
	ShutdownTimeout  time.Duration
}

func (c *Config) setDefaults() error {
	if c.ServiceName == "" {
		return errors.New("sidecar: service name is required")
	}
	if c.HealthURL == "" {
		return errors.New("sidecar: health url is required")
	}
	if c.ServiceID == "" {
		c.ServiceID = fmt.Sprintf("%s-%s", c.ServiceName, uuid.NewString())
	}
	if c.CheckTTL <= 0 {
		c.CheckTTL = 30 * time.Second
	}
	if c.Heartbeat.Interval <= 0 {
		c.Heartbeat.Interval = c.CheckTTL / 3
	}
	if c.Heartbeat.RefreshInterval <= 0 {
		// Refresh well inside the TTL so the agent never expires the check.
		c.Heartbeat.RefreshInterval = c.CheckTTL / 2
	}
	if c.Heartbeat.Interval >= c.CheckTTL {
		return fmt.Errorf("sidecar: heartbeat interval %s must be shorter than the check ttl %s", c.Heartbeat.Interval, c.CheckTTL)
	}
	if c.Heartbeat.RefreshInterval >= c.CheckTTL {
		return fmt.Errorf("sidecar: heartbeat refresh interval %s must be shorter than the check ttl %s", c.Heartbeat.RefreshInterval, c.CheckTTL)
	}
	if c.RegisterAttempts <= 0 {
		c.RegisterAttempts = 5
	}
	if c.RegisterMaxDelay <= 0 {
		c.RegisterMaxDelay = 5 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	c.Heartbeat.CheckID = checkID(c.ServiceID)
	c.Heartbeat.Target = c.HealthURL
	return nil
}

func checkID(serviceID string) string {
	return serviceID + ":ttl"
}
