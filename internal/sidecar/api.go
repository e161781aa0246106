package sidecar

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jmerrifield20/consulkit/internal/telemetry"
	"github.com/jmerrifield20/consulkit/pkg/consul"
)

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	ServiceID   string             `json:"service_id"`
	ServiceName string             `json:"service_name"`
	CheckID     string             `json:"check_id"`
	Registered  bool               `json:"registered"`
	Healthy     bool               `json:"healthy"`
	CheckStatus consul.CheckStatus `json:"check_status,omitempty"`
	AgentStatus consul.CheckStatus `json:"agent_status,omitempty"`
	Maintenance bool               `json:"maintenance"`
	Reason      string             `json:"reason,omitempty"`
}

type maintenanceRequest struct {
	Enable *bool  `json:"enable"`
	Reason string `json:"reason"`
}

func (s *Sidecar) newRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	if len(s.cfg.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     s.cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "PUT", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: !containsWildcard(s.cfg.CORSOrigins),
			MaxAge:           12 * time.Hour,
		}))
	}
	router.Use(s.metrics.Middleware())
	router.Use(requestLogger(s.logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", telemetry.Handler(s.gatherer))
	router.GET("/status", s.handleStatus)

	maint := []gin.HandlerFunc{s.handleMaintenance}
	if s.cfg.MaintenanceRPS > 0 {
		maint = append([]gin.HandlerFunc{rateLimiter(s.cfg.MaintenanceRPS, s.cfg.MaintenanceRPS)}, maint...)
	}
	router.PUT("/maintenance", maint...)

	return router
}

func (s *Sidecar) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		ServiceID:   s.cfg.ServiceID,
		ServiceName: s.cfg.ServiceName,
		CheckID:     s.CheckID(),
		Registered:  s.registered.Load(),
		Healthy:     s.beat.Healthy(),
		CheckStatus: s.beat.Status(),
		AgentStatus: consul.CheckStatus(s.agentStatus.Load()),
		Maintenance: s.maintenance.Load(),
		Reason:      s.reason.Load(),
	})
}

// handleMaintenance accepts enable and reason as query parameters or as a
// JSON body.
func (s *Sidecar) handleMaintenance(c *gin.Context) {
	var req maintenanceRequest
	if raw, ok := c.GetQuery("enable"); ok {
		enable, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "enable must be a boolean"})
			return
		}
		req.Enable = &enable
		req.Reason = c.Query("reason")
	} else if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Enable == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "enable is required"})
		return
	}

	if err := s.SetMaintenance(c.Request.Context(), *req.Enable, req.Reason); err != nil {
		code := http.StatusBadGateway
		if consul.IsNotFound(err) {
			code = http.StatusNotFound
		}
		c.JSON(code, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"maintenance": *req.Enable, "reason": req.Reason})
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// rateLimiter returns a Gin middleware sharing one token bucket across
// callers; the API only listens for local tooling.
func rateLimiter(rps, burst int) gin.HandlerFunc {
	l := rate.NewLimiter(rate.Limit(rps), burst)
	return func(c *gin.Context) {
		if !l.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
