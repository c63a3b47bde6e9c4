package sim

import (
	"net/http"
	"time"

	"github.com/danmuck/gymctl/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const version = "0.1.0"

// NewAdminRouter exposes worker health, readiness, statistics and metrics.
func NewAdminRouter(s *Server, corsOrigins []string, logger zerolog.Logger) *gin.Engine {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger))
	r.Use(observability.RequestMetricsMiddleware("worker"))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.started).String(),
			"component": "worker",
			"version":   version,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		st := s.Status()
		code := http.StatusOK
		if !st.Listening {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"ready":     st.Listening,
			"connected": st.Connected,
			"mode":      st.Mode,
			"version":   version,
		})
	})

	r.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  s.Status(),
			"summary": s.Stats(),
		})
	})

	r.GET("/metrics", observability.MetricsHandler())
	return r
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
