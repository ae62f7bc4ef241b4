package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger is a dependency checked by the readiness probe.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type Handler struct {
	checks  map[string]Pinger
	timeout time.Duration
}

func NewHandler(checks map[string]Pinger) *Handler {
	return &Handler{
		checks:  checks,
		timeout: 2 * time.Second,
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	health := r.Group("/health")
	{
		health.GET("/live", h.LivenessCheck)
		health.GET("/ready", h.ReadinessCheck)
	}
}

func (h *Handler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "UP"})
}

func (h *Handler) ReadinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	components := make(gin.H, len(h.checks))
	status := http.StatusOK
	for name, check := range h.checks {
		if err := check.PingContext(ctx); err != nil {
			components[name] = gin.H{"status": "DOWN", "reason": err.Error()}
			status = http.StatusServiceUnavailable
			continue
		}
		components[name] = gin.H{"status": "UP"}
	}

	overall := "UP"
	if status != http.StatusOK {
		overall = "DOWN"
	}
	c.JSON(status, gin.H{"status": overall, "components": components})
}
