package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Health reports liveness: it always answers 200 and reports database
// reachability, checked on every call.
func (s *Server) Health(c *gin.Context) {
	database := "connected"
	if s.health == nil {
		database = "unknown"
	} else if err := s.health(c.Request.Context()); err != nil {
		s.log.Warn("health check failed", zap.Error(err))
		database = "disconnected"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"database":  database,
		"timestamp": s.clock.Now().UTC().Format(time.RFC3339),
	})
}
