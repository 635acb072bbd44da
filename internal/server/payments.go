package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ListPaymentEvents returns the applied gateway events of an order, oldest
// first.
func (s *Server) ListPaymentEvents(c *gin.Context) {
	events, err := s.paymentSvc.ListEvents(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": events})
}

func (s *Server) GetPublicPaymentStatus(c *gin.Context) {
	status, err := s.paymentSvc.PublicStatus(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, gin.H{"data": status})
}
