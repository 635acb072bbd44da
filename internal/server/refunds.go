package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/orderflow/internal/reconcile"
)

type createRefundRequest struct {
	OrderID string `json:"order_id"`
	Amount  int64  `json:"amount"`
}

type refundOrderRequest struct {
	Amount int64 `json:"amount"`
}

func (s *Server) CreateRefund(c *gin.Context) {
	var req createRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	orderID, err := parseSnowflake("order_id", req.OrderID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.requestRefund(c, orderID, req.Amount)
}

// RefundOrderPayment is the payment-scoped alias of CreateRefund. The body
// is optional; an empty body refunds the full amount.
func (s *Server) RefundOrderPayment(c *gin.Context) {
	orderID, err := parseSnowflake("orderId", c.Param("orderId"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req refundOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		AbortWithError(c, invalidRequestError())
		return
	}
	s.requestRefund(c, orderID, req.Amount)
}

func (s *Server) requestRefund(c *gin.Context, orderID snowflake.ID, amount int64) {
	result, err := s.dispatcher.RequestRefund(c.Request.Context(), reconcile.RefundCommand{
		OrderID:        orderID,
		Amount:         amount,
		IdempotencyKey: strings.TrimSpace(c.GetHeader(headerIdempotencyKey)),
	})
	if err != nil {
		failure := &refundFailure{err: err, idempotencyKey: result.IdempotencyKey}
		if result.Refund != nil {
			failure.refundID = result.Refund.ID.String()
		}
		AbortWithError(c, failure)
		return
	}

	status := http.StatusAccepted
	if result.Outcome == reconcile.OutcomeDuplicate {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"data":            result.Refund,
		"outcome":         result.Outcome,
		"idempotency_key": result.IdempotencyKey,
	})
}

func (s *Server) GetRefundByID(c *gin.Context) {
	refund, err := s.refundSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": refund})
}

func (s *Server) ListRefunds(c *gin.Context) {
	orderID := strings.TrimSpace(c.Query("order_id"))
	if orderID == "" {
		AbortWithError(c, newValidationError("order_id", "required", "order_id is required"))
		return
	}

	refunds, err := s.refundSvc.ListByOrder(c.Request.Context(), orderID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": refunds})
}

func parseSnowflake(field, value string) (snowflake.ID, error) {
	parsed, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || parsed == 0 {
		return 0, newValidationError(field, "invalid_id", "invalid id")
	}
	return parsed, nil
}
