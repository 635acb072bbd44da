package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	orderdomain "github.com/smallbiznis/orderflow/internal/order/domain"
)

type createOrderRequest struct {
	Amount   int64          `json:"amount"`
	Currency string         `json:"currency"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) CreateOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	order, err := s.orderSvc.Create(c.Request.Context(), orderdomain.CreateOrderRequest{
		Amount:   req.Amount,
		Currency: strings.TrimSpace(req.Currency),
		Metadata: req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": order})
}

func (s *Server) ListOrders(c *gin.Context) {
	pageSize, err := parsePageSize(c.Query("page_size"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.orderSvc.List(c.Request.Context(), orderdomain.ListOrderRequest{
		PageToken: strings.TrimSpace(c.Query("page_token")),
		PageSize:  pageSize,
		Status:    c.Query("status"),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      resp.Orders,
		"page_info": resp.PageInfo,
	})
}

func (s *Server) GetOrderByID(c *gin.Context) {
	order, err := s.orderSvc.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": order})
}
