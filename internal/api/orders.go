package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"botcore/internal/orders"
	"botcore/pkg/db"
)

func (s *Server) handleCreateOrder(c *gin.Context) {
	var req orders.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, invalidBody(err))
		return
	}
	o, err := s.orders.Create(c.Request.Context(), userID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, o)
}

func (s *Server) handleListOrders(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "50"))
	list, err := s.orders.List(c.Request.Context(), userID(c), db.OrderFilter{
		Status:   c.Query("status"),
		Symbol:   c.Query("symbol"),
		BotID:    c.Query("bot_id"),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": list, "page": page})
}

func (s *Server) handleGetOrder(c *gin.Context) {
	o, err := s.orders.Get(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) handleCancelOrder(c *gin.Context) {
	o, err := s.orders.Cancel(c.Request.Context(), userID(c), c.Param("id"), "Cancelled by user")
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) handleModifyOrder(c *gin.Context) {
	var req struct {
		Quantity float64 `json:"quantity"`
		Price    float64 `json:"price"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, invalidBody(err))
		return
	}
	o, err := s.orders.Modify(c.Request.Context(), userID(c), c.Param("id"), req.Quantity, req.Price)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}
