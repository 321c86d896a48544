package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handlePortfolio returns the caller's balances and open positions.
func (s *Server) handlePortfolio(c *gin.Context) {
	p, err := s.portfolios.Get(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"balances":  p.Balances(),
		"positions": p.OpenPositions(),
	})
}
