package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"botcore/internal/gateway"
	"botcore/pkg/apperr"
)

func invalidBody(err error) error {
	return apperr.Wrap(apperr.KindValidation, "invalid request body", err)
}

func (s *Server) handleCreateConnection(c *gin.Context) {
	var req gateway.CreateConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, invalidBody(err))
		return
	}
	info, err := s.connections.Create(c.Request.Context(), userID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (s *Server) handleListConnections(c *gin.Context) {
	infos, err := s.connections.List(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"connections": infos})
}

func (s *Server) handleGetConnection(c *gin.Context) {
	info, err := s.connections.Get(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleRenameConnection(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, invalidBody(err))
		return
	}
	if err := s.connections.Rename(c.Request.Context(), userID(c), c.Param("id"), req.Name); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

func (s *Server) handleDeleteConnection(c *gin.Context) {
	if err := s.connections.Delete(c.Request.Context(), userID(c), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) handleTestConnection(c *gin.Context) {
	info, err := s.connections.Test(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}
