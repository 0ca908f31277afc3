package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) StartOnboarding(c *gin.Context) {
	link, err := s.connectSvc.StartOnboarding(c.Request.Context(), accountIDFromContext(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": link.URL, "connected_account_id": link.ConnectedAccountID})
}

func (s *Server) GetConnectStatus(c *gin.Context) {
	status, err := s.connectSvc.GetConnectedAccountStatus(c.Request.Context(), accountIDFromContext(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": status})
}
