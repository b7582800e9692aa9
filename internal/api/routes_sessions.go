package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/cosession/internal/handlers"
)

func registerSessionRoutes(api *gin.RouterGroup, sessions *handlers.SessionHandler, streams *handlers.StreamHandler) {
	group := api.Group("/sessions")
	{
		group.GET("", sessions.List)
		group.POST("", sessions.Create)
		group.GET("/:sessionId", sessions.Get)
		group.POST("/:sessionId/join", sessions.Join)
		group.PUT("/:sessionId/permissions", sessions.UpdatePermissions)
		group.PUT("/:sessionId/users/:userId", sessions.UpdateParticipant)
		group.DELETE("/:sessionId/users/:userId", sessions.RemoveParticipant)
		group.GET("/:sessionId/share", sessions.Share)
		group.GET("/:sessionId/stream", streams.Stream)
	}
}
