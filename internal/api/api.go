package api

import (
	"net/http"

	voiceCallHandler "call-relay/internal/voicecall/handler"

	"github.com/gin-gonic/gin"
)

type API struct {
	router         *gin.RouterGroup
	phoneHandler   *voiceCallHandler.Handler
	metricsHandler http.Handler
}

func New(router *gin.RouterGroup, phoneHandler *voiceCallHandler.Handler, metricsHandler http.Handler) API {
	return API{
		router:         router,
		phoneHandler:   phoneHandler,
		metricsHandler: metricsHandler,
	}
}

func (a *API) RegisterRoutes() {
	a.Health()
	a.router.GET("/metrics", gin.WrapH(a.metricsHandler))

	apiGroup := a.router.Group("/api")
	{
		phoneGroup := apiGroup.Group("/phone")
		phoneGroup.POST("/incoming", a.phoneHandler.HandleIncomingCall)
		phoneGroup.POST("/stream-status", a.phoneHandler.HandleStreamStatus)
		phoneGroup.GET("/connection", a.phoneHandler.HandleConnection)
		phoneGroup.GET("/transcript/:call_sid", a.phoneHandler.HandleGetTranscript)
		phoneGroup.GET("/transcripts", a.phoneHandler.HandleListTranscripts)
	}
}

func (a *API) Health() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok", "active_sessions": a.phoneHandler.Registry().Len()})
	})
}
