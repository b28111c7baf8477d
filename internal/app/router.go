package app

import (
	"github.com/gin-gonic/gin"

	"salecoord.io/salecoord/internal/api/handlers"
	"salecoord.io/salecoord/internal/api/middleware"
)

func newRouter(server *handlers.Server) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestID(), middleware.ErrorHandler())

	server.Register(router.Group("/api/v1"))
	return router
}
