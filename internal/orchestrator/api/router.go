package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/burrowhq/burrow/internal/common/logger"
	"github.com/burrowhq/burrow/internal/orchestrator/streaming"
	"github.com/burrowhq/burrow/internal/sandbox/registry"
	"github.com/burrowhq/burrow/internal/store"
)

// SetupRoutes configures every route on the engine.
func SetupRoutes(
	router *gin.Engine,
	st store.Store,
	q Queue,
	reg *registry.Registry,
	hub *streaming.Hub,
	gatherer prometheus.Gatherer,
	log *logger.Logger,
) {
	handler := NewHandler(st, q, reg, hub, log)

	router.GET("/health", handler.HealthCheck)
	router.GET("/ws", handler.ServeWS)
	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	apiV1 := router.Group("/api/v1")
	{
		apiV1.GET("/status", handler.GetStatus)
		apiV1.GET("/profiles", handler.ListProfiles)

		groups := apiV1.Group("/groups")
		{
			groups.POST("", handler.RegisterGroup)
			groups.GET("", handler.ListGroups)
			groups.GET("/:jid", handler.GetGroup)
			groups.PUT("/:jid", handler.UpdateGroup)
			groups.DELETE("/:jid", handler.DeleteGroup)

			groups.POST("/:jid/messages", handler.InjectMessage)
			groups.POST("/:jid/reset", handler.ResetGroup)
			groups.GET("/:jid/status", handler.GetGroupStatus)
		}
	}
}
