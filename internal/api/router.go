package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"makerspace-backend/config"
	"makerspace-backend/internal/mw"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(handler *Handler, cfg config.ServerConfig) *gin.Engine {
	r := gin.Default()

	rateLimiter := mw.RateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst)

	// Exports are cached; every successful command flushes them.
	exports := mw.NewResponseCache(time.Duration(cfg.CacheTTLSeconds) * time.Second)

	api := r.Group("/api")
	api.Use(rateLimiter)
	{
		// Live views
		api.GET("/presence", handler.GetPresence)
		api.GET("/machines", handler.ListMachines)

		reads := api.Group("", exports.Serve())
		reads.GET("/access-log", handler.GetAccessLog)
		reads.GET("/audit-log", handler.GetAuditLog)
		reads.GET("/machines/:id/log", handler.GetMachineLog)
		reads.GET("/machines/:id/interventions", handler.GetInterventions)
		reads.GET("/users/:id/usage", handler.GetUsage)

		commands := api.Group("", exports.Invalidate())

		commands.POST("/users", handler.RegisterUser)
		commands.PUT("/users/:id/subscription", handler.RenewSubscription)
		commands.POST("/users/:id/authorizations", handler.AuthorizeMachineType)
		commands.DELETE("/users/:id/authorizations/:type", handler.RevokeMachineType)
		commands.PUT("/users/:id/card", handler.LinkCard)
		commands.DELETE("/users/:id/card", handler.UnlinkCard)
		commands.DELETE("/users/:id", handler.DeactivateUser)

		commands.POST("/machines", handler.AddMachine)
		commands.DELETE("/machines/:id", handler.RemoveMachine)
		commands.POST("/machines/:id/suspend", handler.SuspendMachine)
		commands.POST("/machines/:id/resume", handler.ResumeMachine)
		commands.POST("/machines/:id/maintenance/clear", handler.ClearMaintenance)

		api.GET("/subscriptions", handler.GetSubscription)
		api.PUT("/subscriptions", handler.PutSubscription)
		api.DELETE("/subscriptions", handler.DeleteSubscription)
		api.GET("/vapid_public_key", handler.GetVAPIDPublicKey)
	}

	return r
}
