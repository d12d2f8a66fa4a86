package router

import (
	"context"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"iotagent/internal/admin/api"
	"iotagent/internal/agent"
	"iotagent/internal/ngsi"
	"iotagent/internal/pkg"
)

// SetupRouter 配置 Gin 路由：开通接口、北向接口 (按 NGSI 版本) 与指标
func SetupRouter(ctx context.Context, a *agent.Agent) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.HandleMethodNotAllowed = true
	r.NoMethod(api.MethodNotSupported)

	h := api.New(ctx, a)

	// 配置 CORS
	config := cors.DefaultConfig()
	config.AllowAllOrigins = true
	config.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	config.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type",
		ngsi.HeaderService, ngsi.HeaderServicePath, ngsi.HeaderCorrelator, ngsi.HeaderLDTenant, ngsi.HeaderLDPath}
	config.ExposeHeaders = []string{ngsi.HeaderCorrelator}
	r.Use(cors.New(config), h.Correlator())

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	iot := r.Group("/iot")
	{
		iot.GET("/about", h.About)
		iot.GET("/alarms", h.Alarms)

		provisioning := iot.Group("", api.RequireTenant())
		{
			devices := provisioning.Group("/devices")
			{
				devices.POST("", h.ProvisionDevices)                         // POST /iot/devices
				devices.GET("", h.ListDevices)                               // GET /iot/devices
				devices.GET("/:deviceId", h.GetDevice)                       // GET /iot/devices/:deviceId
				devices.PUT("/:deviceId", h.UpdateDevice)                    // PUT /iot/devices/:deviceId
				devices.DELETE("/:deviceId", h.DeleteDevice)                 // DELETE /iot/devices/:deviceId
				devices.GET("/:deviceId/commands", h.GetCommands)            // GET /iot/devices/:deviceId/commands
				devices.DELETE("/:deviceId/commands/:name", h.DeleteCommand) // DELETE /iot/devices/:deviceId/commands/:name
			}

			for _, path := range []string{"/services", "/groups"} {
				groups := provisioning.Group(path)
				groups.POST("", h.CreateGroups)
				groups.GET("", h.ListGroups)
				groups.PUT("", h.UpdateGroup)
				groups.DELETE("", h.DeleteGroup)
			}
		}
	}

	r.POST("/notify", h.Notify)
	switch a.Dialect().Version() {
	case pkg.NgsiV1:
		r.POST("/v1/updateContext", h.UpdateContext)
		r.POST("/v1/queryContext", h.QueryContext)
	case pkg.NgsiV2:
		r.POST("/v2/op/update", h.UpdateContext)
		r.POST("/v2/op/query", h.QueryContext)
	case pkg.NgsiLD:
		r.PATCH("/ngsi-ld/v1/entities/:entityId/attrs", h.PatchLDAttrs)
		r.GET("/ngsi-ld/v1/entities/:entityId", h.GetLDEntity)
	}

	if cfg := a.Config(); cfg.Metrics.Enable {
		r.GET(cfg.Metrics.Path, gin.WrapH(a.Stats().Handler()))
	}

	return r
}
