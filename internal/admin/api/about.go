package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"iotagent/internal/admin/model"
)

// About GET /iot/about
func (a *API) About(c *gin.Context) {
	cfg := a.agent.Config()
	c.JSON(http.StatusOK, model.About{
		LibVersion:  cfg.Version,
		Port:        cfg.Server.Port,
		BaseRoot:    "/",
		NgsiVersion: a.agent.Dialect().Version(),
		Registry:    cfg.Registry.Type,
	})
}

// Alarms GET /iot/alarms 当前处于激活状态的告警
func (a *API) Alarms(c *gin.Context) {
	c.JSON(http.StatusOK, a.agent.Alarms().List())
}
