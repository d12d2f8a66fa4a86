package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"iotagent/internal/admin/model"
	"iotagent/internal/pkg"
)

// --- Device Handlers ---

// ProvisionDevices POST /iot/devices，逐个开通，遇到第一个错误即停止
func (a *API) ProvisionDevices(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		errorResponse(c, pkg.NewBadRequest(err.Error()))
		return
	}
	if err := validate(deviceSchema, body); err != nil {
		errorResponse(c, err)
		return
	}
	var req model.DevicesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		errorResponse(c, pkg.NewWrongSyntax(string(body)))
		return
	}
	ctx := c.Request.Context()
	service, subservice := headerTenant(c)
	for _, d := range req.Devices {
		if _, err := a.agent.ProvisionDevice(ctx, d.ToDevice(service, subservice)); err != nil {
			pkg.LoggerFromContext(ctx).Warn("开通设备失败", zap.String("device", d.DeviceID), zap.Error(err))
			errorResponse(c, err)
			return
		}
	}
	c.Status(http.StatusCreated)
}

// ListDevices GET /iot/devices
func (a *API) ListDevices(c *gin.Context) {
	limit, offset, err := paging(c)
	if err != nil {
		errorResponse(c, err)
		return
	}
	service, subservice := headerTenant(c)
	list, err := a.agent.ListDevices(c.Request.Context(), service, subservice, limit, offset)
	if err != nil {
		errorResponse(c, err)
		return
	}
	out := model.DeviceList{Count: list.Count, Devices: make([]model.Device, 0, len(list.Devices))}
	for _, d := range list.Devices {
		out.Devices = append(out.Devices, model.FromDevice(d))
	}
	c.JSON(http.StatusOK, out)
}

// GetDevice GET /iot/devices/:deviceId
func (a *API) GetDevice(c *gin.Context) {
	service, subservice := headerTenant(c)
	d, err := a.agent.GetDevice(c.Request.Context(), c.Param("deviceId"), service, subservice)
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, model.FromDevice(*d))
}

// UpdateDevice PUT /iot/devices/:deviceId，只覆盖请求体中出现的字段
func (a *API) UpdateDevice(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		errorResponse(c, pkg.NewBadRequest(err.Error()))
		return
	}
	if err := validate(deviceUpdateSchema, body); err != nil {
		errorResponse(c, err)
		return
	}
	var req model.Device
	if err := json.Unmarshal(body, &req); err != nil {
		errorResponse(c, pkg.NewWrongSyntax(string(body)))
		return
	}
	service, subservice := headerTenant(c)
	changes := req.ToDevice(service, subservice)
	changes.ID = c.Param("deviceId")
	if _, err := a.agent.UpdateRegister(c.Request.Context(), changes); err != nil {
		errorResponse(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DeleteDevice DELETE /iot/devices/:deviceId
func (a *API) DeleteDevice(c *gin.Context) {
	service, subservice := headerTenant(c)
	if err := a.agent.Unregister(c.Request.Context(), c.Param("deviceId"), service, subservice); err != nil {
		errorResponse(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetCommands GET /iot/devices/:deviceId/commands，轮询设备取待执行命令
func (a *API) GetCommands(c *gin.Context) {
	service, subservice := headerTenant(c)
	list, err := a.agent.CommandQueue(c.Request.Context(), service, subservice, c.Param("deviceId"))
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// DeleteCommand DELETE /iot/devices/:deviceId/commands/:name
func (a *API) DeleteCommand(c *gin.Context) {
	service, subservice := headerTenant(c)
	if _, err := a.agent.RemoveCommand(c.Request.Context(), service, subservice, c.Param("deviceId"), c.Param("name")); err != nil {
		errorResponse(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
