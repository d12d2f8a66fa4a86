package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"

	"iotagent/internal/model"
	"iotagent/internal/pkg"
)

// --- 北向接口：broker 作为 context provider 转发来的请求 ---

// Notify POST /notify 订阅通知
func (a *API) Notify(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		errorResponse(c, pkg.NewBadRequest(err.Error()))
		return
	}
	service, subservice := a.tenant(c)
	if err := a.agent.HandleNotification(c.Request.Context(), service, subservice, body); err != nil {
		errorResponse(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// UpdateContext POST /v2/op/update 与 /v1/updateContext。v1 回显 contextResponses，v2 返回 204
func (a *API) UpdateContext(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		errorResponse(c, pkg.NewBadRequest(err.Error()))
		return
	}
	service, subservice := a.tenant(c)
	entities, err := a.agent.HandleUpdate(c.Request.Context(), service, subservice, body)
	if err != nil {
		errorResponse(c, err)
		return
	}
	if a.agent.Dialect().Version() == pkg.NgsiV1 {
		out, err := a.agent.Dialect().BuildQueryResponse(entities)
		if err != nil {
			errorResponse(c, err)
			return
		}
		c.JSON(http.StatusOK, out)
		return
	}
	c.Status(http.StatusNoContent)
}

// QueryContext POST /v2/op/query 与 /v1/queryContext
func (a *API) QueryContext(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		errorResponse(c, pkg.NewBadRequest(err.Error()))
		return
	}
	service, subservice := a.tenant(c)
	out, err := a.agent.HandleQuery(c.Request.Context(), service, subservice, body)
	if err != nil {
		errorResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// PatchLDAttrs PATCH /ngsi-ld/v1/entities/:entityId/attrs，请求体只有属性，补上实体 id 后按更新处理
func (a *API) PatchLDAttrs(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		errorResponse(c, pkg.NewBadRequest(err.Error()))
		return
	}
	var attrs map[string]any
	if err := json.Unmarshal(body, &attrs); err != nil {
		errorResponse(c, pkg.NewWrongSyntax(string(body)))
		return
	}
	attrs["id"] = c.Param("entityId")
	if t := c.Query("type"); t != "" {
		attrs["type"] = t
	}
	doc, err := json.Marshal(attrs)
	if err != nil {
		errorResponse(c, err)
		return
	}
	service, subservice := a.tenant(c)
	if _, err := a.agent.HandleUpdate(c.Request.Context(), service, subservice, doc); err != nil {
		errorResponse(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetLDEntity GET /ngsi-ld/v1/entities/:entityId?attrs=a,b 查询 lazy 属性
func (a *API) GetLDEntity(c *gin.Context) {
	query := struct {
		Entities []model.EntityRef `json:"entities"`
		Attrs    []string          `json:"attrs,omitempty"`
	}{Entities: []model.EntityRef{{ID: c.Param("entityId"), Type: c.Query("type")}}}
	if v := c.Query("attrs"); v != "" {
		query.Attrs = strings.Split(v, ",")
	}
	doc, err := json.Marshal(query)
	if err != nil {
		errorResponse(c, err)
		return
	}
	service, subservice := a.tenant(c)
	out, err := a.agent.HandleQuery(c.Request.Context(), service, subservice, doc)
	if err != nil {
		errorResponse(c, err)
		return
	}
	if list, ok := out.([]map[string]any); ok && len(list) == 1 {
		c.JSON(http.StatusOK, list[0])
		return
	}
	c.JSON(http.StatusOK, out)
}
