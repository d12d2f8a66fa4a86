package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"

	"iotagent/internal/admin/model"
	iotmodel "iotagent/internal/model"
	"iotagent/internal/pkg"
)

// --- Group (Service) Handlers ---
// /iot/services 与 /iot/groups 共用，区别只在响应中列表的字段名

func listKey(c *gin.Context) string {
	if strings.HasPrefix(c.FullPath(), "/iot/groups") {
		return "groups"
	}
	return "services"
}

// groupKey PUT/DELETE 通过查询参数定位配置组
func groupKey(c *gin.Context) (string, string, error) {
	resource, apikey := c.Query("resource"), c.Query("apikey")
	if resource == "" || apikey == "" {
		return "", "", pkg.NewMissingAttributes("resource and apikey query parameters are required")
	}
	return resource, apikey, nil
}

// CreateGroups POST /iot/services
func (a *API) CreateGroups(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		errorResponse(c, pkg.NewBadRequest(err.Error()))
		return
	}
	if err := validate(groupSchema, body); err != nil {
		errorResponse(c, err)
		return
	}
	var req model.GroupsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		errorResponse(c, pkg.NewWrongSyntax(string(body)))
		return
	}
	service, subservice := headerTenant(c)
	groups := make([]iotmodel.Group, 0, len(req.Items()))
	for _, g := range req.Items() {
		groups = append(groups, g.ToGroup(service, subservice))
	}
	if _, err := a.agent.ProvisionGroups(c.Request.Context(), groups); err != nil {
		errorResponse(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

// ListGroups GET /iot/services
func (a *API) ListGroups(c *gin.Context) {
	limit, offset, err := paging(c)
	if err != nil {
		errorResponse(c, err)
		return
	}
	service, _ := headerTenant(c)
	list, err := a.agent.ListGroups(c.Request.Context(), service, limit, offset)
	if err != nil {
		errorResponse(c, err)
		return
	}
	items := make([]model.Group, 0, len(list.Groups))
	for _, g := range list.Groups {
		items = append(items, model.FromGroup(g))
	}
	c.JSON(http.StatusOK, gin.H{"count": list.Count, listKey(c): items})
}

// UpdateGroup PUT /iot/services?resource=&apikey=
func (a *API) UpdateGroup(c *gin.Context) {
	resource, apikey, err := groupKey(c)
	if err != nil {
		errorResponse(c, err)
		return
	}
	body, err := c.GetRawData()
	if err != nil {
		errorResponse(c, pkg.NewBadRequest(err.Error()))
		return
	}
	if err := validate(groupUpdateSchema, body); err != nil {
		errorResponse(c, err)
		return
	}
	var req model.Group
	if err := json.Unmarshal(body, &req); err != nil {
		errorResponse(c, pkg.NewWrongSyntax(string(body)))
		return
	}
	service, subservice := headerTenant(c)
	if _, err := a.agent.UpdateGroup(c.Request.Context(), service, subservice, resource, apikey, req.ToGroup(service, subservice)); err != nil {
		errorResponse(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// DeleteGroup DELETE /iot/services?resource=&apikey=[&device=true]
func (a *API) DeleteGroup(c *gin.Context) {
	resource, apikey, err := groupKey(c)
	if err != nil {
		errorResponse(c, err)
		return
	}
	service, subservice := headerTenant(c)
	removeDevices := c.Query("device") == "true"
	if err := a.agent.RemoveGroup(c.Request.Context(), service, subservice, resource, apikey, removeDevices); err != nil {
		errorResponse(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
