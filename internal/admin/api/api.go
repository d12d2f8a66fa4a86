package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"iotagent/internal/admin/model"
	"iotagent/internal/agent"
	"iotagent/internal/broker"
	"iotagent/internal/ngsi"
	"iotagent/internal/pkg"
)

// API 开通接口与北向接口的 gin handler 集合
type API struct {
	agent  *agent.Agent
	logger *zap.Logger
}

func New(ctx context.Context, a *agent.Agent) *API {
	return &API{
		agent:  a,
		logger: pkg.LoggerFromContext(ctx).With(zap.String("module", "admin")),
	}
}

// errorResponse 按错误分类渲染 {name, message}
func errorResponse(c *gin.Context, err error) {
	var ae *pkg.AgentError
	if errors.As(err, &ae) {
		c.AbortWithStatusJSON(ae.HTTPStatus(), model.Error{Name: ae.Name, Message: ae.Message})
		return
	}
	c.AbortWithStatusJSON(http.StatusInternalServerError, model.Error{Name: "InternalServerError", Message: err.Error()})
}

// Correlator 为每个请求确定 fiware-correlator，并把带 correlator 的 logger 放进请求上下文
func (a *API) Correlator() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(ngsi.HeaderCorrelator)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(ngsi.HeaderCorrelator, id)
		ctx := broker.WithCorrelator(c.Request.Context(), id)
		ctx = pkg.WithLogger(ctx, a.logger.With(zap.String("correlator", id)))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireTenant 开通接口必须携带 fiware-service 与 fiware-servicepath
func RequireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		var missing []string
		for _, h := range []string{ngsi.HeaderService, ngsi.HeaderServicePath} {
			if c.GetHeader(h) == "" {
				missing = append(missing, h)
			}
		}
		if len(missing) > 0 {
			errorResponse(c, pkg.NewMissingHeaders(missing))
			return
		}
		c.Next()
	}
}

// headerTenant 开通接口的租户，RequireTenant 已保证存在
func headerTenant(c *gin.Context) (string, string) {
	return c.GetHeader(ngsi.HeaderService), c.GetHeader(ngsi.HeaderServicePath)
}

// tenant 读取租户；北向请求可能来自 NGSI-LD broker 或不带租户头，此时使用配置的默认值
func (a *API) tenant(c *gin.Context) (string, string) {
	cfg := a.agent.Config()
	service := firstHeader(c, ngsi.HeaderService, ngsi.HeaderLDTenant)
	if service == "" {
		service = cfg.Service
	}
	subservice := firstHeader(c, ngsi.HeaderServicePath, ngsi.HeaderLDPath)
	if subservice == "" {
		subservice = cfg.Subservice
	}
	return service, subservice
}

func firstHeader(c *gin.Context, names ...string) string {
	for _, n := range names {
		if v := c.GetHeader(n); v != "" {
			return v
		}
	}
	return ""
}

// paging 读取 limit / offset 查询参数
func paging(c *gin.Context) (int, int, error) {
	limit, offset := 0, 0
	var err error
	if v := c.Query("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			return 0, 0, pkg.NewBadRequest("invalid limit " + v)
		}
	}
	if v := c.Query("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, pkg.NewBadRequest("invalid offset " + v)
		}
	}
	return limit, offset, nil
}

// MethodNotSupported 路径存在但方法不支持
func MethodNotSupported(c *gin.Context) {
	errorResponse(c, pkg.NewMethodNotSupported(c.Request.Method, c.Request.URL.Path))
}
