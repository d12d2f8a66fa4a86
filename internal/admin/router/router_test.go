package router_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iotagent/internal/admin/router"
	"iotagent/internal/agent"
	"iotagent/internal/model"
	"iotagent/internal/pkg"
)

// contextBroker 接受一切写操作的 broker (v2 与 NGSI-LD)
func contextBroker() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && strings.Contains(strings.ToLower(r.URL.Path), "registrations"):
			w.Header().Set("Location", strings.TrimRight(r.URL.Path, "/")+"/reg-1")
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodPost && r.URL.Path == "/v2/entities":
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
}

func setup(t *testing.T, version string) (*gin.Engine, *agent.Agent) {
	gin.SetMode(gin.TestMode)
	cb := contextBroker()
	t.Cleanup(cb.Close)
	a, err := agent.Activate(context.Background(), &pkg.Config{
		Version:       "1.0.0",
		ContextBroker: pkg.ContextBrokerConfig{URL: cb.URL, NgsiVersion: version, Timeout: time.Second},
		ProviderURL:   "http://agent:4041",
		Metrics:       pkg.MetricsConfig{Enable: true},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Deactivate(context.Background()) })
	return router.SetupRouter(context.Background(), a), a
}

func perform(r *gin.Engine, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

var tenant = map[string]string{"fiware-service": "smartgondor", "fiware-servicepath": "/gardens"}

func errorName(t *testing.T, w *httptest.ResponseRecorder) string {
	var body struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Name
}

const lightDevice = `{"devices":[{
	"device_id": "light1",
	"entity_name": "TheFirstLight",
	"entity_type": "TheLightType",
	"transport": "HTTP",
	"endpoint": "http://device:9001",
	"attributes": [{"object_id": "p", "name": "pressure", "type": "Number"}],
	"lazy": [{"name": "luminance", "type": "lumens"}],
	"commands": [{"name": "switch", "type": "command"}],
	"static_attributes": [{"name": "location", "type": "geo:point", "value": "12.4, -9.6"}]
}]}`

func TestDevicesAPI(t *testing.T) {
	Convey("设备开通接口", t, func() {
		r, _ := setup(t, pkg.NgsiV2)

		Convey("缺少租户头", func() {
			w := perform(r, http.MethodGet, "/iot/devices", "", nil)
			So(w.Code, ShouldEqual, http.StatusBadRequest)
			So(errorName(t, w), ShouldEqual, pkg.NameMissingHeaders)
		})

		Convey("schema 校验失败", func() {
			w := perform(r, http.MethodPost, "/iot/devices", `{"devices":[{"entity_name":"x"}]}`, tenant)
			So(w.Code, ShouldEqual, http.StatusBadRequest)
			So(errorName(t, w), ShouldEqual, pkg.NameWrongSyntax)

			w = perform(r, http.MethodPost, "/iot/devices", `{not json`, tenant)
			So(w.Code, ShouldEqual, http.StatusBadRequest)
			So(errorName(t, w), ShouldEqual, pkg.NameWrongSyntax)
		})

		Convey("开通、查询、更新与删除", func() {
			w := perform(r, http.MethodPost, "/iot/devices", lightDevice, tenant)
			So(w.Code, ShouldEqual, http.StatusCreated)
			So(w.Header().Get("fiware-correlator"), ShouldNotBeEmpty)

			w = perform(r, http.MethodPost, "/iot/devices", lightDevice, tenant)
			So(w.Code, ShouldEqual, http.StatusConflict)
			So(errorName(t, w), ShouldEqual, pkg.NameDuplicateDeviceID)

			w = perform(r, http.MethodGet, "/iot/devices/light1", "", tenant)
			So(w.Code, ShouldEqual, http.StatusOK)
			var got map[string]any
			So(json.Unmarshal(w.Body.Bytes(), &got), ShouldBeNil)
			So(got["entity_name"], ShouldEqual, "TheFirstLight")
			So(got["service_path"], ShouldEqual, "/gardens")
			So(got["registrationId"], ShouldEqual, "reg-1")

			w = perform(r, http.MethodGet, "/iot/devices?limit=10", "", tenant)
			So(w.Code, ShouldEqual, http.StatusOK)
			var list struct {
				Count   int64            `json:"count"`
				Devices []map[string]any `json:"devices"`
			}
			So(json.Unmarshal(w.Body.Bytes(), &list), ShouldBeNil)
			So(list.Count, ShouldEqual, 1)

			w = perform(r, http.MethodGet, "/iot/devices?limit=-1", "", tenant)
			So(w.Code, ShouldEqual, http.StatusBadRequest)

			w = perform(r, http.MethodPut, "/iot/devices/light1", `{"attributes":[{"name":"humidity","type":"Number"}]}`, tenant)
			So(w.Code, ShouldEqual, http.StatusNoContent)

			w = perform(r, http.MethodDelete, "/iot/devices/light1", "", tenant)
			So(w.Code, ShouldEqual, http.StatusNoContent)

			w = perform(r, http.MethodGet, "/iot/devices/light1", "", tenant)
			So(w.Code, ShouldEqual, http.StatusNotFound)
			So(errorName(t, w), ShouldEqual, pkg.NameDeviceNotFound)
		})

		Convey("其他租户看不到设备", func() {
			So(perform(r, http.MethodPost, "/iot/devices", lightDevice, tenant).Code, ShouldEqual, http.StatusCreated)
			w := perform(r, http.MethodGet, "/iot/devices/light1", "", map[string]string{
				"fiware-service": "other", "fiware-servicepath": "/gardens",
			})
			So(w.Code, ShouldEqual, http.StatusNotFound)
		})
	})
}

func TestGroupsAPI(t *testing.T) {
	Convey("配置组接口", t, func() {
		r, _ := setup(t, pkg.NgsiV2)
		const group = `{"services":[{"resource":"/iot/d","apikey":"801230BJKL23Y9090DSFL123HJK09H324HV8732","entity_type":"SensorMachine","attributes":[{"object_id":"t","name":"temperature","type":"Number"}]}]}`

		w := perform(r, http.MethodPost, "/iot/services", group, tenant)
		So(w.Code, ShouldEqual, http.StatusCreated)

		Convey("重复创建", func() {
			w := perform(r, http.MethodPost, "/iot/services", group, tenant)
			So(w.Code, ShouldEqual, http.StatusConflict)
			So(errorName(t, w), ShouldEqual, pkg.NameDuplicateGroup)
		})

		Convey("两个路径下的列表字段名不同", func() {
			var services map[string]any
			w := perform(r, http.MethodGet, "/iot/services", "", tenant)
			So(json.Unmarshal(w.Body.Bytes(), &services), ShouldBeNil)
			So(services["count"], ShouldEqual, 1.0)
			So(services, ShouldContainKey, "services")

			var groups map[string]any
			w = perform(r, http.MethodGet, "/iot/groups", "", tenant)
			So(json.Unmarshal(w.Body.Bytes(), &groups), ShouldBeNil)
			So(groups, ShouldContainKey, "groups")
		})

		Convey("更新与删除需要 resource 与 apikey", func() {
			w := perform(r, http.MethodPut, "/iot/services?resource=/iot/d", `{"entity_type":"Other"}`, tenant)
			So(w.Code, ShouldEqual, http.StatusBadRequest)
			So(errorName(t, w), ShouldEqual, pkg.NameMissingAttributes)

			w = perform(r, http.MethodPut, "/iot/services?resource=/iot/d&apikey=801230BJKL23Y9090DSFL123HJK09H324HV8732",
				`{"entity_type":"Other"}`, tenant)
			So(w.Code, ShouldEqual, http.StatusNoContent)

			w = perform(r, http.MethodDelete, "/iot/services?resource=/iot/d&apikey=801230BJKL23Y9090DSFL123HJK09H324HV8732", "", tenant)
			So(w.Code, ShouldEqual, http.StatusNoContent)

			w = perform(r, http.MethodDelete, "/iot/services?resource=/iot/d&apikey=801230BJKL23Y9090DSFL123HJK09H324HV8732", "", tenant)
			So(w.Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("缺少 apikey 的配置组", func() {
			w := perform(r, http.MethodPost, "/iot/groups", `{"groups":[{"resource":"/iot/x"}]}`, tenant)
			So(w.Code, ShouldEqual, http.StatusBadRequest)
			So(errorName(t, w), ShouldEqual, pkg.NameWrongSyntax)
		})
	})
}

func TestNorthboundAPI(t *testing.T) {
	r, a := setup(t, pkg.NgsiV2)
	require.Equal(t, http.StatusCreated, perform(r, http.MethodPost, "/iot/devices", lightDevice, tenant).Code)

	var commands []model.AttributeValue
	a.SetCommandHandler(func(_ context.Context, id, _, _, _ string, cmds []model.AttributeValue) error {
		commands = cmds
		return nil
	})

	t.Run("command update", func(t *testing.T) {
		body := `{"actionType":"update","entities":[{"id":"TheFirstLight","type":"TheLightType","switch":{"type":"command","value":"on"}}]}`
		w := perform(r, http.MethodPost, "/v2/op/update", body, map[string]string{
			"fiware-service": "smartgondor", "fiware-servicepath": "/gardens", "fiware-correlator": "corr-42",
		})
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "corr-42", w.Header().Get("fiware-correlator"))
		require.Len(t, commands, 1)
		assert.Equal(t, "on", commands[0].Value)
	})

	t.Run("lazy query", func(t *testing.T) {
		body := `{"entities":[{"id":"TheFirstLight","type":"TheLightType"}],"attrs":["luminance"]}`
		w := perform(r, http.MethodPost, "/v2/op/query", body, tenant)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.True(t, strings.Contains(w.Body.String(), `"luminance"`))
	})

	t.Run("notification without handler", func(t *testing.T) {
		w := perform(r, http.MethodPost, "/notify", `{"subscriptionId":"s1","data":[]}`, tenant)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, pkg.NameBadConfiguration, errorName(t, w))
	})

	t.Run("v1 routes are not mounted for v2", func(t *testing.T) {
		w := perform(r, http.MethodPost, "/v1/updateContext", `{}`, tenant)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("method not supported", func(t *testing.T) {
		w := perform(r, http.MethodPatch, "/iot/about", "", nil)
		assert.Equal(t, http.StatusNotImplemented, w.Code)
		assert.Equal(t, pkg.NameMethodNotSupported, errorName(t, w))
	})

	t.Run("about and metrics", func(t *testing.T) {
		w := perform(r, http.MethodGet, "/iot/about", "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"libVersion":"1.0.0"`)

		w = perform(r, http.MethodGet, "/metrics", "", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestLDRoutes(t *testing.T) {
	r, a := setup(t, pkg.NgsiLD)
	ldTenant := map[string]string{"NGSILD-Tenant": "smartgondor", "NGSILD-Path": "/gardens"}
	require.Equal(t, http.StatusCreated, perform(r, http.MethodPost, "/iot/devices", lightDevice, tenant).Code)

	var updated []model.AttributeValue
	a.SetDataUpdateHandler(func(_ context.Context, id, _, _, _ string, attrs []model.AttributeValue) error {
		updated = attrs
		return nil
	})
	a.SetCommandHandler(func(context.Context, string, string, string, string, []model.AttributeValue) error { return nil })

	w := perform(r, http.MethodPatch, "/ngsi-ld/v1/entities/TheFirstLight/attrs",
		`{"luminance":{"type":"Property","value":300}}`, ldTenant)
	assert.Equal(t, http.StatusNoContent, w.Code)
	require.Len(t, updated, 1)
	assert.Equal(t, "luminance", updated[0].Name)

	w = perform(r, http.MethodGet, "/ngsi-ld/v1/entities/TheFirstLight?attrs=luminance", "", ldTenant)
	assert.Equal(t, http.StatusOK, w.Code)
}
