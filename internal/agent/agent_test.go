package agent

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"iotagent/internal/middleware"
	"iotagent/internal/model"
	"iotagent/internal/pkg"
)

type call struct {
	Method string
	Path   string
	Body   map[string]any
}

// contextBroker 模拟 v2 Context Broker，记录全部请求
type contextBroker struct {
	mu    sync.Mutex
	calls []call
}

func (b *contextBroker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	c := call{Method: r.Method, Path: r.URL.Path}
	if len(data) > 0 {
		_ = json.Unmarshal(data, &c.Body)
	}
	b.mu.Lock()
	b.calls = append(b.calls, c)
	b.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v2/registrations":
		w.Header().Set("Location", "/v2/registrations/reg-1")
		w.WriteHeader(http.StatusCreated)
	case r.Method == http.MethodPost && r.URL.Path == "/v2/entities":
		w.WriteHeader(http.StatusCreated)
	case r.Method == http.MethodPost && r.URL.Path == "/v2/op/update":
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodDelete:
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v2/entities/"):
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"temperature":{"type":"Number","value":21}}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// updates 发往 /v2/op/update 的实体
func (b *contextBroker) updates() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, c := range b.calls {
		if c.Path != "/v2/op/update" {
			continue
		}
		for _, e := range c.Body["entities"].([]any) {
			out = append(out, e.(map[string]any))
		}
	}
	return out
}

func (b *contextBroker) count(method, path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c.Method == method && c.Path == path {
			n++
		}
	}
	return n
}

func value(entity map[string]any, attr string) any {
	a, ok := entity[attr].(map[string]any)
	if !ok {
		return nil
	}
	return a["value"]
}

type fixture struct {
	ctx    context.Context
	agent  *Agent
	broker *contextBroker
	logs   *observer.ObservedLogs
	now    time.Time
}

func newFixture(t *testing.T, mutate func(cfg *pkg.Config)) *fixture {
	core, logs := observer.New(zapcore.DebugLevel)
	f := &fixture{
		ctx:    pkg.WithLogger(context.Background(), zap.New(core)),
		broker: &contextBroker{},
		logs:   logs,
		now:    time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	srv := httptest.NewServer(f.broker)
	t.Cleanup(srv.Close)

	cfg := &pkg.Config{
		ContextBroker: pkg.ContextBrokerConfig{URL: srv.URL, NgsiVersion: pkg.NgsiV2, Timeout: time.Second},
		ProviderURL:   "http://agent:4041",
		Service:       "smartgondor",
		Subservice:    "/gardens",
		DefaultType:   "Thing",
		Plugins:       []string{middleware.PluginExpression},
	}
	if mutate != nil {
		mutate(cfg)
	}
	a, err := Activate(f.ctx, cfg, WithClock(func() time.Time { return f.now }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Deactivate(context.Background()) })
	f.agent = a
	return f
}

func (f *fixture) light(t *testing.T, endpoint string) *model.Device {
	d, err := f.agent.Register(f.ctx, model.Device{
		ID:        "light1",
		Type:      "Light",
		Transport: model.TransportHTTP,
		Endpoint:  endpoint,
		Active: []model.Attribute{
			{Name: "pressure", Type: "Number"},
			{Name: "x", Type: "Number", Expression: "${@pressure * 20}"},
		},
		Lazy:     []model.Attribute{{Name: "temperature", Type: "Number"}},
		Commands: []model.Attribute{{Name: "switch", Type: "command"}},
	})
	require.NoError(t, err)
	return d
}

func TestActivate(t *testing.T) {
	Convey("激活", t, func() {
		Convey("缺少 broker 地址时拒绝激活", func() {
			_, err := Activate(context.Background(), &pkg.Config{})
			So(errors.Is(err, pkg.ErrBadConfiguration), ShouldBeTrue)
		})

		Convey("未知插件拒绝激活", func() {
			_, err := Activate(context.Background(), &pkg.Config{
				ContextBroker: pkg.ContextBrokerConfig{URL: "http://cb:1026"},
				Plugins:       []string{"nope"},
			})
			So(errors.Is(err, pkg.ErrBadConfiguration), ShouldBeTrue)
		})

		Convey("默认值与激活日志", func() {
			f := newFixture(t, nil)
			So(f.agent.Config().PollingExpiration, ShouldEqual, pkg.DefaultPollingExpiration)
			So(f.agent.Dialect().Version(), ShouldEqual, pkg.NgsiV2)
			So(f.logs.FilterMessage("agent 已激活").Len(), ShouldEqual, 1)
			So(f.agent.Deactivate(f.ctx), ShouldBeNil)
			So(f.agent.Deactivate(f.ctx), ShouldBeNil)
			So(f.logs.FilterMessage("agent 已停止").Len(), ShouldEqual, 1)
		})
	})
}

func TestUpdate(t *testing.T) {
	Convey("测量值上报", t, func() {
		f := newFixture(t, nil)
		device := f.light(t, "")
		So(device.RegistrationID, ShouldEqual, "reg-1")

		Convey("表达式插件计算派生属性", func() {
			err := f.agent.Update(f.ctx, "light1", "Light", "smartgondor", "/gardens",
				[]model.AttributeValue{{Name: "pressure", Type: "Number", Value: "10"}})
			So(err, ShouldBeNil)
			updates := f.broker.updates()
			So(updates, ShouldHaveLength, 1)
			So(updates[0]["id"], ShouldEqual, "Light:light1")
			So(value(updates[0], "x"), ShouldEqual, 200.0)
		})

		Convey("非法时间戳不发送", func() {
			err := f.agent.Update(f.ctx, "light1", "Light", "smartgondor", "/gardens",
				[]model.AttributeValue{{Name: model.TimeInstant, Type: "DateTime", Value: "not a date"}})
			So(errors.Is(err, pkg.ErrBadTimestamp), ShouldBeTrue)
			So(f.broker.updates(), ShouldBeEmpty)
		})

		Convey("非法坐标不发送", func() {
			err := f.agent.Update(f.ctx, "light1", "Light", "smartgondor", "/gardens",
				[]model.AttributeValue{{Name: "location", Type: "geo:point", Value: "abc"}})
			So(errors.Is(err, pkg.ErrBadGeocoordinates), ShouldBeTrue)
			So(f.broker.updates(), ShouldBeEmpty)
		})

		Convey("未知设备且无配置组", func() {
			err := f.agent.Update(f.ctx, "ghost", "Ghost", "smartgondor", "/gardens",
				[]model.AttributeValue{{Name: "a", Value: 1}})
			So(errors.Is(err, pkg.ErrDeviceNotFound), ShouldBeTrue)
		})

		Convey("注销后设备不存在", func() {
			So(f.agent.Unregister(f.ctx, "light1", "smartgondor", "/gardens"), ShouldBeNil)
			So(f.broker.count(http.MethodDelete, "/v2/registrations/reg-1"), ShouldEqual, 1)
			_, err := f.agent.GetDevice(f.ctx, "light1", "smartgondor", "/gardens")
			So(errors.Is(err, pkg.ErrDeviceNotFound), ShouldBeTrue)
		})
	})
}

func TestAutoprovision(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.agent.ProvisionGroups(f.ctx, []model.Group{{
		Service:    "smartgondor",
		Subservice: "/gardens",
		Resource:   "/iot/d",
		Apikey:     "k1",
		Type:       "Sensor",
		Active:     []model.Attribute{{Name: "t", ObjectID: "t", Type: "Number"}},
	}})
	require.NoError(t, err)

	err = f.agent.Update(f.ctx, "sensor9", "Sensor", "smartgondor", "/gardens",
		[]model.AttributeValue{{Name: "t", Type: "Number", Value: 3}})
	require.NoError(t, err)

	d, err := f.agent.GetDevice(f.ctx, "sensor9", "smartgondor", "/gardens")
	require.NoError(t, err)
	assert.Equal(t, "Sensor:sensor9", d.Name)
	assert.Equal(t, "k1", d.Apikey)
	assert.Equal(t, 1, f.logs.FilterMessage("自动开通设备").Len())

	t.Run("autoprovision 关闭时拒绝", func(t *testing.T) {
		_, err := f.agent.ProvisionGroups(f.ctx, []model.Group{{
			Service: "smartgondor", Subservice: "/gardens", Resource: "/iot/d", Apikey: "k2",
			Type: "Closed", Autoprovision: model.BoolPtr(false),
		}})
		require.NoError(t, err)
		err = f.agent.Update(f.ctx, "c1", "Closed", "smartgondor", "/gardens", []model.AttributeValue{{Name: "a", Value: 1}})
		assert.True(t, errors.Is(err, pkg.ErrDeviceNotFound))
	})
}

func TestCommands(t *testing.T) {
	const switchOn = `{"actionType":"update","entities":[{"id":"Light:light1","type":"Light","switch":{"type":"command","value":"on"}}]}`

	Convey("命令", t, func() {
		f := newFixture(t, func(cfg *pkg.Config) { cfg.PollingExpiration = time.Minute })

		Convey("轮询设备的命令入队并置为 PENDING", func() {
			f.light(t, "")
			f.agent.SetDataUpdateHandler(func(context.Context, string, string, string, string, []model.AttributeValue) error {
				return nil
			})
			_, err := f.agent.HandleUpdate(f.ctx, "smartgondor", "/gardens", []byte(switchOn))
			So(err, ShouldBeNil)

			queue, err := f.agent.CommandQueue(f.ctx, "smartgondor", "/gardens", "light1")
			So(err, ShouldBeNil)
			So(queue.Count, ShouldEqual, 1)
			So(queue.Commands[0].Value, ShouldEqual, "on")

			updates := f.broker.updates()
			So(updates, ShouldHaveLength, 1)
			So(value(updates[0], "switch_status"), ShouldEqual, model.CommandStatusPending)

			Convey("过期后上报 ERROR / EXPIRED", func() {
				f.now = f.now.Add(2 * time.Minute)
				n, err := f.agent.queue.Sweep(f.ctx)
				So(err, ShouldBeNil)
				So(n, ShouldEqual, 1)
				updates := f.broker.updates()
				So(updates, ShouldHaveLength, 2)
				So(value(updates[1], "switch_status"), ShouldEqual, model.CommandStatusError)
				So(value(updates[1], "switch_info"), ShouldEqual, model.CommandExpiredInfo)
			})

			Convey("手动删除命令", func() {
				_, err := f.agent.RemoveCommand(f.ctx, "smartgondor", "/gardens", "light1", "switch")
				So(err, ShouldBeNil)
				queue, _ := f.agent.CommandQueue(f.ctx, "smartgondor", "/gardens", "light1")
				So(queue.Count, ShouldEqual, 0)
			})
		})

		Convey("推送设备的命令交给 command handler", func() {
			f.light(t, "http://device:9001")
			var got []model.AttributeValue
			f.agent.SetCommandHandler(func(_ context.Context, id, typ, _, _ string, cmds []model.AttributeValue) error {
				So(id, ShouldEqual, "light1")
				So(typ, ShouldEqual, "Light")
				got = cmds
				return nil
			})
			_, err := f.agent.HandleUpdate(f.ctx, "smartgondor", "/gardens", []byte(switchOn))
			So(err, ShouldBeNil)
			So(got, ShouldHaveLength, 1)
			So(got[0].Name, ShouldEqual, "switch")

			queue, _ := f.agent.CommandQueue(f.ctx, "smartgondor", "/gardens", "light1")
			So(queue.Count, ShouldEqual, 0)
		})

		Convey("没有任何 handler 时拒绝", func() {
			f.light(t, "http://device:9001")
			_, err := f.agent.HandleUpdate(f.ctx, "smartgondor", "/gardens", []byte(switchOn))
			So(errors.Is(err, pkg.ErrBadConfiguration), ShouldBeTrue)
		})

		Convey("命令结果", func() {
			f.light(t, "http://device:9001")
			So(f.agent.SetCommandResult(f.ctx, "light1", "smartgondor", "/gardens", "switch", model.CommandStatusOK, "done"), ShouldBeNil)
			updates := f.broker.updates()
			So(value(updates[0], "switch_status"), ShouldEqual, model.CommandStatusOK)
			So(value(updates[0], "switch_info"), ShouldEqual, "done")

			err := f.agent.SetCommandResult(f.ctx, "light1", "smartgondor", "/gardens", "dim", model.CommandStatusOK, "x")
			So(errors.Is(err, pkg.ErrCommandNotFound), ShouldBeTrue)
		})
	})
}

func TestNorthbound(t *testing.T) {
	Convey("北向查询与通知", t, func() {
		f := newFixture(t, nil)
		f.light(t, "http://device:9001")

		Convey("无 query handler 时返回 lazy 属性空值", func() {
			out, err := f.agent.HandleQuery(f.ctx, "smartgondor", "/gardens",
				[]byte(`{"entities":[{"id":"Light:light1","type":"Light"}],"attrs":["temperature"]}`))
			So(err, ShouldBeNil)
			docs := out.([]map[string]any)
			So(docs, ShouldHaveLength, 1)
			So(docs[0]["id"], ShouldEqual, "Light:light1")
			So(docs[0], ShouldContainKey, "temperature")
		})

		Convey("query handler 的结果", func() {
			f.agent.SetDataQueryHandler(func(_ context.Context, id, typ, _, _ string, attrs []string) (model.Entity, error) {
				return model.Entity{Attributes: []model.AttributeValue{{Name: "temperature", Type: "Number", Value: 19}}}, nil
			})
			out, err := f.agent.HandleQuery(f.ctx, "smartgondor", "/gardens",
				[]byte(`{"entities":[{"id":"Light:light1","type":"Light"}]}`))
			So(err, ShouldBeNil)
			docs := out.([]map[string]any)
			So(docs[0]["type"], ShouldEqual, "Light")
		})

		Convey("南向查询读取 broker", func() {
			entity, err := f.agent.Query(f.ctx, "light1", "", "smartgondor", "/gardens", []string{"temperature"})
			So(err, ShouldBeNil)
			attr, ok := entity.Attribute("temperature")
			So(ok, ShouldBeTrue)
			So(attr.Value, ShouldEqual, 21.0)
		})

		Convey("通知交给 notification handler", func() {
			var got []model.AttributeValue
			f.agent.SetNotificationHandler(func(_ context.Context, d *model.Device, values []model.AttributeValue) error {
				So(d.ID, ShouldEqual, "light1")
				got = values
				return nil
			})
			err := f.agent.HandleNotification(f.ctx, "smartgondor", "/gardens",
				[]byte(`{"subscriptionId":"s1","data":[{"id":"Light:light1","type":"Light","temperature":{"type":"Number","value":21}}]}`))
			So(err, ShouldBeNil)
			So(got, ShouldHaveLength, 1)
			So(got[0].Name, ShouldEqual, "temperature")
		})

		Convey("未设置 notification handler", func() {
			err := f.agent.HandleNotification(f.ctx, "smartgondor", "/gardens", []byte(`{"data":[]}`))
			So(errors.Is(err, pkg.ErrBadConfiguration), ShouldBeTrue)
		})
	})
}

func TestMiddlewares(t *testing.T) {
	f := newFixture(t, func(cfg *pkg.Config) { cfg.Plugins = nil })
	f.light(t, "")

	f.agent.AddUpdateMiddleware(func(_ context.Context, in middleware.EntityEnvelope) (middleware.EntityEnvelope, error) {
		in.Entity.Set(model.AttributeValue{Name: "tagged", Type: "Text", Value: "yes"})
		return in, nil
	})
	require.NoError(t, f.agent.Update(f.ctx, "light1", "Light", "smartgondor", "/gardens",
		[]model.AttributeValue{{Name: "pressure", Type: "Number", Value: 1}}))
	updates := f.broker.updates()
	require.Len(t, updates, 1)
	assert.Equal(t, "yes", value(updates[0], "tagged"))
	assert.Nil(t, updates[0]["x"])

	f.agent.ResetMiddlewares()
	require.NoError(t, f.agent.Update(f.ctx, "light1", "Light", "smartgondor", "/gardens",
		[]model.AttributeValue{{Name: "pressure", Type: "Number", Value: 2}}))
	updates = f.broker.updates()
	assert.Nil(t, updates[1]["tagged"])
}
