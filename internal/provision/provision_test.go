package provision

import (
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"iotagent/internal/middleware"
	"iotagent/internal/model"
	"iotagent/internal/ngsi"
	"iotagent/internal/pkg"
	"iotagent/internal/registry"
)

type fakeBroker struct {
	dialect        ngsi.Dialect
	updates        [][]model.Entity
	registered     []string
	unregistered   []string
	unsubscribeErr error
	unsubscribed   []string
	registerErr    error
	updateErr      error
	nextReg        int
}

func (f *fakeBroker) Dialect() ngsi.Dialect { return f.dialect }

func (f *fakeBroker) Update(_ context.Context, _ *model.Device, entities []model.Entity, _ ngsi.UpdateOptions) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, entities)
	return nil
}

func (f *fakeBroker) Register(_ context.Context, device *model.Device) (string, error) {
	if f.registerErr != nil {
		return "", f.registerErr
	}
	if !device.NeedsRegistration() {
		return device.RegistrationID, nil
	}
	f.nextReg++
	f.registered = append(f.registered, device.ID)
	return "reg" + string(rune('0'+f.nextReg)), nil
}

func (f *fakeBroker) Unregister(_ context.Context, device *model.Device) error {
	if device.RegistrationID != "" {
		f.unregistered = append(f.unregistered, device.RegistrationID)
	}
	return nil
}

func (f *fakeBroker) UnsubscribeAll(_ context.Context, device *model.Device) error {
	for _, s := range device.Subscriptions {
		f.unsubscribed = append(f.unsubscribed, s.ID)
	}
	return f.unsubscribeErr
}

type fixture struct {
	ctx     context.Context
	cfg     *pkg.Config
	broker  *fakeBroker
	devices registry.DeviceRegistry
	groups  registry.GroupRegistry
	svc     *Service
	logs    *observer.ObservedLogs
}

func newFixture(t *testing.T, version string, mutate func(*pkg.Config)) *fixture {
	t.Helper()
	cfg := &pkg.Config{}
	cfg.ContextBroker.NgsiVersion = version
	cfg.DefaultType = "Thing"
	if mutate != nil {
		mutate(cfg)
	}
	cfg.ApplyDefaults()
	dialect, err := ngsi.New(version, ngsi.Options{})
	require.NoError(t, err)

	core, logs := observer.New(zapcore.DebugLevel)
	ctx := pkg.WithLogger(context.Background(), zap.New(core))
	f := &fixture{
		ctx:     ctx,
		cfg:     cfg,
		broker:  &fakeBroker{dialect: dialect},
		devices: registry.NewMemoryDeviceRegistry(),
		groups:  registry.NewMemoryGroupRegistry(),
		logs:    logs,
	}
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	f.svc = New(ctx, cfg, f.devices, f.groups, f.broker, &middleware.Chains{}, WithClock(func() time.Time { return now }))
	return f
}

func TestRegisterDevice(t *testing.T) {
	Convey("设备开通", t, func() {
		f := newFixture(t, pkg.NgsiV2, nil)

		Convey("开通后读取的设备标识不变，lazy/commands 补齐 object_id", func() {
			_, err := f.svc.RegisterDevice(f.ctx, model.Device{
				ID: "light1", Type: "Light", Service: "smartgondor", Subservice: "/gardens",
				Lazy:     []model.Attribute{{Name: "luminance", Type: "lumens"}},
				Commands: []model.Attribute{{Name: "switch", Type: "Boolean"}},
			})
			So(err, ShouldBeNil)

			got, err := f.svc.GetDevice(f.ctx, "light1", "smartgondor", "/gardens")
			So(err, ShouldBeNil)
			So(got.ID, ShouldEqual, "light1")
			So(got.Type, ShouldEqual, "Light")
			So(got.Service, ShouldEqual, "smartgondor")
			So(got.Subservice, ShouldEqual, "/gardens")
			So(got.Name, ShouldEqual, "Light:light1")
			So(got.Lazy[0].ObjectID, ShouldEqual, "luminance")
			So(got.Commands[0].ObjectID, ShouldEqual, "switch")
			So(got.InternalID, ShouldNotBeEmpty)
			So(got.RegistrationID, ShouldEqual, "reg1")

			So(f.broker.updates, ShouldHaveLength, 1)
			entity := f.broker.updates[0][0]
			So(entity.Names(), ShouldResemble, []string{"switch_status", "switch_info"})
		})

		Convey("重复开通返回 DuplicateDeviceId", func() {
			d := model.Device{ID: "d1", Service: "s", Subservice: "/"}
			_, err := f.svc.RegisterDevice(f.ctx, d)
			So(err, ShouldBeNil)
			_, err = f.svc.RegisterDevice(f.ctx, d)
			So(errors.Is(err, pkg.ErrDuplicateDeviceID), ShouldBeTrue)
		})

		Convey("缺少 id 返回 MissingAttributes", func() {
			_, err := f.svc.RegisterDevice(f.ctx, model.Device{Service: "s", Subservice: "/"})
			So(errors.Is(err, pkg.ErrMissingAttributes), ShouldBeTrue)
		})

		Convey("未指定类型时使用 defaultType", func() {
			d, err := f.svc.RegisterDevice(f.ctx, model.Device{ID: "d2", Service: "s", Subservice: "/"})
			So(err, ShouldBeNil)
			So(d.Type, ShouldEqual, "Thing")
			So(d.Name, ShouldEqual, "Thing:d2")
			So(f.broker.registered, ShouldBeEmpty)
		})

		Convey("HTTP 设备没有 endpoint 时为轮询模式", func() {
			d, err := f.svc.RegisterDevice(f.ctx, model.Device{ID: "d3", Service: "s", Subservice: "/", Transport: model.TransportHTTP})
			So(err, ShouldBeNil)
			So(d.IsPolling(), ShouldBeTrue)

			d, err = f.svc.RegisterDevice(f.ctx, model.Device{ID: "d4", Service: "s", Subservice: "/", Transport: model.TransportHTTP, Endpoint: "http://d4"})
			So(err, ShouldBeNil)
			So(d.IsPolling(), ShouldBeFalse)
		})

		Convey("autoprovision 为 false 时不写初始实体", func() {
			_, err := f.svc.RegisterDevice(f.ctx, model.Device{
				ID: "d5", Service: "s", Subservice: "/", Autoprovision: model.BoolPtr(false),
				StaticAttributes: []model.Attribute{{Name: "location", Type: "Text", Value: "here"}},
			})
			So(err, ShouldBeNil)
			So(f.broker.updates, ShouldBeEmpty)
		})

		Convey("配置组提供类型、entityNameExp 与属性", func() {
			_, err := f.svc.CreateGroups(f.ctx, []model.Group{{
				Service: "s", Subservice: "/", Resource: "/iot/d", Apikey: "k1", Type: "Sensor",
				EntityNameExp:    `${@type # "-" # @id # "-" # @floor}`,
				StaticAttributes: []model.Attribute{{Name: "floor", Type: "Number", Value: 3}},
				Active:           []model.Attribute{{ObjectID: "t", Name: "temperature", Type: "Number"}},
			}})
			So(err, ShouldBeNil)

			d, err := f.svc.RegisterDevice(f.ctx, model.Device{ID: "s1", Service: "S", Subservice: "/", Apikey: "k1"})
			So(err, ShouldBeNil)
			So(d.Type, ShouldEqual, "Sensor")
			So(d.Name, ShouldEqual, "Sensor-s1-3")
			So(d.Active, ShouldBeEmpty)

			eff, err := f.svc.EffectiveDevice(f.ctx, d)
			So(err, ShouldBeNil)
			So(eff.Active, ShouldHaveLength, 1)
			So(eff.Active[0].Name, ShouldEqual, "temperature")

			entity := f.broker.updates[len(f.broker.updates)-1][0]
			So(entity.Names(), ShouldResemble, []string{"temperature", "floor"})
		})
	})
}

func TestRegisterDeviceLD(t *testing.T) {
	f := newFixture(t, pkg.NgsiLD, func(c *pkg.Config) { c.Timestamp = true })
	d, err := f.svc.RegisterDevice(f.ctx, model.Device{
		ID: "ld1", Type: "Motion", Service: "s", Subservice: "/",
		Active: []model.Attribute{{Name: "moving", Type: "Boolean"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "urn:ngsi-ld:Motion:ld1", d.Name)

	require.Len(t, f.broker.updates, 1)
	entity := f.broker.updates[0][0]
	ti, ok := entity.Attribute(model.TimeInstant)
	require.True(t, ok)
	assert.Equal(t, "2024-03-01T10:00:00.000Z", ti.Value)
}

func TestTypeTemplate(t *testing.T) {
	f := newFixture(t, pkg.NgsiV2, func(c *pkg.Config) {
		c.Types = map[string]pkg.TypeConfig{
			"light": {
				Apikey:   "typekey",
				Commands: []map[string]any{{"name": "on", "type": "command"}},
				Active:   []map[string]any{{"object_id": "p", "name": "pressure", "type": "Number"}},
			},
		}
	})
	g, err := f.svc.TypeGroup("Light")
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, "on", g.Commands[0].ObjectID)
	assert.Equal(t, "pressure", g.Active[0].Name)

	d, err := f.svc.RegisterDevice(f.ctx, model.Device{ID: "l9", Type: "Light", Service: "s", Subservice: "/"})
	require.NoError(t, err)
	assert.Equal(t, []string{"l9"}, f.broker.registered)
	assert.Equal(t, "reg1", d.RegistrationID)
}

func TestUpdateDevice(t *testing.T) {
	Convey("设备重新开通", t, func() {
		f := newFixture(t, pkg.NgsiV2, nil)

		Convey("不存在的设备返回 DeviceNotFound", func() {
			_, err := f.svc.UpdateDevice(f.ctx, model.Device{ID: "ghost", Service: "s", Subservice: "/"})
			So(errors.Is(err, pkg.ErrDeviceNotFound), ShouldBeTrue)
		})

		Convey("commands 变化时重新注册并保留 internalId", func() {
			created, err := f.svc.RegisterDevice(f.ctx, model.Device{
				ID: "d1", Type: "Robot", Service: "s", Subservice: "/",
				Commands: []model.Attribute{{Name: "move"}},
			})
			So(err, ShouldBeNil)

			updated, err := f.svc.UpdateDevice(f.ctx, model.Device{
				ID: "d1", Service: "s", Subservice: "/",
				Commands: []model.Attribute{{Name: "move"}, {Name: "stop"}},
			})
			So(err, ShouldBeNil)
			So(updated.InternalID, ShouldEqual, created.InternalID)
			So(updated.Commands[1].ObjectID, ShouldEqual, "stop")
			So(f.broker.unregistered, ShouldResemble, []string{"reg1"})
			So(updated.RegistrationID, ShouldEqual, "reg2")

			last := f.broker.updates[len(f.broker.updates)-1][0]
			So(last.Names(), ShouldResemble, []string{"stop_status", "stop_info"})
		})

		Convey("只改 timezone 不重新注册", func() {
			_, err := f.svc.RegisterDevice(f.ctx, model.Device{ID: "d2", Service: "s", Subservice: "/", Lazy: []model.Attribute{{Name: "l"}}})
			So(err, ShouldBeNil)
			d, err := f.svc.UpdateDevice(f.ctx, model.Device{ID: "d2", Service: "s", Subservice: "/", Timezone: "Europe/Madrid"})
			So(err, ShouldBeNil)
			So(d.Timezone, ShouldEqual, "Europe/Madrid")
			So(f.broker.unregistered, ShouldBeEmpty)
			So(d.RegistrationID, ShouldEqual, "reg1")
		})
	})
}

func TestUnregisterDevice(t *testing.T) {
	f := newFixture(t, pkg.NgsiV2, nil)
	_, err := f.svc.RegisterDevice(f.ctx, model.Device{
		ID: "d1", Service: "s", Subservice: "/", Lazy: []model.Attribute{{Name: "l"}},
		Subscriptions: []model.Subscription{{ID: "sub1"}},
	})
	require.NoError(t, err)

	f.broker.unsubscribeErr = errors.New("broker down")
	require.NoError(t, f.svc.UnregisterDevice(f.ctx, "d1", "s", "/"))
	assert.Equal(t, []string{"reg1"}, f.broker.unregistered)
	assert.Equal(t, 1, f.logs.FilterMessage("取消设备订阅失败，继续删除设备").Len())

	_, err = f.svc.GetDevice(f.ctx, "d1", "s", "/")
	assert.ErrorIs(t, err, pkg.ErrDeviceNotFound)
	assert.ErrorIs(t, f.svc.UnregisterDevice(f.ctx, "d1", "s", "/"), pkg.ErrDeviceNotFound)
}

func TestGroups(t *testing.T) {
	Convey("配置组", t, func() {
		f := newFixture(t, pkg.NgsiV2, nil)
		base := model.Group{Service: "smartgondor", Subservice: "/gardens", Resource: "/iot/d", Apikey: "801230BJKL23Y9090DSFL123HJK09H324HV8732", Type: "Light"}

		Convey("相同 (resource, apikey) 的第二个配置组返回 DuplicateGroup", func() {
			_, err := f.svc.CreateGroups(f.ctx, []model.Group{base})
			So(err, ShouldBeNil)
			_, err = f.svc.CreateGroups(f.ctx, []model.Group{base})
			So(errors.Is(err, pkg.ErrDuplicateGroup), ShouldBeTrue)

			other := base
			other.Apikey = "another"
			created, err := f.svc.CreateGroups(f.ctx, []model.Group{other})
			So(err, ShouldBeNil)
			So(created, ShouldHaveLength, 1)

			list, err := f.svc.ListGroups(f.ctx, "SmartGondor", 0, 0)
			So(err, ShouldBeNil)
			So(list.Count, ShouldEqual, 2)
		})

		Convey("同一批次内的重复也被拒绝且不写入", func() {
			_, err := f.svc.CreateGroups(f.ctx, []model.Group{base, base})
			So(errors.Is(err, pkg.ErrDuplicateGroup), ShouldBeTrue)
			list, _ := f.svc.ListGroups(f.ctx, "", 0, 0)
			So(list.Count, ShouldEqual, 0)
		})

		Convey("缺少 apikey 返回 MissingAttributes，resource 使用默认值", func() {
			_, err := f.svc.CreateGroups(f.ctx, []model.Group{{Service: "s", Subservice: "/"}})
			So(errors.Is(err, pkg.ErrMissingAttributes), ShouldBeTrue)

			created, err := f.svc.CreateGroups(f.ctx, []model.Group{{Service: "s", Subservice: "/", Apikey: "k"}})
			So(err, ShouldBeNil)
			So(created[0].Resource, ShouldEqual, pkg.DefaultResource)
		})

		Convey("更新与删除时 service 不匹配返回 MismatchedService", func() {
			_, err := f.svc.CreateGroups(f.ctx, []model.Group{base})
			So(err, ShouldBeNil)

			_, err = f.svc.UpdateGroup(f.ctx, "other", "/gardens", base.Resource, base.Apikey, model.Group{Trust: "t"})
			So(errors.Is(err, pkg.ErrMismatchedService), ShouldBeTrue)
			err = f.svc.RemoveGroup(f.ctx, "smartgondor", "/other", base.Resource, base.Apikey, false)
			So(errors.Is(err, pkg.ErrMismatchedService), ShouldBeTrue)

			g, err := f.svc.UpdateGroup(f.ctx, "SmartGondor", "/gardens", base.Resource, base.Apikey, model.Group{Trust: "t", Service: "ignored"})
			So(err, ShouldBeNil)
			So(g.Trust, ShouldEqual, "t")
			So(g.Service, ShouldEqual, "smartgondor")
			So(g.Type, ShouldEqual, "Light")
		})

		Convey("删除配置组时可同时注销其设备", func() {
			_, err := f.svc.CreateGroups(f.ctx, []model.Group{base})
			So(err, ShouldBeNil)
			_, err = f.svc.RegisterDevice(f.ctx, model.Device{ID: "l1", Service: "smartgondor", Subservice: "/gardens", Apikey: base.Apikey})
			So(err, ShouldBeNil)

			So(f.svc.RemoveGroup(f.ctx, "smartgondor", "/gardens", base.Resource, base.Apikey, true), ShouldBeNil)
			_, err = f.svc.GetDevice(f.ctx, "l1", "smartgondor", "/gardens")
			So(errors.Is(err, pkg.ErrDeviceNotFound), ShouldBeTrue)
			_, err = f.svc.FindGroup(f.ctx, "smartgondor", "/gardens", "")
			So(errors.Is(err, pkg.ErrDeviceGroupNotFound), ShouldBeTrue)
		})
	})
}

func TestSingleConfigurationMode(t *testing.T) {
	f := newFixture(t, pkg.NgsiV2, func(c *pkg.Config) { c.SingleConfigurationMode = true })
	_, err := f.svc.CreateGroups(f.ctx, []model.Group{{Service: "s", Subservice: "/", Apikey: "a"}})
	require.NoError(t, err)
	_, err = f.svc.CreateGroups(f.ctx, []model.Group{{Service: "s", Subservice: "/", Apikey: "b"}})
	assert.ErrorIs(t, err, pkg.ErrDuplicateGroup)
	_, err = f.svc.CreateGroups(f.ctx, []model.Group{{Service: "s", Subservice: "/other", Apikey: "b"}})
	assert.NoError(t, err)
}

func TestGetEffectiveAPIKey(t *testing.T) {
	f := newFixture(t, pkg.NgsiV2, func(c *pkg.Config) {
		c.DefaultKey = "default"
		c.Types = map[string]pkg.TypeConfig{"Light": {Apikey: "typekey"}}
	})
	ctx := f.ctx
	_, err := f.svc.CreateGroups(ctx, []model.Group{{Service: "s", Subservice: "/", Apikey: "groupkey", Type: "Light"}})
	require.NoError(t, err)

	key, err := f.svc.GetEffectiveAPIKey(ctx, "s", "/", "Light")
	require.NoError(t, err)
	assert.Equal(t, "groupkey", key)

	require.NoError(t, f.svc.RemoveGroup(ctx, "s", "/", pkg.DefaultResource, "groupkey", false))
	key, err = f.svc.GetEffectiveAPIKey(ctx, "s", "/", "Light")
	require.NoError(t, err)
	assert.Equal(t, "typekey", key)

	f.cfg.Types = nil
	key, err = f.svc.GetEffectiveAPIKey(ctx, "s", "/", "Light")
	require.NoError(t, err)
	assert.Equal(t, "default", key)

	f.cfg.DefaultKey = ""
	_, err = f.svc.GetEffectiveAPIKey(ctx, "s", "/", "Light")
	assert.ErrorIs(t, err, pkg.ErrGroupNotFound)
}

func TestDeviceProvisionChain(t *testing.T) {
	f := newFixture(t, pkg.NgsiV2, nil)
	chains := &middleware.Chains{}
	chains.DeviceProvision.Use(func(_ context.Context, d model.Device) (model.Device, error) {
		d.Timezone = "UTC"
		return d, nil
	})
	svc := New(f.ctx, f.cfg, f.devices, f.groups, f.broker, chains)
	d, err := svc.RegisterDevice(f.ctx, model.Device{ID: "x", Service: "s", Subservice: "/"})
	require.NoError(t, err)
	assert.Equal(t, "UTC", d.Timezone)

	boom := pkg.NewBadRequest("rejected")
	chains.DeviceProvision.Use(func(context.Context, model.Device) (model.Device, error) { return model.Device{}, boom })
	_, err = svc.RegisterDevice(f.ctx, model.Device{ID: "y", Service: "s", Subservice: "/"})
	assert.Equal(t, boom, err)
	_, err = svc.GetDevice(f.ctx, "y", "s", "/")
	assert.ErrorIs(t, err, pkg.ErrDeviceNotFound)
}

func TestRegisterDeviceRollback(t *testing.T) {
	Convey("开通中途失败时撤销链上创建的订阅", t, func() {
		f := newFixture(t, pkg.NgsiV2, nil)
		chains := &middleware.Chains{}
		chains.DeviceProvision.Use(func(_ context.Context, d model.Device) (model.Device, error) {
			d.AddSubscription(model.Subscription{ID: "sub1", Triggers: []string{"location"}})
			return d, nil
		})
		svc := New(f.ctx, f.cfg, f.devices, f.groups, f.broker, chains)
		lazy := model.Device{ID: "d1", Type: "T", Service: "s", Subservice: "/",
			Active: []model.Attribute{{Name: "temperature", Type: "Number"}},
			Lazy:   []model.Attribute{{Name: "luminance", Type: "lumens"}}}

		Convey("注册 context provider 失败", func() {
			f.broker.registerErr = pkg.NewBadRequest("registration rejected")
			_, err := svc.RegisterDevice(f.ctx, lazy)
			So(errors.Is(err, pkg.ErrBadRequest), ShouldBeTrue)
			So(f.broker.unsubscribed, ShouldResemble, []string{"sub1"})
			So(f.broker.unregistered, ShouldBeEmpty)
		})

		Convey("写入初始实体失败时同时注销注册", func() {
			f.broker.updateErr = pkg.NewBadRequest("entity rejected")
			_, err := svc.RegisterDevice(f.ctx, lazy)
			So(errors.Is(err, pkg.ErrBadRequest), ShouldBeTrue)
			So(f.broker.unsubscribed, ShouldResemble, []string{"sub1"})
			So(f.broker.unregistered, ShouldResemble, []string{"reg1"})

			_, err = svc.GetDevice(f.ctx, "d1", "s", "/")
			So(errors.Is(err, pkg.ErrDeviceNotFound), ShouldBeTrue)
		})

		Convey("撤销失败只记录日志，返回原始错误", func() {
			f.broker.registerErr = pkg.NewBadRequest("registration rejected")
			f.broker.unsubscribeErr = errors.New("broker down")
			_, err := svc.RegisterDevice(f.ctx, lazy)
			So(errors.Is(err, pkg.ErrBadRequest), ShouldBeTrue)
			So(f.logs.FilterMessage("撤销开通订阅失败").Len(), ShouldEqual, 1)
		})
	})
}
