package agent

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"iotagent/internal/middleware"
	"iotagent/internal/model"
	"iotagent/internal/ngsi"
	"iotagent/internal/pkg"
)

// Register 开通设备
func (a *Agent) Register(ctx context.Context, device model.Device) (*model.Device, error) {
	out, err := a.provision.RegisterDevice(ctx, device)
	if err != nil {
		return nil, a.dbError(ctx, err)
	}
	a.stats.IncDeviceCreation()
	return out, nil
}

// ProvisionDevice 经 provisioning handler 处理后开通设备，HTTP 开通接口使用
func (a *Agent) ProvisionDevice(ctx context.Context, device model.Device) (*model.Device, error) {
	if h := a.current().provisioning; h != nil {
		var err error
		if device, err = h(ctx, device); err != nil {
			return nil, err
		}
	}
	return a.Register(ctx, device)
}

// UpdateRegister 重新开通已存在的设备
func (a *Agent) UpdateRegister(ctx context.Context, device model.Device) (*model.Device, error) {
	out, err := a.provision.UpdateDevice(ctx, device)
	return out, a.dbError(ctx, err)
}

// Unregister 注销设备并清理缓存的上次测量值
func (a *Agent) Unregister(ctx context.Context, id, service, subservice string) error {
	device, err := a.provision.GetDevice(ctx, id, service, subservice)
	if err != nil {
		return a.dbError(ctx, err)
	}
	if err := a.provision.UnregisterDevice(ctx, id, service, subservice); err != nil {
		return a.dbError(ctx, err)
	}
	a.cache.Forget(middleware.Key(device.Service, device.Subservice, device.Name))
	a.stats.IncDeviceRemoval()
	return nil
}

func (a *Agent) GetDevice(ctx context.Context, id, service, subservice string) (*model.Device, error) {
	d, err := a.provision.GetDevice(ctx, id, service, subservice)
	return d, a.dbError(ctx, err)
}

func (a *Agent) ListDevices(ctx context.Context, service, subservice string, limit, offset int) (*model.DeviceList, error) {
	l, err := a.provision.ListDevices(ctx, service, subservice, limit, offset)
	return l, a.dbError(ctx, err)
}

// ProvisionGroups 经 configuration handler 通知后创建配置组
func (a *Agent) ProvisionGroups(ctx context.Context, groups []model.Group) ([]model.Group, error) {
	if h := a.current().configuration; h != nil {
		for _, g := range groups {
			if err := h(ctx, g); err != nil {
				return nil, err
			}
		}
	}
	out, err := a.provision.CreateGroups(ctx, groups)
	return out, a.dbError(ctx, err)
}

// UpdateGroup 更新配置组并通知 configuration handler
func (a *Agent) UpdateGroup(ctx context.Context, service, subservice, resource, apikey string, changes model.Group) (*model.Group, error) {
	g, err := a.provision.UpdateGroup(ctx, service, subservice, resource, apikey, changes)
	if err != nil {
		return nil, a.dbError(ctx, err)
	}
	if h := a.current().configuration; h != nil {
		if err := h(ctx, *g); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (a *Agent) ListGroups(ctx context.Context, service string, limit, offset int) (*model.GroupList, error) {
	l, err := a.provision.ListGroups(ctx, service, limit, offset)
	return l, a.dbError(ctx, err)
}

// RemoveGroup 删除配置组，removeDevices 时一并注销组内设备
func (a *Agent) RemoveGroup(ctx context.Context, service, subservice, resource, apikey string, removeDevices bool) error {
	return a.dbError(ctx, a.provision.RemoveGroup(ctx, service, subservice, resource, apikey, removeDevices))
}

// resolveDevice 读取设备；不存在且配置组允许自动开通时先开通
func (a *Agent) resolveDevice(ctx context.Context, id, typ, service, subservice string) (*model.Device, error) {
	device, err := a.provision.GetDevice(ctx, id, service, subservice)
	if err == nil {
		return device, nil
	}
	if !errors.Is(err, pkg.ErrDeviceNotFound) {
		return nil, a.dbError(ctx, err)
	}
	candidate := model.Device{ID: id, Type: typ, Service: service, Subservice: subservice}
	group, gerr := a.provision.FindConfigurationGroup(ctx, &candidate)
	if gerr != nil {
		return nil, gerr
	}
	if group == nil || !model.Bool(group.Autoprovision, true) {
		return nil, err
	}
	if candidate.Apikey == "" {
		candidate.Apikey = group.Apikey
	}
	a.logger.Info("自动开通设备", zap.String("device", id), zap.String("type", typ), zap.String("service", service))
	return a.Register(ctx, candidate)
}

// filterExplicit explicitAttrs 开启时只保留设备声明过的属性
func filterExplicit(entity *model.Entity, device *model.Device) {
	allowed := map[string]struct{}{model.TimeInstant: {}}
	for _, list := range [][]model.Attribute{device.Active, device.StaticAttributes} {
		for _, a := range list {
			allowed[a.Name] = struct{}{}
		}
	}
	for _, c := range device.Commands {
		allowed[c.Name+model.CommandStatusSuffix] = struct{}{}
		allowed[c.Name+model.CommandInfoSuffix] = struct{}{}
	}
	kept := entity.Attributes[:0]
	for _, attr := range entity.Attributes {
		if _, ok := allowed[attr.Name]; ok {
			kept = append(kept, attr)
		}
	}
	entity.Attributes = kept
}

// addStaticAttributes 追加设备的静态属性，已上报的同名属性不覆盖
func addStaticAttributes(entity *model.Entity, device *model.Device) {
	for _, s := range device.StaticAttributes {
		if s.EntityName != "" {
			continue
		}
		if _, ok := entity.Attribute(s.Name); ok {
			continue
		}
		entity.Attributes = append(entity.Attributes, model.AttributeValue{
			Name: s.Name, Type: s.Type, Value: s.Value, Metadata: s.Metadata,
		})
	}
}

// Update 南向测量值上报：解析设备，经更新变换链处理后发往 broker。
// 校验类错误在发送前返回
func (a *Agent) Update(ctx context.Context, deviceID, typ, service, subservice string, attrs []model.AttributeValue) error {
	a.stats.IncMeasureRequests()
	device, err := a.resolveDevice(ctx, deviceID, typ, service, subservice)
	if err != nil {
		return err
	}
	effective, err := a.provision.EffectiveDevice(ctx, device)
	if err != nil {
		return err
	}
	entity := model.Entity{
		ID:         effective.Name,
		Type:       effective.Type,
		Attributes: append([]model.AttributeValue(nil), attrs...),
	}
	addStaticAttributes(&entity, &effective)

	out, err := a.chains.Update.Run(ctx, middleware.EntityEnvelope{Entity: entity, TypeInfo: &effective})
	if err != nil {
		return err
	}
	entity = out.Entity
	if model.Bool(effective.ExplicitAttrs, a.cfg.ExplicitAttrs) {
		filterExplicit(&entity, &effective)
	}
	if model.Bool(effective.Timestamp, a.cfg.Timestamp) {
		if err := ngsi.ValidateTimestamp(&entity); err != nil {
			return err
		}
		ngsi.AddTimestamp(&entity, a.dialect.TimestampType(), effective.Timezone, a.now())
	}
	return a.gateway.Update(ctx, &effective, []model.Entity{entity}, ngsi.UpdateOptions{
		Append:      a.cfg.AppendMode,
		FlowControl: model.Bool(effective.UseCBFlowControl, a.cfg.UseCBFlowControl),
	})
}

// Query 查询设备实体在 broker 上的属性，结果经查询变换链处理
func (a *Agent) Query(ctx context.Context, deviceID, typ, service, subservice string, attrs []string) (model.Entity, error) {
	device, err := a.provision.GetDevice(ctx, deviceID, service, subservice)
	if err != nil {
		return model.Entity{}, a.dbError(ctx, err)
	}
	effective, err := a.provision.EffectiveDevice(ctx, device)
	if err != nil {
		return model.Entity{}, err
	}
	if typ == "" {
		typ = effective.Type
	}
	entity, err := a.gateway.Query(ctx, &effective, model.EntityRef{ID: effective.Name, Type: typ}, attrs)
	if err != nil {
		return model.Entity{}, err
	}
	out, err := a.chains.Query.Run(ctx, middleware.EntityEnvelope{Entity: entity, TypeInfo: &effective})
	if err != nil {
		return model.Entity{}, err
	}
	return out.Entity, nil
}

// AddCommand 命令入队
func (a *Agent) AddCommand(ctx context.Context, service, subservice, deviceID string, cmd model.AttributeValue) (*model.Command, error) {
	return a.queue.Add(ctx, service, subservice, deviceID, cmd)
}

func (a *Agent) RemoveCommand(ctx context.Context, service, subservice, deviceID, name string) (*model.Command, error) {
	return a.queue.Remove(ctx, service, subservice, deviceID, name)
}

// CommandQueue 设备的待下发命令
func (a *Agent) CommandQueue(ctx context.Context, service, subservice, deviceID string) (*model.CommandList, error) {
	return a.queue.List(ctx, service, subservice, deviceID)
}

// sendCommandStatus 更新实体上的 <cmd>_status 与 <cmd>_info
func (a *Agent) sendCommandStatus(ctx context.Context, device *model.Device, name, status string, info any) error {
	attrs := []model.AttributeValue{{Name: name + model.CommandStatusSuffix, Type: model.CommandStatusType, Value: status}}
	if info != nil {
		attrs = append(attrs, model.AttributeValue{Name: name + model.CommandInfoSuffix, Type: model.CommandResultType, Value: info})
	}
	entity := model.Entity{ID: device.Name, Type: device.Type, Attributes: attrs}
	if model.Bool(device.Timestamp, a.cfg.Timestamp) {
		ngsi.AddTimestamp(&entity, a.dialect.TimestampType(), device.Timezone, a.now())
	}
	return a.gateway.Update(ctx, device, []model.Entity{entity}, ngsi.UpdateOptions{
		FlowControl: model.Bool(device.UseCBFlowControl, a.cfg.UseCBFlowControl),
	})
}

// SetCommandResult 上报命令执行结果。命令未在设备或其配置组上声明时返回 CommandNotFound
func (a *Agent) SetCommandResult(ctx context.Context, deviceID, service, subservice, name, status string, result any) error {
	device, err := a.provision.GetDevice(ctx, deviceID, service, subservice)
	if err != nil {
		return a.dbError(ctx, err)
	}
	effective, err := a.provision.EffectiveDevice(ctx, device)
	if err != nil {
		return err
	}
	if _, ok := effective.FindCommand(name); !ok {
		return pkg.NewCommandNotFound(name)
	}
	if err := a.sendCommandStatus(ctx, &effective, name, status, result); err != nil {
		return err
	}
	a.stats.IncCommand(status)
	return nil
}

// reportExpired 过期的轮询命令上报为 ERROR / EXPIRED
func (a *Agent) reportExpired(ctx context.Context, device *model.Device, cmd model.Command) error {
	effective, err := a.provision.EffectiveDevice(ctx, device)
	if err != nil {
		return err
	}
	a.stats.IncCommand("expired")
	return a.sendCommandStatus(ctx, &effective, cmd.Name, model.CommandStatusError, model.CommandExpiredInfo)
}
