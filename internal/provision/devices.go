package provision

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"iotagent/internal/expression"
	"iotagent/internal/model"
	"iotagent/internal/ngsi"
	"iotagent/internal/pkg"
)

// entityName 设备未指定 name 时：配置组的 entityNameExp，否则 type<conj>id
func (s *Service) entityName(device *model.Device, group *model.Group) string {
	if group != nil && group.EntityNameExp != "" {
		vars := map[string]any{
			"id":         device.ID,
			"type":       device.Type,
			"service":    device.Service,
			"subservice": device.Subservice,
		}
		for _, list := range [][]model.Attribute{group.StaticAttributes, device.StaticAttributes} {
			for _, a := range list {
				vars[a.Name] = a.Value
			}
		}
		v, err := expression.Evaluate(group.EntityNameExp, vars)
		if err == nil && expression.String(v) != "" {
			return expression.String(v)
		}
		s.logger.Debug("entityNameExp 求值失败，使用默认实体名",
			zap.String("expression", group.EntityNameExp), zap.Error(err))
	}
	conj := s.cfg.DefaultConjunction
	if group != nil && group.DefaultEntityNameConjunction != "" {
		conj = group.DefaultEntityNameConjunction
	}
	name := device.Type + conj + device.ID
	if s.isLD() {
		name = ngsi.LDURNPrefix + name
	}
	return name
}

// initialEntity 开通时写入 broker 的初始实体：active 属性的初始值、静态属性、命令状态
func (s *Service) initialEntity(device *model.Device) model.Entity {
	entity := model.Entity{ID: device.Name, Type: device.Type}
	for _, a := range device.Active {
		if a.EntityName != "" {
			continue
		}
		entity.Set(model.AttributeValue{Name: a.Name, Type: a.Type, Value: ngsi.InitialValue(a.Type), Metadata: a.Metadata})
	}
	for _, a := range device.StaticAttributes {
		if a.EntityName != "" {
			continue
		}
		entity.Set(model.AttributeValue{Name: a.Name, Type: a.Type, Value: a.Value, Metadata: a.Metadata})
	}
	for _, c := range device.Commands {
		entity.Set(model.AttributeValue{Name: c.Name + model.CommandStatusSuffix, Type: model.CommandStatusType, Value: "UNKNOWN"})
		entity.Set(model.AttributeValue{Name: c.Name + model.CommandInfoSuffix, Type: model.CommandResultType, Value: " "})
	}
	if len(entity.Attributes) > 0 && s.timestampEnabled(device) {
		ngsi.AddTimestamp(&entity, s.broker.Dialect().TimestampType(), device.Timezone, s.now())
	}
	return entity
}

func (s *Service) upsertInitialEntity(ctx context.Context, device *model.Device) error {
	if !model.Bool(device.Autoprovision, true) {
		s.logger.Debug("autoprovision 关闭，跳过初始实体", zap.String("device", device.ID))
		return nil
	}
	entity := s.initialEntity(device)
	if len(entity.Attributes) == 0 {
		return nil
	}
	return s.broker.Update(ctx, device, []model.Entity{entity}, ngsi.UpdateOptions{
		Upsert:      true,
		FlowControl: model.Bool(device.UseCBFlowControl, s.cfg.UseCBFlowControl),
	})
}

// RegisterDevice 开通设备：补齐默认值，注册 context provider，写入初始实体，最后持久化
func (s *Service) RegisterDevice(ctx context.Context, device model.Device) (*model.Device, error) {
	if device.ID == "" {
		return nil, pkg.NewMissingAttributes("device id is missing")
	}
	if device.Service == "" {
		device.Service = s.cfg.Service
	}
	if device.Subservice == "" {
		device.Subservice = s.cfg.Subservice
	}
	if _, err := s.devices.Get(ctx, device.ID, device.Service, device.Subservice); err == nil {
		return nil, pkg.NewDuplicateDeviceID(device.ID)
	} else if !errors.Is(err, pkg.ErrDeviceNotFound) {
		return nil, err
	}

	device = device.Clone()
	group, err := s.FindConfigurationGroup(ctx, &device)
	if err != nil {
		return nil, err
	}
	if device.Type == "" {
		if group != nil && group.Type != "" {
			device.Type = group.Type
		} else {
			device.Type = s.cfg.DefaultType
		}
		if group == nil {
			if group, err = s.TypeGroup(device.Type); err != nil {
				return nil, err
			}
		}
	}
	if device.Transport == "" && group != nil {
		device.Transport = group.Transport
	}
	if device.Transport == model.TransportHTTP {
		polling := device.Endpoint == "" && (group == nil || group.Endpoint == "")
		device.Polling = model.BoolPtr(polling)
	}
	if device.Name == "" {
		device.Name = s.entityName(&device, group)
	}
	if device.InternalID == "" {
		device.InternalID = uuid.NewString()
	}
	device.CreationDate = s.now()
	device.SetDefaultAttributeIds()

	device, err = s.chains.DeviceProvision.Run(ctx, device)
	if err != nil {
		return nil, err
	}

	effective := device.Merge(group)
	effective.SetDefaultAttributeIds()
	regID, err := s.broker.Register(ctx, &effective)
	if err != nil {
		s.rollbackRegistration(ctx, &effective, "")
		return nil, err
	}
	device.RegistrationID = regID
	effective.RegistrationID = regID

	if err := s.upsertInitialEntity(ctx, &effective); err != nil {
		s.rollbackRegistration(ctx, &effective, regID)
		return nil, err
	}
	if err := s.devices.Create(ctx, &device); err != nil {
		s.rollbackRegistration(ctx, &effective, regID)
		return nil, err
	}
	s.logger.Info("设备已开通",
		zap.String("device", device.ID), zap.String("entity", device.Name),
		zap.String("service", device.Service), zap.String("subservice", device.Subservice))
	return &device, nil
}

// rollbackRegistration 开通中途失败时撤销已在 broker 上创建的订阅和注册，失败只记录
func (s *Service) rollbackRegistration(ctx context.Context, effective *model.Device, regID string) {
	if len(effective.Subscriptions) > 0 {
		if err := s.broker.UnsubscribeAll(ctx, effective); err != nil {
			s.logger.Warn("撤销开通订阅失败", zap.String("device", effective.ID), zap.Error(err))
		}
	}
	if regID == "" {
		return
	}
	reg := *effective
	reg.RegistrationID = regID
	if err := s.broker.Unregister(ctx, &reg); err != nil {
		s.logger.Warn("撤销开通注册失败", zap.String("device", effective.ID), zap.Error(err))
	}
}

// attributeDifference newer 中 name 不在 older 里的属性
func attributeDifference(older, newer []model.Attribute) []model.Attribute {
	known := make(map[string]struct{}, len(older))
	for _, a := range older {
		known[a.Name] = struct{}{}
	}
	var out []model.Attribute
	for _, a := range newer {
		if _, ok := known[a.Name]; !ok {
			out = append(out, a)
		}
	}
	return out
}

// mergeDevice 将 changes 中已设置的字段覆盖到 d 上，标识字段保持不变
func mergeDevice(d model.Device, changes model.Device) model.Device {
	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setString(&d.Name, changes.Name)
	setString(&d.Type, changes.Type)
	setString(&d.Apikey, changes.Apikey)
	setString(&d.Resource, changes.Resource)
	setString(&d.InternalID, changes.InternalID)
	setString(&d.Protocol, changes.Protocol)
	setString(&d.Transport, changes.Transport)
	setString(&d.Endpoint, changes.Endpoint)
	setString(&d.Timezone, changes.Timezone)
	setString(&d.CbHost, changes.CbHost)
	setString(&d.EntityNameExp, changes.EntityNameExp)
	if changes.Polling != nil {
		d.Polling = changes.Polling
	}
	if changes.Timestamp != nil {
		d.Timestamp = changes.Timestamp
	}
	if changes.ExplicitAttrs != nil {
		d.ExplicitAttrs = changes.ExplicitAttrs
	}
	if changes.Autoprovision != nil {
		d.Autoprovision = changes.Autoprovision
	}
	if changes.UseCBFlowControl != nil {
		d.UseCBFlowControl = changes.UseCBFlowControl
	}
	if changes.Active != nil {
		d.Active = changes.Active
	}
	if changes.Lazy != nil {
		d.Lazy = changes.Lazy
	}
	if changes.Commands != nil {
		d.Commands = changes.Commands
	}
	if changes.StaticAttributes != nil {
		d.StaticAttributes = changes.StaticAttributes
	}
	if changes.InternalAttributes != nil {
		d.InternalAttributes = changes.InternalAttributes
	}
	return d
}

// UpdateDevice 重新开通已存在的设备。lazy/commands 变化时重新注册 context provider，
// 新增的 active/静态属性/命令写入实体
func (s *Service) UpdateDevice(ctx context.Context, changes model.Device) (*model.Device, error) {
	if changes.ID == "" {
		return nil, pkg.NewMissingAttributes("device id is missing")
	}
	old, err := s.devices.Get(ctx, changes.ID, changes.Service, changes.Subservice)
	if err != nil {
		return nil, err
	}
	updated := mergeDevice(old.Clone(), changes.Clone())
	updated.SetDefaultAttributeIds()

	oldEffective, err := s.EffectiveDevice(ctx, old)
	if err != nil {
		return nil, err
	}
	newEffective, err := s.EffectiveDevice(ctx, &updated)
	if err != nil {
		return nil, err
	}

	if newEffective.RegistrationChanged(&oldEffective) || newEffective.Name != oldEffective.Name {
		if err := s.broker.Unregister(ctx, &oldEffective); err != nil {
			return nil, err
		}
		newEffective.RegistrationID = ""
		regID, err := s.broker.Register(ctx, &newEffective)
		if err != nil {
			return nil, err
		}
		updated.RegistrationID = regID
		newEffective.RegistrationID = regID
	}

	added := newEffective
	added.Active = attributeDifference(oldEffective.Active, newEffective.Active)
	added.StaticAttributes = attributeDifference(oldEffective.StaticAttributes, newEffective.StaticAttributes)
	added.Commands = attributeDifference(oldEffective.Commands, newEffective.Commands)
	if newEffective.Name != oldEffective.Name || newEffective.Type != oldEffective.Type {
		added = newEffective
	}
	if err := s.upsertInitialEntity(ctx, &added); err != nil {
		return nil, err
	}

	if err := s.devices.Update(ctx, &updated); err != nil {
		return nil, err
	}
	s.logger.Info("设备已更新", zap.String("device", updated.ID), zap.String("service", updated.Service))
	return &updated, nil
}

// UnregisterDevice 取消全部订阅 (失败只记录)，注销 context provider，删除设备
func (s *Service) UnregisterDevice(ctx context.Context, id, service, subservice string) error {
	device, err := s.devices.Get(ctx, id, service, subservice)
	if err != nil {
		return err
	}
	effective, err := s.EffectiveDevice(ctx, device)
	if err != nil {
		return err
	}
	if err := s.broker.UnsubscribeAll(ctx, &effective); err != nil {
		s.logger.Warn("取消设备订阅失败，继续删除设备", zap.String("device", id), zap.Error(err))
	}
	if err := s.broker.Unregister(ctx, &effective); err != nil {
		return err
	}
	if err := s.devices.Remove(ctx, device.ID, device.Service, device.Subservice); err != nil {
		return err
	}
	s.logger.Info("设备已删除", zap.String("device", id), zap.String("service", service))
	return nil
}

// GetDevice 读取设备
func (s *Service) GetDevice(ctx context.Context, id, service, subservice string) (*model.Device, error) {
	return s.devices.Get(ctx, id, service, subservice)
}

func (s *Service) ListDevices(ctx context.Context, service, subservice string, limit, offset int) (*model.DeviceList, error) {
	return s.devices.List(ctx, service, subservice, limit, offset)
}
