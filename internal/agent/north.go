package agent

import (
	"context"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"iotagent/internal/middleware"
	"iotagent/internal/model"
	"iotagent/internal/pkg"
)

// deviceForEntity 按实体名查找设备，返回设备与其有效配置
func (a *Agent) deviceForEntity(ctx context.Context, name, service, subservice string) (*model.Device, model.Device, error) {
	device, err := a.regs.Devices.GetByName(ctx, name, service, subservice)
	if err != nil {
		return nil, model.Device{}, a.dbError(ctx, err)
	}
	effective, err := a.provision.EffectiveDevice(ctx, device)
	if err != nil {
		return nil, model.Device{}, err
	}
	return device, effective, nil
}

// splitCommands 把属性分成命令与普通属性
func splitCommands(attrs []model.AttributeValue, device *model.Device) (commands, values []model.AttributeValue) {
	for _, attr := range attrs {
		if _, ok := device.FindCommand(attr.Name); ok {
			commands = append(commands, attr)
		} else {
			values = append(values, attr)
		}
	}
	return commands, values
}

// HandleUpdate 处理 broker 转发来的更新请求 (context provider 角色)。
// 轮询设备的命令进入队列，推送设备的命令交给 command handler，二者都先把状态置为 PENDING。
// 返回解析出的实体，v1 的响应需要回显它们
func (a *Agent) HandleUpdate(ctx context.Context, service, subservice string, body []byte) ([]model.Entity, error) {
	h := a.current()
	if h.update == nil && h.command == nil {
		return nil, pkg.NewBadConfiguration("no update or command handler registered")
	}
	entities, err := a.dialect.ParseNotification(body)
	if err != nil {
		return nil, err
	}
	var errs error
	for _, entity := range entities {
		errs = multierr.Append(errs, a.updateEntity(ctx, h, service, subservice, entity))
	}
	return entities, errs
}

func (a *Agent) updateEntity(ctx context.Context, h handlers, service, subservice string, entity model.Entity) error {
	device, effective, err := a.deviceForEntity(ctx, entity.ID, service, subservice)
	if err != nil {
		return err
	}
	commands, values := splitCommands(entity.Attributes, &effective)
	if h.command == nil && !effective.IsPolling() {
		values, commands = entity.Attributes, nil
	}

	if len(commands) > 0 {
		if effective.IsPolling() {
			for _, c := range commands {
				if _, err := a.queue.Add(ctx, device.Service, device.Subservice, device.ID, c); err != nil {
					return err
				}
			}
		} else if err := h.command(ctx, device.ID, effective.Type, service, subservice, commands); err != nil {
			return err
		}
		for _, c := range commands {
			if err := a.sendCommandStatus(ctx, &effective, c.Name, model.CommandStatusPending, nil); err != nil {
				return err
			}
		}
		a.logger.Debug("命令已受理",
			zap.String("device", device.ID), zap.Int("count", len(commands)), zap.Bool("polling", effective.IsPolling()))
	}

	if len(values) > 0 {
		if h.update == nil {
			return pkg.NewBadConfiguration("no update handler registered")
		}
		return h.update(ctx, device.ID, effective.Type, service, subservice, values)
	}
	return nil
}

// HandleQuery 处理 broker 转发来的查询请求，返回方言的查询响应文档。
// 未设置 query handler 时返回 lazy 属性的空值
func (a *Agent) HandleQuery(ctx context.Context, service, subservice string, body []byte) (any, error) {
	refs, attrs, err := a.dialect.ParseQueryRequest(body)
	if err != nil {
		return nil, err
	}
	h := a.current()
	entities := make([]model.Entity, 0, len(refs))
	for _, ref := range refs {
		device, effective, err := a.deviceForEntity(ctx, ref.ID, service, subservice)
		if err != nil {
			return nil, err
		}
		var entity model.Entity
		if h.query != nil {
			if entity, err = h.query(ctx, device.ID, effective.Type, service, subservice, attrs); err != nil {
				return nil, err
			}
		} else {
			entity = defaultQueryEntity(&effective, attrs)
		}
		if entity.ID == "" {
			entity.ID, entity.Type = effective.Name, effective.Type
		}
		out, err := a.chains.Query.Run(ctx, middleware.EntityEnvelope{Entity: entity, TypeInfo: &effective})
		if err != nil {
			return nil, err
		}
		entities = append(entities, out.Entity)
	}
	return a.dialect.BuildQueryResponse(entities)
}

func defaultQueryEntity(device *model.Device, attrs []string) model.Entity {
	wanted := make(map[string]struct{}, len(attrs))
	for _, name := range attrs {
		wanted[name] = struct{}{}
	}
	entity := model.Entity{ID: device.Name, Type: device.Type}
	for _, l := range device.Lazy {
		if _, ok := wanted[l.Name]; len(attrs) > 0 && !ok {
			continue
		}
		entity.Attributes = append(entity.Attributes, model.AttributeValue{Name: l.Name, Type: l.Type, Value: ""})
	}
	return entity
}

// HandleNotification 处理订阅通知，经通知变换链后交给 notification handler
func (a *Agent) HandleNotification(ctx context.Context, service, subservice string, body []byte) error {
	h := a.current()
	if h.notification == nil {
		return pkg.NewBadConfiguration("no notification handler registered")
	}
	entities, err := a.dialect.ParseNotification(body)
	if err != nil {
		return err
	}
	var errs error
	for _, entity := range entities {
		_, effective, err := a.deviceForEntity(ctx, entity.ID, service, subservice)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		out, err := a.chains.Notification.Run(ctx, middleware.NotificationEnvelope{Device: &effective, Values: entity.Attributes})
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		errs = multierr.Append(errs, h.notification(ctx, out.Device, out.Values))
	}
	return errs
}
