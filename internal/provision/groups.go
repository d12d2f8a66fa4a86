package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"iotagent/internal/model"
	"iotagent/internal/pkg"
)

// decodeAttributes 配置文件中的属性模板转换为 model.Attribute
func decodeAttributes(raw []map[string]any) ([]model.Attribute, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var attrs []model.Attribute
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &attrs,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, err
	}
	return model.SetDefaultAttributeIds(attrs), nil
}

// TypeGroup 将 types 中的静态类型模板转换为配置组，未配置时返回 nil
func (s *Service) TypeGroup(typ string) (*model.Group, error) {
	t, ok := s.cfg.TypeConfigFor(typ)
	if !ok {
		return nil, nil
	}
	g := &model.Group{
		Service:            t.Service,
		Subservice:         t.Subservice,
		Apikey:             t.Apikey,
		Type:               typ,
		Trust:              t.Trust,
		CbHost:             t.CbHost,
		Timezone:           t.Timezone,
		Timestamp:          t.Timestamp,
		ExplicitAttrs:      t.ExplicitAttrs,
		EntityNameExp:      t.EntityNameExp,
		InternalAttributes: t.InternalAttributes,
	}
	var err error
	if g.Active, err = decodeAttributes(t.Active); err != nil {
		return nil, pkg.NewBadConfiguration(fmt.Sprintf("types.%s.attributes: %v", typ, err))
	}
	if g.Lazy, err = decodeAttributes(t.Lazy); err != nil {
		return nil, pkg.NewBadConfiguration(fmt.Sprintf("types.%s.lazy: %v", typ, err))
	}
	if g.Commands, err = decodeAttributes(t.Commands); err != nil {
		return nil, pkg.NewBadConfiguration(fmt.Sprintf("types.%s.commands: %v", typ, err))
	}
	if g.StaticAttributes, err = decodeAttributes(t.StaticAttributes); err != nil {
		return nil, pkg.NewBadConfiguration(fmt.Sprintf("types.%s.staticAttributes: %v", typ, err))
	}
	return g, nil
}

func notFound(err error) bool {
	return errors.Is(err, pkg.ErrDeviceGroupNotFound)
}

// FindConfigurationGroup 设备所属的配置组：先按 type，再按 apikey，最后使用静态类型模板。
// 都不存在时返回 nil
func (s *Service) FindConfigurationGroup(ctx context.Context, device *model.Device) (*model.Group, error) {
	if device.Type != "" {
		g, err := s.groups.FindType(ctx, device.Service, device.Subservice, device.Type)
		if err == nil {
			return g, nil
		}
		if !notFound(err) {
			return nil, err
		}
	}
	if device.Apikey != "" {
		g, err := s.groups.FindBy(ctx,
			[]string{"service", "subservice", "apikey"},
			[]string{device.Service, device.Subservice, device.Apikey})
		if err == nil {
			return g, nil
		}
		if !notFound(err) {
			return nil, err
		}
	}
	return s.TypeGroup(device.Type)
}

// EffectiveDevice 设备字段与配置组合并后的有效配置
func (s *Service) EffectiveDevice(ctx context.Context, device *model.Device) (model.Device, error) {
	group, err := s.FindConfigurationGroup(ctx, device)
	if err != nil {
		return model.Device{}, err
	}
	out := device.Merge(group)
	out.SetDefaultAttributeIds()
	return out, nil
}

func validateGroup(g *model.Group) error {
	var missing []string
	if g.Service == "" {
		missing = append(missing, "service")
	}
	if g.Subservice == "" {
		missing = append(missing, "subservice")
	}
	if g.Apikey == "" {
		missing = append(missing, "apikey")
	}
	if len(missing) > 0 {
		return pkg.NewMissingAttributes("missing group fields: " + strings.Join(missing, ", "))
	}
	return nil
}

// CreateGroups 依次创建配置组。先整体校验，任一校验失败时不写入任何配置组
func (s *Service) CreateGroups(ctx context.Context, groups []model.Group) ([]model.Group, error) {
	prepared := make([]model.Group, 0, len(groups))
	seen := map[string]struct{}{}
	for _, g := range groups {
		g = g.Clone()
		if g.Resource == "" {
			g.Resource = s.cfg.DefaultResource
		}
		if err := validateGroup(&g); err != nil {
			return nil, err
		}
		key := g.Resource + "|" + g.Apikey
		if _, dup := seen[key]; dup {
			return nil, pkg.NewDuplicateGroup(g.Resource, g.Apikey)
		}
		seen[key] = struct{}{}
		if _, err := s.groups.Get(ctx, g.Resource, g.Apikey); err == nil {
			return nil, pkg.NewDuplicateGroup(g.Resource, g.Apikey)
		} else if !notFound(err) {
			return nil, err
		}
		if s.cfg.SingleConfigurationMode {
			if _, err := s.groups.Find(ctx, g.Service, g.Subservice); err == nil {
				return nil, pkg.NewDuplicateGroup(g.Resource, g.Apikey)
			} else if !notFound(err) {
				return nil, err
			}
		}
		g.Active = model.SetDefaultAttributeIds(g.Active)
		g.Lazy = model.SetDefaultAttributeIds(g.Lazy)
		g.Commands = model.SetDefaultAttributeIds(g.Commands)
		prepared = append(prepared, g)
	}

	created := make([]model.Group, 0, len(prepared))
	for _, g := range prepared {
		g, err := s.chains.ConfigurationProvision.Run(ctx, g)
		if err != nil {
			return created, err
		}
		if err := s.groups.Create(ctx, &g); err != nil {
			return created, err
		}
		s.logger.Info("配置组已创建",
			zap.String("service", g.Service), zap.String("subservice", g.Subservice),
			zap.String("resource", g.Resource), zap.String("apikey", g.Apikey))
		created = append(created, g)
	}
	return created, nil
}

func (s *Service) ListGroups(ctx context.Context, service string, limit, offset int) (*model.GroupList, error) {
	return s.groups.List(ctx, service, limit, offset)
}

// checkServiceIdentity service 大小写不敏感，subservice 精确匹配
func checkServiceIdentity(g *model.Group, service, subservice string) error {
	if strings.EqualFold(g.Service, service) && g.Subservice == subservice {
		return nil
	}
	return pkg.NewMismatchedService(g.Service+g.Subservice, service+subservice)
}

func (s *Service) getOwnedGroup(ctx context.Context, service, subservice, resource, apikey string) (*model.Group, error) {
	g, err := s.groups.Get(ctx, resource, apikey)
	if err != nil {
		return nil, err
	}
	if err := checkServiceIdentity(g, service, subservice); err != nil {
		return nil, err
	}
	return g, nil
}

// mergeGroup 将 changes 中已设置的字段覆盖到 g 上
func mergeGroup(g model.Group, changes model.Group) model.Group {
	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setString(&g.Resource, changes.Resource)
	setString(&g.Apikey, changes.Apikey)
	setString(&g.Type, changes.Type)
	setString(&g.Trust, changes.Trust)
	setString(&g.CbHost, changes.CbHost)
	setString(&g.Timezone, changes.Timezone)
	setString(&g.EntityNameExp, changes.EntityNameExp)
	setString(&g.Transport, changes.Transport)
	setString(&g.Endpoint, changes.Endpoint)
	setString(&g.DefaultEntityNameConjunction, changes.DefaultEntityNameConjunction)
	if changes.Timestamp != nil {
		g.Timestamp = changes.Timestamp
	}
	if changes.ExplicitAttrs != nil {
		g.ExplicitAttrs = changes.ExplicitAttrs
	}
	if changes.Autoprovision != nil {
		g.Autoprovision = changes.Autoprovision
	}
	if changes.Active != nil {
		g.Active = model.SetDefaultAttributeIds(changes.Active)
	}
	if changes.Lazy != nil {
		g.Lazy = model.SetDefaultAttributeIds(changes.Lazy)
	}
	if changes.Commands != nil {
		g.Commands = model.SetDefaultAttributeIds(changes.Commands)
	}
	if changes.StaticAttributes != nil {
		g.StaticAttributes = changes.StaticAttributes
	}
	if changes.InternalAttributes != nil {
		g.InternalAttributes = changes.InternalAttributes
	}
	return g
}

// UpdateGroup 按 (resource, apikey) 定位配置组并合并修改，service 不一致时返回 MismatchedService
func (s *Service) UpdateGroup(ctx context.Context, service, subservice, resource, apikey string, changes model.Group) (*model.Group, error) {
	g, err := s.getOwnedGroup(ctx, service, subservice, resource, apikey)
	if err != nil {
		return nil, err
	}
	merged := mergeGroup(g.Clone(), changes.Clone())
	merged.ID = g.ID
	merged.Service = g.Service
	merged.Subservice = g.Subservice
	if err := s.groups.Update(ctx, g.ID, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// RemoveGroup 删除配置组；removeDevices 为 true 时先注销使用该 apikey 的设备
func (s *Service) RemoveGroup(ctx context.Context, service, subservice, resource, apikey string, removeDevices bool) error {
	g, err := s.getOwnedGroup(ctx, service, subservice, resource, apikey)
	if err != nil {
		return err
	}
	var errs error
	if removeDevices {
		devices, err := s.devices.FindByAttribute(ctx, "apikey", g.Apikey, g.Service, g.Subservice)
		if err != nil {
			return err
		}
		for _, d := range devices {
			if err := s.UnregisterDevice(ctx, d.ID, d.Service, d.Subservice); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("注销设备 %s 失败: %w", d.ID, err))
			}
		}
	}
	if err := s.groups.Remove(ctx, g.ID); err != nil {
		return multierr.Append(errs, err)
	}
	return errs
}

// FindGroup 指定 type 时按类型查找，否则返回该 service/subservice 的第一个配置组
func (s *Service) FindGroup(ctx context.Context, service, subservice, typ string) (*model.Group, error) {
	if typ != "" {
		return s.groups.FindType(ctx, service, subservice, typ)
	}
	return s.groups.Find(ctx, service, subservice)
}

// GetEffectiveAPIKey 依次使用配置组、静态类型模板、defaultKey 中的 apikey
func (s *Service) GetEffectiveAPIKey(ctx context.Context, service, subservice, typ string) (string, error) {
	g, err := s.FindGroup(ctx, service, subservice, typ)
	switch {
	case err == nil:
		return g.Apikey, nil
	case !notFound(err):
		return "", err
	}
	if t, ok := s.cfg.TypeConfigFor(typ); ok && t.Apikey != "" {
		return t.Apikey, nil
	}
	if s.cfg.DefaultKey != "" {
		return s.cfg.DefaultKey, nil
	}
	s.logger.Warn("找不到可用的 apikey",
		zap.String("service", service), zap.String("subservice", subservice), zap.String("type", typ))
	return "", pkg.NewGroupNotFound(service, subservice)
}
