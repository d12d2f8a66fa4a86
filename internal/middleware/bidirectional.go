package middleware

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"iotagent/internal/expression"
	"iotagent/internal/model"
	"iotagent/internal/pkg"
)

// Subscriber 创建与撤销 broker 订阅，由 broker.Gateway 实现
type Subscriber interface {
	Subscribe(ctx context.Context, device *model.Device, triggers, content []string) (string, error)
	UnsubscribeAll(ctx context.Context, device *model.Device) error
}

// GroupFinder 查找设备所属的配置组，找不到时返回 nil
type GroupFinder func(ctx context.Context, device *model.Device) *model.Group

// Bidirectional 双向属性：设备开通时为带 reverse 的属性订阅实体变化，
// 收到通知时用 reverse 表达式反算出设备侧的属性
type Bidirectional struct {
	subscriber Subscriber
	findGroup  GroupFinder
}

func NewBidirectional(subscriber Subscriber, findGroup GroupFinder) *Bidirectional {
	return &Bidirectional{subscriber: subscriber, findGroup: findGroup}
}

func (b *Bidirectional) group(ctx context.Context, device *model.Device) *model.Group {
	if b.findGroup == nil {
		return nil
	}
	return b.findGroup(ctx, device)
}

func bidirectionalAttributes(device *model.Device, group *model.Group) []model.Attribute {
	var out []model.Attribute
	for _, a := range device.Active {
		if len(a.Reverse) > 0 {
			out = append(out, a)
		}
	}
	if group != nil {
		for _, a := range group.Active {
			if len(a.Reverse) > 0 {
				out = append(out, a)
			}
		}
	}
	return out
}

// reverseVariables reverse 表达式引用的实体属性
func reverseVariables(attr model.Attribute) ([]string, error) {
	seen := map[string]struct{}{}
	for _, r := range attr.Reverse {
		e, err := expression.Parse(r.Expression)
		if err != nil {
			return nil, err
		}
		for _, v := range e.Variables() {
			seen[v] = struct{}{}
		}
	}
	vars := make([]string, 0, len(seen))
	for v := range seen {
		vars = append(vars, v)
	}
	sort.Strings(vars)
	return vars, nil
}

// DeviceProvision 为每个双向属性创建订阅，订阅 id 记录到设备上
func (b *Bidirectional) DeviceProvision() Func[model.Device] {
	return func(ctx context.Context, device model.Device) (model.Device, error) {
		attrs := bidirectionalAttributes(&device, b.group(ctx, &device))
		if len(attrs) == 0 {
			return device, nil
		}
		out := device.Clone()
		for _, attr := range attrs {
			vars, err := reverseVariables(attr)
			if err != nil {
				return device, err
			}
			id, err := b.subscriber.Subscribe(ctx, &out, []string{attr.Name}, vars)
			if err != nil {
				// 已建的订阅不会随设备持久化，这里一并撤销
				if created := out.Subscriptions[len(device.Subscriptions):]; len(created) > 0 {
					partial := out
					partial.Subscriptions = created
					if uerr := b.subscriber.UnsubscribeAll(ctx, &partial); uerr != nil {
						pkg.LoggerFromContext(ctx).Warn("撤销双向属性订阅失败",
							zap.String("device", device.ID), zap.Error(uerr))
					}
				}
				return device, err
			}
			out.AddSubscription(model.Subscription{ID: id, Triggers: []string{attr.Name}})
		}
		pkg.LoggerFromContext(ctx).Debug("已创建双向属性订阅",
			zap.String("device", device.ID), zap.Int("subscriptions", len(attrs)))
		return out, nil
	}
}

// Notification 通知中包含 reverse 表达式所需的全部属性时，追加反算得到的设备属性
func (b *Bidirectional) Notification() Func[NotificationEnvelope] {
	return func(ctx context.Context, in NotificationEnvelope) (NotificationEnvelope, error) {
		if in.Device == nil {
			return in, nil
		}
		attrs := bidirectionalAttributes(in.Device, b.group(ctx, in.Device))
		if len(attrs) == 0 {
			return in, nil
		}
		vars := make(map[string]any, len(in.Values))
		for _, v := range in.Values {
			vars[v.Name] = v.Value
		}
		values := append([]model.AttributeValue(nil), in.Values...)
		for _, attr := range attrs {
			for _, r := range attr.Reverse {
				e, err := expression.Parse(r.Expression)
				if err != nil {
					return in, err
				}
				if !e.Available(vars) {
					continue
				}
				v, err := e.Evaluate(vars)
				if err != nil {
					return in, err
				}
				values = append(values, model.AttributeValue{Name: r.ObjectID, Type: r.Type, Value: expression.String(v)})
			}
		}
		return NotificationEnvelope{Device: in.Device, Values: values}, nil
	}
}

// GroupProvision 配置组开通不需要额外处理
func (b *Bidirectional) GroupProvision() Func[model.Group] {
	return func(_ context.Context, g model.Group) (model.Group, error) {
		return g, nil
	}
}
