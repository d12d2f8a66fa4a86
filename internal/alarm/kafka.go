package alarm

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/mitchellh/mapstructure"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"iotagent/internal/pkg"
)

// KafkaConfig alarms.config 在 type 为 kafka 时的内容
type KafkaConfig struct {
	Brokers         []string `mapstructure:"brokers"`
	Topic           string   `mapstructure:"topic"`
	Async           bool     `mapstructure:"async"`
	WriteTimeoutSec int      `mapstructure:"writeTimeoutSec"`
	RequiredAcks    int      `mapstructure:"requiredAcks"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher 将告警事件写入 Kafka，消息 key 为告警名
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

// DecodeKafkaConfig 解码并校验 kafka 配置
func DecodeKafkaConfig(raw map[string]interface{}) (KafkaConfig, error) {
	var cfg KafkaConfig
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return cfg, fmt.Errorf("创建 kafka 配置解码器失败: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return cfg, pkg.NewBadConfiguration(fmt.Sprintf("decoding alarms kafka config: %v", err))
	}
	if len(cfg.Brokers) == 0 {
		return cfg, pkg.NewBadConfiguration("alarms kafka config: 'brokers' is required")
	}
	if cfg.Topic == "" {
		return cfg, pkg.NewBadConfiguration("alarms kafka config: 'topic' is required")
	}
	if cfg.WriteTimeoutSec == 0 {
		cfg.WriteTimeoutSec = 10
	}
	return cfg, nil
}

// NewKafkaPublisher 根据 alarms.config 创建 Kafka 发布者
func NewKafkaPublisher(ctx context.Context, raw map[string]interface{}) (*KafkaPublisher, error) {
	cfg, err := DecodeKafkaConfig(raw)
	if err != nil {
		return nil, err
	}
	acks := kafka.RequireOne
	switch cfg.RequiredAcks {
	case -1:
		acks = kafka.RequireAll
	case 0:
		acks = kafka.RequireNone
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: time.Duration(cfg.WriteTimeoutSec) * time.Second,
		RequiredAcks: acks,
		Async:        cfg.Async,
	}
	logger := pkg.LoggerFromContext(ctx).With(zap.String("module", "alarm"), zap.String("topic", cfg.Topic))
	logger.Info("告警 Kafka 发布已启用", zap.Strings("brokers", cfg.Brokers), zap.Bool("async", cfg.Async))
	return &KafkaPublisher{writer: writer, topic: cfg.Topic, logger: logger}, nil
}

// Publish 同步写入一条告警事件
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化告警事件失败: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Name),
		Value: payload,
		Time:  event.Time,
	}); err != nil {
		return fmt.Errorf("写入 kafka 失败: %w", err)
	}
	p.logger.Debug("告警事件已发布", zap.String("alarm", event.Name), zap.Bool("raised", event.Raised))
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
