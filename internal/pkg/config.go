package pkg

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LogConfig 日志相关配置
type LogConfig struct {
	LogPath    string `mapstructure:"log_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
	Level      string `mapstructure:"level"`
}

// ServerConfig north-bound / provisioning HTTP 服务配置
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// ContextBrokerConfig Context Broker 连接配置
type ContextBrokerConfig struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	URL           string        `mapstructure:"url"`
	NgsiVersion   string        `mapstructure:"ngsiVersion"`
	JSONLdContext string        `mapstructure:"jsonLdContext"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// MongoConfig 文档数据库配置
type MongoConfig struct {
	URI      string        `mapstructure:"uri"`
	Database string        `mapstructure:"database"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// RegistryConfig 设备注册表后端配置
type RegistryConfig struct {
	Type    string      `mapstructure:"type"` // memory|mongodb
	MongoDB MongoConfig `mapstructure:"mongodb"`
}

// MetricsConfig prometheus 指标暴露配置
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Path   string `mapstructure:"path"`
}

// AlarmConfig 告警发布配置
type AlarmConfig struct {
	Type   string                 `mapstructure:"type"`    // log|kafka
	Config map[string]interface{} `mapstructure:",remain"` // 自定义配置项
}

// TypeConfig 静态类型模板，作用与配置组相同
type TypeConfig struct {
	Service            string           `mapstructure:"service"`
	Subservice         string           `mapstructure:"subservice"`
	Apikey             string           `mapstructure:"apikey"`
	Trust              string           `mapstructure:"trust"`
	CbHost             string           `mapstructure:"cbHost"`
	Timezone           string           `mapstructure:"timezone"`
	Timestamp          *bool            `mapstructure:"timestamp"`
	ExplicitAttrs      *bool            `mapstructure:"explicitAttrs"`
	EntityNameExp      string           `mapstructure:"entityNameExp"`
	Active             []map[string]any `mapstructure:"attributes"`
	Lazy               []map[string]any `mapstructure:"lazy"`
	Commands           []map[string]any `mapstructure:"commands"`
	StaticAttributes   []map[string]any `mapstructure:"staticAttributes"`
	InternalAttributes []any            `mapstructure:"internalAttributes"`
}

type Config struct {
	Version       string                `mapstructure:"version"`
	Log           LogConfig             `mapstructure:"log"`
	Server        ServerConfig          `mapstructure:"server"`
	ProviderURL   string                `mapstructure:"providerUrl"`
	ContextBroker ContextBrokerConfig   `mapstructure:"contextBroker"`
	Registry      RegistryConfig        `mapstructure:"deviceRegistry"`
	Types         map[string]TypeConfig `mapstructure:"types"`
	Service       string                `mapstructure:"service"`
	Subservice    string                `mapstructure:"subservice"`

	PollingExpiration      time.Duration `mapstructure:"pollingExpiration"`
	PollingDaemonFrequency time.Duration `mapstructure:"pollingDaemonFrequency"`
	// ISO8601 duration, e.g. P1M
	DeviceRegistrationDuration string `mapstructure:"deviceRegistrationDuration"`
	Throttling                 string `mapstructure:"throttling"`

	Autocast                bool   `mapstructure:"autocast"`
	Timestamp               bool   `mapstructure:"timestamp"`
	ExplicitAttrs           bool   `mapstructure:"explicitAttrs"`
	AppendMode              bool   `mapstructure:"appendMode"`
	UseCBFlowControl        bool   `mapstructure:"useCBflowControl"`
	SingleConfigurationMode bool   `mapstructure:"singleConfigurationMode"`
	DefaultKey              string `mapstructure:"defaultKey"`
	DefaultType             string `mapstructure:"defaultType"`
	DefaultResource         string `mapstructure:"defaultResource"`
	DefaultConjunction      string `mapstructure:"defaultEntityNameConjunction"`

	Plugins []string      `mapstructure:"plugins"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Alarms  AlarmConfig   `mapstructure:"alarms"`
}

const (
	NgsiV1 = "v1"
	NgsiV2 = "v2"
	NgsiLD = "ld"

	RegistryMemory  = "memory"
	RegistryMongoDB = "mongodb"

	DefaultResource           = "/iot/d"
	DefaultContextBrokerPort  = 1026
	DefaultBrokerTimeout      = 10 * time.Second
	DefaultPollingExpiration  = 24 * time.Hour
	DefaultPollingFrequency   = time.Minute
	DefaultRegistrationTime   = "P1M"
	DefaultEntityNameJunction = ":"
	DefaultJSONLdContext      = "https://uri.etsi.org/ngsi-ld/v1/ngsi-ld-core-context.jsonld"
	DefaultMongoTimeout       = 10 * time.Second
	DefaultMetricsPath        = "/metrics"
	DefaultProvisioningPort   = 4041
)

// ApplyDefaults 为缺省配置项填充默认值
func (c *Config) ApplyDefaults() {
	if c.ContextBroker.NgsiVersion == "" {
		c.ContextBroker.NgsiVersion = NgsiV2
	}
	c.ContextBroker.NgsiVersion = strings.ToLower(c.ContextBroker.NgsiVersion)
	if c.ContextBroker.NgsiVersion == "ngsi-ld" {
		c.ContextBroker.NgsiVersion = NgsiLD
	}
	if c.ContextBroker.Timeout <= 0 {
		c.ContextBroker.Timeout = DefaultBrokerTimeout
	}
	if c.ContextBroker.URL == "" && c.ContextBroker.Host != "" {
		port := c.ContextBroker.Port
		if port == 0 {
			port = DefaultContextBrokerPort
		}
		c.ContextBroker.URL = fmt.Sprintf("http://%s:%d", c.ContextBroker.Host, port)
	}
	c.ContextBroker.URL = strings.TrimRight(c.ContextBroker.URL, "/")
	if c.ContextBroker.JSONLdContext == "" {
		c.ContextBroker.JSONLdContext = DefaultJSONLdContext
	}
	if c.Registry.Type == "" {
		c.Registry.Type = RegistryMemory
	}
	if c.Registry.MongoDB.Timeout <= 0 {
		c.Registry.MongoDB.Timeout = DefaultMongoTimeout
	}
	if c.PollingExpiration <= 0 {
		c.PollingExpiration = DefaultPollingExpiration
	}
	if c.PollingDaemonFrequency <= 0 {
		c.PollingDaemonFrequency = DefaultPollingFrequency
	}
	if c.DeviceRegistrationDuration == "" {
		c.DeviceRegistrationDuration = DefaultRegistrationTime
	}
	if c.DefaultResource == "" {
		c.DefaultResource = DefaultResource
	}
	if c.DefaultConjunction == "" {
		c.DefaultConjunction = DefaultEntityNameJunction
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultProvisioningPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	c.ProviderURL = strings.TrimRight(c.ProviderURL, "/")
}

// Validate 检查启动所必需的配置项
func (c *Config) Validate() error {
	if c.ContextBroker.URL == "" {
		return NewBadConfiguration("contextBroker.url or contextBroker.host is required")
	}
	switch c.ContextBroker.NgsiVersion {
	case NgsiV1, NgsiV2, NgsiLD:
	default:
		return NewBadConfiguration(fmt.Sprintf("unsupported ngsiVersion %q", c.ContextBroker.NgsiVersion))
	}
	switch c.Registry.Type {
	case RegistryMemory:
	case RegistryMongoDB:
		if c.Registry.MongoDB.URI == "" {
			return NewBadConfiguration("deviceRegistry.mongodb.uri is required")
		}
	default:
		return NewBadConfiguration(fmt.Sprintf("unsupported deviceRegistry.type %q", c.Registry.Type))
	}
	return nil
}

// InitCommon 用于初始化全局配置
func InitCommon(configDir string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("IOTA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv() // 读取环境变量
	// 遍历配置目录及其子目录中的所有文件
	err := filepath.WalkDir(configDir, func(filePath string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("访问路径 %s 失败: %w", filePath, err)
		}
		if d.IsDir() {
			return nil
		}
		// 只处理 .yaml 或 .yml 文件
		ext := filepath.Ext(filePath)
		if ext == ".yaml" || ext == ".yml" {
			v.SetConfigFile(filePath)
			// 读取并合并配置文件 (会覆盖之前的配置)
			if err := v.MergeInConfig(); err != nil {
				return fmt.Errorf("读取配置文件失败 %s: %w", filePath, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	var common Config
	// 反序列化到结构体
	if err := v.Unmarshal(&common); err != nil {
		return nil, fmt.Errorf("反序列化配置失败: %w", err)
	}
	common.ApplyDefaults()
	return &common, nil
}

type configKey struct{}

// WithConfig 将配置挂载到 context 上
func WithConfig(ctx context.Context, config *Config) context.Context {
	return context.WithValue(ctx, configKey{}, config)
}

// ConfigFromContext 从 context 中提取配置指针
func ConfigFromContext(ctx context.Context) *Config {
	if config, ok := ctx.Value(configKey{}).(*Config); ok {
		return config
	}
	return nil
}

// TypeConfigFor 查找静态类型模板；viper 会把 map key 转为小写，因此同时按小写查找
func (c *Config) TypeConfigFor(typ string) (TypeConfig, bool) {
	if c == nil || typ == "" {
		return TypeConfig{}, false
	}
	if t, ok := c.Types[typ]; ok {
		return t, true
	}
	t, ok := c.Types[strings.ToLower(typ)]
	return t, ok
}
