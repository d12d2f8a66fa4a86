package registry

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"iotagent/internal/pkg"
)

const (
	devicesCollection  = "devices"
	groupsCollection   = "groups"
	commandsCollection = "commands"

	defaultDatabase = "iotagent"
)

// caseInsensitive 与 service 大小写不敏感匹配配套的排序规则
var caseInsensitive = &options.Collation{Locale: "en", Strength: 2}

// MongoStore 持有 MongoDB 连接，提供三个注册表
type MongoStore struct {
	client  *mongo.Client
	db      *mongo.Database
	timeout time.Duration
}

// NewMongoStore 连接 MongoDB 并检查连通性
func NewMongoStore(ctx context.Context, cfg *pkg.MongoConfig) (*MongoStore, error) {
	logger := pkg.LoggerFromContext(ctx)
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = pkg.DefaultMongoTimeout
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		logger.Error("连接 MongoDB 失败", zap.Error(err))
		return nil, fmt.Errorf("连接 MongoDB 失败: %w", err)
	}
	if err = client.Ping(connectCtx, readpref.Primary()); err != nil {
		logger.Error("Ping MongoDB 失败", zap.Error(err))
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping MongoDB 失败: %w", err)
	}

	database := cfg.Database
	if database == "" {
		database = defaultDatabase
	}
	logger.Info("成功连接到 MongoDB", zap.String("database", database))
	return &MongoStore{client: client, db: client.Database(database), timeout: timeout}, nil
}

// NewMongoStoreFromDatabase 基于已有连接创建
func NewMongoStoreFromDatabase(db *mongo.Database, timeout time.Duration) *MongoStore {
	if timeout <= 0 {
		timeout = pkg.DefaultMongoTimeout
	}
	return &MongoStore{client: db.Client(), db: db, timeout: timeout}
}

// Close 关闭 MongoDB 连接
func (s *MongoStore) Close(ctx context.Context) {
	if s.client == nil {
		return
	}
	closeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Disconnect(closeCtx); err != nil {
		pkg.LoggerFromContext(ctx).Error("关闭 MongoDB 连接失败", zap.Error(err))
		return
	}
	pkg.LoggerFromContext(ctx).Info("MongoDB 连接已关闭")
}

// EnsureIndexes 创建唯一索引与查询索引
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	indexes := map[string][]mongo.IndexModel{
		devicesCollection: {
			{
				Keys:    bson.D{{Key: "service", Value: 1}, {Key: "subservice", Value: 1}, {Key: "id", Value: 1}},
				Options: options.Index().SetUnique(true).SetCollation(caseInsensitive),
			},
			{Keys: bson.D{{Key: "name", Value: 1}}},
		},
		groupsCollection: {
			{
				Keys:    bson.D{{Key: "resource", Value: 1}, {Key: "apikey", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "service", Value: 1}, {Key: "subservice", Value: 1}}},
		},
		commandsCollection: {
			{
				Keys:    bson.D{{Key: "service", Value: 1}, {Key: "subservice", Value: 1}, {Key: "deviceId", Value: 1}, {Key: "name", Value: 1}},
				Options: options.Index().SetUnique(true).SetCollation(caseInsensitive),
			},
			{Keys: bson.D{{Key: "expirationDate", Value: 1}}},
		},
	}
	for name, models := range indexes {
		if _, err := s.db.Collection(name).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("创建 %s 索引失败: %w", name, err)
		}
	}
	return nil
}

// Devices 设备注册表
func (s *MongoStore) Devices() *MongoDeviceRegistry {
	return &MongoDeviceRegistry{store: s, coll: s.db.Collection(devicesCollection)}
}

// Groups 配置组注册表
func (s *MongoStore) Groups() *MongoGroupRegistry {
	return &MongoGroupRegistry{store: s, coll: s.db.Collection(groupsCollection)}
}

// Commands 命令队列
func (s *MongoStore) Commands() *MongoCommandRegistry {
	return &MongoCommandRegistry{store: s, coll: s.db.Collection(commandsCollection)}
}

func (s *MongoStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// serviceRegex service 大小写不敏感的精确匹配
func serviceRegex(service string) primitive.Regex {
	return primitive.Regex{Pattern: "^" + regexp.QuoteMeta(service) + "$", Options: "i"}
}

// scopeFilter 追加 service/subservice 条件，空字符串不过滤
func scopeFilter(filter bson.M, service, subservice string) bson.M {
	if service != "" {
		filter["service"] = serviceRegex(service)
	}
	if subservice != "" {
		filter["subservice"] = subservice
	}
	return filter
}

// pageOptions limit <= 0 表示不限制
func pageOptions(limit, offset int) *options.FindOptions {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if offset > 0 {
		opts.SetSkip(int64(offset))
	}
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return opts
}

func dbError(op string, err error) error {
	return fmt.Errorf("%s失败: %w", op, pkg.NewInternalDBError(err.Error()))
}
