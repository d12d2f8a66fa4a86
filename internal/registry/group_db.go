package registry

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"iotagent/internal/model"
	"iotagent/internal/pkg"
)

// MongoGroupRegistry groups 集合上的配置组注册表
type MongoGroupRegistry struct {
	store *MongoStore
	coll  *mongo.Collection
}

func (r *MongoGroupRegistry) Create(ctx context.Context, group *model.Group) error {
	ctx, cancel := r.store.withTimeout(ctx)
	defer cancel()

	group.ID = primitive.NewObjectID().Hex()
	if _, err := r.coll.InsertOne(ctx, group); err != nil {
		group.ID = ""
		if mongo.IsDuplicateKeyError(err) {
			return pkg.NewDuplicateGroup(group.Resource, group.Apikey)
		}
		return dbError("保存配置组", err)
	}
	return nil
}

func (r *MongoGroupRegistry) findOne(ctx context.Context, filter bson.M, fields, values []string) (*model.Group, error) {
	ctx, cancel := r.store.withTimeout(ctx)
	defer cancel()

	var group model.Group
	if err := r.coll.FindOne(ctx, filter).Decode(&group); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, pkg.NewDeviceGroupNotFound(fields, values)
		}
		return nil, dbError("查询配置组", err)
	}
	return &group, nil
}

func (r *MongoGroupRegistry) Get(ctx context.Context, resource, apikey string) (*model.Group, error) {
	return r.findOne(ctx, bson.M{"resource": resource, "apikey": apikey},
		[]string{"resource", "apikey"}, []string{resource, apikey})
}

func (r *MongoGroupRegistry) GetByID(ctx context.Context, id string) (*model.Group, error) {
	return r.findOne(ctx, bson.M{"_id": id}, []string{"_id"}, []string{id})
}

func (r *MongoGroupRegistry) Update(ctx context.Context, id string, group *model.Group) error {
	ctx, cancel := r.store.withTimeout(ctx)
	defer cancel()

	replacement := group.Clone()
	replacement.ID = id
	result, err := r.coll.ReplaceOne(ctx, bson.M{"_id": id}, replacement)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return pkg.NewDuplicateGroup(group.Resource, group.Apikey)
		}
		return dbError("更新配置组", err)
	}
	if result.MatchedCount == 0 {
		return pkg.NewDeviceGroupNotFound([]string{"_id"}, []string{id})
	}
	return nil
}

func (r *MongoGroupRegistry) Remove(ctx context.Context, id string) error {
	ctx, cancel := r.store.withTimeout(ctx)
	defer cancel()

	result, err := r.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return dbError("删除配置组", err)
	}
	if result.DeletedCount == 0 {
		return pkg.NewDeviceGroupNotFound([]string{"_id"}, []string{id})
	}
	return nil
}

func (r *MongoGroupRegistry) List(ctx context.Context, service string, limit, offset int) (*model.GroupList, error) {
	ctx, cancel := r.store.withTimeout(ctx)
	defer cancel()

	filter := scopeFilter(bson.M{}, service, "")
	count, err := r.coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, dbError("统计配置组", err)
	}
	cursor, err := r.coll.Find(ctx, filter, pageOptions(limit, offset))
	if err != nil {
		return nil, dbError("查询配置组列表", err)
	}
	defer cursor.Close(ctx)

	groups := []model.Group{}
	if err = cursor.All(ctx, &groups); err != nil {
		return nil, dbError("读取配置组列表", err)
	}
	return &model.GroupList{Count: count, Groups: groups}, nil
}

func (r *MongoGroupRegistry) Find(ctx context.Context, service, subservice string) (*model.Group, error) {
	return r.FindBy(ctx, []string{"service", "subservice"}, []string{service, subservice})
}

func (r *MongoGroupRegistry) FindBy(ctx context.Context, fields, values []string) (*model.Group, error) {
	if len(fields) != len(values) {
		return nil, pkg.NewBadRequest("fields and values must have the same length")
	}
	filter := bson.M{}
	for i, field := range fields {
		if _, ok := (&model.Group{}).GroupField(field); !ok {
			return nil, pkg.NewBadRequest("unknown group field " + field)
		}
		if field == "id" {
			field = "_id"
		}
		if field == "service" {
			filter[field] = serviceRegex(values[i])
			continue
		}
		filter[field] = values[i]
	}
	return r.findOne(ctx, filter, fields, values)
}

func (r *MongoGroupRegistry) FindType(ctx context.Context, service, subservice, typ string) (*model.Group, error) {
	return r.FindBy(ctx, []string{"service", "subservice", "type"}, []string{service, subservice, typ})
}

func (r *MongoGroupRegistry) Clear(ctx context.Context) error {
	ctx, cancel := r.store.withTimeout(ctx)
	defer cancel()
	if _, err := r.coll.DeleteMany(ctx, bson.M{}); err != nil {
		return dbError("清空配置组", err)
	}
	return nil
}
