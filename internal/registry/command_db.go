package registry

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"iotagent/internal/model"
	"iotagent/internal/pkg"
)

// MongoCommandRegistry commands 集合上的命令队列
type MongoCommandRegistry struct {
	store *MongoStore
	coll  *mongo.Collection
}

func commandFilter(service, subservice, deviceID, name string) bson.M {
	return scopeFilter(bson.M{"deviceId": deviceID, "name": name}, service, subservice)
}

func (r *MongoCommandRegistry) Add(ctx context.Context, command *model.Command) (*model.Command, error) {
	ctx, cancel := r.store.withTimeout(ctx)
	defer cancel()

	update := bson.M{
		"$set": bson.M{
			"type":           command.Type,
			"value":          command.Value,
			"status":         command.Status,
			"creationDate":   command.CreationDate,
			"expirationDate": command.ExpirationDate,
		},
		"$setOnInsert": bson.M{
			"_id":        primitive.NewObjectID().Hex(),
			"service":    command.Service,
			"subservice": command.Subservice,
		},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var stored model.Command
	filter := commandFilter(command.Service, command.Subservice, command.DeviceID, command.Name)
	if err := r.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&stored); err != nil {
		return nil, dbError("保存命令", err)
	}
	return &stored, nil
}

func (r *MongoCommandRegistry) List(ctx context.Context, service, subservice, deviceID string) (*model.CommandList, error) {
	ctx, cancel := r.store.withTimeout(ctx)
	defer cancel()

	cursor, err := r.coll.Find(ctx, scopeFilter(bson.M{"deviceId": deviceID}, service, subservice), pageOptions(0, 0))
	if err != nil {
		return nil, dbError("查询命令", err)
	}
	defer cursor.Close(ctx)

	commands := []model.Command{}
	if err = cursor.All(ctx, &commands); err != nil {
		return nil, dbError("读取命令", err)
	}
	return &model.CommandList{Count: len(commands), Commands: commands}, nil
}

func (r *MongoCommandRegistry) Remove(ctx context.Context, service, subservice, deviceID, name string) (*model.Command, error) {
	ctx, cancel := r.store.withTimeout(ctx)
	defer cancel()

	var removed model.Command
	if err := r.coll.FindOneAndDelete(ctx, commandFilter(service, subservice, deviceID, name)).Decode(&removed); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, pkg.NewCommandNotFound(name)
		}
		return nil, dbError("删除命令", err)
	}
	return &removed, nil
}

func (r *MongoCommandRegistry) RemoveExpired(ctx context.Context, now time.Time) ([]model.Command, error) {
	ctx, cancel := r.store.withTimeout(ctx)
	defer cancel()

	cursor, err := r.coll.Find(ctx, bson.M{"expirationDate": bson.M{"$lte": now}}, pageOptions(0, 0))
	if err != nil {
		return nil, dbError("查询过期命令", err)
	}
	var expired []model.Command
	err = cursor.All(ctx, &expired)
	cursor.Close(ctx)
	if err != nil {
		return nil, dbError("读取过期命令", err)
	}
	if len(expired) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(expired))
	for _, c := range expired {
		ids = append(ids, c.ID)
	}
	if _, err := r.coll.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}}); err != nil {
		return nil, dbError("删除过期命令", err)
	}
	return expired, nil
}

func (r *MongoCommandRegistry) Clear(ctx context.Context) error {
	ctx, cancel := r.store.withTimeout(ctx)
	defer cancel()
	if _, err := r.coll.DeleteMany(ctx, bson.M{}); err != nil {
		return dbError("清空命令", err)
	}
	return nil
}
