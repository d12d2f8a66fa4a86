package registry

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"iotagent/internal/model"
	"iotagent/internal/pkg"
)

// MongoDeviceRegistry devices 集合上的设备注册表
type MongoDeviceRegistry struct {
	store *MongoStore
	coll  *mongo.Collection
}

func deviceFilter(id, service, subservice string) bson.M {
	return scopeFilter(bson.M{"id": id}, service, subservice)
}

func (r *MongoDeviceRegistry) Create(ctx context.Context, device *model.Device) error {
	ctx, cancel := r.store.withTimeout(ctx)
	defer cancel()

	if device.CreationDate.IsZero() {
		device.CreationDate = time.Now().UTC()
	}
	if _, err := r.coll.InsertOne(ctx, device); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return pkg.NewDuplicateDeviceID(device.ID)
		}
		return dbError("保存设备", err)
	}
	return nil
}

func (r *MongoDeviceRegistry) findOne(ctx context.Context, filter bson.M, notFound string) (*model.Device, error) {
	ctx, cancel := r.store.withTimeout(ctx)
	defer cancel()

	var device model.Device
	if err := r.coll.FindOne(ctx, filter).Decode(&device); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, pkg.NewDeviceNotFound(notFound)
		}
		return nil, dbError("查询设备", err)
	}
	return &device, nil
}

func (r *MongoDeviceRegistry) Get(ctx context.Context, id, service, subservice string) (*model.Device, error) {
	return r.findOne(ctx, deviceFilter(id, service, subservice), id)
}

func (r *MongoDeviceRegistry) GetByName(ctx context.Context, name, service, subservice string) (*model.Device, error) {
	return r.findOne(ctx, scopeFilter(bson.M{"name": name}, service, subservice), name)
}

func (r *MongoDeviceRegistry) Update(ctx context.Context, device *model.Device) error {
	ctx, cancel := r.store.withTimeout(ctx)
	defer cancel()

	result, err := r.coll.ReplaceOne(ctx, deviceFilter(device.ID, device.Service, device.Subservice), device)
	if err != nil {
		return dbError("更新设备", err)
	}
	if result.MatchedCount == 0 {
		return pkg.NewDeviceNotFound(device.ID)
	}
	return nil
}

func (r *MongoDeviceRegistry) Remove(ctx context.Context, id, service, subservice string) error {
	ctx, cancel := r.store.withTimeout(ctx)
	defer cancel()

	result, err := r.coll.DeleteOne(ctx, deviceFilter(id, service, subservice))
	if err != nil {
		return dbError("删除设备", err)
	}
	if result.DeletedCount == 0 {
		return pkg.NewDeviceNotFound(id)
	}
	return nil
}

func (r *MongoDeviceRegistry) List(ctx context.Context, service, subservice string, limit, offset int) (*model.DeviceList, error) {
	ctx, cancel := r.store.withTimeout(ctx)
	defer cancel()

	filter := scopeFilter(bson.M{}, service, subservice)
	count, err := r.coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, dbError("统计设备", err)
	}
	cursor, err := r.coll.Find(ctx, filter, pageOptions(limit, offset))
	if err != nil {
		return nil, dbError("查询设备列表", err)
	}
	defer cursor.Close(ctx)

	devices := []model.Device{}
	if err = cursor.All(ctx, &devices); err != nil {
		return nil, dbError("读取设备列表", err)
	}
	return &model.DeviceList{Count: count, Devices: devices}, nil
}

func (r *MongoDeviceRegistry) FindByAttribute(ctx context.Context, field, value, service, subservice string) ([]model.Device, error) {
	if _, ok := deviceField(&model.Device{}, field); !ok {
		return nil, pkg.NewBadRequest("unknown device field " + field)
	}
	ctx, cancel := r.store.withTimeout(ctx)
	defer cancel()

	cursor, err := r.coll.Find(ctx, scopeFilter(bson.M{field: value}, service, subservice), pageOptions(0, 0))
	if err != nil {
		return nil, dbError("按属性查询设备", err)
	}
	defer cursor.Close(ctx)

	var devices []model.Device
	if err = cursor.All(ctx, &devices); err != nil {
		return nil, dbError("读取设备列表", err)
	}
	return devices, nil
}

func (r *MongoDeviceRegistry) Clear(ctx context.Context) error {
	ctx, cancel := r.store.withTimeout(ctx)
	defer cancel()
	if _, err := r.coll.DeleteMany(ctx, bson.M{}); err != nil {
		return dbError("清空设备", err)
	}
	return nil
}
