package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"iotagent/internal/model"
	"iotagent/internal/pkg"
)

func TestMongoDeviceRegistry(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	ctx := context.Background()

	mt.Run("create", func(mt *mtest.T) {
		devices := NewMongoStoreFromDatabase(mt.DB, time.Second).Devices()
		mt.AddMockResponses(mtest.CreateSuccessResponse())
		device := &model.Device{ID: "light1", Service: "smartgondor", Subservice: "/gardens"}
		require.NoError(mt, devices.Create(ctx, device))
		assert.False(mt, device.CreationDate.IsZero())
	})

	mt.Run("create duplicate", func(mt *mtest.T) {
		devices := NewMongoStoreFromDatabase(mt.DB, time.Second).Devices()
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{Index: 0, Code: 11000, Message: "duplicate key error"}))
		err := devices.Create(ctx, &model.Device{ID: "light1", Service: "smartgondor", Subservice: "/gardens"})
		assert.True(mt, errors.Is(err, pkg.ErrDuplicateDeviceID))
	})

	mt.Run("get", func(mt *mtest.T) {
		devices := NewMongoStoreFromDatabase(mt.DB, time.Second).Devices()
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "iotagent.devices", mtest.FirstBatch, bson.D{
			{Key: "id", Value: "light1"},
			{Key: "type", Value: "Light"},
			{Key: "service", Value: "smartgondor"},
			{Key: "subservice", Value: "/gardens"},
			{Key: "lazy", Value: bson.A{bson.D{{Key: "name", Value: "luminance"}, {Key: "type", Value: "Number"}}}},
		}))
		d, err := devices.Get(ctx, "light1", "SmartGondor", "/gardens")
		require.NoError(mt, err)
		assert.Equal(mt, "Light", d.Type)
		require.Len(mt, d.Lazy, 1)
		assert.Equal(mt, "luminance", d.Lazy[0].Name)
	})

	mt.Run("get not found", func(mt *mtest.T) {
		devices := NewMongoStoreFromDatabase(mt.DB, time.Second).Devices()
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "iotagent.devices", mtest.FirstBatch))
		_, err := devices.Get(ctx, "unknown", "smartgondor", "/gardens")
		assert.True(mt, errors.Is(err, pkg.ErrDeviceNotFound))
	})

	mt.Run("remove not found", func(mt *mtest.T) {
		devices := NewMongoStoreFromDatabase(mt.DB, time.Second).Devices()
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}))
		err := devices.Remove(ctx, "unknown", "smartgondor", "/gardens")
		assert.True(mt, errors.Is(err, pkg.ErrDeviceNotFound))
	})

	mt.Run("list", func(mt *mtest.T) {
		devices := NewMongoStoreFromDatabase(mt.DB, time.Second).Devices()
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, "iotagent.devices", mtest.FirstBatch, bson.D{{Key: "n", Value: int32(3)}}),
			mtest.CreateCursorResponse(0, "iotagent.devices", mtest.FirstBatch,
				bson.D{{Key: "id", Value: "light2"}, {Key: "service", Value: "smartgondor"}}),
		)
		list, err := devices.List(ctx, "smartgondor", "", 1, 1)
		require.NoError(mt, err)
		assert.EqualValues(mt, 3, list.Count)
		require.Len(mt, list.Devices, 1)
		assert.Equal(mt, "light2", list.Devices[0].ID)
	})
}

func TestMongoGroupRegistry(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	ctx := context.Background()

	mt.Run("create assigns id", func(mt *mtest.T) {
		groups := NewMongoStoreFromDatabase(mt.DB, time.Second).Groups()
		mt.AddMockResponses(mtest.CreateSuccessResponse())
		group := &model.Group{Service: "TestService", Subservice: "/testingPath", Resource: "/deviceTest", Apikey: "abc"}
		require.NoError(mt, groups.Create(ctx, group))
		assert.Len(mt, group.ID, 24)
	})

	mt.Run("create duplicate", func(mt *mtest.T) {
		groups := NewMongoStoreFromDatabase(mt.DB, time.Second).Groups()
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{Index: 0, Code: 11000, Message: "duplicate key error"}))
		group := &model.Group{Service: "TestService", Subservice: "/testingPath", Resource: "/deviceTest", Apikey: "abc"}
		err := groups.Create(ctx, group)
		assert.True(mt, errors.Is(err, pkg.ErrDuplicateGroup))
		assert.Empty(mt, group.ID)
	})

	mt.Run("find type not found", func(mt *mtest.T) {
		groups := NewMongoStoreFromDatabase(mt.DB, time.Second).Groups()
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "iotagent.groups", mtest.FirstBatch))
		_, err := groups.FindType(ctx, "TestService", "/testingPath", "Other")
		assert.True(mt, errors.Is(err, pkg.ErrDeviceGroupNotFound))
	})

	mt.Run("find by unknown field", func(mt *mtest.T) {
		groups := NewMongoStoreFromDatabase(mt.DB, time.Second).Groups()
		_, err := groups.FindBy(ctx, []string{"color"}, []string{"red"})
		assert.True(mt, errors.Is(err, pkg.ErrBadRequest))
	})
}

func TestMongoCommandRegistry(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	ctx := context.Background()

	mt.Run("add upserts", func(mt *mtest.T) {
		commands := NewMongoStoreFromDatabase(mt.DB, time.Second).Commands()
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "value", Value: bson.D{
			{Key: "_id", Value: "65a0c3f2e4b0a1b2c3d4e5f6"},
			{Key: "deviceId", Value: "r2d2"},
			{Key: "name", Value: "position"},
			{Key: "value", Value: "[1, 2, 3]"},
			{Key: "status", Value: model.CommandStatusPending},
		}}))
		now := time.Now()
		stored, err := commands.Add(ctx, &model.Command{DeviceID: "r2d2", Service: "smartgondor", Subservice: "/gardens",
			Name: "position", Value: "[1, 2, 3]", Status: model.CommandStatusPending, CreationDate: now, ExpirationDate: now.Add(time.Minute)})
		require.NoError(mt, err)
		assert.Equal(mt, "65a0c3f2e4b0a1b2c3d4e5f6", stored.ID)
		assert.Equal(mt, "[1, 2, 3]", stored.Value)
	})

	mt.Run("remove not found", func(mt *mtest.T) {
		commands := NewMongoStoreFromDatabase(mt.DB, time.Second).Commands()
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "value", Value: nil}))
		_, err := commands.Remove(ctx, "smartgondor", "/gardens", "r2d2", "position")
		assert.True(mt, errors.Is(err, pkg.ErrCommandNotFound))
	})

	mt.Run("remove expired without matches", func(mt *mtest.T) {
		commands := NewMongoStoreFromDatabase(mt.DB, time.Second).Commands()
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "iotagent.commands", mtest.FirstBatch))
		expired, err := commands.RemoveExpired(ctx, time.Now())
		require.NoError(mt, err)
		assert.Empty(mt, expired)
	})
}
