package command

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"iotagent/internal/model"
	"iotagent/internal/pkg"
	"iotagent/internal/registry"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newDevices(t *testing.T) registry.DeviceRegistry {
	devices := registry.NewMemoryDeviceRegistry()
	ctx := context.Background()
	require.NoError(t, devices.Create(ctx, &model.Device{ID: "r2d2", Type: "Robot", Service: "smartgondor", Subservice: "/gardens", Polling: model.BoolPtr(true)}))
	require.NoError(t, devices.Create(ctx, &model.Device{ID: "c3po", Type: "Robot", Service: "smartgondor", Subservice: "/gardens"}))
	return devices
}

func TestQueue(t *testing.T) {
	ctx := context.Background()

	Convey("命令队列", t, func() {
		c := &clock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
		var reported []model.Command
		reporter := ExpiryReporterFunc(func(_ context.Context, device *model.Device, cmd model.Command) error {
			reported = append(reported, cmd)
			return nil
		})
		q := NewQueue(ctx, registry.NewMemoryCommandRegistry(), newDevices(t), time.Minute, time.Second,
			WithClock(c.Now), WithReporter(reporter))

		Convey("同名命令覆盖写入，只保留最新的值", func() {
			first, err := q.Add(ctx, "smartgondor", "/gardens", "r2d2", model.AttributeValue{Name: "position", Type: "Array", Value: "[28, -104, 23]"})
			So(err, ShouldBeNil)
			So(first.Status, ShouldEqual, model.CommandStatusPending)
			So(first.ExpirationDate.After(first.CreationDate), ShouldBeTrue)

			c.Advance(10 * time.Second)
			second, err := q.Add(ctx, "smartgondor", "/gardens", "r2d2", model.AttributeValue{Name: "position", Type: "Array", Value: "[1, 2, 3]"})
			So(err, ShouldBeNil)
			So(second.ID, ShouldEqual, first.ID)

			list, err := q.List(ctx, "smartgondor", "/gardens", "r2d2")
			So(err, ShouldBeNil)
			So(list.Count, ShouldEqual, 1)
			So(list.Commands[0].Value, ShouldEqual, "[1, 2, 3]")
			So(list.Commands[0].ExpirationDate, ShouldEqual, c.Now().Add(time.Minute))
		})

		Convey("队列按设备隔离", func() {
			_, err := q.Add(ctx, "smartgondor", "/gardens", "r2d2", model.AttributeValue{Name: "position", Value: "1"})
			So(err, ShouldBeNil)
			_, err = q.Add(ctx, "smartgondor", "/gardens", "c3po", model.AttributeValue{Name: "speak", Value: "hi"})
			So(err, ShouldBeNil)

			list, err := q.List(ctx, "smartgondor", "/gardens", "c3po")
			So(err, ShouldBeNil)
			So(list.Count, ShouldEqual, 1)
			So(list.Commands[0].Name, ShouldEqual, "speak")
		})

		Convey("删除命令", func() {
			_, err := q.Add(ctx, "smartgondor", "/gardens", "r2d2", model.AttributeValue{Name: "position", Value: "1"})
			So(err, ShouldBeNil)
			removed, err := q.Remove(ctx, "smartgondor", "/gardens", "r2d2", "position")
			So(err, ShouldBeNil)
			So(removed.Name, ShouldEqual, "position")

			_, err = q.Remove(ctx, "smartgondor", "/gardens", "r2d2", "position")
			So(errors.Is(err, pkg.ErrCommandNotFound), ShouldBeTrue)
		})

		Convey("过期清理只上报轮询设备的命令", func() {
			_, err := q.Add(ctx, "smartgondor", "/gardens", "r2d2", model.AttributeValue{Name: "position", Value: "1"})
			So(err, ShouldBeNil)
			_, err = q.Add(ctx, "smartgondor", "/gardens", "c3po", model.AttributeValue{Name: "speak", Value: "hi"})
			So(err, ShouldBeNil)

			n, err := q.Sweep(ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 0)

			c.Advance(time.Minute)
			n, err = q.Sweep(ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 2)
			So(reported, ShouldHaveLength, 1)
			So(reported[0].DeviceID, ShouldEqual, "r2d2")

			list, err := q.List(ctx, "smartgondor", "/gardens", "r2d2")
			So(err, ShouldBeNil)
			So(list.Count, ShouldEqual, 0)
		})
	})
}

func TestSweepReportFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	ctx := pkg.WithLogger(context.Background(), zap.New(core))

	now := time.Now()
	q := NewQueue(ctx, registry.NewMemoryCommandRegistry(), newDevices(t), time.Minute, time.Second,
		WithClock(func() time.Time { return now }),
		WithReporter(ExpiryReporterFunc(func(context.Context, *model.Device, model.Command) error {
			return pkg.NewConnectionError("localhost:1026", errors.New("connection refused"))
		})))

	_, err := q.Add(ctx, "smartgondor", "/gardens", "r2d2", model.AttributeValue{Name: "position", Value: "1"})
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)

	n, err := q.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, logs.FilterMessage("上报过期命令失败").Len())

	list, err := q.List(ctx, "smartgondor", "/gardens", "r2d2")
	require.NoError(t, err)
	assert.Zero(t, list.Count)
}

func TestSweepIsNotReentrant(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	entered := make(chan struct{})
	release := make(chan struct{})
	q := NewQueue(ctx, registry.NewMemoryCommandRegistry(), newDevices(t), time.Minute, time.Second,
		WithClock(func() time.Time { return now }),
		WithReporter(ExpiryReporterFunc(func(context.Context, *model.Device, model.Command) error {
			close(entered)
			<-release
			return nil
		})))

	_, err := q.Add(ctx, "smartgondor", "/gardens", "r2d2", model.AttributeValue{Name: "position", Value: "1"})
	require.NoError(t, err)
	now = now.Add(time.Hour)

	result := make(chan int, 1)
	go func() {
		n, _ := q.Sweep(ctx)
		result <- n
	}()
	<-entered

	_, err = q.Sweep(ctx)
	assert.ErrorIs(t, err, ErrSweepInProgress)

	close(release)
	assert.Equal(t, 1, <-result)

	_, err = q.Sweep(ctx)
	assert.NoError(t, err)
}

func TestDaemonExpiresCommands(t *testing.T) {
	ctx := context.Background()
	var reports atomic.Int32
	q := NewQueue(ctx, registry.NewMemoryCommandRegistry(), newDevices(t), 100*time.Millisecond, 20*time.Millisecond,
		WithReporter(ExpiryReporterFunc(func(context.Context, *model.Device, model.Command) error {
			reports.Add(1)
			return nil
		})))
	q.Start(ctx)
	q.Start(ctx)
	defer q.Stop()

	_, err := q.Add(ctx, "smartgondor", "/gardens", "r2d2", model.AttributeValue{Name: "position", Value: "1"})
	require.NoError(t, err)

	list, err := q.List(ctx, "smartgondor", "/gardens", "r2d2")
	require.NoError(t, err)
	assert.Equal(t, 1, list.Count)

	assert.Eventually(t, func() bool {
		list, err := q.List(ctx, "smartgondor", "/gardens", "r2d2")
		return err == nil && list.Count == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return reports.Load() == 1 }, time.Second, 10*time.Millisecond)

	q.Stop()
	q.Stop()
}
