package presence_test

import (
	"context"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/alicebob/miniredis/v2"
	"github.com/coder/quartz"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/worklens/worklens/internal/database"
	"github.com/worklens/worklens/internal/models"
	"github.com/worklens/worklens/internal/presence"
)

const (
	testEmployee = "emp-1"
	testDevice   = "6be94626-8aa8-42b6-98d3-b28bbb6798d2"
	presenceTTL  = 5 * time.Minute
)

type cacheFixture struct {
	repo  *database.Repository
	cache *presence.Cache
	clock *quartz.Mock
	redis *miniredis.Miniredis
}

func newCache(t *testing.T, withRedis bool) *cacheFixture {
	t.Helper()
	db, err := database.ConnectInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Initialize())

	repo := database.NewRepository(db)
	clock := quartz.NewMock(t)

	var rdb *redis.Client
	var mr *miniredis.Miniredis
	if withRedis {
		mr = miniredis.RunT(t)
		rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
	}

	return &cacheFixture{
		repo:  repo,
		cache: presence.New(slogtest.Make(t, nil), repo, rdb, clock, presenceTTL),
		clock: clock,
		redis: mr,
	}
}

func (f *cacheFixture) seedDevice(t *testing.T, lastSeen time.Time, idle bool, openSession bool) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.repo.SaveDevice(ctx, &models.Device{
		ID:         testDevice,
		EmployeeID: testEmployee,
		Platform:   "linux",
		Active:     true,
		LastSeen:   lastSeen,
		CurrentApp: models.CurrentApp{
			Version: models.CurrentAppVersion,
			AppName: "editor",
			IsIdle:  idle,
		},
	}))
	if openSession {
		require.NoError(t, f.repo.CreateSession(ctx, &models.WorkSession{
			EmployeeID: testEmployee,
			DeviceID:   testDevice,
			ClockIn:    lastSeen.Add(-time.Hour),
		}))
	}
}

func TestDeviceOnline(t *testing.T) {
	ctx := context.Background()
	f := newCache(t, false)
	f.seedDevice(t, f.clock.Now(), false, true)

	snapshot, err := f.cache.Device(ctx, testDevice)
	require.NoError(t, err)
	require.Equal(t, presence.StatusOnline, snapshot.Status)
	require.Equal(t, testEmployee, snapshot.EmployeeID)
	require.Equal(t, "editor", snapshot.CurrentApp.AppName)
}

func TestDeviceIdle(t *testing.T) {
	ctx := context.Background()
	f := newCache(t, false)
	f.seedDevice(t, f.clock.Now(), true, true)

	snapshot, err := f.cache.Device(ctx, testDevice)
	require.NoError(t, err)
	require.Equal(t, presence.StatusIdle, snapshot.Status)
}

func TestDeviceOfflineAfterTTL(t *testing.T) {
	ctx := context.Background()
	f := newCache(t, false)
	f.seedDevice(t, f.clock.Now().Add(-presenceTTL-time.Second), false, true)

	snapshot, err := f.cache.Device(ctx, testDevice)
	require.NoError(t, err)
	require.Equal(t, presence.StatusOffline, snapshot.Status)
}

func TestDeviceRecentlySeenWithoutSessionIsOffline(t *testing.T) {
	ctx := context.Background()
	f := newCache(t, false)
	// Seen seconds ago, but nobody is clocked in. The heartbeat alone must
	// not make the device look online.
	f.seedDevice(t, f.clock.Now(), false, false)

	snapshot, err := f.cache.Device(ctx, testDevice)
	require.NoError(t, err)
	require.Equal(t, presence.StatusOffline, snapshot.Status)
}

func TestDeviceUnknown(t *testing.T) {
	ctx := context.Background()
	f := newCache(t, false)

	_, err := f.cache.Device(ctx, "never-registered")
	require.ErrorIs(t, err, presence.ErrUnknownDevice)
}

func TestDeviceWritesThroughToRedis(t *testing.T) {
	ctx := context.Background()
	f := newCache(t, true)
	f.seedDevice(t, f.clock.Now(), false, true)

	_, err := f.cache.Device(ctx, testDevice)
	require.NoError(t, err)

	require.True(t, f.redis.Exists("worklens:presence:"+testDevice))
}

func TestDeviceServedFromRedisTier(t *testing.T) {
	ctx := context.Background()
	f := newCache(t, true)
	f.seedDevice(t, f.clock.Now(), false, true)

	first, err := f.cache.Device(ctx, testDevice)
	require.NoError(t, err)
	require.Equal(t, presence.StatusOnline, first.Status)

	// A second cache process sharing the same Redis must see the snapshot
	// without recomputing: flip storage underneath and read cold.
	require.NoError(t, f.repo.SaveDevice(ctx, &models.Device{
		ID:         testDevice,
		EmployeeID: testEmployee,
		Platform:   "linux",
		Active:     false,
	}))
	rdb := redis.NewClient(&redis.Options{Addr: f.redis.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	cold := presence.New(slogtest.Make(t, nil), f.repo, rdb, f.clock, presenceTTL)

	snapshot, err := cold.Device(ctx, testDevice)
	require.NoError(t, err)
	require.Equal(t, presence.StatusOnline, snapshot.Status)
}

func TestInvalidateForcesRecompute(t *testing.T) {
	ctx := context.Background()
	f := newCache(t, true)
	f.seedDevice(t, f.clock.Now(), false, true)

	snapshot, err := f.cache.Device(ctx, testDevice)
	require.NoError(t, err)
	require.Equal(t, presence.StatusOnline, snapshot.Status)

	// Close the session, then invalidate. The next read must recompute from
	// storage instead of serving the stale online entry.
	sessions, err := f.repo.OpenSessionsForDevice(ctx, testDevice)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	now := f.clock.Now()
	sessions[0].ClockOut = &now
	require.NoError(t, f.repo.UpdateSession(ctx, &sessions[0]))

	f.cache.Invalidate(ctx, testDevice)
	require.False(t, f.redis.Exists("worklens:presence:"+testDevice))

	snapshot, err = f.cache.Device(ctx, testDevice)
	require.NoError(t, err)
	require.Equal(t, presence.StatusOffline, snapshot.Status)
}

func TestDeviceDegradesWhenRedisDown(t *testing.T) {
	ctx := context.Background()
	f := newCache(t, true)
	f.seedDevice(t, f.clock.Now(), false, true)

	f.redis.Close()

	snapshot, err := f.cache.Device(ctx, testDevice)
	require.NoError(t, err)
	require.Equal(t, presence.StatusOnline, snapshot.Status)
}

func TestOverview(t *testing.T) {
	ctx := context.Background()
	f := newCache(t, false)
	// The mock clock starts at midnight; move into the working day so
	// "earlier today" stays on today's side of the start-of-day cut.
	f.clock.Advance(14 * time.Hour)
	now := f.clock.Now()
	f.seedDevice(t, now, false, true)

	// A finished session earlier today contributes its frozen totals.
	active, idle, total := int64(3000), int64(600), int64(3600)
	clockOut := now.Add(-2 * time.Hour)
	require.NoError(t, f.repo.CreateSession(ctx, &models.WorkSession{
		EmployeeID: "emp-2",
		DeviceID:   "22222222-2222-4222-8222-222222222222",
		ClockIn:    clockOut.Add(-time.Hour),
		ClockOut:   &clockOut,
		ActiveTime: &active,
		IdleTime:   &idle,
		TotalWork:  &total,
	}))

	// The online device's open session contributes live totals from its
	// intervals, including the still-open one.
	end := now.Add(-10 * time.Minute)
	require.NoError(t, f.repo.CreateInterval(ctx, &models.AppUsageInterval{
		EmployeeID: testEmployee,
		DeviceID:   testDevice,
		AppName:    "editor",
		Category:   models.CategoryProductive,
		StartTime:  now.Add(-30 * time.Minute),
		EndTime:    &end,
		Duration:   1200,
	}))
	require.NoError(t, f.repo.CreateInterval(ctx, &models.AppUsageInterval{
		EmployeeID: testEmployee,
		DeviceID:   testDevice,
		AppName:    "editor",
		Category:   models.CategoryProductive,
		StartTime:  end,
	}))

	overview, err := f.cache.Overview(ctx)
	require.NoError(t, err)
	require.Len(t, overview.Online, 1)
	require.Equal(t, testDevice, overview.Online[0].DeviceID)
	require.Len(t, overview.FinishedSessions, 1)
	// 3000 frozen + 1200 closed + 600 live from the open interval.
	require.EqualValues(t, 4800, overview.TotalActiveTime)
	require.EqualValues(t, 600, overview.TotalIdleTime)
	require.Equal(t, now, overview.LastUpdated)
}
