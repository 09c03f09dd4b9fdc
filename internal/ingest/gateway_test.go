package ingest_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"

	"github.com/worklens/worklens/internal/database"
	"github.com/worklens/worklens/internal/ingest"
	"github.com/worklens/worklens/internal/models"
	"github.com/worklens/worklens/internal/session"
)

const (
	testEmployee = "emp-1"
	testDevice   = "6be94626-8aa8-42b6-98d3-b28bbb6798d2"
)

type fakeInvalidator struct {
	devices []string
}

func (f *fakeInvalidator) Invalidate(_ context.Context, deviceID string) {
	f.devices = append(f.devices, deviceID)
}

type gatewayFixture struct {
	repo     *database.Repository
	gateway  *ingest.Gateway
	clock    *quartz.Mock
	presence *fakeInvalidator
}

func newGateway(t *testing.T, cfg ingest.LimiterConfig) *gatewayFixture {
	t.Helper()
	db, err := database.ConnectInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Initialize())

	logger := slogtest.Make(t, nil)
	repo := database.NewRepository(db)
	splitter := session.NewSplitter(logger)
	engine := session.NewEngine(logger, splitter)
	clock := quartz.NewMock(t)
	presence := &fakeInvalidator{}
	gateway := ingest.NewGateway(logger, repo, engine, splitter, ingest.NewLimiter(cfg, clock), presence)
	f := &gatewayFixture{repo: repo, gateway: gateway, clock: clock, presence: presence}
	f.registerDevice(t)
	return f
}

// registerDevice mirrors what the device-registration endpoint does before
// any events arrive: TouchDevice only updates rows that already exist.
func (f *gatewayFixture) registerDevice(t *testing.T) {
	t.Helper()
	require.NoError(t, f.repo.SaveDevice(context.Background(), &models.Device{
		ID:         testDevice,
		EmployeeID: testEmployee,
		Platform:   "linux",
		Active:     true,
	}))
}

func generousLimits() ingest.LimiterConfig {
	return ingest.LimiterConfig{Limit: 100, Window: time.Minute, ViolationThreshold: 3, Cooldown: 5 * time.Minute}
}

func payload(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestProcessBatch(t *testing.T) {
	ctx := context.Background()
	f := newGateway(t, generousLimits())

	t0 := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	events := []ingest.Event{
		{Type: ingest.EventClockIn, Timestamp: t0},
		{Type: ingest.EventAppFocus, Timestamp: t0, Data: payload(t, ingest.FocusData{
			AppName: "editor", WindowTitle: "main.go", Category: "productive",
		})},
		{Type: ingest.EventIdleStart, Timestamp: t0.Add(20 * time.Minute), Data: payload(t, ingest.IdleData{IdleTimeSeconds: 300})},
		{Type: ingest.EventClockOut, Timestamp: t0.Add(30 * time.Minute)},
	}

	res, err := f.gateway.ProcessBatch(ctx, testEmployee, testDevice, events)
	require.NoError(t, err)
	require.Equal(t, 4, res.Processed)
	require.Zero(t, res.Dropped)
	require.False(t, res.RateLimited)

	// Raw copies are stored for every event, priority or not.
	raw, err := f.repo.RawEventsForDevice(ctx, testDevice)
	require.NoError(t, err)
	require.Len(t, raw, 4)
	require.Equal(t, "clock_in", raw[0].Type)

	finished, err := f.repo.FinishedSessionsSince(ctx, t0)
	require.NoError(t, err)
	require.Len(t, finished, 1)
	require.EqualValues(t, 15*60, *finished[0].ActiveTime)
	require.EqualValues(t, 15*60, *finished[0].IdleTime)
	require.EqualValues(t, 30*60, *finished[0].TotalWork)

	device, err := f.repo.GetDevice(ctx, testDevice)
	require.NoError(t, err)
	require.NotNil(t, device)
	require.Equal(t, t0.Add(30*time.Minute), device.LastSeen.UTC())

	// clock_in, idle_start and clock_out each invalidated presence.
	require.Equal(t, []string{testDevice, testDevice, testDevice}, f.presence.devices)
}

func TestProcessBatchRejectsUnknownType(t *testing.T) {
	ctx := context.Background()
	f := newGateway(t, generousLimits())

	events := []ingest.Event{
		{Type: ingest.EventClockIn, Timestamp: time.Now()},
		{Type: ingest.EventType("telemetry_blob"), Timestamp: time.Now()},
	}
	_, err := f.gateway.ProcessBatch(ctx, testEmployee, testDevice, events)
	require.ErrorIs(t, err, ingest.ErrInvalidBatch)

	// Envelope validation happens before anything touches storage, so the
	// valid first event was not persisted either.
	raw, err := f.repo.RawEventsForDevice(ctx, testDevice)
	require.NoError(t, err)
	require.Empty(t, raw)
}

func TestProcessBatchRejectsMissingTimestamp(t *testing.T) {
	ctx := context.Background()
	f := newGateway(t, generousLimits())

	_, err := f.gateway.ProcessBatch(ctx, testEmployee, testDevice, []ingest.Event{
		{Type: ingest.EventAppFocus},
	})
	require.ErrorIs(t, err, ingest.ErrInvalidBatch)
}

func TestProcessBatchPriorityBypassesLimiter(t *testing.T) {
	ctx := context.Background()
	f := newGateway(t, ingest.LimiterConfig{Limit: 1, Window: time.Minute, ViolationThreshold: 3, Cooldown: 5 * time.Minute})

	t0 := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	focus := func(app string, at time.Time) ingest.Event {
		return ingest.Event{Type: ingest.EventAppFocus, Timestamp: at, Data: payload(t, ingest.FocusData{AppName: app})}
	}
	events := []ingest.Event{
		{Type: ingest.EventClockIn, Timestamp: t0},
		focus("editor", t0),
		focus("browser", t0.Add(time.Minute)),
		focus("terminal", t0.Add(2 * time.Minute)),
		{Type: ingest.EventClockOut, Timestamp: t0.Add(3 * time.Minute)},
	}

	res, err := f.gateway.ProcessBatch(ctx, testEmployee, testDevice, events)
	require.NoError(t, err)
	// Limit 1: the first focus passes, the other two are dropped. clock_in
	// and clock_out sail through regardless.
	require.Equal(t, 3, res.Processed)
	require.Equal(t, 2, res.Dropped)
	require.True(t, res.RateLimited)
	require.Greater(t, res.RetryAfter, time.Duration(0))

	// The dropped events still left raw copies behind.
	raw, err := f.repo.RawEventsForDevice(ctx, testDevice)
	require.NoError(t, err)
	require.Len(t, raw, 5)

	// The session closed despite the throttling.
	finished, err := f.repo.FinishedSessionsSince(ctx, t0)
	require.NoError(t, err)
	require.Len(t, finished, 1)
}

func TestProcessBatchBadPayloadRecoversLocally(t *testing.T) {
	ctx := context.Background()
	f := newGateway(t, generousLimits())

	t0 := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	events := []ingest.Event{
		{Type: ingest.EventClockIn, Timestamp: t0},
		{Type: ingest.EventAppFocus, Timestamp: t0, Data: json.RawMessage(`{"app_name":`)},
		{Type: ingest.EventAppFocus, Timestamp: t0.Add(time.Minute), Data: payload(t, ingest.FocusData{AppName: "editor"})},
	}

	res, err := f.gateway.ProcessBatch(ctx, testEmployee, testDevice, events)
	require.NoError(t, err)
	// The undecodable payload is skipped, not fatal: the rest of the batch
	// still lands.
	require.Equal(t, 3, res.Processed)

	logs, err := f.repo.ErrorLogsForComponent(ctx, "ingest")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, testDevice, logs[0].DeviceID)

	open, err := f.repo.GetOpenInterval(ctx, testEmployee, testDevice)
	require.NoError(t, err)
	require.NotNil(t, open)
	require.Equal(t, "editor", open.AppName)
}

func TestProcessBatchClockOutWithoutSessionIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newGateway(t, generousLimits())

	t0 := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	res, err := f.gateway.ProcessBatch(ctx, testEmployee, testDevice, []ingest.Event{
		{Type: ingest.EventClockOut, Timestamp: t0},
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Processed)

	// The device was still touched: the agent is clearly alive.
	device, err := f.repo.GetDevice(ctx, testDevice)
	require.NoError(t, err)
	require.NotNil(t, device)
	require.Equal(t, t0, device.LastSeen.UTC())
}

func TestProcessBatchScreenshotFailure(t *testing.T) {
	ctx := context.Background()
	f := newGateway(t, generousLimits())

	t0 := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	res, err := f.gateway.ProcessBatch(ctx, testEmployee, testDevice, []ingest.Event{
		{Type: ingest.EventScreenshotTaken, Timestamp: t0, Data: payload(t, ingest.ScreenshotData{JobID: "job-1", StorageKey: "s3://bucket/job-1.png"})},
		{Type: ingest.EventScreenshotFailed, Timestamp: t0.Add(time.Minute), Data: payload(t, ingest.ScreenshotData{JobID: "job-2", Error: "display locked"})},
	})
	require.NoError(t, err)
	require.Equal(t, 2, res.Processed)

	logs, err := f.repo.ErrorLogsForComponent(ctx, "screenshot")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Contains(t, logs[0].ErrorMsg, "display locked")
}

func TestProcessBatchScreenshotFailureBadPayload(t *testing.T) {
	ctx := context.Background()
	f := newGateway(t, generousLimits())

	t0 := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	res, err := f.gateway.ProcessBatch(ctx, testEmployee, testDevice, []ingest.Event{
		{Type: ingest.EventScreenshotFailed, Timestamp: t0, Data: json.RawMessage(`{"error":`)},
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Processed)

	// An undecodable failure report is a bad payload, not an empty-message
	// screenshot failure.
	logs, err := f.repo.ErrorLogsForComponent(ctx, "screenshot")
	require.NoError(t, err)
	require.Empty(t, logs)

	logs, err = f.repo.ErrorLogsForComponent(ctx, "ingest")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, testDevice, logs[0].DeviceID)
	require.NotEmpty(t, logs[0].ErrorMsg)
}

func TestProcessBatchStopsOnCanceledContext(t *testing.T) {
	f := newGateway(t, generousLimits())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.gateway.ProcessBatch(ctx, testEmployee, testDevice, []ingest.Event{
		{Type: ingest.EventClockIn, Timestamp: time.Now()},
	})
	require.ErrorIs(t, err, context.Canceled)

	raw, err := f.repo.RawEventsForDevice(context.Background(), testDevice)
	require.NoError(t, err)
	require.Empty(t, raw)
}

func TestProcessBatchIdleMarksDevice(t *testing.T) {
	ctx := context.Background()
	f := newGateway(t, generousLimits())

	t0 := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	_, err := f.gateway.ProcessBatch(ctx, testEmployee, testDevice, []ingest.Event{
		{Type: ingest.EventClockIn, Timestamp: t0},
		{Type: ingest.EventAppFocus, Timestamp: t0, Data: payload(t, ingest.FocusData{AppName: "editor", WindowTitle: "main.go"})},
		{Type: ingest.EventIdleStart, Timestamp: t0.Add(10 * time.Minute), Data: payload(t, ingest.IdleData{IdleTimeSeconds: 60})},
	})
	require.NoError(t, err)

	device, err := f.repo.GetDevice(ctx, testDevice)
	require.NoError(t, err)
	require.True(t, device.CurrentApp.IsIdle)
	require.Equal(t, "editor", device.CurrentApp.AppName)

	_, err = f.gateway.ProcessBatch(ctx, testEmployee, testDevice, []ingest.Event{
		{Type: ingest.EventIdleEnd, Timestamp: t0.Add(15 * time.Minute)},
	})
	require.NoError(t, err)

	device, err = f.repo.GetDevice(ctx, testDevice)
	require.NoError(t, err)
	require.False(t, device.CurrentApp.IsIdle)
}
