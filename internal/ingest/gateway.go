package ingest

import (
	"context"
	"time"

	"cdr.dev/slog/v3"
	"github.com/pkg/errors"

	"github.com/worklens/worklens/internal/database"
	"github.com/worklens/worklens/internal/models"
	"github.com/worklens/worklens/internal/session"
)

// ErrInvalidBatch marks a malformed batch. The whole batch is rejected and
// nothing is persisted.
var ErrInvalidBatch = errors.New("invalid event batch")

// PresenceInvalidator is notified after a presence-relevant event commits.
type PresenceInvalidator interface {
	Invalidate(ctx context.Context, deviceID string)
}

// BatchResult summarizes how a batch was handled.
type BatchResult struct {
	Processed   int
	Dropped     int
	RateLimited bool
	CircuitOpen bool
	RetryAfter  time.Duration
}

// outcome is the structured result of one event handler.
type outcome struct {
	presenceChanged bool
}

type handlerFunc func(ctx context.Context, tx *database.Repository, employeeID, deviceID string, ev Event) (outcome, error)

// Gateway dispatches each inbound event in its own transaction against the
// session engine, after rate limiting and after durably recording a raw copy
// of the event.
type Gateway struct {
	log      slog.Logger
	repo     *database.Repository
	engine   *session.Engine
	splitter *session.Splitter
	limiter  *Limiter
	presence PresenceInvalidator
	handlers map[EventType]handlerFunc
}

func NewGateway(log slog.Logger, repo *database.Repository, engine *session.Engine, splitter *session.Splitter, limiter *Limiter, presence PresenceInvalidator) *Gateway {
	g := &Gateway{
		log:      log.Named("gateway"),
		repo:     repo,
		engine:   engine,
		splitter: splitter,
		limiter:  limiter,
		presence: presence,
	}
	g.handlers = map[EventType]handlerFunc{
		EventClockIn:          g.handleClockIn,
		EventClockOut:         g.handleClockOut,
		EventAppFocus:         g.handleAppFocus,
		EventIdleStart:        g.handleIdleStart,
		EventIdleEnd:          g.handleIdleEnd,
		EventPause:            g.handlePause,
		EventResume:           g.handleResume,
		EventScreenshotTaken:  g.handleScreenshot,
		EventScreenshotFailed: g.handleScreenshot,
	}
	return g
}

// ProcessBatch applies the batch in order, one event at a time. Ordinary
// events are subject to the per-device limiter; priority events are always
// processed. Each event commits in its own transaction, so a storage failure
// aborts the remainder of the batch while already-committed events stand.
func (g *Gateway) ProcessBatch(ctx context.Context, employeeID, deviceID string, events []Event) (BatchResult, error) {
	var res BatchResult

	for i := range events {
		if !events[i].Type.Known() {
			return res, errors.WithMessagef(ErrInvalidBatch, "unrecognized event type %q", events[i].Type)
		}
		if events[i].Timestamp.IsZero() {
			return res, errors.WithMessagef(ErrInvalidBatch, "event %d has no timestamp", i)
		}
	}

	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		// The raw copy is recorded before dispatch, regardless of whether the
		// semantic handler succeeds, so a batch can always be replayed.
		raw := &models.RawEvent{
			EmployeeID: employeeID,
			DeviceID:   deviceID,
			Type:       string(ev.Type),
			Timestamp:  ev.Timestamp,
			Payload:    string(ev.Data),
		}
		if err := g.repo.CreateRawEvent(ctx, raw); err != nil {
			return res, err
		}

		if !ev.Type.Priority() {
			decision := g.limiter.Allow(deviceID)
			if !decision.OK {
				res.Dropped++
				if decision.CircuitOpen {
					res.CircuitOpen = true
				} else {
					res.RateLimited = true
				}
				if decision.RetryAfter > res.RetryAfter {
					res.RetryAfter = decision.RetryAfter
				}
				continue
			}
		}

		handler := g.handlers[ev.Type]
		var out outcome
		err := g.repo.InTx(ctx, func(tx *database.Repository) error {
			var err error
			out, err = handler(ctx, tx, employeeID, deviceID, ev)
			return err
		})
		if err != nil {
			return res, err
		}
		res.Processed++

		// Best-effort, outside the transaction. Applied synchronously so a
		// later event for the same device cannot race an earlier
		// invalidation.
		if out.presenceChanged && ev.Type.PresenceRelevant() && g.presence != nil {
			g.presence.Invalidate(ctx, deviceID)
		}
	}
	return res, nil
}

func (g *Gateway) handleClockIn(ctx context.Context, tx *database.Repository, employeeID, deviceID string, ev Event) (outcome, error) {
	if _, err := g.engine.ClockIn(ctx, tx, employeeID, deviceID, ev.Timestamp); err != nil {
		return outcome{}, err
	}
	if err := tx.TouchDevice(ctx, deviceID, ev.Timestamp, nil); err != nil {
		return outcome{}, err
	}
	return outcome{presenceChanged: true}, nil
}

func (g *Gateway) handleClockOut(ctx context.Context, tx *database.Repository, employeeID, deviceID string, ev Event) (outcome, error) {
	_, err := g.engine.ClockOut(ctx, tx, employeeID, deviceID, ev.Timestamp)
	if errors.Is(err, session.ErrNoActiveSession) {
		// Not a failure: the agent retried a clock_out or the session was
		// already recovered.
		g.log.Info(ctx, "clock_out with no active session",
			slog.F("device_id", deviceID),
			slog.F("timestamp", ev.Timestamp),
		)
	} else if err != nil {
		return outcome{}, err
	}
	if err := tx.TouchDevice(ctx, deviceID, ev.Timestamp, nil); err != nil {
		return outcome{}, err
	}
	return outcome{presenceChanged: true}, nil
}

func (g *Gateway) handleAppFocus(ctx context.Context, tx *database.Repository, employeeID, deviceID string, ev Event) (outcome, error) {
	data, err := ev.FocusData()
	if err != nil {
		return outcome{}, g.recordBadPayload(ctx, tx, deviceID, ev, err)
	}
	if err := g.splitter.HandleFocus(ctx, tx, employeeID, deviceID, data.AppName, data.WindowTitle, data.ParsedCategory(), ev.Timestamp); err != nil {
		return outcome{}, err
	}
	snapshot := &models.CurrentApp{
		AppName:     data.AppName,
		WindowTitle: data.WindowTitle,
		URL:         data.URL,
		IsIdle:      false,
	}
	if err := tx.TouchDevice(ctx, deviceID, ev.Timestamp, snapshot); err != nil {
		return outcome{}, err
	}
	return outcome{}, nil
}

func (g *Gateway) handleIdleStart(ctx context.Context, tx *database.Repository, employeeID, deviceID string, ev Event) (outcome, error) {
	data, err := ev.IdleData()
	if err != nil {
		return outcome{}, g.recordBadPayload(ctx, tx, deviceID, ev, err)
	}
	if err := g.splitter.HandleIdleStart(ctx, tx, employeeID, deviceID, ev.Timestamp, data.IdleTimeSeconds); err != nil {
		return outcome{}, err
	}
	if err := g.markDeviceIdle(ctx, tx, deviceID, ev.Timestamp, true); err != nil {
		return outcome{}, err
	}
	return outcome{presenceChanged: true}, nil
}

func (g *Gateway) handleIdleEnd(ctx context.Context, tx *database.Repository, employeeID, deviceID string, ev Event) (outcome, error) {
	if err := g.splitter.HandleIdleEnd(ctx, tx, employeeID, deviceID, ev.Timestamp); err != nil {
		return outcome{}, err
	}
	if err := g.markDeviceIdle(ctx, tx, deviceID, ev.Timestamp, false); err != nil {
		return outcome{}, err
	}
	return outcome{presenceChanged: true}, nil
}

// Pause and resume behave like an idle transition without a detection
// threshold: the break starts and ends exactly where the agent reports it.
func (g *Gateway) handlePause(ctx context.Context, tx *database.Repository, employeeID, deviceID string, ev Event) (outcome, error) {
	if err := g.splitter.HandleIdleStart(ctx, tx, employeeID, deviceID, ev.Timestamp, 0); err != nil {
		return outcome{}, err
	}
	return outcome{}, g.markDeviceIdle(ctx, tx, deviceID, ev.Timestamp, true)
}

func (g *Gateway) handleResume(ctx context.Context, tx *database.Repository, employeeID, deviceID string, ev Event) (outcome, error) {
	if err := g.splitter.HandleIdleEnd(ctx, tx, employeeID, deviceID, ev.Timestamp); err != nil {
		return outcome{}, err
	}
	return outcome{}, g.markDeviceIdle(ctx, tx, deviceID, ev.Timestamp, false)
}

// Screenshot results carry no session semantics here; the raw copy recorded
// before dispatch is the artifact of record. Failures additionally land in
// the error log for inspection.
func (g *Gateway) handleScreenshot(ctx context.Context, tx *database.Repository, _, deviceID string, ev Event) (outcome, error) {
	if ev.Type == EventScreenshotFailed {
		var data ScreenshotData
		if err := decodePayload(ev, &data); err != nil {
			return outcome{}, g.recordBadPayload(ctx, tx, deviceID, ev, err)
		}
		if err := tx.CreateErrorLog(ctx, &models.ErrorLog{
			Timestamp: ev.Timestamp,
			Component: "screenshot",
			DeviceID:  deviceID,
			ErrorMsg:  data.Error,
		}); err != nil {
			return outcome{}, err
		}
	}
	return outcome{}, tx.TouchDevice(ctx, deviceID, ev.Timestamp, nil)
}

// markDeviceIdle patches the idle flag on the device's current-app snapshot
// and advances last-seen.
func (g *Gateway) markDeviceIdle(ctx context.Context, tx *database.Repository, deviceID string, at time.Time, idle bool) error {
	device, err := tx.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if device == nil {
		return tx.TouchDevice(ctx, deviceID, at, nil)
	}
	snapshot := device.CurrentApp
	snapshot.IsIdle = idle
	return tx.TouchDevice(ctx, deviceID, at, &snapshot)
}

// recordBadPayload logs a payload that failed to decode and keeps the batch
// going: the envelope was valid, the raw copy is stored, and discarding one
// unreadable payload must not lose the events behind it.
func (g *Gateway) recordBadPayload(ctx context.Context, tx *database.Repository, deviceID string, ev Event, decodeErr error) error {
	g.log.Warn(ctx, "dropping event with undecodable payload",
		slog.F("device_id", deviceID),
		slog.F("type", ev.Type),
		slog.Error(decodeErr),
	)
	return tx.CreateErrorLog(ctx, &models.ErrorLog{
		Timestamp: ev.Timestamp,
		Component: "ingest",
		DeviceID:  deviceID,
		ErrorMsg:  decodeErr.Error(),
	})
}
