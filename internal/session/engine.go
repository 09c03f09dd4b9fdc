// Package session owns the work-session lifecycle for (employee, device)
// pairs: clock-in, clock-out, usage-interval splitting and orphaned-session
// recovery.
package session

import (
	"context"
	"sort"
	"time"

	"cdr.dev/slog/v3"
	"github.com/pkg/errors"

	"github.com/worklens/worklens/internal/database"
	"github.com/worklens/worklens/internal/models"
	"github.com/worklens/worklens/internal/timestats"
)

// ErrNoActiveSession is returned by ClockOut when the pair has no open
// session. Callers treat it as a no-op, not a failure.
var ErrNoActiveSession = errors.New("no active session")

// Engine drives work sessions between their two states: a pair is CLOSED
// (no open session) until clock_in opens a session, and OPEN until clock_out
// closes it again and freezes the derived totals.
type Engine struct {
	log      slog.Logger
	splitter *Splitter
}

func NewEngine(log slog.Logger, splitter *Splitter) *Engine {
	return &Engine{
		log:      log.Named("session"),
		splitter: splitter,
	}
}

// ClockIn opens a new session at t. A stale open session for the same pair
// is closed at t first, so the at-most-one-open invariant holds even when an
// agent died without clocking out and re-registration has not run yet.
func (e *Engine) ClockIn(ctx context.Context, repo *database.Repository, employeeID, deviceID string, t time.Time) (*models.WorkSession, error) {
	stale, err := repo.GetOpenSession(ctx, employeeID, deviceID)
	if err != nil {
		return nil, err
	}
	if stale != nil {
		e.log.Warn(ctx, "clock_in found a stale open session, closing it",
			slog.F("device_id", deviceID),
			slog.F("stale_session_id", stale.ID),
			slog.F("stale_clock_in", stale.ClockIn),
		)
		if err := e.closeSession(ctx, repo, stale, t); err != nil {
			return nil, errors.Wrap(err, "close stale session")
		}
	}

	session := &models.WorkSession{
		EmployeeID: employeeID,
		DeviceID:   deviceID,
		ClockIn:    t,
	}
	if err := repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// ClockOut closes the open session at t, closes every open interval
// belonging to it and stores the recomputed totals. Returns
// ErrNoActiveSession when the pair has no open session.
func (e *Engine) ClockOut(ctx context.Context, repo *database.Repository, employeeID, deviceID string, t time.Time) (*models.WorkSession, error) {
	session, err := repo.GetOpenSession(ctx, employeeID, deviceID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrNoActiveSession
	}
	if err := e.closeSession(ctx, repo, session, t); err != nil {
		return nil, err
	}
	return session, nil
}

// closeSession seals a session at clockOut. Open intervals inside the
// session window are closed with a single sweep over the start-time-sorted
// interval set: each open interval ends where the next interval starts, the
// last one ends at clockOut. Intervals whose computed duration would be
// negative are deleted rather than stored. Totals are then recomputed from
// scratch over the full window and frozen on the session row.
func (e *Engine) closeSession(ctx context.Context, repo *database.Repository, session *models.WorkSession, clockOut time.Time) error {
	intervals, err := repo.IntervalsBetween(ctx, session.EmployeeID, session.DeviceID, session.ClockIn, clockOut)
	if err != nil {
		return err
	}

	// A backdated idle split can land before clock-in (an idle_start whose
	// detection threshold is larger than the session's age), which puts the
	// open interval outside the window query above. Fetch it explicitly and
	// clamp its start to the session boundary: time before clock-in is not
	// work time, and an interval left open here would outlive the session.
	open, err := repo.GetOpenInterval(ctx, session.EmployeeID, session.DeviceID)
	if err != nil {
		return err
	}
	if open != nil && open.StartTime.Before(session.ClockIn) {
		e.log.Warn(ctx, "clamping open interval that starts before clock-in",
			slog.F("session_id", session.ID),
			slog.F("interval_id", open.ID),
			slog.F("interval_start", open.StartTime),
			slog.F("clock_in", session.ClockIn),
		)
		open.StartTime = session.ClockIn
		intervals = append(intervals, *open)
	}

	sort.SliceStable(intervals, func(i, j int) bool {
		return intervals[i].StartTime.Before(intervals[j].StartTime)
	})

	kept := intervals[:0]
	for i := range intervals {
		iv := &intervals[i]
		if !iv.Open() {
			kept = append(kept, *iv)
			continue
		}

		end := clockOut
		if i+1 < len(intervals) {
			end = intervals[i+1].StartTime
		}
		duration := int64(end.Sub(iv.StartTime).Seconds())
		if duration < 0 {
			e.log.Warn(ctx, "discarding negative-duration interval at session close",
				slog.F("session_id", session.ID),
				slog.F("interval_id", iv.ID),
				slog.F("start_time", iv.StartTime),
				slog.F("end_time", end),
			)
			if err := repo.DeleteInterval(ctx, iv); err != nil {
				return err
			}
			continue
		}

		iv.EndTime = &end
		iv.Duration = duration
		if err := repo.UpdateInterval(ctx, iv); err != nil {
			return err
		}
		kept = append(kept, *iv)
	}

	stats := timestats.Compute(kept, timestats.Options{})
	if v := timestats.Validate(stats); !v.Valid {
		e.log.Error(ctx, "computed session totals failed validation",
			slog.F("session_id", session.ID),
			slog.F("problems", v.Problems),
		)
	}

	session.ClockOut = &clockOut
	session.TotalWork = &stats.TotalWork
	session.ActiveTime = &stats.ActiveTime
	session.IdleTime = &stats.IdleTime
	return repo.UpdateSession(ctx, session)
}
