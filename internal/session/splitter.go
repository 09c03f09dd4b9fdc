package session

import (
	"context"
	"time"

	"cdr.dev/slog/v3"

	"github.com/worklens/worklens/internal/database"
	"github.com/worklens/worklens/internal/models"
)

// placeholderApp labels an idle interval created while no app was in focus,
// e.g. an idle_start arriving right after clock_in.
const placeholderApp = "unknown"

// Splitter maintains the invariant that an (employee, device) pair has at
// most one open usage interval. Every focus or idle transition closes the
// current open interval and opens exactly one new interval at the split
// point.
type Splitter struct {
	log slog.Logger
}

func NewSplitter(log slog.Logger) *Splitter {
	return &Splitter{log: log.Named("splitter")}
}

// HandleFocus records an application focus change at t. The open interval is
// closed at t and a new non-idle interval for the given app starts there.
func (s *Splitter) HandleFocus(ctx context.Context, repo *database.Repository, employeeID, deviceID string, appName, windowTitle string, category models.Category, t time.Time) error {
	if !category.Valid() {
		category = models.CategoryNeutral
	}
	next := &models.AppUsageInterval{
		EmployeeID:  employeeID,
		DeviceID:    deviceID,
		AppName:     appName,
		WindowTitle: windowTitle,
		Category:    category,
		StartTime:   t,
		IsIdle:      false,
	}
	return s.split(ctx, repo, employeeID, deviceID, t, next)
}

// HandleIdleStart records an idle transition reported at t after
// idleSeconds of inactivity. The split point is backdated to t-idleSeconds
// so the idle-detection threshold window is attributed to idle time instead
// of being absorbed by the preceding active interval. The new idle interval
// inherits the current app identity: idleness modifies the app, it is not a
// different app.
func (s *Splitter) HandleIdleStart(ctx context.Context, repo *database.Repository, employeeID, deviceID string, t time.Time, idleSeconds int64) error {
	if idleSeconds < 0 {
		idleSeconds = 0
	}
	splitAt := t.Add(-time.Duration(idleSeconds) * time.Second)

	open, err := repo.GetOpenInterval(ctx, employeeID, deviceID)
	if err != nil {
		return err
	}

	next := &models.AppUsageInterval{
		EmployeeID: employeeID,
		DeviceID:   deviceID,
		AppName:    placeholderApp,
		Category:   models.CategoryNeutral,
		StartTime:  splitAt,
		IsIdle:     true,
	}
	if open != nil {
		next.AppName = open.AppName
		next.WindowTitle = open.WindowTitle
		next.Category = open.Category
	}
	return s.splitOpen(ctx, repo, open, splitAt, next)
}

// HandleIdleEnd records the return to activity at t. No backdating: the
// active period starts now.
func (s *Splitter) HandleIdleEnd(ctx context.Context, repo *database.Repository, employeeID, deviceID string, t time.Time) error {
	open, err := repo.GetOpenInterval(ctx, employeeID, deviceID)
	if err != nil {
		return err
	}

	next := &models.AppUsageInterval{
		EmployeeID: employeeID,
		DeviceID:   deviceID,
		AppName:    placeholderApp,
		Category:   models.CategoryNeutral,
		StartTime:  t,
		IsIdle:     false,
	}
	if open != nil {
		next.AppName = open.AppName
		next.WindowTitle = open.WindowTitle
		next.Category = open.Category
	}
	return s.splitOpen(ctx, repo, open, t, next)
}

func (s *Splitter) split(ctx context.Context, repo *database.Repository, employeeID, deviceID string, splitAt time.Time, next *models.AppUsageInterval) error {
	open, err := repo.GetOpenInterval(ctx, employeeID, deviceID)
	if err != nil {
		return err
	}
	return s.splitOpen(ctx, repo, open, splitAt, next)
}

// splitOpen closes open at splitAt and creates next. When the close would
// produce a negative duration (clock skew, duplicated or out-of-order
// events) the split is skipped entirely and only the idle flag of the open
// interval is patched, so a zero- or negative-length record is never
// fabricated.
func (s *Splitter) splitOpen(ctx context.Context, repo *database.Repository, open *models.AppUsageInterval, splitAt time.Time, next *models.AppUsageInterval) error {
	if open == nil {
		return repo.CreateInterval(ctx, next)
	}

	duration := int64(splitAt.Sub(open.StartTime).Seconds())
	if duration < 0 {
		s.log.Warn(ctx, "skipping interval split with negative duration",
			slog.F("device_id", open.DeviceID),
			slog.F("open_start", open.StartTime),
			slog.F("split_at", splitAt),
		)
		if open.IsIdle != next.IsIdle {
			open.IsIdle = next.IsIdle
			return repo.UpdateInterval(ctx, open)
		}
		return nil
	}

	end := splitAt
	open.EndTime = &end
	open.Duration = duration
	if err := repo.UpdateInterval(ctx, open); err != nil {
		return err
	}
	return repo.CreateInterval(ctx, next)
}
