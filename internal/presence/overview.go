package presence

import (
	"context"
	"time"

	"cdr.dev/slog/v3"

	"github.com/worklens/worklens/internal/models"
	"github.com/worklens/worklens/internal/timestats"
)

// Overview is the presence read payload consumed by dashboards.
type Overview struct {
	Online           []Snapshot           `json:"online"`
	FinishedSessions []models.WorkSession `json:"finished_sessions"`
	TotalActiveTime  int64                `json:"total_active_time"`
	TotalIdleTime    int64                `json:"total_idle_time"`
	LastUpdated      time.Time            `json:"last_updated"`
}

// Overview assembles today's live picture: who is online or idle right now,
// which sessions finished today, and the day's running active/idle totals.
// Open sessions contribute live, open-interval-inclusive totals.
func (c *Cache) Overview(ctx context.Context) (*Overview, error) {
	now := c.clock.Now()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	overview := &Overview{
		Online:           []Snapshot{},
		FinishedSessions: []models.WorkSession{},
		LastUpdated:      now,
	}

	finished, err := c.repo.FinishedSessionsSince(ctx, startOfDay)
	if err != nil {
		return nil, err
	}
	overview.FinishedSessions = finished
	for i := range finished {
		if finished[i].ActiveTime != nil {
			overview.TotalActiveTime += *finished[i].ActiveTime
		}
		if finished[i].IdleTime != nil {
			overview.TotalIdleTime += *finished[i].IdleTime
		}
	}

	devices, err := c.repo.DevicesSeenSince(ctx, now.Add(-c.ttl))
	if err != nil {
		return nil, err
	}
	for i := range devices {
		snapshot, err := c.Device(ctx, devices[i].ID)
		if err != nil {
			c.log.Warn(ctx, "skipping device in presence overview",
				slog.F("device_id", devices[i].ID),
				slog.Error(err),
			)
			continue
		}
		if snapshot.Status == StatusOffline {
			continue
		}
		overview.Online = append(overview.Online, snapshot)

		// Live totals for the open session behind this device.
		open, err := c.repo.GetOpenSession(ctx, snapshot.EmployeeID, snapshot.DeviceID)
		if err != nil || open == nil {
			continue
		}
		intervals, err := c.repo.IntervalsBetween(ctx, snapshot.EmployeeID, snapshot.DeviceID, open.ClockIn, now)
		if err != nil {
			continue
		}
		stats := timestats.Compute(intervals, timestats.Options{Now: now, IncludeOpen: true})
		overview.TotalActiveTime += stats.ActiveTime
		overview.TotalIdleTime += stats.IdleTime
	}

	return overview, nil
}
