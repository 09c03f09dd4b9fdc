package database

import (
	"context"
	"strings"
	"time"

	"github.com/worklens/worklens/internal/models"

	"github.com/pkg/errors"

	"gorm.io/gorm"
)

// Repository handles all database operations for devices, sessions, usage
// intervals and raw events.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new repository instance
func NewRepository(db *DB) *Repository {
	return &Repository{db: db.DB}
}

// InTx runs fn against a repository bound to a single transaction. Every
// inbound event is dispatched through here so that session and interval
// mutations commit or roll back as one unit.
func (r *Repository) InTx(ctx context.Context, fn func(*Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repository{db: tx})
	})
}

// --- Devices ---

// GetDevice retrieves a device by its UUID. Returns nil without error when
// the device is unknown.
func (r *Repository) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	var device models.Device
	result := r.db.WithContext(ctx).First(&device, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(result.Error, "failed to get device")
	}
	return &device, nil
}

// SaveDevice inserts or updates a device row.
func (r *Repository) SaveDevice(ctx context.Context, device *models.Device) error {
	result := r.db.WithContext(ctx).Save(device)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to save device")
	}
	return nil
}

// TouchDevice advances a device's last-seen timestamp and, when snapshot is
// non-nil, replaces its current-app snapshot.
func (r *Repository) TouchDevice(ctx context.Context, id string, lastSeen time.Time, snapshot *models.CurrentApp) error {
	updates := map[string]interface{}{"last_seen": lastSeen}
	if snapshot != nil {
		snapshot.Version = models.CurrentAppVersion
		updates["current_app"] = *snapshot
	}
	result := r.db.WithContext(ctx).Model(&models.Device{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to touch device")
	}
	return nil
}

// DevicesSeenSince returns devices whose last-seen timestamp is at or after
// the given time.
func (r *Repository) DevicesSeenSince(ctx context.Context, since time.Time) ([]models.Device, error) {
	var devices []models.Device
	result := r.db.WithContext(ctx).
		Where("active = ? AND last_seen >= ?", true, since).
		Order("last_seen DESC").
		Find(&devices)
	if result.Error != nil {
		return nil, errors.Wrap(result.Error, "failed to query devices")
	}
	return devices, nil
}

// --- Work sessions ---

// CreateSession inserts a new work session.
func (r *Repository) CreateSession(ctx context.Context, session *models.WorkSession) error {
	result := r.db.WithContext(ctx).Create(session)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to insert work session")
	}
	return nil
}

// GetOpenSession returns the open session for an (employee, device) pair, or
// nil when there is none. When historical inconsistencies left more than one
// open session behind, the most recent clock-in wins; the rest are resolved
// by orphan recovery.
func (r *Repository) GetOpenSession(ctx context.Context, employeeID, deviceID string) (*models.WorkSession, error) {
	var session models.WorkSession
	result := r.db.WithContext(ctx).
		Where("employee_id = ? AND device_id = ? AND clock_out IS NULL", employeeID, deviceID).
		Order("clock_in DESC").
		First(&session)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(result.Error, "failed to get open session")
	}
	return &session, nil
}

// OpenSessionsForDevice returns every open session attached to a device,
// oldest clock-in first. Used by orphan recovery.
func (r *Repository) OpenSessionsForDevice(ctx context.Context, deviceID string) ([]models.WorkSession, error) {
	var sessions []models.WorkSession
	result := r.db.WithContext(ctx).
		Where("device_id = ? AND clock_out IS NULL", deviceID).
		Order("clock_in ASC").
		Find(&sessions)
	if result.Error != nil {
		return nil, errors.Wrap(result.Error, "failed to query open sessions")
	}
	return sessions, nil
}

// OpenSessionExists reports whether an (employee, device) pair currently has
// an open session.
func (r *Repository) OpenSessionExists(ctx context.Context, employeeID, deviceID string) (bool, error) {
	var count int64
	result := r.db.WithContext(ctx).Model(&models.WorkSession{}).
		Where("employee_id = ? AND device_id = ? AND clock_out IS NULL", employeeID, deviceID).
		Count(&count)
	if result.Error != nil {
		return false, errors.Wrap(result.Error, "failed to count open sessions")
	}
	return count > 0, nil
}

// UpdateSession persists changes to an existing session.
func (r *Repository) UpdateSession(ctx context.Context, session *models.WorkSession) error {
	result := r.db.WithContext(ctx).Save(session)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to update work session")
	}
	return nil
}

// FinishedSessionsSince returns sessions closed at or after the given time,
// most recent first.
func (r *Repository) FinishedSessionsSince(ctx context.Context, since time.Time) ([]models.WorkSession, error) {
	var sessions []models.WorkSession
	result := r.db.WithContext(ctx).
		Where("clock_out IS NOT NULL AND clock_out >= ?", since).
		Order("clock_out DESC").
		Find(&sessions)
	if result.Error != nil {
		return nil, errors.Wrap(result.Error, "failed to query finished sessions")
	}
	return sessions, nil
}

// --- App usage intervals ---

// CreateInterval inserts a new usage interval.
func (r *Repository) CreateInterval(ctx context.Context, interval *models.AppUsageInterval) error {
	interval.AppName = strings.ToLower(interval.AppName)
	result := r.db.WithContext(ctx).Create(interval)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to insert usage interval")
	}
	return nil
}

// GetOpenInterval returns the open interval for an (employee, device) pair,
// or nil when there is none.
func (r *Repository) GetOpenInterval(ctx context.Context, employeeID, deviceID string) (*models.AppUsageInterval, error) {
	var interval models.AppUsageInterval
	result := r.db.WithContext(ctx).
		Where("employee_id = ? AND device_id = ? AND end_time IS NULL", employeeID, deviceID).
		Order("start_time DESC").
		First(&interval)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(result.Error, "failed to get open interval")
	}
	return &interval, nil
}

// UpdateInterval persists changes to an existing interval.
func (r *Repository) UpdateInterval(ctx context.Context, interval *models.AppUsageInterval) error {
	result := r.db.WithContext(ctx).Save(interval)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to update usage interval")
	}
	return nil
}

// DeleteInterval removes an interval. Negative-duration intervals are
// discarded through here rather than stored.
func (r *Repository) DeleteInterval(ctx context.Context, interval *models.AppUsageInterval) error {
	result := r.db.WithContext(ctx).Delete(interval)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to delete usage interval")
	}
	return nil
}

// IntervalsBetween returns every interval whose start time falls inside
// [from, to], ordered by start time ascending. Open intervals are included.
func (r *Repository) IntervalsBetween(ctx context.Context, employeeID, deviceID string, from, to time.Time) ([]models.AppUsageInterval, error) {
	var intervals []models.AppUsageInterval
	result := r.db.WithContext(ctx).
		Where("employee_id = ? AND device_id = ? AND start_time >= ? AND start_time <= ?",
			employeeID, deviceID, from, to).
		Order("start_time ASC").
		Find(&intervals)
	if result.Error != nil {
		return nil, errors.Wrap(result.Error, "failed to query usage intervals")
	}
	return intervals, nil
}

// AppUsageSummarySince returns aggregated closed-interval usage grouped by
// app and category. SQL does the SUM; callers derive percentages.
func (r *Repository) AppUsageSummarySince(ctx context.Context, since time.Time) ([]models.AppSummary, error) {
	var summaries []models.AppSummary
	result := r.db.WithContext(ctx).Model(&models.AppUsageInterval{}).
		Select("app_name, category, SUM(duration) as total_seconds, COUNT(*) as interval_count").
		Where("end_time IS NOT NULL AND start_time >= ? AND is_idle = ?", since, false).
		Group("app_name, category").
		Order("total_seconds DESC").
		Scan(&summaries)
	if result.Error != nil {
		return nil, errors.Wrap(result.Error, "failed to query app usage summary")
	}
	return summaries, nil
}

// IdleSecondsSince returns the total closed idle time recorded at or after
// the given time.
func (r *Repository) IdleSecondsSince(ctx context.Context, since time.Time) (int64, error) {
	var total int64
	result := r.db.WithContext(ctx).Model(&models.AppUsageInterval{}).
		Select("COALESCE(SUM(duration), 0)").
		Where("end_time IS NOT NULL AND start_time >= ? AND is_idle = ?", since, true).
		Scan(&total)
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to query idle seconds")
	}
	return total, nil
}

// --- Raw events and error logs ---

// CreateRawEvent durably records an inbound event before dispatch.
func (r *Repository) CreateRawEvent(ctx context.Context, event *models.RawEvent) error {
	result := r.db.WithContext(ctx).Create(event)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to insert raw event")
	}
	return nil
}

// RawEventsForDevice retrieves the stored raw copies of a device's events in
// arrival order.
func (r *Repository) RawEventsForDevice(ctx context.Context, deviceID string) ([]models.RawEvent, error) {
	var events []models.RawEvent
	result := r.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("id ASC").
		Find(&events)
	if result.Error != nil {
		return nil, errors.Wrap(result.Error, "failed to query raw events")
	}
	return events, nil
}

// CreateErrorLog inserts a new error log into the database
func (r *Repository) CreateErrorLog(ctx context.Context, errorLog *models.ErrorLog) error {
	result := r.db.WithContext(ctx).Create(errorLog)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to insert error log")
	}
	return nil
}

// ErrorLogsForComponent retrieves the error logs a component recorded, newest
// last.
func (r *Repository) ErrorLogsForComponent(ctx context.Context, component string) ([]models.ErrorLog, error) {
	var logs []models.ErrorLog
	result := r.db.WithContext(ctx).
		Where("component = ?", component).
		Order("id ASC").
		Find(&logs)
	if result.Error != nil {
		return nil, errors.Wrap(result.Error, "failed to query error logs")
	}
	return logs, nil
}

// Clear removes all recorded activity. Devices are kept.
func (r *Repository) Clear(ctx context.Context) error {
	for _, table := range []string{"work_sessions", "app_usage_intervals", "raw_events", "error_logs"} {
		result := r.db.WithContext(ctx).Exec("DELETE FROM " + table)
		if result.Error != nil {
			return errors.Wrap(result.Error, "failed to clear "+table)
		}
	}
	return nil
}
