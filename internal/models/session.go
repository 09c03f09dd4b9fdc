package models

import (
	"time"

	"gorm.io/gorm"
)

// WorkSession is a single clock-in-to-clock-out period for an (employee,
// device) pair. ClockOut is nil while the session is open; the totals are
// computed once at close and frozen. At most one session per (employee,
// device) may be open at any instant.
type WorkSession struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	EmployeeID string         `gorm:"not null;index:idx_sessions_owner" json:"employee_id"`
	DeviceID   string         `gorm:"not null;index:idx_sessions_owner;size:36" json:"device_id"`
	ClockIn    time.Time      `gorm:"not null;index" json:"clock_in"`
	ClockOut   *time.Time     `gorm:"index" json:"clock_out"`
	TotalWork  *int64         `json:"total_work"`  // seconds
	ActiveTime *int64         `json:"active_time"` // seconds
	IdleTime   *int64         `json:"idle_time"`   // seconds
	CreatedAt  time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
}

// Open reports whether the session has not been clocked out yet.
func (s *WorkSession) Open() bool {
	return s.ClockOut == nil
}
