package models

import (
	"time"

	"gorm.io/gorm"
)

// Category is the productivity classification of an application.
type Category string

const (
	CategoryProductive   Category = "PRODUCTIVE"
	CategoryNeutral      Category = "NEUTRAL"
	CategoryUnproductive Category = "UNPRODUCTIVE"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryProductive, CategoryNeutral, CategoryUnproductive:
		return true
	}
	return false
}

// AppUsageInterval is a maximal span of time during which a device reported a
// single (app, category, idle-state) tuple. EndTime is nil while the interval
// is open; Duration is authoritative once EndTime is set. At most one
// interval per (employee, device) may be open at any instant, and a negative
// duration is never stored.
type AppUsageInterval struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	EmployeeID  string         `gorm:"not null;index:idx_intervals_owner" json:"employee_id"`
	DeviceID    string         `gorm:"not null;index:idx_intervals_owner;size:36" json:"device_id"`
	AppName     string         `gorm:"not null;index" json:"app_name"`
	WindowTitle string         `json:"window_title"`
	Category    Category       `gorm:"not null;default:NEUTRAL" json:"category"`
	StartTime   time.Time      `gorm:"not null;index" json:"start_time"`
	EndTime     *time.Time     `gorm:"index" json:"end_time"`
	Duration    int64          `gorm:"not null;default:0" json:"duration"` // seconds
	IsIdle      bool           `gorm:"not null;default:false" json:"is_idle"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

// Open reports whether the interval has not been closed yet.
func (i *AppUsageInterval) Open() bool {
	return i.EndTime == nil
}
