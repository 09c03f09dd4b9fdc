package models

import (
	"time"

	"gorm.io/gorm"
)

// CurrentAppVersion is bumped whenever the CurrentApp layout changes so that
// stale snapshots written by older builds can be detected instead of being
// silently misread.
const CurrentAppVersion = 1

// CurrentApp is the last-reported foreground application of a device. It is
// stored as a JSON column on the device row; the idle flag lives here as a
// first-class field rather than inside an untyped blob.
type CurrentApp struct {
	Version     int    `json:"version"`
	AppName     string `json:"app_name"`
	WindowTitle string `json:"window_title"`
	URL         string `json:"url,omitempty"`
	IsIdle      bool   `json:"is_idle"`
}

// Device is one physical installation of the desktop agent. Devices are never
// deleted, only deactivated.
type Device struct {
	ID         string         `gorm:"primaryKey;size:36" json:"id"`
	EmployeeID string         `gorm:"not null;index" json:"employee_id"`
	Platform   string         `gorm:"not null" json:"platform"`
	Active     bool           `gorm:"not null;default:true" json:"active"`
	LastSeen   time.Time      `gorm:"index" json:"last_seen"`
	CurrentApp CurrentApp     `gorm:"serializer:json" json:"current_app"`
	CreatedAt  time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
}
