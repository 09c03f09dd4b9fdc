package models

import (
	"time"

	"gorm.io/gorm"
)

// ErrorLog records a processing failure or a data-integrity finding so that
// transient agent problems can be inspected after the fact.
type ErrorLog struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Timestamp time.Time      `gorm:"not null;index" json:"timestamp"`
	Component string         `gorm:"not null;index" json:"component"`
	DeviceID  string         `gorm:"index;size:36" json:"device_id"`
	ErrorMsg  string         `gorm:"not null" json:"error_msg"`
	CreatedAt time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}
