package models

import "time"

// RawEvent is a durable copy of an inbound agent event, written before the
// semantic handler runs. It preserves an audit trail and allows a batch to be
// replayed even when a handler fails.
type RawEvent struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	EmployeeID string    `gorm:"not null;index" json:"employee_id"`
	DeviceID   string    `gorm:"not null;index;size:36" json:"device_id"`
	Type       string    `gorm:"not null;index" json:"type"`
	Timestamp  time.Time `gorm:"not null;index" json:"timestamp"`
	Payload    string    `gorm:"type:text" json:"payload"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
