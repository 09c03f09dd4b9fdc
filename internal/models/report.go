package models

import "time"

// AppSummary is the aggregated usage of one application over a report period.
type AppSummary struct {
	AppName       string   `json:"app_name"`
	Category      Category `json:"category"`
	TotalSeconds  int64    `json:"total_seconds"`
	TotalMinutes  float64  `json:"total_minutes"`
	TotalHours    float64  `json:"total_hours"`
	IntervalCount int      `json:"interval_count"`
	Percentage    float64  `json:"percentage,omitempty"`
}

type ReportPeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Type  string    `json:"type"` // "day", "week", "month"
}

// Report is a period usage breakdown over closed intervals.
type Report struct {
	Period              ReportPeriod `json:"period"`
	Apps                []AppSummary `json:"apps"`
	TotalSeconds        int64        `json:"total_seconds"`
	TotalMinutes        float64      `json:"total_minutes"`
	TotalHours          float64      `json:"total_hours"`
	ProductiveSeconds   int64        `json:"productive_seconds"`
	NeutralSeconds      int64        `json:"neutral_seconds"`
	UnproductiveSeconds int64        `json:"unproductive_seconds"`
	IdleSeconds         int64        `json:"idle_seconds"`
	GeneratedAt         time.Time    `json:"generated_at"`
}
