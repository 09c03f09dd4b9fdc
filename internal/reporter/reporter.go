package reporter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/pkg/errors"

	"github.com/worklens/worklens/internal/database"
	"github.com/worklens/worklens/internal/models"
)

// ErrInvalidPeriod is returned for unrecognized report periods.
var ErrInvalidPeriod = errors.New("invalid period type (valid: day, week, month)")

// Reporter handles report generation
type Reporter struct {
	repo  *database.Repository
	clock quartz.Clock
}

// New creates a new reporter
func New(repo *database.Repository, clock quartz.Clock) *Reporter {
	return &Reporter{
		repo:  repo,
		clock: clock,
	}
}

// GenerateReport generates a usage report for the specified period. Only
// closed intervals contribute; SQL does the SUM and the runtime derives
// category totals and percentages.
func (r *Reporter) GenerateReport(ctx context.Context, periodType string) (*models.Report, error) {
	period, err := r.getPeriod(periodType)
	if err != nil {
		return nil, err
	}

	summaries, err := r.repo.AppUsageSummarySince(ctx, period.Start)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get app usage summary")
	}

	idleSeconds, err := r.repo.IdleSecondsSince(ctx, period.Start)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get idle seconds")
	}

	report := &models.Report{
		Period:      *period,
		Apps:        summaries,
		IdleSeconds: idleSeconds,
		GeneratedAt: r.clock.Now(),
	}

	for i := range summaries {
		summaries[i].TotalMinutes = float64(summaries[i].TotalSeconds) / 60.0
		summaries[i].TotalHours = float64(summaries[i].TotalSeconds) / 3600.0
		report.TotalSeconds += summaries[i].TotalSeconds

		switch summaries[i].Category {
		case models.CategoryProductive:
			report.ProductiveSeconds += summaries[i].TotalSeconds
		case models.CategoryUnproductive:
			report.UnproductiveSeconds += summaries[i].TotalSeconds
		default:
			report.NeutralSeconds += summaries[i].TotalSeconds
		}
	}

	if report.TotalSeconds > 0 {
		for i := range summaries {
			summaries[i].Percentage = (float64(summaries[i].TotalSeconds) / float64(report.TotalSeconds)) * 100.0
		}
	}

	report.TotalMinutes = float64(report.TotalSeconds) / 60.0
	report.TotalHours = float64(report.TotalSeconds) / 3600.0

	return report, nil
}

// getPeriod calculates the time range for the report
func (r *Reporter) getPeriod(periodType string) (*models.ReportPeriod, error) {
	now := r.clock.Now()
	var start, end time.Time

	switch periodType {
	case "day", "today":
		start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		end = start.Add(24 * time.Hour)

	case "week":
		// Start of week (Monday)
		weekday := int(now.Weekday())
		if weekday == 0 {
			weekday = 7 // Sunday = 7
		}
		start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, -(weekday - 1))
		end = start.AddDate(0, 0, 7)

	case "month":
		start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		end = start.AddDate(0, 1, 0)

	default:
		return nil, errors.WithMessage(ErrInvalidPeriod, periodType)
	}

	return &models.ReportPeriod{
		Start: start,
		End:   end,
		Type:  periodType,
	}, nil
}

// FormatReportText formats the report as human-readable text
func (r *Reporter) FormatReportText(report *models.Report) string {
	output := fmt.Sprintf("Usage Report - %s\n", report.Period.Type)
	output += fmt.Sprintf("Period: %s to %s\n",
		report.Period.Start.Format("2006-01-02 15:04"),
		report.Period.End.Format("2006-01-02 15:04"))
	output += fmt.Sprintf("Total Active: %.2fh (%.0fm)   Idle: %s\n",
		report.TotalHours, report.TotalMinutes, formatSeconds(report.IdleSeconds))
	output += fmt.Sprintf("Productive: %s   Neutral: %s   Unproductive: %s\n\n",
		formatSeconds(report.ProductiveSeconds),
		formatSeconds(report.NeutralSeconds),
		formatSeconds(report.UnproductiveSeconds))

	if len(report.Apps) == 0 {
		output += "No activity recorded for this period.\n"
		return output
	}

	output += fmt.Sprintf("%-30s %-14s %10s %9s\n", "Application", "Category", "Hours", "Percent")
	output += fmt.Sprintf("%s\n", "-----------------------------------------------------------------")

	for _, app := range report.Apps {
		output += fmt.Sprintf("%-30s %-14s %10.2f %8.1f%%\n",
			truncate(app.AppName, 30),
			app.Category,
			app.TotalHours,
			app.Percentage)
	}

	return output
}

// FormatReportJSON formats the report as JSON
func (r *Reporter) FormatReportJSON(report *models.Report) (string, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal JSON")
	}
	return string(data), nil
}

func formatSeconds(seconds int64) string {
	if seconds < 0 {
		seconds = -seconds
	}
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}
	if seconds > 3600 {
		return fmt.Sprintf("%dh%dm", seconds/3600, (seconds%3600)/60)
	}
	return fmt.Sprintf("%dm", seconds/60)
}

// truncate truncates a string to the specified length
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
