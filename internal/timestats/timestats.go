// Package timestats derives time-accounting totals from app-usage intervals.
// It is pure: totals are recomputed from scratch on every call so they can
// never drift from the underlying intervals.
package timestats

import (
	"fmt"
	"time"

	"github.com/worklens/worklens/internal/models"
)

// ToleranceSeconds absorbs per-interval rounding when comparing derived
// totals against each other.
const ToleranceSeconds = 5

// Stats holds the derived totals for a set of intervals. All values are
// seconds. TotalWork = ActiveTime + IdleTime and ActiveTime = ProductiveTime
// + NeutralTime + UnproductiveTime hold by construction.
type Stats struct {
	TotalWork        int64 `json:"total_work"`
	ActiveTime       int64 `json:"active_time"`
	IdleTime         int64 `json:"idle_time"`
	ProductiveTime   int64 `json:"productive_time"`
	NeutralTime      int64 `json:"neutral_time"`
	UnproductiveTime int64 `json:"unproductive_time"`
}

// Options controls how open intervals contribute to the totals.
type Options struct {
	// Now is the reference time for open intervals. Required when
	// IncludeOpen is set.
	Now time.Time
	// IncludeOpen counts open intervals up to Now. When false, open
	// intervals contribute nothing.
	IncludeOpen bool
}

// Compute derives totals from the given intervals. Closed intervals
// contribute their stored duration; open intervals contribute
// max(0, now-start) when open inclusion is requested and zero otherwise.
// Idle time is never attributed to a productivity category.
func Compute(intervals []models.AppUsageInterval, opts Options) Stats {
	var stats Stats
	for i := range intervals {
		d := effectiveDuration(&intervals[i], opts)
		if d <= 0 {
			continue
		}
		if intervals[i].IsIdle {
			stats.IdleTime += d
			continue
		}
		stats.ActiveTime += d
		switch intervals[i].Category {
		case models.CategoryProductive:
			stats.ProductiveTime += d
		case models.CategoryUnproductive:
			stats.UnproductiveTime += d
		default:
			stats.NeutralTime += d
		}
	}
	// Summed once here rather than independently, to avoid drift.
	stats.TotalWork = stats.ActiveTime + stats.IdleTime
	return stats
}

func effectiveDuration(iv *models.AppUsageInterval, opts Options) int64 {
	if !iv.Open() {
		return iv.Duration
	}
	if !opts.IncludeOpen {
		return 0
	}
	d := int64(opts.Now.Sub(iv.StartTime).Seconds())
	if d < 0 {
		return 0
	}
	return d
}

// ValidationResult reports whether a Stats value is internally consistent.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Problems []string `json:"problems,omitempty"`
}

// Validate checks the internal consistency of stats: no negative field,
// TotalWork matching ActiveTime+IdleTime, and ActiveTime matching the sum of
// the category fields, each within ToleranceSeconds.
func Validate(stats Stats) ValidationResult {
	var problems []string

	for name, v := range map[string]int64{
		"total_work":        stats.TotalWork,
		"active_time":       stats.ActiveTime,
		"idle_time":         stats.IdleTime,
		"productive_time":   stats.ProductiveTime,
		"neutral_time":      stats.NeutralTime,
		"unproductive_time": stats.UnproductiveTime,
	} {
		if v < 0 {
			problems = append(problems, fmt.Sprintf("%s is negative: %d", name, v))
		}
	}

	if diff := abs(stats.TotalWork - (stats.ActiveTime + stats.IdleTime)); diff > ToleranceSeconds {
		problems = append(problems, fmt.Sprintf(
			"total_work %d does not match active+idle %d", stats.TotalWork, stats.ActiveTime+stats.IdleTime))
	}

	categorySum := stats.ProductiveTime + stats.NeutralTime + stats.UnproductiveTime
	if diff := abs(stats.ActiveTime - categorySum); diff > ToleranceSeconds {
		problems = append(problems, fmt.Sprintf(
			"active_time %d does not match category sum %d", stats.ActiveTime, categorySum))
	}

	return ValidationResult{Valid: len(problems) == 0, Problems: problems}
}

// Diverges reports whether two Stats values disagree on any field by more
// than ToleranceSeconds. Used by the integrity audit to compare stored
// session totals against a fresh recomputation.
func Diverges(a, b Stats) bool {
	return abs(a.TotalWork-b.TotalWork) > ToleranceSeconds ||
		abs(a.ActiveTime-b.ActiveTime) > ToleranceSeconds ||
		abs(a.IdleTime-b.IdleTime) > ToleranceSeconds ||
		abs(a.ProductiveTime-b.ProductiveTime) > ToleranceSeconds ||
		abs(a.NeutralTime-b.NeutralTime) > ToleranceSeconds ||
		abs(a.UnproductiveTime-b.UnproductiveTime) > ToleranceSeconds
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
