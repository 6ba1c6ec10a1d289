package tracking

import (
	"math"
	"time"

	"github.com/hydrangea-dev/grok-gateway/internal/storage/pg"
)

const (
	statsWindow = 14 * 24 * time.Hour

	hourlyBuckets = 24
	dailyBuckets  = 14
)

// BucketStat is one hourly or daily aggregation bucket.
type BucketStat struct {
	Label   string `json:"label"`
	Success int    `json:"success"`
	Failed  int    `json:"failed"`
}

// Stats is the dashboard aggregation over the 14-day window.
type Stats struct {
	Total       int     `json:"total"`
	Success     int     `json:"success"`
	Failed      int     `json:"failed"`
	SuccessRate float64 `json:"success_rate"`

	Hourly []BucketStat `json:"hourly"`
	Daily  []BucketStat `json:"daily"`
}

func isSuccess(status int) bool {
	return status >= 200 && status < 400
}

// computeStats derives all buckets from one pass over the rows. Hourly
// buckets cover the last 24 full hours ending at now's hour, oldest first;
// daily buckets cover the last 14 UTC days. Rows outside the 14-day window
// are ignored, so callers may pass an unfiltered scan.
func computeStats(rows []pg.StatusRow, now time.Time) Stats {
	now = now.UTC()
	hourEnd := now.Truncate(time.Hour).Add(time.Hour)
	hourStart := hourEnd.Add(-hourlyBuckets * time.Hour)
	dayEnd := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	dayStart := dayEnd.Add(-dailyBuckets * 24 * time.Hour)

	stats := Stats{
		Hourly: make([]BucketStat, hourlyBuckets),
		Daily:  make([]BucketStat, dailyBuckets),
	}
	for i := range stats.Hourly {
		stats.Hourly[i].Label = hourStart.Add(time.Duration(i) * time.Hour).Format("15:00")
	}
	for i := range stats.Daily {
		stats.Daily[i].Label = dayStart.Add(time.Duration(i) * 24 * time.Hour).Format("01-02")
	}

	windowStart := now.Add(-statsWindow)
	for _, row := range rows {
		ts := time.Unix(row.Timestamp, 0).UTC()
		if ts.Before(windowStart) || ts.After(now) {
			continue
		}
		ok := isSuccess(row.Status)

		stats.Total++
		if ok {
			stats.Success++
		} else {
			stats.Failed++
		}

		if !ts.Before(hourStart) {
			idx := int(ts.Sub(hourStart) / time.Hour)
			if idx >= 0 && idx < hourlyBuckets {
				if ok {
					stats.Hourly[idx].Success++
				} else {
					stats.Hourly[idx].Failed++
				}
			}
		}
		if !ts.Before(dayStart) {
			idx := int(ts.Sub(dayStart) / (24 * time.Hour))
			if idx >= 0 && idx < dailyBuckets {
				if ok {
					stats.Daily[idx].Success++
				} else {
					stats.Daily[idx].Failed++
				}
			}
		}
	}

	if stats.Total > 0 {
		stats.SuccessRate = math.Round(float64(stats.Success)/float64(stats.Total)*1000) / 10
	}
	return stats
}
