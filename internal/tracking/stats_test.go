package tracking

import (
	"testing"
	"time"

	"github.com/hydrangea-dev/grok-gateway/internal/storage/pg"
)

func TestComputeStatsBucketShape(t *testing.T) {
	now := time.Date(2026, 8, 24, 15, 30, 0, 0, time.UTC)

	rows := []pg.StatusRow{
		{Timestamp: now.Add(-30 * time.Minute).Unix(), Status: 200},
		{Timestamp: now.Add(-90 * time.Minute).Unix(), Status: 200},
		{Timestamp: now.Add(-90 * time.Minute).Unix(), Status: 502},
		{Timestamp: now.Add(-3 * time.Hour).Unix(), Status: 301},
		{Timestamp: now.Add(-3 * time.Hour).Unix(), Status: 500},
	}

	stats := computeStats(rows, now)

	if len(stats.Hourly) != 24 {
		t.Fatalf("hourly has %d buckets, want 24", len(stats.Hourly))
	}
	if len(stats.Daily) != 14 {
		t.Fatalf("daily has %d buckets, want 14", len(stats.Daily))
	}

	var hourlySum int
	for _, b := range stats.Hourly {
		hourlySum += b.Success + b.Failed
	}
	if hourlySum != len(rows) {
		t.Errorf("hourly bucket sum %d, want %d", hourlySum, len(rows))
	}
	if stats.Total != 5 || stats.Success != 3 || stats.Failed != 2 {
		t.Errorf("totals %+v", stats)
	}
}

func TestComputeStatsSuccessRateRounding(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	rows := []pg.StatusRow{
		{Timestamp: now.Add(-time.Hour).Unix(), Status: 200},
		{Timestamp: now.Add(-time.Hour).Unix(), Status: 200},
		{Timestamp: now.Add(-time.Hour).Unix(), Status: 500},
	}
	stats := computeStats(rows, now)

	// 2/3 = 66.666…% rounds to one decimal place.
	if stats.SuccessRate != 66.7 {
		t.Errorf("success rate %v, want 66.7", stats.SuccessRate)
	}
}

func TestComputeStatsEmptyWindow(t *testing.T) {
	stats := computeStats(nil, time.Now())
	if stats.SuccessRate != 0 || stats.Total != 0 {
		t.Errorf("empty window stats %+v", stats)
	}
	if len(stats.Hourly) != 24 || len(stats.Daily) != 14 {
		t.Errorf("bucket shapes %d/%d", len(stats.Hourly), len(stats.Daily))
	}
}

func TestComputeStatsIgnoresRowsOutsideWindow(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	rows := []pg.StatusRow{
		{Timestamp: now.Add(-15 * 24 * time.Hour).Unix(), Status: 200}, // too old
		{Timestamp: now.Add(time.Hour).Unix(), Status: 200},            // future
		{Timestamp: now.Add(-2 * 24 * time.Hour).Unix(), Status: 200},  // in window, outside last 24h
	}
	stats := computeStats(rows, now)

	if stats.Total != 1 {
		t.Errorf("total %d, want 1", stats.Total)
	}
	var hourlySum int
	for _, b := range stats.Hourly {
		hourlySum += b.Success + b.Failed
	}
	if hourlySum != 0 {
		t.Errorf("row outside 24h landed in hourly buckets: %d", hourlySum)
	}
	var dailySum int
	for _, b := range stats.Daily {
		dailySum += b.Success + b.Failed
	}
	if dailySum != 1 {
		t.Errorf("daily sum %d, want 1", dailySum)
	}
}

func TestComputeStatsRedirectsCountAsSuccess(t *testing.T) {
	now := time.Now().UTC()
	rows := []pg.StatusRow{
		{Timestamp: now.Add(-time.Minute).Unix(), Status: 200},
		{Timestamp: now.Add(-time.Minute).Unix(), Status: 304},
		{Timestamp: now.Add(-time.Minute).Unix(), Status: 399},
		{Timestamp: now.Add(-time.Minute).Unix(), Status: 400},
		{Timestamp: now.Add(-time.Minute).Unix(), Status: 199},
	}
	stats := computeStats(rows, now)
	if stats.Success != 3 || stats.Failed != 2 {
		t.Errorf("success=%d failed=%d, want 3/2", stats.Success, stats.Failed)
	}
}
