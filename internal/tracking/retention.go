package tracking

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hydrangea-dev/grok-gateway/internal/logger"
)

// Retention deletes request logs older than the stats window on a schedule.
// The stats queries only ever look 14 days back, so older rows are dead
// weight.
type Retention struct {
	store LogStore
	cron  *cron.Cron
	log   *logger.Logger
}

func NewRetention(store LogStore, log *logger.Logger) *Retention {
	return &Retention{
		store: store,
		cron:  cron.New(),
		log:   log.WithComponent("retention"),
	}
}

// Start schedules the nightly purge. Returns the scheduler error, if any.
func (r *Retention) Start() error {
	if _, err := r.cron.AddFunc("0 3 * * *", r.purge); err != nil {
		return err
	}
	r.cron.Start()
	r.log.Info("request log retention scheduled", slog.String("schedule", "0 3 * * *"))
	return nil
}

func (r *Retention) purge() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-statsWindow).Unix()
	n, err := r.store.PurgeBefore(ctx, cutoff)
	if err != nil {
		r.log.Error("request log purge failed", slog.String("error", err.Error()))
		return
	}
	r.log.Info("request log purge complete", slog.Int64("rows_deleted", n))
}

// Stop halts the scheduler and waits for a running purge to finish.
func (r *Retention) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}
