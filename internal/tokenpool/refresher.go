package tokenpool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hydrangea-dev/grok-gateway/internal/batch"
	"github.com/hydrangea-dev/grok-gateway/internal/logger"
	"github.com/hydrangea-dev/grok-gateway/internal/storage/pg"
	"github.com/hydrangea-dev/grok-gateway/internal/upstream"
)

var ErrRefreshRunning = errors.New("a token refresh is already running")

const progressWriteTimeout = 5 * time.Second

// TokenChecker validates one credential against upstream. *upstream.Client
// satisfies it.
type TokenChecker interface {
	CheckToken(ctx context.Context, cfg upstream.RequestConfig) error
}

// ProgressSink persists the refresh progress snapshot. *pg.ProgressStore
// satisfies it.
type ProgressSink interface {
	Update(ctx context.Context, u pg.ProgressUpdate) error
}

// Refresher validates every pool token against upstream as one observable
// batch task. Progress is mirrored into the durable singleton row so the
// admin UI survives reconnects and restarts; live observation goes through
// the task's SSE stream.
type Refresher struct {
	tokens   TokenSource
	disabler interface {
		SetDisabled(ctx context.Context, keyName string, disabled bool) error
	}
	progress ProgressSink
	registry *batch.Registry
	checker  TokenChecker
	log      *logger.Logger

	mu         sync.Mutex
	activeTask string
}

func NewRefresher(store *pg.TokenStore, progress ProgressSink, registry *batch.Registry, checker TokenChecker, log *logger.Logger) *Refresher {
	return &Refresher{
		tokens:   store,
		disabler: store,
		progress: progress,
		registry: registry,
		checker:  checker,
		log:      log.WithComponent("token_refresh"),
	}
}

// Start launches the refresh batch and returns its task for SSE attachment.
// Only one refresh runs at a time.
func (r *Refresher) Start(ctx context.Context, cfg upstream.RequestConfig, concurrency int) (*batch.Task, error) {
	r.mu.Lock()
	if r.activeTask != "" {
		if t, ok := r.registry.Get(r.activeTask); ok && !t.Status().Terminal() {
			r.mu.Unlock()
			return nil, ErrRefreshRunning
		}
	}
	tokens, err := r.tokens.List(ctx)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}

	task := r.registry.Create(context.Background(), "token_refresh", len(tokens))
	r.activeTask = task.ID()
	r.mu.Unlock()

	r.persistStart(len(tokens))

	go r.run(task, tokens, cfg, concurrency)
	return task, nil
}

// ActiveTask returns the running (or most recent) refresh task, if any.
func (r *Refresher) ActiveTask() (*batch.Task, bool) {
	r.mu.Lock()
	id := r.activeTask
	r.mu.Unlock()
	if id == "" {
		return nil, false
	}
	return r.registry.Get(id)
}

func (r *Refresher) run(task *batch.Task, tokens []pg.PoolToken, cfg upstream.RequestConfig, concurrency int) {
	var current, success, failed atomic.Int64

	batch.RunInBatches(task, tokens, concurrency, func(tok pg.PoolToken) batch.ItemResult {
		res := r.checkOne(task.Context(), tok, cfg)

		cur := int(current.Add(1))
		if res.OK {
			success.Add(1)
		} else {
			failed.Add(1)
		}
		s, f := int(success.Load()), int(failed.Load())
		r.persistProgress(pg.ProgressUpdate{Current: &cur, Success: &s, Failed: &f})
		return res
	})

	if !task.Cancelled() {
		ev := task.Snapshot("done")
		warning := ""
		if ev.Fail > 0 {
			warning = "some tokens failed validation"
		}
		task.Finish(map[string]interface{}{
			"total":   ev.Total,
			"success": ev.OK,
			"failed":  ev.Fail,
		}, warning)
	}

	running := false
	r.persistProgress(pg.ProgressUpdate{Running: &running})

	final := task.FinalEvent()
	r.log.Info("token refresh finished",
		slog.String("task_id", task.ID()),
		slog.String("status", string(final.Status)),
		slog.Int("success", final.OK),
		slog.Int("failed", final.Fail))
}

func (r *Refresher) checkOne(ctx context.Context, tok pg.PoolToken, cfg upstream.RequestConfig) batch.ItemResult {
	cfg.Token = tok.Token
	if err := r.checker.CheckToken(ctx, cfg); err != nil {
		var statusErr *upstream.StatusError
		if errors.As(err, &statusErr) && (statusErr.StatusCode == 401 || statusErr.StatusCode == 403) {
			// Dead credential: park it so the pool stops handing it out.
			if derr := r.disabler.SetDisabled(ctx, tok.KeyName, true); derr != nil {
				r.log.Error("failed to disable expired token",
					slog.String("key_name", tok.KeyName),
					slog.String("error", derr.Error()))
			}
		}
		return batch.ItemResult{OK: false, Item: tok.KeyName, Error: err.Error()}
	}
	return batch.ItemResult{OK: true, Item: tok.KeyName}
}

func (r *Refresher) persistStart(total int) {
	running := true
	zero := 0
	r.persistProgress(pg.ProgressUpdate{
		Running: &running,
		Current: &zero,
		Total:   &total,
		Success: &zero,
		Failed:  &zero,
	})
}

func (r *Refresher) persistProgress(u pg.ProgressUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), progressWriteTimeout)
	defer cancel()
	if err := r.progress.Update(ctx, u); err != nil {
		r.log.Error("failed to persist refresh progress", slog.String("error", err.Error()))
	}
}
