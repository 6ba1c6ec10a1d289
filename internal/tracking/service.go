package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hydrangea-dev/grok-gateway/internal/config"
	"github.com/hydrangea-dev/grok-gateway/internal/logger"
	"github.com/hydrangea-dev/grok-gateway/internal/storage/pg"
)

// LogStore is the persistence surface the tracking service needs.
type LogStore interface {
	Insert(ctx context.Context, e pg.RequestLogEntry) error
	StatusesSince(ctx context.Context, since int64) ([]pg.StatusRow, error)
	Recent(ctx context.Context, limit int) ([]pg.RequestLogEntry, error)
	PurgeBefore(ctx context.Context, before int64) (int64, error)
}

// RequestInfo describes one finished request as seen by the proxy layer.
type RequestInfo struct {
	IP          string
	Model       string
	Duration    time.Duration
	Status      int
	KeyName     string
	TokenSuffix string
	Error       string
}

// Service writes request logs asynchronously so the streaming hot path never
// waits on the database. Inserts flow through a buffered channel into a
// fixed worker pool; when the buffer is full the log entry is dropped and
// counted rather than blocking the caller.
type Service struct {
	store    LogStore
	logChan  chan logRequest
	workers  sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
	dropped  atomic.Int64
	log      *logger.Logger
}

type logRequest struct {
	info      RequestInfo
	timestamp int64
}

func NewService(store LogStore, log *logger.Logger) *Service {
	s := &Service{
		store:    store,
		logChan:  make(chan logRequest, config.AppConfig.TrackingBufferSize),
		shutdown: make(chan struct{}),
		log:      log.WithComponent("tracking"),
	}
	for i := 0; i < config.AppConfig.TrackingWorkerPoolSize; i++ {
		s.workers.Add(1)
		go s.worker()
	}
	return s
}

func (s *Service) worker() {
	defer s.workers.Done()
	for {
		select {
		case req := <-s.logChan:
			s.insert(req)
		case <-s.shutdown:
			// Drain whatever is still queued before exiting.
			for {
				select {
				case req := <-s.logChan:
					s.insert(req)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) insert(req logRequest) {
	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(config.AppConfig.TrackingTimeoutSeconds)*time.Second)
	defer cancel()

	entry := pg.RequestLogEntry{
		Timestamp:   req.timestamp,
		IP:          req.info.IP,
		Model:       req.info.Model,
		Duration:    req.info.Duration.Seconds(),
		Status:      req.info.Status,
		KeyName:     req.info.KeyName,
		TokenSuffix: req.info.TokenSuffix,
		Error:       req.info.Error,
	}
	if err := s.store.Insert(ctx, entry); err != nil {
		s.log.Error("failed to insert request log",
			slog.String("model", entry.Model),
			slog.Int("status", entry.Status),
			slog.String("error", err.Error()))
	}
}

// LogAsync queues one request log. Never blocks; a full queue drops the
// entry.
func (s *Service) LogAsync(info RequestInfo) error {
	if s.closed.Load() {
		return fmt.Errorf("tracking service shutting down")
	}
	select {
	case s.logChan <- logRequest{info: info, timestamp: time.Now().Unix()}:
		return nil
	default:
		dropped := s.dropped.Add(1)
		s.log.Error("request log queue full, entry dropped",
			slog.String("model", info.Model),
			slog.Int64("total_dropped", dropped))
		return fmt.Errorf("log queue full")
	}
}

// Dropped reports how many entries were lost to queue overflow.
func (s *Service) Dropped() int64 {
	return s.dropped.Load()
}

// Stats aggregates the last 14 days of logs into the dashboard shape.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	now := time.Now().UTC()
	since := now.Add(-statsWindow).Unix()
	rows, err := s.store.StatusesSince(ctx, since)
	if err != nil {
		return nil, err
	}
	stats := computeStats(rows, now)
	return &stats, nil
}

// Recent exposes the newest raw entries for the admin log view.
func (s *Service) Recent(ctx context.Context, limit int) ([]pg.RequestLogEntry, error) {
	return s.store.Recent(ctx, limit)
}

// Shutdown stops accepting entries and drains the queue.
func (s *Service) Shutdown() {
	s.closed.Store(true)
	close(s.shutdown)
	s.workers.Wait()
	close(s.logChan)
}
