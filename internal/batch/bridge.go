package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/hydrangea-dev/grok-gateway/internal/logger"
)

const (
	taskCancelSubject = "batch.task.cancel"
	taskDoneSubject   = "batch.task.done"

	distributedCancelTimeout = 5 * time.Second
)

// CancelRequest asks whichever instance owns a task to cancel it.
type CancelRequest struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

// CancelResponse is the owning instance's answer.
type CancelResponse struct {
	Found          bool   `json:"found"`
	AlreadyStopped bool   `json:"already_stopped,omitempty"`
	InstanceID     string `json:"instance_id"`
}

// DistributedCancelService propagates task cancellation across instances.
//
// Batch tasks live in-memory on the instance that started them. When a
// cancel request lands on a different instance, the local registry misses
// and the request is broadcast over NATS request-reply; only the owning
// instance replies. Instances without the task stay silent so the reply is
// unambiguous.
type DistributedCancelService struct {
	nc           *nats.Conn
	registry     *Registry
	log          *logger.Logger
	instanceID   string
	subscription *nats.Subscription
}

// NewDistributedCancelService wires the service. Returns nil when NATS is
// not configured; callers treat a nil service as single-instance mode.
func NewDistributedCancelService(nc *nats.Conn, registry *Registry, log *logger.Logger, instanceID string) *DistributedCancelService {
	if nc == nil {
		return nil
	}
	return &DistributedCancelService{
		nc:         nc,
		registry:   registry,
		log:        log.WithComponent("batch-cancel"),
		instanceID: instanceID,
	}
}

// Start subscribes to the cancel subject. Call once at startup.
func (s *DistributedCancelService) Start() error {
	sub, err := s.nc.Subscribe(taskCancelSubject, s.handleCancelRequest)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", taskCancelSubject, err)
	}
	s.subscription = sub
	s.log.Info("distributed batch cancel started",
		slog.String("subject", taskCancelSubject),
		slog.String("instance_id", s.instanceID))
	return nil
}

// Stop drains the subscription.
func (s *DistributedCancelService) Stop() error {
	if s.subscription != nil {
		if err := s.subscription.Drain(); err != nil {
			return fmt.Errorf("failed to drain subscription: %w", err)
		}
	}
	return nil
}

// RequestCancel broadcasts a cancel and waits for the owning instance.
// A missing task anywhere in the cluster reports Found=false, not an error.
func (s *DistributedCancelService) RequestCancel(ctx context.Context, taskID, reason string) (*CancelResponse, error) {
	data, err := json.Marshal(CancelRequest{TaskID: taskID, Reason: reason})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, distributedCancelTimeout)
	defer cancel()

	msg, err := s.nc.RequestWithContext(reqCtx, taskCancelSubject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) ||
			errors.Is(err, context.DeadlineExceeded) ||
			errors.Is(err, nats.ErrTimeout) {
			return &CancelResponse{Found: false}, nil
		}
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("cancel request failed: %w", err)
	}

	var resp CancelResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &resp, nil
}

// PublishTerminal fans a task's final event out to cross-instance
// observers. Fire and forget; a lost publish only affects remote listeners.
func (s *DistributedCancelService) PublishTerminal(kind string, ev Event) {
	data, err := json.Marshal(struct {
		Kind       string `json:"kind"`
		InstanceID string `json:"instance_id"`
		Event      Event  `json:"event"`
	}{Kind: kind, InstanceID: s.instanceID, Event: ev})
	if err != nil {
		s.log.Error("failed to marshal terminal event", slog.String("error", err.Error()))
		return
	}
	if err := s.nc.Publish(taskDoneSubject, data); err != nil {
		s.log.Warn("failed to publish terminal event",
			slog.String("task_id", ev.TaskID),
			slog.String("error", err.Error()))
	}
}

func (s *DistributedCancelService) handleCancelRequest(msg *nats.Msg) {
	var req CancelRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.log.Warn("received invalid cancel request", slog.String("error", err.Error()))
		return
	}

	task, ok := s.registry.Get(req.TaskID)
	if !ok {
		// Not ours; the owning instance replies.
		return
	}

	resp := CancelResponse{Found: true, InstanceID: s.instanceID}
	if task.Status().Terminal() {
		resp.AlreadyStopped = true
	} else {
		task.Cancel()
	}

	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("failed to marshal cancel response", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Error("failed to send cancel response", slog.String("error", err.Error()))
	}

	s.log.Info("processed distributed cancel",
		slog.String("task_id", req.TaskID),
		slog.Bool("already_stopped", resp.AlreadyStopped))
}
