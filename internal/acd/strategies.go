package acd

import (
	"context"
	"fmt"
	"time"

	"github.com/msageha/acd/internal/model"
)

// QueueMover relocates a request to the named queue.
type QueueMover interface {
	MoveRequest(ctx context.Context, r *QueueRequest, queue string) error
}

// Wait keeps the request queued and applies Policy.
type Wait struct {
	Policy StepPolicy
}

func (w Wait) Handle(context.Context, *QueueRequest, model.BusyReason) StepResult {
	return StepResult{LeaveInQueue: true, Policy: w.Policy}
}

// Reject drops the request.
type Reject struct{}

func (Reject) Handle(context.Context, *QueueRequest, model.BusyReason) StepResult {
	return StepResult{LeaveInQueue: false}
}

// MoveToQueue relocates the request to Queue. If the move fails the request
// stays where it is and Policy applies.
type MoveToQueue struct {
	Mover  QueueMover
	Queue  string
	Policy StepPolicy
}

func (m MoveToQueue) Handle(ctx context.Context, r *QueueRequest, _ model.BusyReason) StepResult {
	if err := m.Mover.MoveRequest(ctx, r, m.Queue); err != nil {
		r.Log("move to %s failed: %v", m.Queue, err)
		return StepResult{LeaveInQueue: true, Policy: m.Policy}
	}
	return StepResult{LeaveInQueue: true, Policy: LeaveAtThisStep}
}

// MaxWait parks the request until it has waited Timeout in its current
// queue, then continues with the next step at once.
type MaxWait struct {
	Timeout time.Duration
}

func (m MaxWait) Handle(_ context.Context, r *QueueRequest, _ model.BusyReason) StepResult {
	if time.Since(r.LastQueuedAt()) < m.Timeout {
		return StepResult{LeaveInQueue: true, Policy: LeaveAtThisStep}
	}
	r.Log("waited longer than %s", m.Timeout)
	return StepResult{LeaveInQueue: true, Policy: ImmediatelyExecuteNextStep}
}

// RejectIfNoOperators drops the request when its queue has no active
// operator at all; otherwise Policy applies.
type RejectIfNoOperators struct {
	Policy StepPolicy
}

func (s RejectIfNoOperators) Handle(_ context.Context, r *QueueRequest, reason model.BusyReason) StepResult {
	if reason == model.BusyNoOperators {
		return StepResult{LeaveInQueue: false}
	}
	if q := r.TargetQueue(); q != nil && q.ActiveOperatorsCount() == 0 {
		return StepResult{LeaveInQueue: false}
	}
	return StepResult{LeaveInQueue: true, Policy: s.Policy}
}

// NewBehaviour builds one chain step from its config entry.
func NewBehaviour(cfg model.OnBusyConfig, mover QueueMover) (OnBusyBehaviour, error) {
	policy, err := ParseStepPolicy(cfg.Policy)
	if err != nil {
		return nil, err
	}
	switch cfg.Type {
	case "wait":
		return Wait{Policy: policy}, nil
	case "reject":
		return Reject{}, nil
	case "move":
		if cfg.Queue == "" {
			return nil, fmt.Errorf("move step without queue")
		}
		if mover == nil {
			return nil, fmt.Errorf("move step to %q: no queue mover", cfg.Queue)
		}
		return MoveToQueue{Mover: mover, Queue: cfg.Queue, Policy: policy}, nil
	case "max_wait":
		if cfg.TimeoutSec <= 0 {
			return nil, fmt.Errorf("max_wait step needs timeout_sec > 0")
		}
		return MaxWait{Timeout: time.Duration(cfg.TimeoutSec) * time.Second}, nil
	case "reject_if_no_operators":
		return RejectIfNoOperators{Policy: policy}, nil
	}
	return nil, fmt.Errorf("unknown on_busy step type %q", cfg.Type)
}

// NewChainFromConfig builds a queue's chain. An empty list yields a chain
// that keeps the request waiting.
func NewChainFromConfig(steps []model.OnBusyConfig, mover QueueMover) (*OnBusyChain, error) {
	if len(steps) == 0 {
		return NewOnBusyChain(Wait{Policy: LeaveAtThisStep}), nil
	}
	out := make([]OnBusyBehaviour, 0, len(steps))
	for i, cfg := range steps {
		b, err := NewBehaviour(cfg, mover)
		if err != nil {
			return nil, fmt.Errorf("on_busy[%d]: %w", i, err)
		}
		out = append(out, b)
	}
	return NewOnBusyChain(out...), nil
}
