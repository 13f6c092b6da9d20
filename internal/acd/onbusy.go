package acd

import (
	"context"
	"fmt"

	"github.com/msageha/acd/internal/model"
)

// StepPolicy tells the chain what to do with the step index after a step ran.
type StepPolicy int

const (
	// LeaveAtThisStep keeps the index; the same step runs on the next trigger.
	LeaveAtThisStep StepPolicy = iota
	// GotoNextStep advances the index; the next step waits for a new trigger.
	GotoNextStep
	// ImmediatelyExecuteNextStep advances the index and runs the next step in
	// the same evaluation.
	ImmediatelyExecuteNextStep
)

func (p StepPolicy) String() string {
	switch p {
	case LeaveAtThisStep:
		return "leave"
	case GotoNextStep:
		return "goto"
	case ImmediatelyExecuteNextStep:
		return "immediate"
	}
	return fmt.Sprintf("StepPolicy(%d)", int(p))
}

// ParseStepPolicy maps a config value onto a StepPolicy. Empty means leave.
func ParseStepPolicy(s string) (StepPolicy, error) {
	switch s {
	case "", "leave":
		return LeaveAtThisStep, nil
	case "goto":
		return GotoNextStep, nil
	case "immediate":
		return ImmediatelyExecuteNextStep, nil
	}
	return 0, fmt.Errorf("unknown step policy %q", s)
}

// StepResult is what a behaviour step decides for a request.
type StepResult struct {
	LeaveInQueue bool
	Policy       StepPolicy
}

// OnBusyBehaviour is one escalation step. The chain only iterates steps and
// acts on their result; it never looks inside them.
type OnBusyBehaviour interface {
	Handle(ctx context.Context, r *QueueRequest, reason model.BusyReason) StepResult
}

// OnBusyBehaviourFunc adapts a function to OnBusyBehaviour.
type OnBusyBehaviourFunc func(ctx context.Context, r *QueueRequest, reason model.BusyReason) StepResult

func (f OnBusyBehaviourFunc) Handle(ctx context.Context, r *QueueRequest, reason model.BusyReason) StepResult {
	return f(ctx, r, reason)
}

// ChainOutcome is the result of evaluating a chain for one trigger.
type ChainOutcome int

const (
	// ChainParked leaves the request waiting in its queue.
	ChainParked ChainOutcome = iota
	// ChainRejected means the request must be removed and rejected.
	ChainRejected
	// ChainMoved means a step relocated the request to another queue.
	ChainMoved
)

func (o ChainOutcome) String() string {
	switch o {
	case ChainParked:
		return "parked"
	case ChainRejected:
		return "rejected"
	case ChainMoved:
		return "moved"
	}
	return fmt.Sprintf("ChainOutcome(%d)", int(o))
}

// OnBusyChain is an immutable ordered list of escalation steps.
type OnBusyChain struct {
	steps []OnBusyBehaviour
}

// NewOnBusyChain builds a chain from steps in evaluation order.
func NewOnBusyChain(steps ...OnBusyBehaviour) *OnBusyChain {
	return &OnBusyChain{steps: append([]OnBusyBehaviour(nil), steps...)}
}

func (c *OnBusyChain) Len() int { return len(c.steps) }

// Evaluate runs the chain for r, which is held by q, starting at the
// request's current step. The caller must hold r's guard. The step index
// never exceeds the chain length; reaching it rejects the request.
func (c *OnBusyChain) Evaluate(ctx context.Context, q *RequestQueue, r *QueueRequest, reason model.BusyReason) ChainOutcome {
	for {
		if !r.IsValid() {
			return ChainRejected
		}
		step := r.OnBusyStep()
		if step < 0 || step >= len(c.steps) {
			return ChainRejected
		}
		res := c.steps[step].Handle(ctx, r, reason)
		// A step may have dropped the request or lost it to a cancel.
		switch target := r.TargetQueue(); {
		case target == nil, !r.IsValid():
			return ChainRejected
		case target != q:
			return ChainMoved
		}
		if !res.LeaveInQueue {
			return ChainRejected
		}
		switch res.Policy {
		case GotoNextStep:
			r.SetOnBusyStep(step + 1)
			if step+1 >= len(c.steps) {
				return ChainRejected
			}
			return ChainParked
		case ImmediatelyExecuteNextStep:
			r.SetOnBusyStep(step + 1)
		default:
			return ChainParked
		}
	}
}
