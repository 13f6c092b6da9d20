package acd

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/msageha/acd/internal/model"
)

// ExternalTransfer is the fallback used when a transfer number belongs to no
// queue operator: the operator leg is handed to Number (or to the dialled
// number when Number is empty) and the session ends as handled.
type ExternalTransfer struct {
	Conversation Conversation
	Number       string
}

func (t ExternalTransfer) TransferCall(ctx context.Context, s *CommutationSession, number string) error {
	dest := t.Number
	if dest == "" {
		dest = number
	}
	if err := t.Conversation.Transfer(ctx, s.OperatorLeg(), dest); err != nil {
		return fmt.Errorf("external transfer to %s: %w", dest, err)
	}
	s.request.Log("transferred out to %s", dest)
	s.ConversationStopped()
	return nil
}

// Build creates a dispatcher with the queues, chains and operators described
// by cfg. conv and pool are the media layer the sessions drive.
func Build(cfg model.Config, conv Conversation, pool EndpointPool, logger zerolog.Logger) (*Dispatcher, error) {
	d := NewDispatcher(Options{
		Conversation:    conv,
		Endpoints:       pool,
		InviteTimeout:   cfg.Dispatch.InviteTimeout(),
		EndpointTimeout: cfg.Dispatch.EndpointTimeout(),
		ResetStepOnMove: cfg.Dispatch.ResetsStepOnMove(),
		Logger:          logger,
	})

	for _, qc := range cfg.Queues {
		avg, err := NewAverager(qc.Average.Policy, qc.Average.Alpha)
		if err != nil {
			return nil, fmt.Errorf("queue %s: %w", qc.Name, err)
		}
		chain, err := NewChainFromConfig(qc.OnBusy, d)
		if err != nil {
			return nil, fmt.Errorf("queue %s: %w", qc.Name, err)
		}
		opts := QueueOptions{
			Chain:    chain,
			MaxWait:  time.Duration(qc.MaxWaitSec) * time.Second,
			Averager: avg,
			Logger:   logger.With().Str("component", "queue").Logger(),
		}
		if qc.TransferFallback != "" {
			opts.TransferFallback = ExternalTransfer{Conversation: conv, Number: qc.TransferFallback}
		}
		if err := d.AddQueue(NewRequestQueue(qc.Name, opts)); err != nil {
			return nil, err
		}
	}

	for _, oc := range cfg.Operators {
		op := NewOperator(OperatorOptions{
			PersonID:       oc.ID,
			PersonDesc:     oc.Description,
			PhoneNumbers:   oc.Phones,
			Active:         oc.Active,
			CallerIDPrefix: oc.CallerIDPrefix,
			BusyTimeout:    cfg.Dispatch.BusyTimeout(),
			Logger:         logger.With().Str("component", "operator").Logger(),
		})
		if err := d.AddOperator(op, oc.Queues...); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// ApplyRoster sets operator availability from a roster file. Unknown ids are
// returned so the caller can log them.
func (d *Dispatcher) ApplyRoster(r model.Roster) []string {
	var unknown []string
	for id, active := range r.Operators {
		if err := d.SetOperatorActive(id, active); err != nil {
			unknown = append(unknown, id)
		}
	}
	return unknown
}
