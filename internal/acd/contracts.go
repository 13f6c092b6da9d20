package acd

import "context"

// Leg is an opaque handle to one half of a call in the conversation layer.
type Leg string

// Endpoint is an opaque handle to a channel borrowed from the endpoint pool.
type Endpoint string

// Resources carries the scenario identifiers attached to a request. The
// engine stores them on the session and hands them to the conversation
// layer without interpreting them.
type Resources struct {
	Greeting string
	Scenario string
	Attrs    map[string]string
}

// InviteRequest asks the conversation layer to dial an operator.
type InviteRequest struct {
	SessionID      string
	Endpoint       Endpoint
	OperatorNumber string
	CallerNumber   string
	Resources      Resources
	// Signals receives the operator leg's progress. The conversation layer
	// calls OperatorReadyToCommutate once the operator answers.
	Signals LegSignals
}

// LegSignals is the callback surface the conversation layer drives.
type LegSignals interface {
	OperatorReadyToCommutate()
	ConversationStopped()
	Invalidate(reason string)
}

// Conversation is the media/signaling layer. The engine never manages the
// underlying signaling or audio path itself.
type Conversation interface {
	Invite(ctx context.Context, req InviteRequest) (Leg, error)
	Attach(ctx context.Context, operatorLeg, abonentLeg Leg) error
	Park(ctx context.Context, leg Leg) error
	Continue(ctx context.Context, leg Leg) error
	Transfer(ctx context.Context, leg Leg, number string) error
	Release(ctx context.Context, leg Leg) error
}

// EndpointPool hands out endpoints for outbound operator legs.
type EndpointPool interface {
	Acquire(ctx context.Context) (Endpoint, error)
	Release(ep Endpoint)
}

// TransferFallback handles a transfer to a number no operator of the queue
// answers on.
type TransferFallback interface {
	TransferCall(ctx context.Context, s *CommutationSession, number string) error
}
