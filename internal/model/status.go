package model

import "fmt"

// SessionState is the state of a commutation session.
type SessionState string

const (
	SessionInit                SessionState = "INIT"
	SessionNoFreeEndpoints     SessionState = "NO_FREE_ENDPOINTS"
	SessionInviting            SessionState = "INVITING"
	SessionOperatorReady       SessionState = "OPERATOR_READY"
	SessionAbonentReady        SessionState = "ABONENT_READY"
	SessionCommutated          SessionState = "COMMUTATED"
	SessionConversationStarted SessionState = "CONVERSATION_STARTED"
	SessionHandled             SessionState = "HANDLED"
	SessionInvalid             SessionState = "INVALID"
)

// AllSessionStates lists every session state in declaration order.
var AllSessionStates = []SessionState{
	SessionInit,
	SessionNoFreeEndpoints,
	SessionInviting,
	SessionOperatorReady,
	SessionAbonentReady,
	SessionCommutated,
	SessionConversationStarted,
	SessionHandled,
	SessionInvalid,
}

var terminalSessionStates = map[SessionState]bool{
	SessionHandled: true,
	SessionInvalid: true,
}

// Every non-terminal state may fall to INVALID (cancel or a dropped leg).
// OPERATOR_READY and ABONENT_READY only reach COMMUTATED once the other leg
// reports ready.
var validSessionTransitions = map[SessionState]map[SessionState]bool{
	SessionInit: {
		SessionNoFreeEndpoints: true,
		SessionInviting:        true,
		SessionInvalid:         true,
	},
	SessionNoFreeEndpoints: {
		SessionInvalid: true,
	},
	SessionInviting: {
		SessionOperatorReady: true,
		SessionAbonentReady:  true,
		SessionInvalid:       true,
	},
	SessionOperatorReady: {
		SessionCommutated: true,
		SessionInvalid:    true,
	},
	SessionAbonentReady: {
		SessionCommutated: true,
		SessionInvalid:    true,
	},
	SessionCommutated: {
		SessionConversationStarted: true,
		SessionInvalid:             true,
	},
	SessionConversationStarted: {
		SessionHandled: true,
		SessionInvalid: true,
	},
}

func IsSessionTerminal(s SessionState) bool {
	return terminalSessionStates[s]
}

// ValidateSessionTransition reports whether from → to is an edge of the
// session transition table.
func ValidateSessionTransition(from, to SessionState) error {
	if IsSessionTerminal(from) {
		return fmt.Errorf("cannot transition from terminal session state %q", from)
	}
	allowed, ok := validSessionTransitions[from]
	if !ok {
		return fmt.Errorf("unknown session state %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid session transition: %q → %q", from, to)
	}
	return nil
}

// FailureReason records why a claimed session did not end in HANDLED.
type FailureReason string

const (
	FailureNone            FailureReason = ""
	FailureBusy            FailureReason = "busy"
	FailureNoFreeEndpoints FailureReason = "no_free_endpoints"
	FailureNoAnswer        FailureReason = "no_answer"
	FailureNotStarted      FailureReason = "not_started"
)

// BusyReason is the trigger passed to an on-busy behaviour step.
type BusyReason string

const (
	BusyNoOperators     BusyReason = "no_operators"
	BusyAllBusy         BusyReason = "all_busy"
	BusyNoFreeEndpoints BusyReason = "no_free_endpoints"
	BusyNoAnswer        BusyReason = "no_answer"
	BusyRecheck         BusyReason = "recheck"
)

// BusyReasonFor maps a session failure onto the chain trigger it causes.
func BusyReasonFor(f FailureReason) BusyReason {
	switch f {
	case FailureNoFreeEndpoints:
		return BusyNoFreeEndpoints
	case FailureNoAnswer:
		return BusyNoAnswer
	default:
		return BusyAllBusy
	}
}
