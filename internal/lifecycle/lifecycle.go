// Package lifecycle defines the engagement state machine as data: a
// transition table mapping (status, action) to the next status, plus
// the actor policy saying which principal may perform each action.
package lifecycle

import "parley/internal/domain"

// Action is a lifecycle operation requested by a principal.
type Action string

const (
	ActionAccept   Action = "accept"
	ActionComplete Action = "complete"
	ActionFinalize Action = "finalize"
	ActionReject   Action = "reject"
	ActionCancel   Action = "cancel"
)

// transitions holds every legal (from, action) -> to edge. Anything
// absent from the table is illegal.
var transitions = map[domain.EngagementStatus]map[Action]domain.EngagementStatus{
	domain.StatusNegotiating: {
		ActionAccept: domain.StatusAccepted,
		ActionReject: domain.StatusRejected,
		ActionCancel: domain.StatusCancelled,
	},
	domain.StatusAccepted: {
		ActionComplete: domain.StatusCompleted,
		ActionCancel:   domain.StatusCancelled,
	},
	domain.StatusCompleted: {
		ActionFinalize: domain.StatusFinalized,
	},
}

// terminal statuses admit no further transitions and close the bound
// thread.
var terminal = map[domain.EngagementStatus]bool{
	domain.StatusFinalized: true,
	domain.StatusRejected:  true,
	domain.StatusCancelled: true,
}

// Next returns the status reached by performing action from the given
// status, or false when the edge is not in the table.
func Next(from domain.EngagementStatus, action Action) (domain.EngagementStatus, bool) {
	row, ok := transitions[from]
	if !ok {
		return "", false
	}
	to, ok := row[action]
	return to, ok
}

// Terminal reports whether a status admits no further transitions.
func Terminal(s domain.EngagementStatus) bool {
	return terminal[s]
}

// Allowed returns the actions legal from the given status, in a fixed
// order for stable API output.
func Allowed(from domain.EngagementStatus) []Action {
	row, ok := transitions[from]
	if !ok {
		return nil
	}
	var out []Action
	for _, a := range []Action{ActionAccept, ActionComplete, ActionFinalize, ActionReject, ActionCancel} {
		if _, ok := row[a]; ok {
			out = append(out, a)
		}
	}
	return out
}

// MayAct reports whether the identity may request the action on the
// engagement. Accept and reject belong to the party who did not open
// the engagement; complete, finalize, and cancel belong to either
// principal.
func MayAct(e domain.Engagement, identityID string, action Action) bool {
	if identityID != e.RequesterID && identityID != e.ProviderID {
		return false
	}
	switch action {
	case ActionAccept, ActionReject:
		return identityID != e.InitiatorID
	default:
		return true
	}
}
