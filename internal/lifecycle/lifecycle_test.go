package lifecycle_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"parley/internal/domain"
	"parley/internal/lifecycle"
)

func TestNextHappyPath(t *testing.T) {
	s, ok := lifecycle.Next(domain.StatusNegotiating, lifecycle.ActionAccept)
	assert.True(t, ok)
	assert.Equal(t, domain.StatusAccepted, s)

	s, ok = lifecycle.Next(s, lifecycle.ActionComplete)
	assert.True(t, ok)
	assert.Equal(t, domain.StatusCompleted, s)

	s, ok = lifecycle.Next(s, lifecycle.ActionFinalize)
	assert.True(t, ok)
	assert.Equal(t, domain.StatusFinalized, s)
}

func TestNextIllegalEdges(t *testing.T) {
	cases := []struct {
		from   domain.EngagementStatus
		action lifecycle.Action
	}{
		{domain.StatusNegotiating, lifecycle.ActionComplete},
		{domain.StatusNegotiating, lifecycle.ActionFinalize},
		{domain.StatusAccepted, lifecycle.ActionAccept},
		{domain.StatusAccepted, lifecycle.ActionReject},
		{domain.StatusAccepted, lifecycle.ActionFinalize},
		{domain.StatusCompleted, lifecycle.ActionCancel},
		{domain.StatusCompleted, lifecycle.ActionAccept},
		{domain.StatusFinalized, lifecycle.ActionFinalize},
		{domain.StatusRejected, lifecycle.ActionAccept},
		{domain.StatusCancelled, lifecycle.ActionComplete},
	}
	for _, tc := range cases {
		_, ok := lifecycle.Next(tc.from, tc.action)
		assert.False(t, ok, "expected %s from %s to be illegal", tc.action, tc.from)
	}
}

func TestTerminal(t *testing.T) {
	assert.True(t, lifecycle.Terminal(domain.StatusFinalized))
	assert.True(t, lifecycle.Terminal(domain.StatusRejected))
	assert.True(t, lifecycle.Terminal(domain.StatusCancelled))
	assert.False(t, lifecycle.Terminal(domain.StatusNegotiating))
	assert.False(t, lifecycle.Terminal(domain.StatusAccepted))
	assert.False(t, lifecycle.Terminal(domain.StatusCompleted))
}

func TestAllowed(t *testing.T) {
	assert.Equal(t,
		[]lifecycle.Action{lifecycle.ActionAccept, lifecycle.ActionReject, lifecycle.ActionCancel},
		lifecycle.Allowed(domain.StatusNegotiating))
	assert.Equal(t,
		[]lifecycle.Action{lifecycle.ActionComplete, lifecycle.ActionCancel},
		lifecycle.Allowed(domain.StatusAccepted))
	assert.Nil(t, lifecycle.Allowed(domain.StatusFinalized))
}

func TestMayAct(t *testing.T) {
	e := domain.Engagement{
		RequesterID: "req-1",
		ProviderID:  "prov-1",
		InitiatorID: "req-1",
	}
	// accept/reject belong to the non-initiator
	assert.True(t, lifecycle.MayAct(e, "prov-1", lifecycle.ActionAccept))
	assert.False(t, lifecycle.MayAct(e, "req-1", lifecycle.ActionAccept))
	assert.True(t, lifecycle.MayAct(e, "prov-1", lifecycle.ActionReject))
	assert.False(t, lifecycle.MayAct(e, "req-1", lifecycle.ActionReject))
	// complete/finalize/cancel belong to either principal
	assert.True(t, lifecycle.MayAct(e, "req-1", lifecycle.ActionComplete))
	assert.True(t, lifecycle.MayAct(e, "prov-1", lifecycle.ActionFinalize))
	assert.True(t, lifecycle.MayAct(e, "req-1", lifecycle.ActionCancel))
	// strangers may do nothing
	assert.False(t, lifecycle.MayAct(e, "mod-1", lifecycle.ActionCancel))
	assert.False(t, lifecycle.MayAct(e, "mod-1", lifecycle.ActionAccept))
}
