// ABOUTME: Tests for the conversation state enum and its transition functions
// ABOUTME: Verifies the AI and awaiting-manager views can never both be true

package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var allStates = []State{StateAIActive, StateAwaitingManager, StateManagerActive}

func TestState_ViewsNeverBothTrue(t *testing.T) {
	for _, s := range allStates {
		assert.False(t, s.AIEnabled() && s.AwaitingManager(), "state %s", s)
	}
}

func TestState_Valid(t *testing.T) {
	for _, s := range allStates {
		assert.True(t, s.Valid())
	}
	assert.False(t, State("").Valid())
	assert.False(t, State("paused").Valid())
}

func TestState_Transitions(t *testing.T) {
	tests := []struct {
		name string
		got  State
		want State
	}{
		{"handover from ai", StateAIActive.Handover(true), StateAwaitingManager},
		{"handover from manager", StateManagerActive.Handover(true), StateAwaitingManager},
		{"release handover", StateAwaitingManager.Handover(false), StateAIActive},
		{"release from manager", StateManagerActive.Handover(false), StateAIActive},
		{"operator claims ai", StateAIActive.OperatorClaim(), StateManagerActive},
		{"operator keeps pending", StateAwaitingManager.OperatorClaim(), StateAwaitingManager},
		{"operator keeps manager", StateManagerActive.OperatorClaim(), StateManagerActive},
		{"reactivate pending", StateAwaitingManager.Reactivate(), StateAIActive},
		{"reactivate manager is noop", StateManagerActive.Reactivate(), StateManagerActive},
		{"ai toggle on", StateManagerActive.WithAI(true), StateAIActive},
		{"ai toggle off", StateAIActive.WithAI(false), StateManagerActive},
		{"ai toggle off while pending", StateAwaitingManager.WithAI(false), StateAwaitingManager},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestState_OperatorClaimDisablesAI(t *testing.T) {
	for _, s := range allStates {
		assert.False(t, s.OperatorClaim().AIEnabled(), "from %s", s)
	}
}

func TestOrigin_Valid(t *testing.T) {
	assert.True(t, OriginClient.Valid())
	assert.True(t, OriginAutomated.Valid())
	assert.True(t, OriginOperator.Valid())
	assert.False(t, Origin("bot").Valid())
}

func TestConversation_HasTag(t *testing.T) {
	conv := &Conversation{Tags: []string{"vip", "billing"}}
	assert.True(t, conv.HasTag("vip"))
	assert.False(t, conv.HasTag("spam"))
}
