package drv

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeStripsStorePrefix(t *testing.T) {
	bare := Id("jd83l3jn2mkn530lgcg0y523jq5qji85-hello-2.12.1.drv")
	prefixed := Id(StorePrefix + string(bare))

	assert.Equal(t, bare, Normalize(prefixed))
	assert.True(t, Equal(bare, prefixed))
}

func TestStateCodecBijection(t *testing.T) {
	cases := map[State]int{
		StateQueued:                    0,
		StateBuildable:                 1,
		StateBuilding:                  7,
		StateCompletedSuccess:          42,
		StateCompletedFailure:          -1,
		StateTransitiveFailure:         -2,
		StateInterruptedOutOfMemory:    -104,
		StateInterruptedTimeout:        -120,
		StateInterruptedCancelled:      -86,
		StateInterruptedProcessDeath:   -66,
		StateInterruptedSchedulerDeath: -13,
		StateBlocked:                   100,
	}
	seen := make(map[int]State, len(cases))
	for state, want := range cases {
		assert.Equal(t, want, int(state))
		if other, ok := seen[want]; ok {
			t.Fatalf("integer %d reused by both %s and %s", want, other, state)
		}
		seen[want] = state
	}
}

func TestStateIsTerminal(t *testing.T) {
	assert.True(t, StateCompletedSuccess.IsTerminal())
	assert.True(t, StateCompletedFailure.IsTerminal())
	assert.True(t, StateTransitiveFailure.IsTerminal())
	assert.False(t, StateBlocked.IsTerminal())
	assert.False(t, StateBuildable.IsTerminal())
}

func TestBuildCommandRoundTrip(t *testing.T) {
	cmd := BuildCommand{
		Kind:       BuildCommandExecutable,
		Executable: "/bin/sh",
		Args:       []string{"-c", "build.sh"},
		Env:        map[string]string{"NIX_BUILD_CORES": "4"},
	}
	data, err := json.Marshal(cmd)
	require.NoError(t, err)

	var roundTripped BuildCommand
	require.NoError(t, json.Unmarshal(data, &roundTripped))
	assert.Equal(t, cmd, roundTripped)
}

func TestInterruptionReasonRoundTrip(t *testing.T) {
	for _, s := range []State{
		StateInterruptedOutOfMemory,
		StateInterruptedTimeout,
		StateInterruptedCancelled,
		StateInterruptedProcessDeath,
		StateInterruptedSchedulerDeath,
	} {
		reason, ok := s.InterruptionReason()
		require.True(t, ok)
		assert.Equal(t, s, StateForInterruption(reason))
	}

	_, ok := StateQueued.InterruptionReason()
	assert.False(t, ok)
}
