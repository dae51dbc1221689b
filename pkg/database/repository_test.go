// Copyright 2025 Certen Protocol

package database

import (
	"testing"

	"github.com/certen/dan-validator/pkg/types"
)

func TestAbortReasonStringRoundTrips(t *testing.T) {
	reasons := []types.AbortReason{
		types.AbortReasonNone,
		types.AbortReasonExecutionReject,
		types.AbortReasonPledgeConflict,
		types.AbortReasonForeignAbort,
		types.AbortReasonInputConsistency,
	}
	for _, r := range reasons {
		got := abortReasonFromString(abortReasonString(r))
		if got != r {
			t.Fatalf("abort reason %d did not round trip: got %d", r, got)
		}
	}
}

func TestDecisionFromString(t *testing.T) {
	if got := decisionFromString(types.DecisionAccept.String()); got != types.DecisionAccept {
		t.Fatalf("got %v, want DecisionAccept", got)
	}
	if got := decisionFromString(types.DecisionAbort.String()); got != types.DecisionAbort {
		t.Fatalf("got %v, want DecisionAbort", got)
	}
	if got := decisionFromString("garbage"); got != types.DecisionAbort {
		t.Fatalf("unrecognized decision string should default to abort, got %v", got)
	}
}
