// Copyright 2025 Certen Protocol

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/certen/dan-validator/pkg/blockstore"
	"github.com/certen/dan-validator/pkg/consensus"
	"github.com/certen/dan-validator/pkg/foreign"
	"github.com/certen/dan-validator/pkg/types"
)

func newTestRegistry(t *testing.T) (*Registry, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewRegistry(reg), reg
}

func TestNoVoteHookIncrementsByReason(t *testing.T) {
	r, _ := newTestRegistry(t)
	hook := r.NoVoteHook()
	hook(&types.Block{}, consensus.StageDisagreement)
	hook(&types.Block{}, consensus.StageDisagreement)
	hook(&types.Block{}, consensus.NotEndOfEpoch)

	if got := testutil.ToFloat64(r.noVoteTotal.WithLabelValues("StageDisagreement")); got != 2 {
		t.Fatalf("StageDisagreement count: got %v want 2", got)
	}
	if got := testutil.ToFloat64(r.noVoteTotal.WithLabelValues("NotEndOfEpoch")); got != 1 {
		t.Fatalf("NotEndOfEpoch count: got %v want 1", got)
	}
}

func TestProposalRejectHookOnlyCountsValidationErrors(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.ProposalRejectHook(&blockstore.ProposalValidationError{Kind: blockstore.NotLeader})
	r.ProposalRejectHook(&blockstore.ProposalValidationError{Kind: blockstore.NotLeader})
	r.ProposalRejectHook(nil)

	if got := testutil.ToFloat64(r.proposalRejectTotal.WithLabelValues("NotLeader")); got != 2 {
		t.Fatalf("NotLeader count: got %v want 2", got)
	}
}

func TestForeignInvalidHookIncrementsByReason(t *testing.T) {
	r, _ := newTestRegistry(t)
	hook := r.ForeignInvalidHook()
	hook(types.BlockId{0x01}, foreign.ReasonQCInvalid)

	if got := testutil.ToFloat64(r.foreignInvalidTotal.WithLabelValues("QCInvalid")); got != 1 {
		t.Fatalf("QCInvalid count: got %v want 1", got)
	}
}

func TestCommitHookRecordsCountAndHeight(t *testing.T) {
	r, _ := newTestRegistry(t)
	hook := r.CommitHook()
	sg := types.ShardGroup{Start: 0, End: 15}
	hook(&types.Block{ShardGroup: sg, Height: 3})
	hook(&types.Block{ShardGroup: sg, Height: 4})

	label := sg.String()
	if got := testutil.ToFloat64(r.commitsTotal.WithLabelValues(label)); got != 2 {
		t.Fatalf("commits count: got %v want 2", got)
	}
	if got := testutil.ToFloat64(r.lastCommittedHeight.WithLabelValues(label)); got != 4 {
		t.Fatalf("last committed height: got %v want 4", got)
	}
}

func TestSyncCountersAccumulate(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.RecordSyncBlocksServed(3)
	r.RecordSyncBlocksServed(2)
	r.RecordSyncBlocksApplied(4)

	if got := testutil.ToFloat64(r.syncBlocksServed); got != 5 {
		t.Fatalf("sync blocks served: got %v want 5", got)
	}
	if got := testutil.ToFloat64(r.syncBlocksApplied); got != 4 {
		t.Fatalf("sync blocks applied: got %v want 4", got)
	}
}
