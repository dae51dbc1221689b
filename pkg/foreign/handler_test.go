// Copyright 2025 Certen Protocol

package foreign

import (
	"testing"

	"github.com/certen/dan-validator/pkg/blockstore"
	"github.com/certen/dan-validator/pkg/crypto/bls"
	"github.com/certen/dan-validator/pkg/epoch"
	"github.com/certen/dan-validator/pkg/kvdb"
	"github.com/certen/dan-validator/pkg/pool"
	"github.com/certen/dan-validator/pkg/storage"
	"github.com/certen/dan-validator/pkg/types"
)

type testValidator struct {
	sk *bls.PrivateKey
	pk *bls.PublicKey
}

// newTestCommittee mirrors pkg/blockstore/blockstore_test.go's committee
// setup: n validators in one shard group's committee at one epoch.
func newTestCommittee(t *testing.T, n int) (*epoch.StaticManager, types.ShardGroup, types.Epoch, []testValidator) {
	t.Helper()
	if err := bls.Initialize(); err != nil {
		t.Fatalf("bls initialize: %v", err)
	}
	sg := types.ShardGroup{Start: 16, End: 31}
	ep := types.Epoch(1)

	validators := make([]testValidator, n)
	epochValidators := make([]epoch.Validator, n)
	for i := 0; i < n; i++ {
		sk, pk, err := bls.GenerateKeyPair()
		if err != nil {
			t.Fatalf("generate key pair: %v", err)
		}
		validators[i] = testValidator{sk: sk, pk: pk}
		epochValidators[i] = epoch.Validator{PublicKey: pk.Bytes(), VotingPower: 1}
	}

	m := epoch.NewStaticManager(ep)
	if err := m.SetCommittee(ep, sg, epochValidators); err != nil {
		t.Fatalf("set committee: %v", err)
	}
	return m, sg, ep, validators
}

// signQC mirrors pkg/blockstore/blockstore_test.go's signQC helper: builds a
// quorum certificate signed by enough validators to clear quorum.
func signQC(t *testing.T, m *epoch.StaticManager, sg types.ShardGroup, ep types.Epoch, validators []testValidator, blockID types.BlockId, height uint64, quorum int) types.QuorumCertificate {
	t.Helper()
	tree, err := m.ValidatorSetTree(ep)
	if err != nil {
		t.Fatalf("validator set tree: %v", err)
	}

	qc := types.QuorumCertificate{
		BlockId:      blockID,
		BlockHeight:  height,
		Epoch:        ep,
		ShardGroup:   sg,
		Decision:     types.QCAccept,
		JustifyEpoch: ep,
	}

	indices := make([]int, 0, quorum)
	for i := 0; i < quorum; i++ {
		v := validators[i]
		idx, ok := tree.IndexOf(v.pk.Bytes())
		if !ok {
			t.Fatalf("validator %d not in tree", i)
		}
		leafBytes, err := tree.LeafHash(idx)
		if err != nil {
			t.Fatalf("leaf hash: %v", err)
		}
		var leaf types.Hash32
		copy(leaf[:], leafBytes)

		challenge := qc.Challenge(leaf)
		sig := v.sk.SignWithDomain(challenge[:], blockstore.DomainQCVote)

		qc.Signatures = append(qc.Signatures, types.ValidatorSignature{
			PublicKey: v.pk.Bytes(),
			Signature: sig.Bytes(),
		})
		indices = append(indices, idx)
	}

	mp, err := tree.BuildMergedProof(indices)
	if err != nil {
		t.Fatalf("build merged proof: %v", err)
	}
	qc.MergedMerkleProof = types.MergedValidatorProof{
		Siblings: mp.Siblings,
		Indices:  mp.Indices,
	}
	for _, l := range mp.Leaves {
		var h types.Hash32
		copy(h[:], l)
		qc.MergedMerkleProof.Leaves = append(qc.MergedMerkleProof.Leaves, h)
	}
	return qc
}

func newTestHandler(t *testing.T, m *epoch.StaticManager, localShard, foreignShard types.ShardGroup) (*Handler, *pool.Pool) {
	t.Helper()
	db, err := kvdb.Open(kvdb.DriverMemory, "test", "")
	if err != nil {
		t.Fatalf("open memdb: %v", err)
	}
	store, err := storage.New(kvdb.NewKVAdapter(db))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	p, err := pool.New(store, pool.Config{
		Local:     localShard,
		ShardBits: 8,
		ResolveShard: func(s types.Shard) types.ShardGroup {
			if localShard.Contains(s) {
				return localShard
			}
			return foreignShard
		},
	})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	h, err := New(Config{Store: store, Pool: p, EpochManager: m})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return h, p
}

func foreignBlock(sg types.ShardGroup, ep types.Epoch, height uint64, cmds ...types.Command) *types.Block {
	b := &types.Block{NetworkTag: 1, Epoch: ep, ShardGroup: sg, Height: height, Commands: cmds, Signature: []byte{0x01}}
	b.Id = b.ComputeId()
	return b
}

func TestReceiveAcceptsValidProposal(t *testing.T) {
	m, sg, ep, validators := newTestCommittee(t, 4)
	h, _ := newTestHandler(t, m, types.ShardGroup{Start: 0, End: 15}, types.ShardGroup{Start: 100, End: 115})

	b := foreignBlock(sg, ep, 5)
	qc := signQC(t, m, sg, ep, validators, b.Id, b.Height, 3)

	fp, err := h.Receive(b, qc, sg, nil)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if fp.Status != types.ForeignProposalReceived {
		t.Fatalf("expected Received, got %s", fp.Status)
	}

	stored, err := h.cfg.Store.GetForeignProposal(b.Id)
	if err != nil {
		t.Fatalf("get stored proposal: %v", err)
	}
	if stored.Status != types.ForeignProposalReceived {
		t.Fatalf("expected stored status Received, got %s", stored.Status)
	}
}

func TestReceiveRejectsInvalidQC(t *testing.T) {
	m, sg, ep, validators := newTestCommittee(t, 4)
	h, _ := newTestHandler(t, m, types.ShardGroup{Start: 0, End: 15}, types.ShardGroup{Start: 100, End: 115})

	b := foreignBlock(sg, ep, 5)
	qc := signQC(t, m, sg, ep, validators, b.Id, b.Height, 2) // below quorum

	var invalidReasons []InvalidReason
	h.cfg.OnInvalid = func(blockID types.BlockId, reason InvalidReason) { invalidReasons = append(invalidReasons, reason) }

	fp, err := h.Receive(b, qc, sg, nil)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if fp.Status != types.ForeignProposalInvalid {
		t.Fatalf("expected Invalid, got %s", fp.Status)
	}
	if len(invalidReasons) != 1 || invalidReasons[0] != ReasonQCInvalid {
		t.Fatalf("expected one QC-invalid report, got %v", invalidReasons)
	}
}

func TestReceiveRejectsMissingPledgeForAccept(t *testing.T) {
	m, sg, ep, validators := newTestCommittee(t, 4)
	h, _ := newTestHandler(t, m, types.ShardGroup{Start: 0, End: 15}, types.ShardGroup{Start: 100, End: 115})

	atom := types.TxAtom{TransactionId: types.Hash32{0x30}, Decision: types.DecisionAccept}
	b := foreignBlock(sg, ep, 5, types.AcceptCommand(atom))
	qc := signQC(t, m, sg, ep, validators, b.Id, b.Height, 3)

	fp, err := h.Receive(b, qc, sg, nil) // no pledge at all
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if fp.Status != types.ForeignProposalInvalid || fp.RejectReason != ReasonPledgeMismatch.String() {
		t.Fatalf("expected pledge-mismatch rejection, got status %s reason %s", fp.Status, fp.RejectReason)
	}
}

func TestReceiveAcceptsProposalWithMatchingPledge(t *testing.T) {
	m, sg, ep, validators := newTestCommittee(t, 4)
	h, _ := newTestHandler(t, m, types.ShardGroup{Start: 0, End: 15}, types.ShardGroup{Start: 100, End: 115})

	txID := types.Hash32{0x31}
	atom := types.TxAtom{TransactionId: txID, Decision: types.DecisionAccept}
	b := foreignBlock(sg, ep, 5, types.AcceptCommand(atom))
	qc := signQC(t, m, sg, ep, validators, b.Id, b.Height, 3)

	pledge := []types.SubstateLock{{LockedByTx: txID, ForWrite: true}}
	fp, err := h.Receive(b, qc, sg, pledge)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if fp.Status != types.ForeignProposalReceived {
		t.Fatalf("expected Received, got %s (%s)", fp.Status, fp.RejectReason)
	}
}

func TestReceiveRejectsDuplicate(t *testing.T) {
	m, sg, ep, validators := newTestCommittee(t, 4)
	h, _ := newTestHandler(t, m, types.ShardGroup{Start: 0, End: 15}, types.ShardGroup{Start: 100, End: 115})

	b := foreignBlock(sg, ep, 5)
	qc := signQC(t, m, sg, ep, validators, b.Id, b.Height, 3)

	if _, err := h.Receive(b, qc, sg, nil); err != nil {
		t.Fatalf("first receive: %v", err)
	}

	var invalidReasons []InvalidReason
	h.cfg.OnInvalid = func(blockID types.BlockId, reason InvalidReason) { invalidReasons = append(invalidReasons, reason) }

	fp, err := h.Receive(b, qc, sg, nil)
	if err != nil {
		t.Fatalf("second receive: %v", err)
	}
	if fp.Status != types.ForeignProposalInvalid {
		t.Fatalf("expected duplicate receive marked Invalid, got %s", fp.Status)
	}
	if len(invalidReasons) != 1 || invalidReasons[0] != ReasonDuplicate {
		t.Fatalf("expected one duplicate report, got %v", invalidReasons)
	}
}

func TestMarkProposedTransitionsOnlyFromReceived(t *testing.T) {
	m, sg, ep, validators := newTestCommittee(t, 4)
	h, _ := newTestHandler(t, m, types.ShardGroup{Start: 0, End: 15}, types.ShardGroup{Start: 100, End: 115})

	b := foreignBlock(sg, ep, 5)
	qc := signQC(t, m, sg, ep, validators, b.Id, b.Height, 3)
	if _, err := h.Receive(b, qc, sg, nil); err != nil {
		t.Fatalf("receive: %v", err)
	}

	if err := h.MarkProposed(b.Id); err != nil {
		t.Fatalf("mark proposed: %v", err)
	}
	fp, err := h.cfg.Store.GetForeignProposal(b.Id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if fp.Status != types.ForeignProposalProposed {
		t.Fatalf("expected Proposed, got %s", fp.Status)
	}

	// A second MarkProposed, now that the proposal is no longer Received,
	// must be a no-op rather than clobbering later state.
	if err := h.MarkProposed(b.Id); err != nil {
		t.Fatalf("second mark proposed: %v", err)
	}
	fp, err = h.cfg.Store.GetForeignProposal(b.Id)
	if err != nil {
		t.Fatalf("get after second mark: %v", err)
	}
	if fp.Status != types.ForeignProposalProposed {
		t.Fatalf("expected status to remain Proposed, got %s", fp.Status)
	}
}

func TestFoldEvidenceRecordsAcceptDecisionOnLocalEntry(t *testing.T) {
	m, sg, ep, validators := newTestCommittee(t, 4)
	localShard := types.ShardGroup{Start: 0, End: 15}
	h, p := newTestHandler(t, m, localShard, sg)

	txID := types.Hash32{0x40}
	tx := &types.Transaction{
		ID: txID,
		DeclaredInputs: []types.VersionedSubstateId{
			{ID: localSubstateID(1), Version: 0},
			{ID: foreignSubstateID(1), Version: 0},
		},
	}
	if _, err := p.Submit(tx); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := p.RecordLocalExecution(txID, types.DecisionAccept, &types.SubstateDiff{}, 1, types.BlockId{}); err != nil {
		t.Fatalf("record local execution: %v", err)
	}
	if _, err := p.ConfirmLocalPrepared(txID); err != nil {
		t.Fatalf("confirm local prepared: %v", err)
	}

	atom := types.TxAtom{TransactionId: txID, Decision: types.DecisionAccept}
	b := foreignBlock(sg, ep, 5, types.AcceptCommand(atom))
	qc := signQC(t, m, sg, ep, validators, b.Id, b.Height, 3)
	pledge := []types.SubstateLock{{LockedByTx: txID, ForWrite: true}}
	if _, err := h.Receive(b, qc, sg, pledge); err != nil {
		t.Fatalf("receive: %v", err)
	}

	if err := h.FoldEvidence(b.Id); err != nil {
		t.Fatalf("fold evidence: %v", err)
	}

	entry, err := p.Get(txID)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	ev, ok := entry.ForeignEvidence[sg.Encode()]
	if !ok {
		t.Fatalf("expected foreign evidence recorded for shard group %v", sg)
	}
	if ev.Decision != types.DecisionAccept {
		t.Fatalf("expected Accept decision recorded, got %v", ev.Decision)
	}
}

func localSubstateID(seed byte) types.SubstateId {
	var id types.SubstateId
	id[0] = seed % 16
	return id
}

func foreignSubstateID(seed byte) types.SubstateId {
	var id types.SubstateId
	id[0] = 16 + (seed % 16)
	return id
}
