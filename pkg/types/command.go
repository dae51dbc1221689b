// Copyright 2025 Certen Protocol
//
// Block commands: a closed, tagged set of block-body entries (§3). Go has
// no native sum type, so CommandKind + a single struct carrying only the
// fields relevant to that kind stands in for the tagged enum, the same
// "kind string + flat struct" shape the teacher uses for ValidatorBlock's
// nested proof variants.

package types

// CommandKind identifies which command variant a Command carries.
type CommandKind uint8

const (
	CommandPrepare CommandKind = iota
	CommandLocalPrepared
	CommandAllPrepared
	CommandSomePrepared
	CommandLocalOnly
	CommandAccept
	CommandForeignProposal
	CommandMintConfidentialOutput
	CommandEndEpoch
	CommandSuspendNode
	CommandResumeNode
)

func (k CommandKind) String() string {
	switch k {
	case CommandPrepare:
		return "Prepare"
	case CommandLocalPrepared:
		return "LocalPrepared"
	case CommandAllPrepared:
		return "AllPrepared"
	case CommandSomePrepared:
		return "SomePrepared"
	case CommandLocalOnly:
		return "LocalOnly"
	case CommandAccept:
		return "Accept"
	case CommandForeignProposal:
		return "ForeignProposal"
	case CommandMintConfidentialOutput:
		return "MintConfidentialOutput"
	case CommandEndEpoch:
		return "EndEpoch"
	case CommandSuspendNode:
		return "SuspendNode"
	case CommandResumeNode:
		return "ResumeNode"
	default:
		return "Unknown"
	}
}

// Evidence is the per-shard-group record a tx_atom carries so followers can
// verify intent without re-executing (§3). Keyed by the foreign shard group
// a remote decision came from.
type Evidence map[uint32]EvidenceEntry // key: ShardGroup.Encode()

// EvidenceEntry pins a remote decision to the block/QC that committed it.
type EvidenceEntry struct {
	ShardGroup ShardGroup `json:"shard_group"`
	BlockId    BlockId    `json:"block_id"`
	QCId       QCId       `json:"qc_id"`
	Decision   Decision   `json:"decision"`
}

// TxAtom carries the minimum a follower needs to verify a transaction
// command without re-executing (§3).
type TxAtom struct {
	TransactionId TransactionId `json:"transaction_id"`
	Decision      Decision      `json:"decision"`
	Fee           uint64        `json:"fee"`
	LeaderFee     uint64        `json:"leader_fee"`
	Evidence      Evidence      `json:"evidence"`
}

// MintConfidentialOutputData carries the Pedersen commitment and range
// proof for a confidential output minted outside of normal transaction
// execution (e.g. validator fee payout).
type MintConfidentialOutputData struct {
	SubstateId SubstateId `json:"substate_id"`
	Commitment []byte     `json:"commitment"` // compressed curve point
	RangeProof []byte     `json:"range_proof"`
}

// Command is a single entry in a block's command list. Exactly one of the
// *Data fields is populated, selected by Kind; all others are zero. This
// flat-struct encoding keeps JSON and canonical-binary round trips simple
// and matches how the source's command enum is meant to be read: inspect
// Kind, then read the one field that kind implies.
type Command struct {
	Kind CommandKind `json:"kind"`

	Atom *TxAtom `json:"atom,omitempty"` // Prepare/LocalPrepared/AllPrepared/SomePrepared/LocalOnly/Accept

	ForeignBlockId *BlockId `json:"foreign_block_id,omitempty"` // ForeignProposal

	MintOutput *MintConfidentialOutputData `json:"mint_output,omitempty"` // MintConfidentialOutput

	SuspendPublicKey []byte `json:"suspend_public_key,omitempty"` // SuspendNode/ResumeNode
}

func PrepareCommand(atom TxAtom) Command { return Command{Kind: CommandPrepare, Atom: &atom} }
func LocalPreparedCommand(atom TxAtom) Command {
	return Command{Kind: CommandLocalPrepared, Atom: &atom}
}
func AllPreparedCommand(atom TxAtom) Command { return Command{Kind: CommandAllPrepared, Atom: &atom} }
func SomePreparedCommand(atom TxAtom) Command {
	return Command{Kind: CommandSomePrepared, Atom: &atom}
}
func LocalOnlyCommand(atom TxAtom) Command { return Command{Kind: CommandLocalOnly, Atom: &atom} }
func AcceptCommand(atom TxAtom) Command    { return Command{Kind: CommandAccept, Atom: &atom} }
func ForeignProposalCommand(blockID BlockId) Command {
	return Command{Kind: CommandForeignProposal, ForeignBlockId: &blockID}
}
func MintConfidentialOutputCommand(data MintConfidentialOutputData) Command {
	return Command{Kind: CommandMintConfidentialOutput, MintOutput: &data}
}
func EndEpochCommand() Command { return Command{Kind: CommandEndEpoch} }
func SuspendNodeCommand(pubKey []byte) Command {
	return Command{Kind: CommandSuspendNode, SuspendPublicKey: pubKey}
}
func ResumeNodeCommand(pubKey []byte) Command {
	return Command{Kind: CommandResumeNode, SuspendPublicKey: pubKey}
}

// TransactionID returns the transaction this command pertains to, if any.
func (c Command) TransactionID() (TransactionId, bool) {
	if c.Atom != nil {
		return c.Atom.TransactionId, true
	}
	return TransactionId{}, false
}

// encode writes the command's canonical form: kind tag then the populated
// variant fields, in a fixed order so every honest node produces identical
// bytes for identical commands.
func (c Command) encode(w *CanonicalWriter) {
	w.WriteU8(uint8(c.Kind))
	switch c.Kind {
	case CommandPrepare, CommandLocalPrepared, CommandAllPrepared, CommandSomePrepared,
		CommandLocalOnly, CommandAccept:
		a := c.Atom
		w.WriteHash(a.TransactionId)
		w.WriteU8(uint8(a.Decision))
		w.WriteU64(a.Fee)
		w.WriteU64(a.LeaderFee)
		keys := make([]uint32, 0, len(a.Evidence))
		for k := range a.Evidence {
			keys = append(keys, k)
		}
		sortU32(keys)
		w.WriteU32(uint32(len(keys)))
		for _, k := range keys {
			e := a.Evidence[k]
			w.WriteU32(k).WriteHash(e.BlockId).WriteHash(e.QCId).WriteU8(uint8(e.Decision))
		}
	case CommandForeignProposal:
		w.WriteHash(*c.ForeignBlockId)
	case CommandMintConfidentialOutput:
		w.WriteHash(c.MintOutput.SubstateId)
		w.WriteBytes(c.MintOutput.Commitment)
		w.WriteBytes(c.MintOutput.RangeProof)
	case CommandSuspendNode, CommandResumeNode:
		w.WriteBytes(c.SuspendPublicKey)
	case CommandEndEpoch:
		// no payload
	}
}

func sortU32(s []uint32) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
