// Copyright 2025 Certen Protocol
//
// Wire messages (§6): Proposal, Vote, RequestMissingTransactions,
// MissingTransactionsResponse, SyncRequest, SyncResponse,
// CatchUpSyncRequest. Gossip topics reuse the same encoding as direct
// messages (§6 "Payloads are encoded identically to direct messages"); this
// package only defines the payload shapes and their framing, not transport.

package wire

import (
	"github.com/certen/dan-validator/pkg/types"
)

// MessageType tags a framed message so a reader can dispatch before
// decoding the payload.
type MessageType uint8

const (
	MessageProposal MessageType = iota
	MessageVote
	MessageRequestMissingTransactions
	MessageMissingTransactionsResponse
	MessageSyncRequest
	MessageSyncResponse
	MessageCatchUpSyncRequest
)

func (t MessageType) String() string {
	switch t {
	case MessageProposal:
		return "Proposal"
	case MessageVote:
		return "Vote"
	case MessageRequestMissingTransactions:
		return "RequestMissingTransactions"
	case MessageMissingTransactionsResponse:
		return "MissingTransactionsResponse"
	case MessageSyncRequest:
		return "SyncRequest"
	case MessageSyncResponse:
		return "SyncResponse"
	case MessageCatchUpSyncRequest:
		return "CatchUpSyncRequest"
	default:
		return "Unknown"
	}
}

// Proposal carries a candidate block from its leader to the committee.
type Proposal struct {
	Block *types.Block
}

// RequestMissingTransactions is sent direct (never gossiped) by a follower
// that received a block referencing transaction ids it does not hold the
// bodies for.
type RequestMissingTransactions struct {
	BlockId      types.BlockId
	Epoch        types.Epoch
	Transactions []types.TransactionId
}

// MissingTransactionsResponse answers RequestMissingTransactions with the
// full bodies for whichever of the requested ids the responder holds;
// omitted ids are simply absent, not an error.
type MissingTransactionsResponse struct {
	BlockId      types.BlockId
	Transactions []*types.Transaction
}
