// Copyright 2025 Certen Protocol
//
// Gossip transport: a minimal length-framed TCP carrier for pkg/wire
// messages. Every message is a standalone connection (dial, write, close
// for outbound; accept, read, optionally reply, close for inbound) rather
// than a persistent multiplexed session, since the protocol itself treats
// proposal/vote/sync delivery as independent fire-and-forget or
// request/response exchanges (§6), not a stream.

package main

import (
	"log"
	"net"
	"sync"
	"time"

	"github.com/certen/dan-validator/pkg/blockstore"
	"github.com/certen/dan-validator/pkg/consensus"
	"github.com/certen/dan-validator/pkg/foreign"
	"github.com/certen/dan-validator/pkg/metrics"
	"github.com/certen/dan-validator/pkg/pacemaker"
	"github.com/certen/dan-validator/pkg/pool"
	synclib "github.com/certen/dan-validator/pkg/sync"
	"github.com/certen/dan-validator/pkg/types"
	"github.com/certen/dan-validator/pkg/wire"
)

const dialTimeout = 3 * time.Second

type gossipTransport struct {
	peers []string
}

func newGossipTransport(peers []string) *gossipTransport {
	return &gossipTransport{peers: peers}
}

// broadcast sends msg to every configured peer, best-effort: a peer that is
// unreachable is logged and skipped, never fatal to the caller.
func (t *gossipTransport) broadcast(msg interface{}) {
	for _, addr := range t.peers {
		go func(addr string) {
			conn, err := net.DialTimeout("tcp", addr, dialTimeout)
			if err != nil {
				log.Printf("gossip: dial %s: %v", addr, err)
				return
			}
			defer conn.Close()
			if err := wire.WriteMessage(conn, msg); err != nil {
				log.Printf("gossip: send to %s: %v", addr, err)
			}
		}(addr)
	}
}

// requestMissingTransactions sends req to every configured peer and merges
// whatever transaction bodies any of them hold into a single response. A
// peer that doesn't answer, or doesn't hold a given id, simply contributes
// nothing; the caller decides what to do with a partial result.
func (t *gossipTransport) requestMissingTransactions(req *wire.RequestMissingTransactions) *wire.MissingTransactionsResponse {
	merged := &wire.MissingTransactionsResponse{BlockId: req.BlockId}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, addr := range t.peers {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			conn, err := net.DialTimeout("tcp", addr, dialTimeout)
			if err != nil {
				log.Printf("gossip: dial %s: %v", addr, err)
				return
			}
			defer conn.Close()
			if err := wire.WriteMessage(conn, req); err != nil {
				log.Printf("gossip: send missing-transactions request to %s: %v", addr, err)
				return
			}
			reply, err := wire.ReadMessage(conn)
			if err != nil {
				log.Printf("gossip: read missing-transactions reply from %s: %v", addr, err)
				return
			}
			resp, ok := reply.(*wire.MissingTransactionsResponse)
			if !ok || resp.BlockId != req.BlockId {
				return
			}
			mu.Lock()
			merged.Transactions = append(merged.Transactions, resp.Transactions...)
			mu.Unlock()
		}(addr)
	}
	wg.Wait()
	return merged
}

// peerServer owns every collaborator handleConn dispatches to, plus the
// transport it uses to chase down transaction bodies a proposal referenced
// but this node doesn't hold (§4.3(h), "a follower that receives a block
// referencing unknown transaction ids asks its peers for the bodies before
// voting").
type peerServer struct {
	engine    *consensus.Engine
	pm        *pacemaker.Pacemaker
	fh        *foreign.Handler
	syncer    *synclib.Syncer
	blocks    *blockstore.BlockStore
	pool      *pool.Pool
	reg       *metrics.Registry
	transport *gossipTransport
}

// servePeers accepts inbound gossip connections and dispatches each
// message to the collaborator that owns it, replying in place for the
// request/response message kinds.
func servePeers(listener net.Listener, ps *peerServer) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Printf("gossip: accept: %v", err)
			return
		}
		go ps.handleConn(conn)
	}
}

func (ps *peerServer) handleConn(conn net.Conn) {
	defer conn.Close()

	msg, err := wire.ReadMessage(conn)
	if err != nil {
		log.Printf("gossip: read: %v", err)
		return
	}

	switch m := msg.(type) {
	case *wire.Proposal:
		ps.handleProposal(m.Block)

	case *types.Vote:
		if err := ps.pm.HandleVote(*m); err != nil {
			log.Printf("gossip: handle vote: %v", err)
		}

	case *synclib.SyncRequest:
		head := uint64(0)
		if leaf := ps.engine.Leaf(); leaf != nil {
			head = leaf.Height
		}
		resp, err := ps.syncer.HandleSyncRequest(*m, head)
		if err != nil {
			log.Printf("gossip: handle sync request: %v", err)
			return
		}
		if err := wire.WriteMessage(conn, resp); err != nil {
			log.Printf("gossip: reply sync response: %v", err)
		}

	case *synclib.CatchUpSyncRequest:
		head := uint64(0)
		if leaf := ps.engine.Leaf(); leaf != nil {
			head = leaf.Height
		}
		resp, err := ps.syncer.HandleCatchUpSyncRequest(*m, head)
		if err != nil {
			log.Printf("gossip: handle catch-up sync request: %v", err)
			return
		}
		if err := wire.WriteMessage(conn, resp); err != nil {
			log.Printf("gossip: reply sync response: %v", err)
		}

	case *wire.RequestMissingTransactions:
		resp := &wire.MissingTransactionsResponse{BlockId: m.BlockId}
		for _, txID := range m.Transactions {
			if tx, err := ps.blocks.Transaction(txID); err == nil {
				resp.Transactions = append(resp.Transactions, tx)
			}
		}
		if err := wire.WriteMessage(conn, resp); err != nil {
			log.Printf("gossip: reply missing transactions: %v", err)
		}

	case *wire.MissingTransactionsResponse:
		// Normally consumed directly by requestMissingTransactions's own
		// dial; reaching the listener means a peer pushed a response
		// unprompted. Still safe to absorb: Submit is idempotent, so
		// admitting these bodies early only helps a later proposal.
		ps.admitTransactions(m.Transactions)

	case *synclib.SyncResponse:
		log.Printf("gossip: unsolicited sync response received, catch-up sync has no client-side driver in this entrypoint")

	default:
		log.Printf("gossip: unhandled message type %T", m)
	}
}

// handleProposal resolves any transaction ids the block references that
// this node doesn't yet hold a body for before running it through the
// voting pipeline. A block with nothing missing votes immediately; one
// with gaps blocks this connection's goroutine on a direct request/response
// round trip to the rest of the committee first, so the vote is always
// either granted, withheld for a substantive reason, or not cast at all —
// never cast against a block whose commands this node cannot verify.
func (ps *peerServer) handleProposal(b *types.Block) {
	known := ps.blocks.KnownTransactionsResolver(nil)
	var missing []types.TransactionId
	for _, c := range b.Commands {
		if txID, ok := c.TransactionID(); ok && !known(txID) {
			missing = append(missing, txID)
		}
	}

	if len(missing) > 0 {
		log.Printf("gossip: block %s references %d unknown transactions, requesting bodies before voting", b.Id, len(missing))
		resp := ps.transport.requestMissingTransactions(&wire.RequestMissingTransactions{
			BlockId:      b.Id,
			Epoch:        b.Epoch,
			Transactions: missing,
		})
		ps.admitTransactions(resp.Transactions)

		known = ps.blocks.KnownTransactionsResolver(nil)
		var stillMissing []types.TransactionId
		for _, txID := range missing {
			if !known(txID) {
				stillMissing = append(stillMissing, txID)
			}
		}
		if len(stillMissing) > 0 {
			log.Printf("gossip: dropping proposal %s, %d transaction bodies still unresolved after peer round trip", b.Id, len(stillMissing))
			return
		}
	}

	root, err := ps.engine.ExpectedMerkleRoot(b.Height, b.Commands)
	if err != nil {
		log.Printf("gossip: predict expected merkle root for %s: %v", b.Id, err)
		return
	}
	ctx := consensus.ProposalContext{
		ExpectedMerkleRoot: root,
		KnownTransactions:  ps.blocks.KnownTransactionsResolver(nil),
	}
	if vote, reason, err := ps.pm.HandleProposal(b, ctx); err != nil {
		ps.reg.ProposalRejectHook(err)
		log.Printf("gossip: handle proposal %s: %v", b.Id, err)
	} else if vote == nil {
		log.Printf("gossip: withheld vote for %s: %s", b.Id, reason)
	}
}

// admitTransactions submits every transaction body a missing-transactions
// response carried into the pool at stage New, so a subsequent
// KnownTransactions check reports it known. Submit is idempotent, so a
// transaction this node already admitted by some other path is a no-op.
func (ps *peerServer) admitTransactions(txs []*types.Transaction) {
	for _, tx := range txs {
		if tx == nil {
			continue
		}
		if _, err := ps.pool.Submit(tx); err != nil {
			log.Printf("gossip: admit transaction %s from missing-transactions response: %v", tx.ID, err)
		}
	}
}
