// Copyright 2025 Certen Protocol
//
// Message framing (§6 "length-delimited binary with canonical encoding...
// Unknown fields cause a message to be rejected, not ignored"): a u32
// big-endian length prefix covers a one-byte MessageType tag followed by
// the canonical payload. A decoded payload that leaves unread bytes behind
// is a protocol violation, not a partial success, so ReadMessage rejects it
// the same way a decoder rejects an unknown trailing field.

package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/certen/dan-validator/pkg/sync"
	"github.com/certen/dan-validator/pkg/types"
)

// MaxMessageBytes bounds a single frame so a malformed length prefix can
// never force an unbounded allocation.
const MaxMessageBytes = 64 << 20 // 64 MiB

// WriteMessage frames and writes one message. msg must be one of
// *Proposal, *types.Vote, *RequestMissingTransactions,
// *MissingTransactionsResponse, *sync.SyncRequest, *sync.SyncResponse,
// *sync.CatchUpSyncRequest.
func WriteMessage(w io.Writer, msg interface{}) error {
	cw := types.NewCanonicalWriter()
	var msgType MessageType

	switch m := msg.(type) {
	case *Proposal:
		msgType = MessageProposal
		m.Block.EncodeWire(cw)
	case *types.Vote:
		msgType = MessageVote
		encodeVote(cw, m)
	case *RequestMissingTransactions:
		msgType = MessageRequestMissingTransactions
		encodeRequestMissingTransactions(cw, m)
	case *MissingTransactionsResponse:
		msgType = MessageMissingTransactionsResponse
		encodeMissingTransactionsResponse(cw, m)
	case *sync.SyncRequest:
		msgType = MessageSyncRequest
		encodeSyncRequest(cw, m)
	case *sync.SyncResponse:
		msgType = MessageSyncResponse
		encodeSyncResponse(cw, m)
	case *sync.CatchUpSyncRequest:
		msgType = MessageCatchUpSyncRequest
		encodeCatchUpSyncRequest(cw, m)
	default:
		return fmt.Errorf("wire: unsupported message type %T", msg)
	}

	payload := cw.Bytes()
	frameLen := uint32(1 + len(payload))

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], frameLen)
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := w.Write([]byte{uint8(msgType)}); err != nil {
		return fmt.Errorf("wire: write message type: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write payload: %w", err)
	}
	return nil
}

// ReadMessage reads and decodes one framed message, returning the concrete
// pointer type WriteMessage would have accepted to produce it.
func ReadMessage(r io.Reader) (interface{}, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return nil, fmt.Errorf("wire: read length prefix: %w", err)
	}
	frameLen := binary.BigEndian.Uint32(lenPrefix[:])
	if frameLen == 0 {
		return nil, fmt.Errorf("wire: empty frame")
	}
	if frameLen > MaxMessageBytes {
		return nil, fmt.Errorf("wire: frame of %d bytes exceeds MaxMessageBytes", frameLen)
	}

	frame := make([]byte, frameLen)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, fmt.Errorf("wire: read frame body: %w", err)
	}

	msgType := MessageType(frame[0])
	cr := types.NewCanonicalReader(frame[1:])

	var (
		msg interface{}
		err error
	)
	switch msgType {
	case MessageProposal:
		b, decodeErr := types.DecodeBlock(cr)
		if decodeErr != nil {
			err = fmt.Errorf("wire: decode proposal: %w", decodeErr)
			break
		}
		msg = &Proposal{Block: b}
	case MessageVote:
		msg, err = decodeVote(cr)
	case MessageRequestMissingTransactions:
		msg, err = decodeRequestMissingTransactions(cr)
	case MessageMissingTransactionsResponse:
		msg, err = decodeMissingTransactionsResponse(cr)
	case MessageSyncRequest:
		msg, err = decodeSyncRequest(cr)
	case MessageSyncResponse:
		msg, err = decodeSyncResponse(cr)
	case MessageCatchUpSyncRequest:
		msg, err = decodeCatchUpSyncRequest(cr)
	default:
		return nil, fmt.Errorf("wire: unknown message type %d", frame[0])
	}
	if err != nil {
		return nil, err
	}

	if cr.Remaining() != 0 {
		return nil, fmt.Errorf("wire: %s message has %d unrecognized trailing bytes", msgType, cr.Remaining())
	}
	return msg, nil
}
