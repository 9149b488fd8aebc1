package events

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Wire framing: a 4-byte big-endian length prefix followed by a one-byte
// tag and a JSON body. This is a concrete stand-in for the upstream
// protobuf SubscribeEvent schema spec.md §6 documents but doesn't vendor
// into this pack (see SPEC_FULL.md §6); decodeFrame is the seam to swap in
// a generated protobuf client later.
const (
	tagBlock        byte = 1
	tagMicroblock   byte = 2
	tagRollback     byte = 3
	tagUpdatesBatch byte = 4

	maxFrameBytes = 16 << 20 // 16MiB; guards against a corrupt length prefix
)

// ConnError wraps a terminal error on the subscription stream.
type ConnError struct {
	Err error
}

func (e *ConnError) Error() string { return fmt.Sprintf("event source: %v", e.Err) }
func (e *ConnError) Unwrap() error { return e.Err }

// readFrame reads one length-prefixed frame from r.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxFrameBytes {
		return nil, fmt.Errorf("event source: invalid frame length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// decodeFrame turns one raw frame into a BlockchainEvent.
func decodeFrame(frame []byte) (BlockchainEvent, error) {
	if len(frame) < 1 {
		return nil, fmt.Errorf("event source: empty frame")
	}
	tag, body := frame[0], frame[1:]
	switch tag {
	case tagBlock:
		var b wireBlock
		if err := json.Unmarshal(body, &b); err != nil {
			return nil, err
		}
		return b.toEvent(), nil
	case tagMicroblock:
		var m wireMicroblock
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, err
		}
		return m.toEvent(), nil
	case tagRollback:
		var r wireRollback
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, err
		}
		return Rollback{ToBlockID: r.ToBlockID}, nil
	case tagUpdatesBatch:
		var u wireUpdatesBatch
		if err := json.Unmarshal(body, &u); err != nil {
			return nil, err
		}
		return u.toEvent(), nil
	default:
		return nil, fmt.Errorf("event source: unknown frame tag %d", tag)
	}
}

// encodeFrame is the inverse of decodeFrame, used by Subscribe to write the
// subscribe request and by tests to drive the subscription end to end.
func encodeFrame(tag byte, v interface{}) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 1+len(body))
	frame[0] = tag
	copy(frame[1:], body)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(frame)))
	return append(lenBuf, frame...), nil
}

type wireBlock struct {
	Height       int32            `json:"height"`
	ID           string           `json:"id"`
	ParentID     string           `json:"parentId"`
	TimeStampSec int64            `json:"timeStamp"`
	Transactions []wireTransaction `json:"transactions"`
}

func (b wireBlock) toEvent() Block {
	return Block{
		Height:       b.Height,
		ID:           b.ID,
		ParentID:     b.ParentID,
		TimeStamp:    secToTime(b.TimeStampSec),
		Transactions: toTransactions(b.Transactions),
	}
}

type wireMicroblock struct {
	ReferenceBlockID string            `json:"referenceBlockId"`
	ID               string            `json:"id"`
	TimeStampSec     int64             `json:"timeStamp"`
	Transactions     []wireTransaction `json:"transactions"`
}

func (m wireMicroblock) toEvent() Microblock {
	return Microblock{
		ReferenceBlockID: m.ReferenceBlockID,
		ID:               m.ID,
		TimeStamp:        secToTime(m.TimeStampSec),
		Transactions:     toTransactions(m.Transactions),
	}
}

type wireRollback struct {
	ToBlockID string `json:"toBlockId"`
}

type wireUpdatesBatch struct {
	Height  int32             `json:"height"`
	BlockID string            `json:"blockId"`
	Updates []wireStateUpdate `json:"updates"`
}

func (u wireUpdatesBatch) toEvent() UpdatesBatch {
	out := make([]StateUpdate, 0, len(u.Updates))
	for _, su := range u.Updates {
		out = append(out, StateUpdate{Kind: su.Kind, NaturalKey: su.NaturalKey})
	}
	return UpdatesBatch{Height: u.Height, BlockID: u.BlockID, Updates: out}
}

type wireStateUpdate struct {
	Kind       string `json:"kind"`
	NaturalKey string `json:"naturalKey"`
}

type wireTransaction struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Height int32           `json:"height"`
	Data   json.RawMessage `json:"data"`
}

func toTransactions(in []wireTransaction) []Transaction {
	out := make([]Transaction, 0, len(in))
	for _, t := range in {
		tx := Transaction{ID: t.ID, Height: t.Height, Type: txTypeFromWire(t.Type)}
		if p, err := decodeTxPayload(tx.Type, t.Data); err == nil {
			tx.Payload = p
		}
		out = append(out, tx)
	}
	return out
}

func txTypeFromWire(s string) TxType {
	switch s {
	case "issue":
		return TxIssue
	case "updateAssetInfo":
		return TxUpdateAssetInfo
	case "sponsorship":
		return TxSponsorship
	case "data":
		return TxDataEntry
	case "transfer":
		return TxTransfer
	case "lease":
		return TxLease
	case "leaseCancel":
		return TxLeaseCancel
	default:
		return TxOther
	}
}

func decodeTxPayload(t TxType, raw json.RawMessage) (TxPayload, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	switch t {
	case TxIssue:
		var p IssuePayload
		return p, json.Unmarshal(raw, &p)
	case TxUpdateAssetInfo:
		var p UpdateAssetInfoPayload
		return p, json.Unmarshal(raw, &p)
	case TxSponsorship:
		var p SponsorshipPayload
		return p, json.Unmarshal(raw, &p)
	case TxDataEntry:
		var p DataEntryTxPayload
		return p, json.Unmarshal(raw, &p)
	case TxTransfer:
		var p TransferPayload
		return p, json.Unmarshal(raw, &p)
	case TxLease:
		var p LeasePayload
		return p, json.Unmarshal(raw, &p)
	case TxLeaseCancel:
		var p LeaseCancelPayload
		return p, json.Unmarshal(raw, &p)
	default:
		return nil, nil
	}
}

func secToTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
