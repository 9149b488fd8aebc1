// Package events implements the Event Source Client: a subscription to an
// upstream ledger node that decodes a framed stream into a typed sequence of
// BlockchainEvent values.
package events

import "time"

// BlockchainEvent is the sum type the upstream subscription emits, matching
// the SubscribeEvent variants named in spec.md §6.
type BlockchainEvent interface {
	isBlockchainEvent()
}

// Transaction is a minimal transaction view: enough for the Projector to
// compute balance/leasing deltas and data-entry/asset updates without
// depending on a full transaction-type hierarchy this pack doesn't carry.
type Transaction struct {
	ID      string
	Type    TxType
	Height  int32
	Payload TxPayload
}

// TxType discriminates the handful of transaction kinds the Projector cares
// about; anything else is carried through as TxOther and ignored.
type TxType int

const (
	TxOther TxType = iota
	TxIssue
	TxUpdateAssetInfo
	TxSponsorship
	TxDataEntry
	TxTransfer
	TxLease
	TxLeaseCancel
)

// TxPayload is implemented by the per-type payload structs below.
type TxPayload interface {
	isTxPayload()
}

type IssuePayload struct {
	AssetID     string
	Issuer      string
	Name        string
	Description string
	Precision   int32
	Quantity    int64
	Reissuable  bool
	NFT         bool
}

func (IssuePayload) isTxPayload() {}

type UpdateAssetInfoPayload struct {
	AssetID     string
	Name        string
	Description string
}

func (UpdateAssetInfoPayload) isTxPayload() {}

type SponsorshipPayload struct {
	AssetID         string
	MinSponsoredFee int64
}

func (SponsorshipPayload) isTxPayload() {}

type DataEntryTxPayload struct {
	Address string
	Entries []DataEntryKV
}

func (DataEntryTxPayload) isTxPayload() {}

// DataEntryKV is one key/value pair within a DataTransaction.
type DataEntryKV struct {
	Key       string
	ValueType int // mirrors model.DataEntryValueType without importing model here
	ValueInt  int64
	ValueBool bool
	ValueBin  []byte
	ValueStr  string
}

type TransferPayload struct {
	Sender    string
	Recipient string
	AssetID   string // "WAVES" for the native asset
	Amount    int64
}

func (TransferPayload) isTxPayload() {}

type LeasePayload struct {
	Sender    string
	Recipient string
	Amount    int64
}

func (LeasePayload) isTxPayload() {}

type LeaseCancelPayload struct {
	Sender   string
	LeaseTx  string
}

func (LeaseCancelPayload) isTxPayload() {}

// Block is a canonical block append.
type Block struct {
	Height       int32
	ID           string
	ParentID     string
	TimeStamp    time.Time
	Transactions []Transaction
}

func (Block) isBlockchainEvent() {}

// Microblock extends a canonical block speculatively; it is stored and
// rolled back using the same machinery as a Block, distinguished only by
// IsMicroblock at the repository layer.
type Microblock struct {
	ReferenceBlockID string
	ID               string
	TimeStamp        time.Time
	Transactions     []Transaction
}

func (Microblock) isBlockchainEvent() {}

// Rollback instructs the Coordinator to roll the store back to the block
// identified by ToBlockID.
type Rollback struct {
	ToBlockID string
}

func (Rollback) isBlockchainEvent() {}

// UpdatesBatch carries a pre-merged form with state diffs, used by some
// upstream node implementations in place of raw transactions. The wire
// decoder fills only Kind and NaturalKey of each update; the Projector
// validates the kinds and produces no updates from it, and the Coordinator
// logs and drops it.
type UpdatesBatch struct {
	Height  int32
	BlockID string
	Updates []StateUpdate
}

func (UpdatesBatch) isBlockchainEvent() {}

// StateUpdate is one resolved delta inside an UpdatesBatch.
type StateUpdate struct {
	Kind       string
	NaturalKey string
	Payload    TxPayload
}

// WAVESAssetID is the sentinel id for the chain's native asset, which never
// has an issue transaction and is therefore never projected as an Asset row
// (see SPEC_FULL.md §3, grounded in original_source's waves::WAVES_ID /
// is_waves_asset_id).
const WAVESAssetID = "WAVES"

// IsWavesAssetID reports whether id refers to the chain's native asset.
func IsWavesAssetID(id string) bool {
	return id == "" || id == WAVESAssetID
}
