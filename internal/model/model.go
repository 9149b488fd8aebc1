// Package model defines the versioned row shapes stored under the
// supersession model and the entity kinds the projector and repository
// exchange.
package model

import "time"

// MaxUID is the sentinel superseded_by value meaning "currently live".
// It is one below the type's true max so callers can reserve values above it
// (mirrors the schema's BIGINT sentinel, never reached by a real uid).
const MaxUID int64 = 9_223_372_036_854_775_806

// Kind identifies a versioned entity table.
type Kind string

const (
	KindAsset              Kind = "asset"
	KindAssetName          Kind = "asset_name"
	KindAssetDescription   Kind = "asset_description"
	KindAssetTicker        Kind = "asset_ticker"
	KindAssetLabel         Kind = "asset_label"
	KindAssetWxLabel       Kind = "asset_wx_label"
	KindDataEntry          Kind = "data_entry"
	KindIssuerBalance      Kind = "issuer_balance"
	KindOutLeasing         Kind = "out_leasing"
)

// Block is a canonical block or microblock anchor for versioned rows.
type Block struct {
	UID          int64
	Height       int32
	ID           string
	ParentID     string
	TimeStamp    time.Time
	IsMicroblock bool
}

// VersionedRow is the shape every supersession-model table shares. Payload
// carries the entity-specific attributes as a typed value (see the Payload
// implementations below); NaturalKey is the entity-specific identity the
// (superseded_by, natural_key) unique index is built on.
type VersionedRow struct {
	UID          int64
	BlockUID     int64
	SupersededBy int64
	NaturalKey   string
	Payload      Payload
}

// Live reports whether the row is the current version for its natural key.
func (r VersionedRow) Live() bool {
	return r.SupersededBy == MaxUID
}

// Payload is implemented by each entity's attribute struct so Repository and
// Projector can move rows around without a table-specific code path at the
// call site.
type Payload interface {
	isPayload()
}

// AssetPayload is the Asset entity's payload: name, description, ticker,
// issuer and the sponsorship/supply facts carried in the issue/sponsor
// transactions.
type AssetPayload struct {
	AssetID         string
	Name            string
	Description     string
	Ticker          string
	Issuer          string
	Precision       int32
	Smart           bool
	NFT             bool
	MinSponsoredFee int64
	Quantity        int64
}

func (AssetPayload) isPayload() {}

// AssetNamePayload versions the asset name independent of the rest of Asset
// so a rename adds one asset_names row without rewriting the Asset row
// (end-to-end scenario 1 in spec.md §8).
type AssetNamePayload struct {
	AssetID string
	Name    string
}

func (AssetNamePayload) isPayload() {}

// AssetDescriptionPayload versions the asset description.
type AssetDescriptionPayload struct {
	AssetID     string
	Description string
}

func (AssetDescriptionPayload) isPayload() {}

// AssetTickerPayload versions the human ticker symbol attached to an asset.
type AssetTickerPayload struct {
	AssetID string
	Ticker  string
}

func (AssetTickerPayload) isPayload() {}

// AssetLabelPayload versions the chain-derived label set (data-entry driven).
type AssetLabelPayload struct {
	AssetID string
	Labels  []string
}

func (AssetLabelPayload) isPayload() {}

// AssetWxLabelPayload versions the WX-curated single label, kept in its own
// table per spec.md §9 and original_source's split between oracle labels and
// data-entry-derived labels.
type AssetWxLabelPayload struct {
	AssetID string
	Label   string
}

func (AssetWxLabelPayload) isPayload() {}

// DataEntryValueType discriminates which of the four value fields is set.
type DataEntryValueType int

const (
	DataEntryInt DataEntryValueType = iota
	DataEntryBool
	DataEntryBinary
	DataEntryString
)

// DataEntryPayload versions one oracle data entry keyed by (address, key).
type DataEntryPayload struct {
	Address   string
	Key       string
	ValueType DataEntryValueType
	ValueInt  int64
	ValueBool bool
	ValueBin  []byte
	ValueStr  string
}

func (DataEntryPayload) isPayload() {}

// IssuerBalancePayload versions an issuer's cumulative balance of the
// chain's native asset, derived from transaction effects (spec.md §4.2).
type IssuerBalancePayload struct {
	Issuer  string
	Balance int64
}

func (IssuerBalancePayload) isPayload() {}

// OutLeasingPayload versions an address's cumulative outgoing leasing
// amount, derived the same way as IssuerBalance.
type OutLeasingPayload struct {
	Address string
	Amount  int64
}

func (OutLeasingPayload) isPayload() {}

// PredefinedVerification is an operator-curated, non-versioned reference
// row joined into search results for the verification-state dimension.
// It is seeded by the migration runner and read-only to this module.
type PredefinedVerification struct {
	AssetID string
	Ticker  string
	Status  string
}

// NaturalKeyOf returns the natural key string for a payload, used as the
// repository's conflict key within AppendVersions.
func NaturalKeyOf(p Payload) string {
	switch v := p.(type) {
	case AssetPayload:
		return v.AssetID
	case AssetNamePayload:
		return v.AssetID
	case AssetDescriptionPayload:
		return v.AssetID
	case AssetTickerPayload:
		return v.AssetID
	case AssetLabelPayload:
		return v.AssetID
	case AssetWxLabelPayload:
		return v.AssetID
	case DataEntryPayload:
		return v.Address + "\x00" + v.Key
	case IssuerBalancePayload:
		return v.Issuer
	case OutLeasingPayload:
		return v.Address
	default:
		return ""
	}
}
