// Package repository implements the supersession-model store: Block,
// Microblock and versioned entity rows, with append, rollback and
// point-in-time query operations, per SPEC_FULL.md §4.3.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/wavesplatform/asset-search-rs/internal/model"
)

// ErrOrderingViolation is returned by InsertBlock when height breaks the
// "height >= last committed canonical height" invariant of spec.md §3.
var ErrOrderingViolation = errors.New("repository: block height ordering violation")

// ErrReopenInconsistency is returned by RollbackTo when a reopen_<table>()
// call fails, and is treated as fatal (spec.md §4.3, §7). The reopen
// functions reset every row whose superseded_by names a missing uid; they do
// not check the supersession chains for any other inconsistency.
var ErrReopenInconsistency = errors.New("repository: reopen found an inconsistent supersession chain")

// ConstraintError wraps a unique-constraint violation from AppendVersions,
// e.g. two live rows racing for the same natural key.
type ConstraintError struct {
	Kind model.Kind
	Err  error
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("repository: constraint violation on %s: %v", e.Kind, e.Err)
}
func (e *ConstraintError) Unwrap() error { return e.Err }

// Tx is one open ingest-batch transaction, per spec.md §4.3's
// begin/commit/rollback contract.
type Tx interface {
	// InsertBlock appends a Block (or microblock, via IsMicroblock) row and
	// returns its uid. Rejects with ErrOrderingViolation if height breaks
	// ordering for a canonical block.
	InsertBlock(ctx context.Context, b model.Block) (int64, error)

	// AppendVersions applies rows in the given order: each gets a fresh
	// uid and superseded_by = MAX, and the prior live row (if any) sharing
	// its natural key is atomically closed to superseded_by = new.uid.
	AppendVersions(ctx context.Context, kind model.Kind, rows []model.VersionedRow) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// SearchParams is the Search Service's query shape, mirroring the
// `q`/`ticker`/`label`/`issuer`/`verified`/`after`/`limit` parameters of
// SPEC_FULL.md §4.6, itself grounded in original_source's
// SearchRequest::with_limit/with_after cursor shape.
type SearchParams struct {
	Query    string
	Ticker   string
	Label    string
	Issuer   string
	Verified *bool
	After    string // exclusive natural-key cursor
	Limit    int
}

// SearchResult is one row of a search response: enough to render a result
// list without a second round-trip per asset.
type SearchResult struct {
	AssetID  string
	Name     string
	Ticker   string
	Issuer   string
	Verified bool
}

// Repository is the full public contract of SPEC_FULL.md §4.3.
type Repository interface {
	Begin(ctx context.Context) (Tx, error)

	// CurrentHeight returns the tip of the canonical chain.
	CurrentHeight(ctx context.Context) (height int32, blockID string, err error)

	// RollbackTo deletes every Block with height >= targetHeight (cascading
	// to all versioned rows anchored to those blocks) and reopens every
	// versioned table so its live set matches what it was just before
	// targetHeight.
	RollbackTo(ctx context.Context, targetHeight int32) error

	// PointInTime returns the unique row live at asOfBlockUID for
	// naturalKey, i.e. the row r with r.uid <= asOfBlockUID < r.superseded_by.
	PointInTime(ctx context.Context, kind model.Kind, naturalKey string, asOfBlockUID int64) (model.Payload, bool, error)

	// Live returns the current live payload for naturalKey, used by the
	// Projector's StateView and the Search Service's fallthrough path.
	Live(ctx context.Context, kind model.Kind, naturalKey string) (model.Payload, bool, error)

	// Search runs the Search Service's cursor-paginated query over live
	// assets, per SPEC_FULL.md §4.6.
	Search(ctx context.Context, p SearchParams) ([]SearchResult, error)

	Close()
}
