package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/wavesplatform/asset-search-rs/internal/cache"
	"github.com/wavesplatform/asset-search-rs/internal/events"
	"github.com/wavesplatform/asset-search-rs/internal/model"
	"github.com/wavesplatform/asset-search-rs/internal/repository"
)

// row is one live-or-superseded entry in fakeRepository's in-memory tables,
// mirroring the (superseded_by, natural_key, payload) shape of schema.sql.
type row struct {
	uid          int64
	blockUID     int64
	supersededBy int64
	naturalKey   string
	payload      model.Payload
}

// fakeRepository is an in-memory Repository standing in for Postgres, in
// the mockIngester style the reference blueprint's tests use for its store
// interface.
type fakeRepository struct {
	nextUID int64
	blocks  []model.Block
	tables  map[model.Kind][]row

	// forceConstraintOnce, if set, makes the next AppendVersions call for
	// this kind fail once with a ConstraintError, to exercise the
	// retry-once policy.
	forceConstraintOnce map[model.Kind]bool
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{tables: map[model.Kind][]row{}, forceConstraintOnce: map[model.Kind]bool{}}
}

func (r *fakeRepository) Close() {}

func (r *fakeRepository) CurrentHeight(ctx context.Context) (int32, string, error) {
	if len(r.blocks) == 0 {
		return 0, "", nil
	}
	b := r.blocks[len(r.blocks)-1]
	return b.Height, b.ID, nil
}

func (r *fakeRepository) Begin(ctx context.Context) (repository.Tx, error) {
	snapTables := map[model.Kind][]row{}
	for k, rows := range r.tables {
		snapTables[k] = append([]row(nil), rows...)
	}
	return &fakeTx{
		repo:        r,
		snapBlocks:  append([]model.Block(nil), r.blocks...),
		snapTables:  snapTables,
		snapNextUID: r.nextUID,
	}, nil
}

func (r *fakeRepository) RollbackTo(ctx context.Context, targetHeight int32) error {
	kept := r.blocks[:0]
	removedUIDs := map[int64]bool{}
	for _, b := range r.blocks {
		if b.Height >= targetHeight {
			removedUIDs[b.UID] = true
			continue
		}
		kept = append(kept, b)
	}
	r.blocks = kept

	for kind, rows := range r.tables {
		var survivors []row
		for _, rw := range rows {
			if removedUIDs[rw.blockUID] {
				continue
			}
			survivors = append(survivors, rw)
		}
		// reopen: for any natural key whose live row was removed, the
		// highest remaining uid becomes live again.
		closedKeys := map[string]bool{}
		for _, rw := range survivors {
			if rw.supersededBy == model.MaxUID {
				closedKeys[rw.naturalKey] = true
			}
		}
		for i := range survivors {
			rw := &survivors[i]
			if rw.supersededBy == model.MaxUID {
				continue
			}
			if closedKeys[rw.naturalKey] {
				continue
			}
			// this row was superseded by something now-removed; check no
			// later surviving row claims the key live, then reopen it if
			// it's the highest uid for that key.
			highest := true
			for j, other := range survivors {
				if j == i || other.naturalKey != rw.naturalKey {
					continue
				}
				if other.uid > rw.uid {
					highest = false
				}
			}
			if highest {
				rw.supersededBy = model.MaxUID
				closedKeys[rw.naturalKey] = true
			}
		}
		r.tables[kind] = survivors
	}
	return nil
}

func (r *fakeRepository) PointInTime(ctx context.Context, kind model.Kind, naturalKey string, asOfBlockUID int64) (model.Payload, bool, error) {
	var best *row
	for i, rw := range r.tables[kind] {
		if rw.naturalKey != naturalKey {
			continue
		}
		if rw.uid <= asOfBlockUID && asOfBlockUID < rw.supersededBy {
			if best == nil || rw.uid > best.uid {
				best = &r.tables[kind][i]
			}
		}
	}
	if best == nil {
		return nil, false, nil
	}
	return best.payload, true, nil
}

func (r *fakeRepository) Live(ctx context.Context, kind model.Kind, naturalKey string) (model.Payload, bool, error) {
	return r.PointInTime(ctx, kind, naturalKey, model.MaxUID-1)
}

func (r *fakeRepository) Search(ctx context.Context, p repository.SearchParams) ([]repository.SearchResult, error) {
	return nil, nil
}

func (r *fakeRepository) liveCount(kind model.Kind) int {
	n := 0
	for _, rw := range r.tables[kind] {
		if rw.supersededBy == model.MaxUID {
			n++
		}
	}
	return n
}

// fakeTx snapshots fakeRepository's state at Begin and restores it on
// Rollback, so a mid-batch AppendVersions failure leaves no partial writes
// behind — the property commitBatch's retry-once policy depends on.
type fakeTx struct {
	repo        *fakeRepository
	snapBlocks  []model.Block
	snapTables  map[model.Kind][]row
	snapNextUID int64
}

func (t *fakeTx) Commit(ctx context.Context) error { return nil }

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.repo.blocks = t.snapBlocks
	t.repo.tables = t.snapTables
	t.repo.nextUID = t.snapNextUID
	return nil
}

func (t *fakeTx) InsertBlock(ctx context.Context, b model.Block) (int64, error) {
	if len(t.repo.blocks) > 0 {
		last := t.repo.blocks[len(t.repo.blocks)-1]
		if !b.IsMicroblock && b.Height < last.Height {
			return 0, repository.ErrOrderingViolation
		}
	}
	t.repo.nextUID++
	b.UID = t.repo.nextUID
	t.repo.blocks = append(t.repo.blocks, b)
	return b.UID, nil
}

func (t *fakeTx) AppendVersions(ctx context.Context, kind model.Kind, rows []model.VersionedRow) error {
	if t.repo.forceConstraintOnce[kind] {
		t.repo.forceConstraintOnce[kind] = false
		return &repository.ConstraintError{Kind: kind, Err: io.ErrClosedPipe}
	}
	for _, in := range rows {
		t.repo.nextUID++
		newUID := t.repo.nextUID
		existing := t.repo.tables[kind]
		for i := range existing {
			if existing[i].naturalKey == in.NaturalKey && existing[i].supersededBy == model.MaxUID {
				existing[i].supersededBy = newUID
			}
		}
		existing = append(existing, row{
			uid:          newUID,
			blockUID:     in.BlockUID,
			supersededBy: model.MaxUID,
			naturalKey:   in.NaturalKey,
			payload:      in.Payload,
		})
		t.repo.tables[kind] = existing
	}
	return nil
}

func testCoordinator(repo repository.Repository, c cache.Cache) *Coordinator {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	co := New(repo, c, events.NewClientWithDialer(nil), 256, log)
	co.setState(Live)
	return co
}

func block(height int32, id, parentID string, txs ...events.Transaction) events.Block {
	return events.Block{Height: height, ID: id, ParentID: parentID, TimeStamp: time.Unix(int64(height), 0).UTC(), Transactions: txs}
}

func issueTx(assetID, issuer, name, desc string) events.Transaction {
	return events.Transaction{Type: events.TxIssue, Payload: events.IssuePayload{AssetID: assetID, Issuer: issuer, Name: name, Description: desc}}
}

func renameTx(assetID, name, desc string) events.Transaction {
	return events.Transaction{Type: events.TxUpdateAssetInfo, Payload: events.UpdateAssetInfoPayload{AssetID: assetID, Name: name, Description: desc}}
}

func dataEntryTx(address string, kvs ...events.DataEntryKV) events.Transaction {
	return events.Transaction{Type: events.TxDataEntry, Payload: events.DataEntryTxPayload{Address: address, Entries: kvs}}
}

func TestIssueAndRenameTieBreakLastWins(t *testing.T) {
	repo := newFakeRepository()
	c := cache.NewFakeCache()
	co := testCoordinator(repo, c)
	ctx := context.Background()

	if err := co.handleEvent(ctx, block(1, "b1", "", issueTx("A1", "iss", "Orig", "d1"))); err != nil {
		t.Fatalf("issue: %v", err)
	}

	// two renames land in the same block; the second must be the one left live.
	b2 := block(2, "b2", "b1", renameTx("A1", "First", "d1"), renameTx("A1", "Second", "d1"))
	if err := co.handleEvent(ctx, b2); err != nil {
		t.Fatalf("rename block: %v", err)
	}

	p, ok, err := repo.Live(ctx, model.KindAssetName, "A1")
	if err != nil || !ok {
		t.Fatalf("live asset name: ok=%v err=%v", ok, err)
	}
	if got := p.(model.AssetNamePayload).Name; got != "Second" {
		t.Errorf("live name = %q, want %q", got, "Second")
	}
	if n := repo.liveCount(model.KindAssetName); n != 1 {
		t.Errorf("live asset_name rows = %d, want 1", n)
	}
}

func TestWavesIssueNeverCreatesAssetRow(t *testing.T) {
	repo := newFakeRepository()
	co := testCoordinator(repo, cache.NewFakeCache())
	ctx := context.Background()

	b := block(1, "b1", "", issueTx(events.WAVESAssetID, "genesis", "Waves", ""))
	if err := co.handleEvent(ctx, b); err != nil {
		t.Fatalf("block: %v", err)
	}
	if n := repo.liveCount(model.KindAsset); n != 0 {
		t.Errorf("expected no Asset row for WAVES, got %d", n)
	}
}

func TestDuplicateDataEntryKeyLastWins(t *testing.T) {
	repo := newFakeRepository()
	co := testCoordinator(repo, cache.NewFakeCache())
	ctx := context.Background()

	b := block(1, "b1", "",
		dataEntryTx("oracle1", events.DataEntryKV{Key: "k", ValueStr: "v1", ValueType: int(model.DataEntryString)}),
		dataEntryTx("oracle1", events.DataEntryKV{Key: "k", ValueStr: "v2", ValueType: int(model.DataEntryString)}),
	)
	if err := co.handleEvent(ctx, b); err != nil {
		t.Fatalf("block: %v", err)
	}

	p, ok, err := repo.Live(ctx, model.KindDataEntry, "oracle1\x00k")
	if err != nil || !ok {
		t.Fatalf("live data entry: ok=%v err=%v", ok, err)
	}
	if got := p.(model.DataEntryPayload).ValueStr; got != "v2" {
		t.Errorf("live value = %q, want v2", got)
	}
	if n := repo.liveCount(model.KindDataEntry); n != 1 {
		t.Errorf("live data_entry rows = %d, want 1", n)
	}
}

func TestDataEntryProjectsTickerAndLabel(t *testing.T) {
	repo := newFakeRepository()
	co := testCoordinator(repo, cache.NewFakeCache())
	ctx := context.Background()

	b := block(1, "b1", "",
		dataEntryTx("oracle1",
			events.DataEntryKV{Key: "%s%s__assetId2ticker__A1", ValueStr: "USDN", ValueType: int(model.DataEntryString)},
			events.DataEntryKV{Key: "%s%s__labels__A1", ValueStr: "__DEFI__GATEWAY__", ValueType: int(model.DataEntryString)},
		),
	)
	if err := co.handleEvent(ctx, b); err != nil {
		t.Fatalf("block: %v", err)
	}

	ticker, ok, err := repo.Live(ctx, model.KindAssetTicker, "A1")
	if err != nil || !ok {
		t.Fatalf("live asset ticker: ok=%v err=%v", ok, err)
	}
	if got := ticker.(model.AssetTickerPayload).Ticker; got != "USDN" {
		t.Errorf("ticker = %q, want USDN", got)
	}

	labels, ok, err := repo.Live(ctx, model.KindAssetLabel, "A1")
	if err != nil || !ok {
		t.Fatalf("live asset label: ok=%v err=%v", ok, err)
	}
	want := []string{"DEFI", "GATEWAY"}
	got := labels.(model.AssetLabelPayload).Labels
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("labels = %v, want %v", got, want)
	}
}

func TestMicroblockThenCanonicalReplacement(t *testing.T) {
	repo := newFakeRepository()
	co := testCoordinator(repo, cache.NewFakeCache())
	ctx := context.Background()

	if err := co.handleEvent(ctx, block(1, "b1", "")); err != nil {
		t.Fatalf("block1: %v", err)
	}
	micro := events.Microblock{ReferenceBlockID: "b1", ID: "m1", TimeStamp: time.Now()}
	if err := co.handleEvent(ctx, micro); err != nil {
		t.Fatalf("microblock: %v", err)
	}
	if tip := co.Tip(); tip.BlockID != "m1" {
		t.Fatalf("tip after microblock = %q, want m1", tip.BlockID)
	}

	// A canonical block referencing b1 (not m1) discards the microblock.
	if err := co.handleEvent(ctx, block(1, "b1-replacement", "b1")); err != nil {
		t.Fatalf("replacement block: %v", err)
	}
	if tip := co.Tip(); tip.BlockID != "b1-replacement" {
		t.Errorf("tip after replacement = %q, want b1-replacement", tip.BlockID)
	}
}

func TestExplicitRollbackEventFlushesCache(t *testing.T) {
	repo := newFakeRepository()
	c := cache.NewFakeCache()
	co := testCoordinator(repo, c)
	ctx := context.Background()

	if err := co.handleEvent(ctx, block(1, "b1", "", issueTx("A1", "iss", "Orig", ""))); err != nil {
		t.Fatalf("block1: %v", err)
	}
	if err := co.handleEvent(ctx, block(2, "b2", "b1")); err != nil {
		t.Fatalf("block2: %v", err)
	}

	if err := co.handleEvent(ctx, events.Rollback{ToBlockID: "b1"}); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if tip := co.Tip(); tip.BlockID != "b1" {
		t.Errorf("tip after rollback = %q, want b1", tip.BlockID)
	}
	if c.FlushCallCount != 1 {
		t.Errorf("FlushCallCount = %d, want 1", c.FlushCallCount)
	}
}

func TestRollbackToUnknownBlockIsOrderingViolation(t *testing.T) {
	repo := newFakeRepository()
	co := testCoordinator(repo, cache.NewFakeCache())
	ctx := context.Background()

	err := co.handleEvent(ctx, events.Rollback{ToBlockID: "never-seen"})
	if err == nil {
		t.Fatal("expected an error for an unresolvable rollback target")
	}
	var ov *OrderingViolationError
	if !errors.As(err, &ov) {
		t.Errorf("got %T, want *OrderingViolationError", err)
	}
}

func TestConstraintErrorRetriedOnceThenSucceeds(t *testing.T) {
	repo := newFakeRepository()
	repo.forceConstraintOnce[model.KindAsset] = true
	co := testCoordinator(repo, cache.NewFakeCache())
	ctx := context.Background()

	if err := co.handleEvent(ctx, block(1, "b1", "", issueTx("A1", "iss", "Orig", ""))); err != nil {
		t.Fatalf("expected the single constraint error to be absorbed by the retry, got: %v", err)
	}
	if n := repo.liveCount(model.KindAsset); n != 1 {
		t.Errorf("live asset rows = %d, want 1", n)
	}
}

func TestCacheInvalidationFailureDoesNotFailCommit(t *testing.T) {
	repo := newFakeRepository()
	c := cache.NewFakeCache()
	c.InvalidateErr = io.ErrClosedPipe
	co := testCoordinator(repo, c)
	ctx := context.Background()

	if err := co.handleEvent(ctx, block(1, "b1", "", issueTx("A1", "iss", "Orig", ""))); err != nil {
		t.Fatalf("commit should succeed despite cache failure: %v", err)
	}
	if n := repo.liveCount(model.KindAsset); n != 1 {
		t.Errorf("live asset rows = %d, want 1", n)
	}
}

func TestNarrowestModeBlockchainOnly(t *testing.T) {
	mode := narrowestMode(map[model.Kind]bool{model.KindAsset: true, model.KindIssuerBalance: true})
	if mode != cache.AssetsBlockchainData {
		t.Errorf("mode = %q, want assets_blockchain_data", mode)
	}
}

func TestNarrowestModeWidensOnUserDefinedTouch(t *testing.T) {
	mode := narrowestMode(map[model.Kind]bool{model.KindAsset: true, model.KindAssetWxLabel: true})
	if mode != cache.AssetsUserDefinedData {
		t.Errorf("mode = %q, want assets_user_defined_data", mode)
	}
}
