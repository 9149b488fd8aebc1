package projector

import (
	"testing"

	"github.com/wavesplatform/asset-search-rs/internal/events"
	"github.com/wavesplatform/asset-search-rs/internal/model"
)

type fakeView struct {
	balances map[string]int64
	leasing  map[string]int64
	assets   map[string]model.AssetPayload
}

func newFakeView() *fakeView {
	return &fakeView{
		balances: map[string]int64{},
		leasing:  map[string]int64{},
		assets:   map[string]model.AssetPayload{},
	}
}

func (f *fakeView) IssuerBalance(issuer string) (int64, bool, error) {
	v, ok := f.balances[issuer]
	return v, ok, nil
}

func (f *fakeView) OutLeasing(address string) (int64, bool, error) {
	v, ok := f.leasing[address]
	return v, ok, nil
}

func (f *fakeView) Asset(assetID string) (model.AssetPayload, bool, error) {
	v, ok := f.assets[assetID]
	return v, ok, nil
}

func TestProjectIssue(t *testing.T) {
	view := newFakeView()
	block := events.Block{
		Height: 1,
		ID:     "b1",
		Transactions: []events.Transaction{
			{ID: "t1", Type: events.TxIssue, Payload: events.IssuePayload{
				AssetID: "A", Issuer: "issuer1", Name: "Alpha", Description: "d", Quantity: 1000,
			}},
		},
	}
	updates, err := Project(block, view)
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	var sawAsset, sawName, sawDesc bool
	for _, u := range updates {
		switch p := u.Payload.(type) {
		case model.AssetPayload:
			sawAsset = true
			if p.AssetID != "A" || p.Name != "Alpha" {
				t.Errorf("asset payload = %+v", p)
			}
		case model.AssetNamePayload:
			sawName = true
			if p.Name != "Alpha" {
				t.Errorf("name payload = %+v", p)
			}
		case model.AssetDescriptionPayload:
			sawDesc = true
		}
	}
	if !sawAsset || !sawName || !sawDesc {
		t.Fatalf("missing projected rows: asset=%v name=%v desc=%v", sawAsset, sawName, sawDesc)
	}
}

func TestProjectRenameTieBreakLastWins(t *testing.T) {
	// End-to-end scenario 1 (spec.md §8): two AssetName-affecting events in
	// one block must leave the last payload live; the Projector's job is
	// only to preserve order, so we assert order here.
	view := newFakeView()
	block := events.Block{
		Height: 2,
		Transactions: []events.Transaction{
			{Type: events.TxUpdateAssetInfo, Payload: events.UpdateAssetInfoPayload{AssetID: "A", Name: "First"}},
			{Type: events.TxUpdateAssetInfo, Payload: events.UpdateAssetInfoPayload{AssetID: "A", Name: "Second"}},
		},
	}
	updates, err := Project(block, view)
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	var names []string
	for _, u := range updates {
		if n, ok := u.Payload.(model.AssetNamePayload); ok {
			names = append(names, n.Name)
		}
	}
	if len(names) != 2 || names[0] != "First" || names[1] != "Second" {
		t.Fatalf("names in order = %v, want [First Second]", names)
	}
}

func TestProjectWavesIssueSkipped(t *testing.T) {
	view := newFakeView()
	block := events.Block{
		Transactions: []events.Transaction{
			{Type: events.TxIssue, Payload: events.IssuePayload{AssetID: "WAVES", Name: "Waves"}},
		},
	}
	updates, err := Project(block, view)
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if len(updates) != 0 {
		t.Fatalf("expected no updates for WAVES issuance, got %v", updates)
	}
}

func TestProjectNegativeBalanceIsFatal(t *testing.T) {
	view := newFakeView()
	view.balances["issuer1"] = 10
	block := events.Block{
		Height: 3,
		Transactions: []events.Transaction{
			{Type: events.TxTransfer, Payload: events.TransferPayload{
				Sender: "issuer1", AssetID: events.WAVESAssetID, Amount: 100,
			}},
		},
	}
	_, err := Project(block, view)
	if err == nil {
		t.Fatal("expected projection error")
	}
	perr, ok := err.(*ProjectionError)
	if !ok {
		t.Fatalf("got %T, want *ProjectionError", err)
	}
	if perr.Height != 3 || perr.NaturalKey != "issuer1" {
		t.Errorf("perr = %+v", perr)
	}
}

func TestProjectDuplicateDataEntryKeyLastWins(t *testing.T) {
	// End-to-end scenario 6 (spec.md §8).
	view := newFakeView()
	block := events.Block{
		Transactions: []events.Transaction{
			{Type: events.TxDataEntry, Payload: events.DataEntryTxPayload{
				Address: "addr1",
				Entries: []events.DataEntryKV{{Key: "k", ValueStr: "v1"}},
			}},
			{Type: events.TxDataEntry, Payload: events.DataEntryTxPayload{
				Address: "addr1",
				Entries: []events.DataEntryKV{{Key: "k", ValueStr: "v2"}},
			}},
		},
	}
	updates, err := Project(block, view)
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	var values []string
	for _, u := range updates {
		if d, ok := u.Payload.(model.DataEntryPayload); ok {
			values = append(values, d.ValueStr)
		}
	}
	if len(values) != 2 || values[0] != "v1" || values[1] != "v2" {
		t.Fatalf("values in order = %v, want [v1 v2]", values)
	}
}

func TestProjectDataEntryTickerAndLabels(t *testing.T) {
	// End-to-end scenario 2 (spec.md §8): an oracle data entry projects a
	// ticker and a label row keyed by the asset id embedded in the data
	// entry key, not the oracle's own address.
	view := newFakeView()
	block := events.Block{
		Transactions: []events.Transaction{
			{Type: events.TxDataEntry, Payload: events.DataEntryTxPayload{
				Address: "oracle1",
				Entries: []events.DataEntryKV{
					{Key: "%s%s__assetId2ticker__A1", ValueStr: "USDN"},
					{Key: "%s%s__labels__A1", ValueStr: "__DEFI__GATEWAY__"},
					{Key: "unrelated_key", ValueStr: "ignored"},
				},
			}},
		},
	}
	updates, err := Project(block, view)
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	var sawTicker, sawLabels bool
	for _, u := range updates {
		switch p := u.Payload.(type) {
		case model.AssetTickerPayload:
			sawTicker = true
			if p.AssetID != "A1" || p.Ticker != "USDN" {
				t.Errorf("ticker payload = %+v", p)
			}
		case model.AssetLabelPayload:
			sawLabels = true
			want := []string{"DEFI", "GATEWAY"}
			if p.AssetID != "A1" || len(p.Labels) != len(want) || p.Labels[0] != want[0] || p.Labels[1] != want[1] {
				t.Errorf("label payload = %+v, want labels %v", p, want)
			}
		}
	}
	if !sawTicker || !sawLabels {
		t.Fatalf("missing projected rows: ticker=%v labels=%v", sawTicker, sawLabels)
	}
}

func TestParseAssetLabels(t *testing.T) {
	// Matches original_source's parse_asset_labels test table exactly.
	cases := []struct {
		value string
		want  []string
	}{
		{"", nil},
		{"__", nil},
		{"____", nil},
		{"DEFO", []string{"DEFO"}},
		{"__DEFO", []string{"DEFO"}},
		{"DEFO__", []string{"DEFO"}},
		{"__DEFO__", []string{"DEFO"}},
		{"DEFO__GATEWAY", []string{"DEFO", "GATEWAY"}},
		{"DEFO__GATEWAY__", []string{"DEFO", "GATEWAY"}},
		{"__DEFO__GATEWAY", []string{"DEFO", "GATEWAY"}},
		{"__DEFO__GATEWAY__", []string{"DEFO", "GATEWAY"}},
	}
	for _, c := range cases {
		got := parseAssetLabels(c.value)
		if len(got) != len(c.want) {
			t.Errorf("parseAssetLabels(%q) = %v, want %v", c.value, got, c.want)
			continue
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Errorf("parseAssetLabels(%q) = %v, want %v", c.value, got, c.want)
				break
			}
		}
	}
}

func TestProjectRollbackIsNoOp(t *testing.T) {
	updates, err := Project(events.Rollback{ToBlockID: "b1"}, newFakeView())
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if updates != nil {
		t.Fatalf("expected nil updates, got %v", updates)
	}
}
