package coordinator

import (
	"github.com/wavesplatform/asset-search-rs/internal/cache"
	"github.com/wavesplatform/asset-search-rs/internal/model"
)

// narrowestMode determines the least-scoped invalidation mode covering a
// committed batch's mutated kinds, per step 3 of the commit protocol in
// spec.md §4.5.
//
// Per spec.md §9's open question, AssetLabel and AssetWxLabel updates both
// map to the conservative assets_user_defined_data mode (not the narrower
// asset_labels mode) because both a chain-derived label and a WX-curated
// label can appear in the same full-text search result as name/ticker, and
// narrowing without explicit operator guidance risks stale search hits.
// asset_labels exists in the enum purely for the administrative surface
// (spec.md §6), which an operator invokes when they know the blast radius
// is label-only.
func narrowestMode(kinds map[model.Kind]bool) cache.InvalidateMode {
	blockchainOnly := true
	sawAny := false
	for kind, touched := range kinds {
		if !touched {
			continue
		}
		sawAny = true
		if kind != model.KindAsset && kind != model.KindIssuerBalance && kind != model.KindOutLeasing {
			blockchainOnly = false
		}
	}
	if !sawAny {
		return ""
	}
	if blockchainOnly {
		return cache.AssetsBlockchainData
	}
	return cache.AssetsUserDefinedData
}
