// Package search implements the Search Service: the read path serving
// cmd/api, combining Cache lookups with a Repository fallthrough and
// best-effort cache repopulation, per SPEC_FULL.md §4.6.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/wavesplatform/asset-search-rs/internal/cache"
	"github.com/wavesplatform/asset-search-rs/internal/model"
	"github.com/wavesplatform/asset-search-rs/internal/repository"
)

// assetTTL is how long a cached asset view is kept before it's allowed to
// go stale; the Coordinator's Invalidate calls are what actually keep it
// fresh, this is just a backstop against permanently wedged entries.
const assetTTL = 10 * time.Minute

// AssetView is the denormalized read model the Search Service returns: one
// row per asset, joining the entity's independently versioned attributes.
type AssetView struct {
	AssetID     string   `json:"assetId"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Ticker      string   `json:"ticker"`
	Issuer      string   `json:"issuer"`
	Precision   int32    `json:"precision"`
	NFT         bool     `json:"nft"`
	Quantity    int64    `json:"quantity"`
	Labels      []string `json:"labels,omitempty"`
	WxLabel     string   `json:"wxLabel,omitempty"`
	Verified    bool     `json:"verified"`
}

// Query mirrors repository.SearchParams one-to-one; kept as a distinct
// type so cmd/api's query-string parsing doesn't reach into the
// repository package directly.
type Query struct {
	Text     string
	Ticker   string
	Label    string
	Issuer   string
	Verified *bool
	After    string
	Limit    int
}

// Service is the Search Service: Cache.Get first, Repository fallthrough,
// best-effort Cache.Set repopulation, matching SPEC_FULL.md §4.6.
type Service struct {
	repo  repository.Repository
	cache cache.Cache
	log   *slog.Logger
}

func New(repo repository.Repository, c cache.Cache, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, cache: c, log: log}
}

// GetAsset returns the combined asset view for assetID, reading through
// the cache first.
func (s *Service) GetAsset(ctx context.Context, assetID string) (AssetView, bool, error) {
	key := cache.AssetKey(assetID)
	if raw, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		var v AssetView
		if err := json.Unmarshal(raw, &v); err == nil {
			return v, true, nil
		}
	}

	view, ok, err := s.loadAsset(ctx, assetID)
	if err != nil || !ok {
		return AssetView{}, ok, err
	}

	if raw, err := json.Marshal(view); err == nil {
		if err := s.cache.Set(ctx, key, raw, assetTTL); err != nil {
			s.log.Warn("cache repopulation failed after store read", "asset_id", assetID, "err", err)
		}
	}
	return view, true, nil
}

func (s *Service) loadAsset(ctx context.Context, assetID string) (AssetView, bool, error) {
	assetPayload, ok, err := s.repo.Live(ctx, model.KindAsset, assetID)
	if err != nil || !ok {
		return AssetView{}, ok, err
	}
	asset := assetPayload.(model.AssetPayload)

	view := AssetView{
		AssetID:   assetID,
		Name:      asset.Name,
		Issuer:    asset.Issuer,
		Precision: asset.Precision,
		NFT:       asset.NFT,
		Quantity:  asset.Quantity,
	}

	if p, ok, err := s.repo.Live(ctx, model.KindAssetName, assetID); err == nil && ok {
		view.Name = p.(model.AssetNamePayload).Name
	}
	if p, ok, err := s.repo.Live(ctx, model.KindAssetDescription, assetID); err == nil && ok {
		view.Description = p.(model.AssetDescriptionPayload).Description
	}
	if p, ok, err := s.repo.Live(ctx, model.KindAssetTicker, assetID); err == nil && ok {
		view.Ticker = p.(model.AssetTickerPayload).Ticker
	}
	if p, ok, err := s.repo.Live(ctx, model.KindAssetLabel, assetID); err == nil && ok {
		view.Labels = p.(model.AssetLabelPayload).Labels
	}
	if p, ok, err := s.repo.Live(ctx, model.KindAssetWxLabel, assetID); err == nil && ok {
		view.WxLabel = p.(model.AssetWxLabelPayload).Label
		view.Verified = true
	}
	return view, true, nil
}

// Search runs a query against the Repository directly: result lists are
// not cached individually (their key space is unbounded), but each
// constituent asset is repopulated into the cache as it's assembled, so a
// subsequent GetAsset for the same id is a cache hit.
func (s *Service) Search(ctx context.Context, q Query) ([]AssetView, error) {
	results, err := s.repo.Search(ctx, repository.SearchParams{
		Query:    q.Text,
		Ticker:   q.Ticker,
		Label:    q.Label,
		Issuer:   q.Issuer,
		Verified: q.Verified,
		After:    q.After,
		Limit:    q.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	views := make([]AssetView, 0, len(results))
	for _, r := range results {
		view := AssetView{AssetID: r.AssetID, Name: r.Name, Ticker: r.Ticker, Issuer: r.Issuer, Verified: r.Verified}
		views = append(views, view)
		if raw, err := json.Marshal(view); err == nil {
			_ = s.cache.Set(ctx, cache.AssetKey(r.AssetID), raw, assetTTL)
		}
	}
	return views, nil
}
