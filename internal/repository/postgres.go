package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wavesplatform/asset-search-rs/internal/model"
)

// reopenFunctions lists every reopen_<table>() SQL function the schema
// exposes. RollbackTo calls all of them unconditionally, per spec.md §9's
// resolved open question ("always call every reopen_* function present in
// the schema").
var reopenFunctions = []string{
	"reopen_assets",
	"reopen_asset_names",
	"reopen_asset_descriptions",
	"reopen_asset_tickers",
	"reopen_asset_labels",
	"reopen_asset_wx_labels",
	"reopen_data_entries",
	"reopen_issuer_balances",
	"reopen_out_leasings",
}

var tableForKind = map[model.Kind]string{
	model.KindAsset:            "assets",
	model.KindAssetName:        "asset_names",
	model.KindAssetDescription: "asset_descriptions",
	model.KindAssetTicker:      "asset_tickers",
	model.KindAssetLabel:       "asset_labels",
	model.KindAssetWxLabel:     "asset_wx_labels",
	model.KindDataEntry:        "data_entries",
	model.KindIssuerBalance:    "issuer_balances",
	model.KindOutLeasing:       "out_leasings",
}

// sequenceForKind names each table's BIGSERIAL uid sequence, so
// AppendVersions can pre-allocate a new row's uid before touching either
// the old or new row, matching Postgres's default "tablename_colname_seq"
// naming for a BIGSERIAL column.
var sequenceForKind = map[model.Kind]string{
	model.KindAsset:            "assets_uid_seq",
	model.KindAssetName:        "asset_names_uid_seq",
	model.KindAssetDescription: "asset_descriptions_uid_seq",
	model.KindAssetTicker:      "asset_tickers_uid_seq",
	model.KindAssetLabel:       "asset_labels_uid_seq",
	model.KindAssetWxLabel:     "asset_wx_labels_uid_seq",
	model.KindDataEntry:        "data_entries_uid_seq",
	model.KindIssuerBalance:    "issuer_balances_uid_seq",
	model.KindOutLeasing:       "out_leasings_uid_seq",
}

// PostgresRepository implements Repository against a pgxpool.Pool, in the
// same pgx/v5 style ingester_postgres.go uses for its single table, scaled
// up to the full supersession schema of SPEC_FULL.md §4.3.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository connects and pings the database. It does not create
// or migrate the schema: the tables and functions of schema.sql must already
// exist.
func NewPostgresRepository(ctx context.Context, connStr string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &PostgresRepository{pool: pool}, nil
}

// NewPostgresRepositoryFromPool wraps an already-constructed pool; used by
// tests that build their own pool and apply schema.sql to it.
func NewPostgresRepositoryFromPool(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) Close() { r.pool.Close() }

func (r *PostgresRepository) CurrentHeight(ctx context.Context) (int32, string, error) {
	var height int32
	var id string
	err := r.pool.QueryRow(ctx, `
		SELECT height, id FROM blocks
		ORDER BY height DESC, uid DESC
		LIMIT 1
	`).Scan(&height, &id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("current height: %w", err)
	}
	return height, id, nil
}

func (r *PostgresRepository) Begin(ctx context.Context) (Tx, error) {
	pgxTx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &postgresTx{tx: pgxTx}, nil
}

// RollbackTo deletes every block at or past targetHeight and reopens every
// versioned table, per spec.md §4.3 and §9.
func (r *PostgresRepository) RollbackTo(ctx context.Context, targetHeight int32) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("rollback_to begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op once committed

	if _, err := tx.Exec(ctx, `DELETE FROM blocks WHERE height >= $1`, targetHeight); err != nil {
		return fmt.Errorf("rollback_to delete blocks: %w", err)
	}
	for _, fn := range reopenFunctions {
		if _, err := tx.Exec(ctx, fmt.Sprintf(`SELECT %s()`, fn)); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrReopenInconsistency, fn, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("rollback_to commit: %w", err)
	}
	return nil
}

func (r *PostgresRepository) PointInTime(ctx context.Context, kind model.Kind, naturalKey string, asOfBlockUID int64) (model.Payload, bool, error) {
	table, ok := tableForKind[kind]
	if !ok {
		return nil, false, fmt.Errorf("point_in_time: unknown kind %s", kind)
	}
	var raw []byte
	err := r.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT payload FROM %s
		WHERE natural_key = $1 AND uid <= $2 AND superseded_by > $2
		ORDER BY uid DESC
		LIMIT 1
	`, table), naturalKey, asOfBlockUID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("point_in_time: %w", err)
	}
	p, err := decodePayload(kind, raw)
	if err != nil {
		return nil, false, err
	}
	return p, true, nil
}

func (r *PostgresRepository) Live(ctx context.Context, kind model.Kind, naturalKey string) (model.Payload, bool, error) {
	return r.PointInTime(ctx, kind, naturalKey, model.MaxUID-1)
}

// Search joins the live rows across assets/asset_names/asset_tickers/
// asset_wx_labels/predefined_verifications, grounded in SPEC_FULL.md §4.6.
// Payloads are JSONB so the WHERE clause reaches into them with ->>
// rather than via dedicated columns, matching the supersession schema's
// generic "payload jsonb" shape in schema.sql.
func (r *PostgresRepository) Search(ctx context.Context, p SearchParams) ([]SearchResult, error) {
	limit := p.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `
		SELECT
			a.natural_key,
			COALESCE(n.payload->>'Name', ''),
			COALESCE(t.payload->>'Ticker', ''),
			COALESCE(a.payload->>'Issuer', ''),
			(v.status = 'verified') AS verified
		FROM assets a
		LEFT JOIN asset_names n ON n.natural_key = a.natural_key AND n.superseded_by = $1
		LEFT JOIN asset_tickers t ON t.natural_key = a.natural_key AND t.superseded_by = $1
		LEFT JOIN asset_wx_labels w ON w.natural_key = a.natural_key AND w.superseded_by = $1
		LEFT JOIN predefined_verifications v ON v.asset_id = a.natural_key
		WHERE a.superseded_by = $1
		  AND ($2 = '' OR n.payload->>'Name' ILIKE '%' || $2 || '%'
		              OR t.payload->>'Ticker' ILIKE '%' || $2 || '%'
		              OR a.payload->>'Issuer' ILIKE '%' || $2 || '%')
		  AND ($3 = '' OR t.payload->>'Ticker' = $3)
		  AND ($4 = '' OR w.payload->>'Label' = $4)
		  AND ($5 = '' OR a.payload->>'Issuer' = $5)
		  AND ($6::boolean IS NULL OR (v.status = 'verified') = $6)
		  AND ($7 = '' OR a.natural_key > $7)
		ORDER BY a.natural_key
		LIMIT $8
	`
	rows, err := r.pool.Query(ctx, query,
		model.MaxUID, p.Query, p.Ticker, p.Label, p.Issuer, p.Verified, p.After, limit)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var sr SearchResult
		if err := rows.Scan(&sr.AssetID, &sr.Name, &sr.Ticker, &sr.Issuer, &sr.Verified); err != nil {
			return nil, fmt.Errorf("search: scan: %w", err)
		}
		out = append(out, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	return out, nil
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *postgresTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

func (t *postgresTx) InsertBlock(ctx context.Context, b model.Block) (int64, error) {
	var uid int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO blocks (height, id, parent_id, time_stamp, is_microblock)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING uid
	`, b.Height, b.ID, b.ParentID, b.TimeStamp, b.IsMicroblock).Scan(&uid)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23514" { // check_violation on height ordering
			return 0, ErrOrderingViolation
		}
		return 0, fmt.Errorf("insert_block: %w", err)
	}
	return uid, nil
}

// AppendVersions closes the prior live row (if any) for each row's natural
// key before inserting the new row live, matching spec.md §4.3. The new
// row's uid is allocated up front from its table's sequence so the close
// step can target it directly: every table carries a real, non-deferrable
// UNIQUE (superseded_by, natural_key) index (schema.sql), so closing first
// is required, not stylistic — inserting the new live row before the old
// one is closed would collide with it on (MAX, natural_key).
func (t *postgresTx) AppendVersions(ctx context.Context, kind model.Kind, rows []model.VersionedRow) error {
	table, ok := tableForKind[kind]
	if !ok {
		return fmt.Errorf("append_versions: unknown kind %s", kind)
	}
	seq, ok := sequenceForKind[kind]
	if !ok {
		return fmt.Errorf("append_versions: unknown kind %s", kind)
	}
	for _, row := range rows {
		payload, err := json.Marshal(row.Payload)
		if err != nil {
			return fmt.Errorf("append_versions: encode payload: %w", err)
		}

		var newUID int64
		if err := t.tx.QueryRow(ctx, fmt.Sprintf(`SELECT nextval('%s')`, seq)).Scan(&newUID); err != nil {
			return fmt.Errorf("append_versions: allocate uid: %w", err)
		}

		if _, err := t.tx.Exec(ctx, fmt.Sprintf(`
			UPDATE %s SET superseded_by = $1
			WHERE superseded_by = $2 AND natural_key = $3
		`, table), newUID, model.MaxUID, row.NaturalKey); err != nil {
			return fmt.Errorf("append_versions supersede: %w", err)
		}

		if _, err := t.tx.Exec(ctx, fmt.Sprintf(`
			INSERT INTO %s (uid, block_uid, superseded_by, natural_key, payload)
			VALUES ($1, $2, $3, $4, $5)
		`, table), newUID, row.BlockUID, model.MaxUID, row.NaturalKey, payload); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
				return &ConstraintError{Kind: kind, Err: err}
			}
			return fmt.Errorf("append_versions insert: %w", err)
		}
	}
	return nil
}

func decodePayload(kind model.Kind, raw []byte) (model.Payload, error) {
	var err error
	switch kind {
	case model.KindAsset:
		var p model.AssetPayload
		err = json.Unmarshal(raw, &p)
		return p, err
	case model.KindAssetName:
		var p model.AssetNamePayload
		err = json.Unmarshal(raw, &p)
		return p, err
	case model.KindAssetDescription:
		var p model.AssetDescriptionPayload
		err = json.Unmarshal(raw, &p)
		return p, err
	case model.KindAssetTicker:
		var p model.AssetTickerPayload
		err = json.Unmarshal(raw, &p)
		return p, err
	case model.KindAssetLabel:
		var p model.AssetLabelPayload
		err = json.Unmarshal(raw, &p)
		return p, err
	case model.KindAssetWxLabel:
		var p model.AssetWxLabelPayload
		err = json.Unmarshal(raw, &p)
		return p, err
	case model.KindDataEntry:
		var p model.DataEntryPayload
		err = json.Unmarshal(raw, &p)
		return p, err
	case model.KindIssuerBalance:
		var p model.IssuerBalancePayload
		err = json.Unmarshal(raw, &p)
		return p, err
	case model.KindOutLeasing:
		var p model.OutLeasingPayload
		err = json.Unmarshal(raw, &p)
		return p, err
	default:
		return nil, fmt.Errorf("decode_payload: unknown kind %s", kind)
	}
}
