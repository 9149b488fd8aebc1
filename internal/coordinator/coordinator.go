// Package coordinator implements the Consumer Coordinator: the ingestion
// state machine that groups events into transactional batches, coordinates
// commit + cache invalidation, and handles fork detection and rollback, per
// SPEC_FULL.md §4.5.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wavesplatform/asset-search-rs/internal/cache"
	"github.com/wavesplatform/asset-search-rs/internal/events"
	"github.com/wavesplatform/asset-search-rs/internal/model"
	"github.com/wavesplatform/asset-search-rs/internal/projector"
	"github.com/wavesplatform/asset-search-rs/internal/repository"
)

const defaultBatchSize = 256

// Metrics, named and shaped after the reference ingestion blueprint's
// ingestTotal/ingestDuration vectors in main.go, relabeled for batches
// instead of single records.
var (
	batchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "consumer_batch_total", Help: "Committed ingest batches"},
		[]string{"status"},
	)
	batchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "consumer_batch_duration_seconds", Help: "Batch commit latency", Buckets: prometheus.DefBuckets},
		[]string{"status"},
	)
	stateGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "consumer_state", Help: "Current coordinator state (ordinal)"},
	)
)

func init() {
	prometheus.MustRegister(batchTotal, batchDuration, stateGauge)
}

// Tip is the highest committed block's identity, read by cmd/consumer's
// /healthz handler under a memory-ordered acquire (spec.md §5).
type Tip struct {
	Height   int32
	BlockID  string
	BlockUID int64
}

// Coordinator drives the ingestion state machine. It is the sole writer:
// one goroutine owns Run end to end, matching the single-writer discipline
// of spec.md §5 structurally rather than advisorily — nothing else in this
// package ever calls Repository's mutating methods.
type Coordinator struct {
	repo      repository.Repository
	cache     cache.Cache
	source    *events.Client
	batchSize int
	log       *slog.Logger

	tip   atomic.Pointer[Tip]
	state atomic.Int32

	// syncing accumulates canonical blocks until batchSize is reached, per
	// spec.md §4.5's batching rule.
	syncing []pendingBlock

	// recent remembers the last recentWindow committed block ids and their
	// heights, so an explicit Rollback event (which names a block id, not a
	// height) can resolve the height to roll back to. Only the unconfirmed
	// tail is ever rolled back in practice, so a bounded window suffices.
	recent []Tip
}

const recentWindow = 2048

func (c *Coordinator) recordRecent(t Tip) {
	c.recent = append(c.recent, t)
	if len(c.recent) > recentWindow {
		c.recent = c.recent[len(c.recent)-recentWindow:]
	}
}

func (c *Coordinator) heightForBlockID(id string) (int32, bool) {
	for i := len(c.recent) - 1; i >= 0; i-- {
		if c.recent[i].BlockID == id {
			return c.recent[i].Height, true
		}
	}
	return 0, false
}

type pendingBlock struct {
	block   model.Block
	updates []projector.Update
}

// New builds a Coordinator. batchSize <= 0 uses the spec default of 256.
func New(repo repository.Repository, c cache.Cache, source *events.Client, batchSize int, log *slog.Logger) *Coordinator {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if log == nil {
		log = slog.Default()
	}
	co := &Coordinator{repo: repo, cache: c, source: source, batchSize: batchSize, log: log}
	co.state.Store(int32(Disconnected))
	return co
}

// Tip returns the coordinator's current tip for health checks.
func (c *Coordinator) Tip() Tip {
	if t := c.tip.Load(); t != nil {
		return *t
	}
	return Tip{}
}

// State returns the coordinator's current state machine position.
func (c *Coordinator) State() State { return State(c.state.Load()) }

func (c *Coordinator) setState(s State) {
	c.state.Store(int32(s))
	stateGauge.Set(float64(s))
}

// Run drives the state machine until ctx is cancelled or a fatal error
// halts it. A cancelled ctx completes any in-flight batch before returning
// (spec.md §5's cancellation contract): partial batches are never
// externalised.
func (c *Coordinator) Run(ctx context.Context) error {
	height, blockID, err := c.repo.CurrentHeight(ctx)
	if err != nil {
		return fmt.Errorf("coordinator: read current height: %w", err)
	}
	c.tip.Store(&Tip{Height: height, BlockID: blockID})

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return c.flushSyncing(ctx)
		}

		c.setState(Syncing)
		evs, errc := c.source.Subscribe(ctx, c.tip.Load().Height+1)

		err := c.drive(ctx, evs, errc)
		if err == nil {
			return c.flushSyncing(ctx)
		}

		var transient *TransientError
		if !errors.As(err, &transient) {
			c.setState(Halted)
			c.log.Error("coordinator halted", "err", err)
			return err
		}

		c.setState(Disconnected)
		c.log.Warn("transient error, reconnecting", "err", err, "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return c.flushSyncing(ctx)
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// drive consumes events until the subscription ends, an error arrives, or
// ctx is cancelled. A nil return means ctx was cancelled cleanly; a stream
// that ends or fails otherwise commits any pending Syncing blocks and is
// reported as a TransientError so Run reconnects.
func (c *Coordinator) drive(ctx context.Context, evs <-chan events.BlockchainEvent, errc <-chan error) error {
	streamErr := func(err error) error {
		if ferr := c.flushSyncing(ctx); ferr != nil {
			return ferr
		}
		return &TransientError{Err: err}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errc:
			if ok && err != nil {
				return streamErr(err)
			}
		case ev, ok := <-evs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				if err, ok := <-errc; ok && err != nil {
					return streamErr(err)
				}
				return streamErr(errors.New("event stream closed"))
			}
			if err := c.handleEvent(ctx, ev); err != nil {
				return err
			}
		}
	}
}

// handleEvent routes one event to fork detection, rollback, or batching,
// per spec.md §4.5.
func (c *Coordinator) handleEvent(ctx context.Context, ev events.BlockchainEvent) error {
	switch e := ev.(type) {
	case events.Block:
		tip := c.Tip()
		if n := len(c.syncing); n > 0 {
			// Pending Syncing blocks are not committed yet; the chain being
			// extended ends at the last one accumulated.
			last := c.syncing[n-1].block
			tip = Tip{Height: last.Height, BlockID: last.ID}
		}
		if tip.BlockID != "" && e.ParentID != "" && e.ParentID != tip.BlockID {
			if err := c.flushSyncing(ctx); err != nil {
				return err
			}
			if err := c.forkRollback(ctx, tip.Height); err != nil {
				return err
			}
		}
		return c.appendCanonical(ctx, e)

	case events.Microblock:
		return c.commitMicroblock(ctx, e)

	case events.Rollback:
		if err := c.flushSyncing(ctx); err != nil {
			return err
		}
		return c.explicitRollback(ctx, e.ToBlockID)

	case events.UpdatesBatch:
		// UpdatesBatch carries pre-resolved diffs from an external decoder
		// this pack's wire stand-in doesn't implement (see DESIGN.md); log
		// so a batch arriving in production is visible instead of silently
		// vanishing, rather than pretending it was applied.
		c.log.Warn("updates batch received but not applied", "count", len(e.Updates))
		return nil

	default:
		return &OrderingViolationError{Detail: fmt.Sprintf("unknown event type %T", ev)}
	}
}

// appendCanonical accumulates a canonical block into the Syncing batch, or
// commits immediately in Live, per spec.md §4.5's batching rule.
func (c *Coordinator) appendCanonical(ctx context.Context, b events.Block) error {
	view := &repoStateView{repo: c.repo}
	updates, err := projector.Project(b, view)
	if err != nil {
		return err // fatal: ProjectionError is not a TransientError
	}
	pb := pendingBlock{
		block: model.Block{
			Height:    b.Height,
			ID:        b.ID,
			ParentID:  b.ParentID,
			TimeStamp: b.TimeStamp,
		},
		updates: updates,
	}

	if c.State() == Live {
		return c.commitBatch(ctx, []pendingBlock{pb})
	}

	c.syncing = append(c.syncing, pb)
	if len(c.syncing) >= c.batchSize {
		return c.flushSyncing(ctx)
	}
	return nil
}

// commitMicroblock stores a microblock as a Block row with IsMicroblock set,
// committed immediately to bound staleness in Live (spec.md §4.5).
func (c *Coordinator) commitMicroblock(ctx context.Context, m events.Microblock) error {
	if err := c.flushSyncing(ctx); err != nil {
		return err
	}
	view := &repoStateView{repo: c.repo}
	updates, err := projector.Project(m, view)
	if err != nil {
		return err
	}
	tip := c.Tip()
	pb := pendingBlock{
		block: model.Block{
			Height:       tip.Height,
			ID:           m.ID,
			ParentID:     m.ReferenceBlockID,
			TimeStamp:    m.TimeStamp,
			IsMicroblock: true,
		},
		updates: updates,
	}
	c.setState(Live)
	return c.commitBatch(ctx, []pendingBlock{pb})
}

func (c *Coordinator) flushSyncing(ctx context.Context) error {
	if len(c.syncing) == 0 {
		return nil
	}
	batch := c.syncing
	c.syncing = nil
	if err := c.commitBatch(ctx, batch); err != nil {
		return err
	}
	c.setState(Live)
	return nil
}

// forkRollback handles "parent_id != stored tip.id" by rolling back to the
// tip height before the new block is applied (spec.md §4.5).
func (c *Coordinator) forkRollback(ctx context.Context, tipHeight int32) error {
	c.setState(RollingBack)
	if err := c.repo.RollbackTo(ctx, tipHeight); err != nil {
		return classifyRepoError(err)
	}
	height, blockID, err := c.repo.CurrentHeight(ctx)
	if err != nil {
		return classifyRepoError(err)
	}
	c.tip.Store(&Tip{Height: height, BlockID: blockID})
	if err := c.cache.FlushAll(ctx); err != nil {
		c.log.Error("cache flush after fork rollback failed; will be stale until next success", "err", err)
	}
	c.setState(Live)
	return nil
}

// explicitRollback handles an upstream Rollback event (spec.md §4.5,
// end-to-end scenario 3): roll back to the named block's height and flush
// the cache entirely.
func (c *Coordinator) explicitRollback(ctx context.Context, toBlockID string) error {
	keptHeight, ok := c.heightForBlockID(toBlockID)
	if !ok {
		return &OrderingViolationError{Detail: fmt.Sprintf("rollback target block %q outside recent window", toBlockID)}
	}

	c.setState(RollingBack)
	if err := c.repo.RollbackTo(ctx, keptHeight+1); err != nil {
		return classifyRepoError(err)
	}
	newHeight, newBlockID, err := c.repo.CurrentHeight(ctx)
	if err != nil {
		return classifyRepoError(err)
	}
	c.tip.Store(&Tip{Height: newHeight, BlockID: newBlockID})
	if err := c.cache.FlushAll(ctx); err != nil {
		c.log.Error("cache flush after explicit rollback failed; will be stale until next success", "err", err)
	}
	c.setState(Live)
	return nil
}

// commitBatch implements the six-step commit protocol of spec.md §4.5,
// retrying once on a constraint violation before giving up, per the
// policy table in spec.md §7.
func (c *Coordinator) commitBatch(ctx context.Context, batch []pendingBlock) error {
	start := time.Now()

	err := c.commitBatchTx(ctx, batch)
	var ce *repository.ConstraintError
	if errors.As(err, &ce) {
		err = c.commitBatchTx(ctx, batch)
	}

	status := "ok"
	if err != nil {
		status = "error"
	}
	batchTotal.WithLabelValues(status).Inc()
	batchDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	return err
}

func (c *Coordinator) commitBatchTx(ctx context.Context, batch []pendingBlock) error {
	tx, err := c.repo.Begin(ctx)
	if err != nil {
		return classifyRepoError(err)
	}

	touched := map[model.Kind]bool{}
	var lastBlock model.Block
	var lastBlockUID int64
	var committed []Tip

	for _, pb := range batch {
		uid, err := tx.InsertBlock(ctx, pb.block)
		if err != nil {
			_ = tx.Rollback(ctx)
			if errors.Is(err, repository.ErrOrderingViolation) {
				return &OrderingViolationError{Detail: fmt.Sprintf("block %s height %d", pb.block.ID, pb.block.Height)}
			}
			return classifyRepoError(err)
		}

		byKind := map[model.Kind][]model.VersionedRow{}
		for _, u := range pb.updates {
			byKind[u.Kind] = append(byKind[u.Kind], model.VersionedRow{
				BlockUID:     uid,
				SupersededBy: model.MaxUID,
				NaturalKey:   model.NaturalKeyOf(u.Payload),
				Payload:      u.Payload,
			})
			touched[u.Kind] = true
		}
		for kind, rows := range byKind {
			if err := tx.AppendVersions(ctx, kind, rows); err != nil {
				_ = tx.Rollback(ctx)
				return classifyRepoError(err)
			}
		}

		lastBlock = pb.block
		lastBlockUID = uid
		committed = append(committed, Tip{Height: pb.block.Height, BlockID: pb.block.ID, BlockUID: uid})
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyRepoError(err)
	}

	for _, t := range committed {
		c.recordRecent(t)
	}
	c.tip.Store(&Tip{Height: lastBlock.Height, BlockID: lastBlock.ID, BlockUID: lastBlockUID})

	mode := narrowestMode(touched)
	if mode != "" {
		if err := c.cache.Invalidate(ctx, mode); err != nil {
			// Step 5 of spec.md §4.5: log and do not re-commit. The failed
			// invalidation is not retried; the entries it would have cleared
			// stay until a later invalidation or flush covers them or their
			// TTL expires. The store is authoritative, so readers that fall
			// through to Repository still see committed state.
			c.log.Error("cache invalidation failed after commit; store remains authoritative", "mode", mode, "err", err)
		}
	}
	return nil
}

// classifyRepoError turns a raw repository error into the coordinator's
// TransientError wrapper when it looks like connectivity/timeouts, and
// leaves structural errors (ConstraintError, ErrReopenInconsistency) as
// fatal, per the policy table in spec.md §7.
func classifyRepoError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &TransientError{Err: err}
	}
	return err
}

// repoStateView adapts Repository's Live query into projector.StateView.
type repoStateView struct {
	repo repository.Repository
}

func (v *repoStateView) IssuerBalance(issuer string) (int64, bool, error) {
	p, ok, err := v.repo.Live(context.Background(), model.KindIssuerBalance, issuer)
	if err != nil || !ok {
		return 0, ok, err
	}
	return p.(model.IssuerBalancePayload).Balance, true, nil
}

func (v *repoStateView) OutLeasing(address string) (int64, bool, error) {
	p, ok, err := v.repo.Live(context.Background(), model.KindOutLeasing, address)
	if err != nil || !ok {
		return 0, ok, err
	}
	return p.(model.OutLeasingPayload).Amount, true, nil
}

func (v *repoStateView) Asset(assetID string) (model.AssetPayload, bool, error) {
	p, ok, err := v.repo.Live(context.Background(), model.KindAsset, assetID)
	if err != nil || !ok {
		return model.AssetPayload{}, ok, err
	}
	return p.(model.AssetPayload), true, nil
}
