package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"lendindexer/internal/ingesterr"
	"lendindexer/internal/logging"
	"lendindexer/internal/store"
	"lendindexer/internal/telemetry"
)

// ReorgDepth bounds how far back a detected reorg rewinds the checkpoint
// (spec §4.6.2): safe = max(floor, from_height - ReorgDepth).
const ReorgDepth = 10

// LoopConfig parameterizes the indexer loop (spec §6).
type LoopConfig struct {
	StartHeight  uint64
	BatchSize    int
	PollInterval time.Duration
	RetryBackoff time.Duration
	GracePeriod  time.Duration
}

// Loop is C6: it polls the tip, batches blocks through the Processor,
// detects and recovers from reorgs, and shuts down gracefully on
// cancellation.
type Loop struct {
	chain     ChainReader
	store     *store.Store
	processor *Processor
	cfg       LoopConfig
	logger    *slog.Logger
	metrics   *telemetry.Metrics
}

// NewLoop constructs a Loop.
func NewLoop(chainReader ChainReader, st *store.Store, processor *Processor, cfg LoopConfig, logger *slog.Logger) *Loop {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = cfg.PollInterval
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 30 * time.Second
	}
	return &Loop{chain: chainReader, store: st, processor: processor, cfg: cfg, logger: logging.Component(logger, "loop"), metrics: telemetry.Registry()}
}

// Run executes the loop until ctx is cancelled (spec §4.6). It returns nil
// on a clean shutdown.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		attemptCtx := logging.ContextWithAttempt(ctx, uuid.New().String())

		last, _, ok := l.currentCheckpoint(attemptCtx)
		if !ok {
			last = l.cfg.StartHeight
		}

		tip, err := l.chain.LatestHeight(attemptCtx)
		if err != nil {
			l.logger.Warn("latest_height failed, retrying", "attempt_id", logging.AttemptID(attemptCtx), "error", err)
			if !l.sleep(ctx, l.cfg.RetryBackoff) {
				return nil
			}
			continue
		}

		l.metrics.ObserveLag(last, tip)

		if last >= tip {
			if !l.sleep(ctx, l.cfg.PollInterval) {
				return nil
			}
			continue
		}

		reorged, err := l.detectReorg(attemptCtx, last, tip)
		if err != nil {
			l.logger.Warn("detect_reorg failed, treating as no reorg", "attempt_id", logging.AttemptID(attemptCtx), "error", err)
		}
		if reorged {
			l.metrics.ReorgsDetected.Inc()
			if err := l.handleReorg(attemptCtx, last); err != nil {
				l.logger.Error("reorg recovery failed, retrying", "attempt_id", logging.AttemptID(attemptCtx), "error", err)
				if !l.sleep(ctx, l.cfg.RetryBackoff) {
					return nil
				}
			}
			continue
		}

		to := last + uint64(l.cfg.BatchSize)
		if to > tip {
			to = tip
		}

		batchErr := false
		for h := last + 1; h <= to; h++ {
			if ctx.Err() != nil {
				return nil
			}
			blockLogger := logging.WithBlock(l.logger, h)
			if err := l.processor.ProcessBlock(attemptCtx, h); err != nil {
				l.metrics.HandlerErrors.WithLabelValues(ingesterr.Classify(err).String()).Inc()
				if ingesterr.Fatal(err) {
					blockLogger.Error("fatal invariant violation, halting progress", "attempt_id", logging.AttemptID(attemptCtx), "error", err)
					return err
				}
				blockLogger.Warn("process_block failed, retrying after backoff", "attempt_id", logging.AttemptID(attemptCtx), "error", err)
				batchErr = true
				break
			}
			l.metrics.BlocksIndexed.Inc()
		}
		if batchErr {
			if !l.sleep(ctx, l.cfg.RetryBackoff) {
				return nil
			}
			continue
		}

		if !l.sleep(ctx, 0) {
			return nil
		}
	}
}

func (l *Loop) currentCheckpoint(ctx context.Context) (height uint64, hash string, ok bool) {
	h, hash, ok, err := l.store.LoadIndexerState(ctx)
	if err != nil {
		l.logger.Warn("load indexer state failed, assuming cold start", "error", err)
		return 0, "", false
	}
	return h, hash, ok
}

// sleep waits for d (a no-op yield when d is zero) or returns false if ctx
// is cancelled first.
func (l *Loop) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// detectReorg implements spec §4.6.1: fetches the block the indexer has
// already committed at `last` and compares its hash to the stored one. Any
// RPC failure returns false: it never falsely declares a reorg.
func (l *Loop) detectReorg(ctx context.Context, last, tip uint64) (bool, error) {
	_, storedHash, ok, err := l.store.LoadIndexerState(ctx)
	if err != nil || !ok {
		return false, err
	}
	if tip <= last {
		return false, nil
	}
	block, err := l.chain.Block(ctx, last)
	if err != nil {
		return false, nil
	}
	return block.Hash != storedHash, nil
}

// handleReorg implements spec §4.6.2: rolls derived history back to a safe
// height without touching Market/UserPosition aggregates (spec §9's
// documented trade-off).
func (l *Loop) handleReorg(ctx context.Context, fromHeight uint64) error {
	safe := l.cfg.StartHeight
	if fromHeight > ReorgDepth && fromHeight-ReorgDepth > safe {
		safe = fromHeight - ReorgDepth
	}

	canonical, err := l.chain.Block(ctx, safe)
	if err != nil {
		return err
	}

	return l.store.RunInTransaction(ctx, func(tx *store.Store) error {
		if err := tx.DeleteProjectionsFromHeight(ctx, safe); err != nil {
			return err
		}
		return tx.UpsertIndexerState(ctx, safe, canonical.Hash)
	})
}
