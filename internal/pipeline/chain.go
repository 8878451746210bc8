// Package pipeline implements C5 (block processor) and C6 (indexer loop):
// the polling driver that advances the checkpoint toward the chain tip,
// classifies and dispatches events, and detects/recovers from reorgs.
// Shutdown is grounded on the signal.NotifyContext + bounded grace period
// pattern in services/lending/main.go; the batch/retry loop shape is
// grounded on the nightly-window loop in services/otc-gateway/recon.
package pipeline

import (
	"context"

	"lendindexer/internal/chain"
)

// ChainReader is the subset of the chain adapter the pipeline needs,
// declared as an interface so tests can supply a fake chain.
type ChainReader interface {
	LatestHeight(ctx context.Context) (uint64, error)
	Block(ctx context.Context, height uint64) (chain.Block, error)
	Tx(ctx context.Context, txHash string) (chain.Tx, error)
	QueryContract(ctx context.Context, address string, query, dst any) error
}
