package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lendindexer/internal/chain"
	"lendindexer/internal/ingesterr"
	"lendindexer/internal/pushbus"
	"lendindexer/internal/store"
)

func newLoopFixture(t *testing.T) (*fakeChain, *Loop) {
	t.Helper()
	st := newTestStore(t)
	fc := newFakeChain()
	proc, err := NewProcessor(context.Background(), fc, st, pushbus.New(), "nhb1factory", testLogger())
	require.NoError(t, err)
	loop := NewLoop(fc, st, proc, LoopConfig{
		StartHeight:  1,
		BatchSize:    10,
		PollInterval: 5 * time.Millisecond,
		RetryBackoff: 5 * time.Millisecond,
	}, testLogger())
	return fc, loop
}

func TestRunReturnsImmediatelyOnCancelledContext(t *testing.T) {
	_, loop := newLoopFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, loop.Run(ctx))
}

func TestRunAdvancesCheckpointThroughTip(t *testing.T) {
	st := newTestStore(t)
	fc := newFakeChain()
	proc, err := NewProcessor(context.Background(), fc, st, pushbus.New(), "nhb1factory", testLogger())
	require.NoError(t, err)
	loop := NewLoop(fc, st, proc, LoopConfig{
		StartHeight:  1,
		BatchSize:    10,
		PollInterval: 5 * time.Millisecond,
		RetryBackoff: 5 * time.Millisecond,
	}, testLogger())

	fc.tip = 3
	for h := uint64(1); h <= 3; h++ {
		fc.blocks[h] = chain.Block{Height: h, Hash: "hash"}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	require.Eventually(t, func() bool {
		height, _, ok, err := st.LoadIndexerState(context.Background())
		return err == nil && ok && height == 3
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("loop did not shut down after cancel")
	}
}

func TestRunSleepsWhenCaughtUp(t *testing.T) {
	st := newTestStore(t)
	fc, loop := newLoopFixture(t)
	fc.tip = 2
	fc.blocks[1] = chain.Block{Height: 1, Hash: "hash"}
	fc.blocks[2] = chain.Block{Height: 2, Hash: "hash"}
	require.NoError(t, st.UpsertIndexerState(context.Background(), 2, "hash"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, loop.Run(ctx))

	height, _, ok, err := st.LoadIndexerState(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), height)
}

func TestRunDetectsAndRecoversFromReorg(t *testing.T) {
	st := newTestStore(t)
	fc, loop := newLoopFixture(t)
	ctx := context.Background()

	require.NoError(t, st.CreateTransaction(ctx, &store.Transaction{
		TxHash: "tx-rolled-back", LogIndex: 0, BlockHeight: 3, Action: "supply", MarketID: "market-1", UserAddress: "user-a",
	}))
	require.NoError(t, st.UpsertIndexerState(ctx, 5, "stale-hash"))

	fc.tip = 6
	fc.blocks[1] = chain.Block{Height: 1, Hash: "canonical-1"}
	fc.blocks[5] = chain.Block{Height: 5, Hash: "fresh-hash"}

	runCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_ = loop.Run(runCtx)

	height, hash, ok, err := st.LoadIndexerState(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), height)
	require.Equal(t, "canonical-1", hash)

	rolledBack, err := st.ExistsTransaction(ctx, "tx-rolled-back", 0)
	require.NoError(t, err)
	require.False(t, rolledBack)
}

func TestRunHaltsOnFatalInvariantViolation(t *testing.T) {
	st := newTestStore(t)
	fc := newFakeChain()
	proc, err := NewProcessor(context.Background(), fc, st, pushbus.New(), "nhb1factory", testLogger())
	require.NoError(t, err)
	loop := NewLoop(fc, st, proc, LoopConfig{
		StartHeight:  1,
		BatchSize:    10,
		PollInterval: 5 * time.Millisecond,
		RetryBackoff: 5 * time.Millisecond,
	}, testLogger())
	ctx := context.Background()

	fc.config["nhb1market1"] = marketBundle()
	fc.txs["tx-instantiate"] = chain.Tx{Hash: "tx-instantiate", Code: 0, Events: []chain.Event{attrsEvent(map[string]string{
		"_contract_address": "nhb1factory", "action": "market_instantiated", "market_id": "market-1", "market_address": "nhb1market1",
	})}}
	fc.txs["tx-bad-accrual"] = chain.Tx{Hash: "tx-bad-accrual", Code: 0, Events: []chain.Event{attrsEvent(map[string]string{
		"_contract_address": "nhb1market1",
		"action":            "accrue_interest",
		"borrow_index":      "0.5",
		"liquidity_index":   "0.5",
		"borrow_rate":       "0.1",
		"liquidity_rate":    "0.05",
		"last_update":       "100",
	})}}
	fc.blocks[1] = chain.Block{Height: 1, Hash: "hash-1", TxHashes: []string{"tx-instantiate"}}
	fc.blocks[2] = chain.Block{Height: 2, Hash: "hash-2", TxHashes: []string{"tx-bad-accrual"}}
	fc.tip = 2

	err = loop.Run(ctx)
	require.Error(t, err)
	require.Equal(t, ingesterr.KindInvariantViolation, ingesterr.Classify(err))

	height, _, ok, loadErr := st.LoadIndexerState(ctx)
	require.NoError(t, loadErr)
	require.True(t, ok)
	require.Equal(t, uint64(1), height)
}
