package handlers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"lendindexer/internal/decode"
	"lendindexer/internal/ingesterr"
	"lendindexer/internal/numeric"
	"lendindexer/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	st, err := store.OpenWithDB(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

type fakeChain struct {
	config contractConfig
	params contractParams
}

func (f *fakeChain) QueryContract(_ context.Context, _ string, query, dst any) error {
	data, err := json.Marshal(query)
	if err != nil {
		return err
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	if _, ok := probe["config"]; ok {
		out, _ := dst.(*contractConfig)
		*out = f.config
		return nil
	}
	out, _ := dst.(*contractParams)
	*out = f.params
	return nil
}

func defaultFakeChain() *fakeChain {
	return &fakeChain{
		config: contractConfig{Curator: "nhb1curator", CollateralDenom: "uatom", DebtDenom: "unhb", Oracle: "nhb1oracle"},
		params: contractParams{
			LTV: "0.75", LiquidationThreshold: "0.8", LiquidationBonus: "0.05",
			LiquidationProtocolFee: "0.1", CloseFactor: "0.5", ProtocolFee: "0.1", CuratorFee: "0.05",
			Enabled: true, IsMutable: true,
		},
	}
}

func TestHandleMarketInstantiatedCreatesMarket(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	ev := decode.MarketInstantiated{
		EventMeta:     decode.EventMeta{BlockHeight: 10, BlockTime: 1000},
		MarketID:      "market-1",
		MarketAddress: "nhb1market1",
	}

	pub, err := HandleMarketInstantiated(ctx, st, defaultFakeChain(), ev)
	require.NoError(t, err)
	require.Equal(t, []string{"market-1"}, pub.MarketsUpdated)

	market, ok, err := st.GetMarket(ctx, "market-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, market.BorrowIndex.Equal(numeric.One()))
	require.True(t, market.LiquidityIndex.Equal(numeric.One()))
	require.Equal(t, "nhb1curator", market.Curator)

	snaps, err := st.ListMarketSnapshots(ctx, "market-1", 0)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
}

func TestHandleMarketInstantiatedIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	ev := decode.MarketInstantiated{MarketID: "market-1", MarketAddress: "nhb1market1"}

	_, err := HandleMarketInstantiated(ctx, st, defaultFakeChain(), ev)
	require.NoError(t, err)

	pub, err := HandleMarketInstantiated(ctx, st, defaultFakeChain(), ev)
	require.NoError(t, err)
	require.Empty(t, pub.MarketsUpdated)
}

func seedMarket(t *testing.T, st *store.Store, id, address string) {
	t.Helper()
	ev := decode.MarketInstantiated{MarketID: id, MarketAddress: address}
	_, err := HandleMarketInstantiated(context.Background(), st, defaultFakeChain(), ev)
	require.NoError(t, err)
}

func TestHandleSupplyCreatesPositionAndUpdatesMarket(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedMarket(t, st, "market-1", "nhb1market1")

	ev := decode.Supply{
		EventMeta:      decode.EventMeta{ContractAddress: "nhb1market1", TxHash: "tx-1", LogIndex: 0, BlockHeight: 11, BlockTime: 1001},
		Supplier:       "nhb1supplier",
		Recipient:      "nhb1supplier",
		Amount:         numeric.MustAmount("1000"),
		ScaledAmount:   numeric.MustAmount("1000"),
		BorrowIndex:    numeric.One(),
		LiquidityIndex: numeric.One(),
		TotalSupply:    numeric.MustAmount("1000"),
		TotalDebt:      numeric.Zero(),
		Utilization:    numeric.RatioZero(),
	}
	pub, err := HandleSupply(ctx, st, ev)
	require.NoError(t, err)
	require.True(t, pub.HasNewTransaction)

	market, _, err := st.GetMarket(ctx, "market-1")
	require.NoError(t, err)
	require.Equal(t, "1000", market.TotalSupplyScaled.String())

	pos, ok, err := st.GetPosition(ctx, "market-1", "nhb1supplier")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1000", pos.SupplyScaled.String())
}

func TestHandleSupplyIsIdempotentOnReplay(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedMarket(t, st, "market-1", "nhb1market1")

	ev := decode.Supply{
		EventMeta: decode.EventMeta{ContractAddress: "nhb1market1", TxHash: "tx-1", LogIndex: 0, BlockHeight: 11, BlockTime: 1001},
		Supplier:  "nhb1supplier", Recipient: "nhb1supplier",
		Amount: numeric.MustAmount("1000"), ScaledAmount: numeric.MustAmount("1000"),
		BorrowIndex: numeric.One(), LiquidityIndex: numeric.One(),
		TotalSupply: numeric.MustAmount("1000"), TotalDebt: numeric.Zero(), Utilization: numeric.RatioZero(),
	}
	_, err := HandleSupply(ctx, st, ev)
	require.NoError(t, err)

	pub, err := HandleSupply(ctx, st, ev)
	require.NoError(t, err)
	require.False(t, pub.HasNewTransaction)

	market, _, err := st.GetMarket(ctx, "market-1")
	require.NoError(t, err)
	require.Equal(t, "1000", market.TotalSupplyScaled.String())
}

func TestHandleBorrowThenRepayWithInterest(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedMarket(t, st, "market-1", "nhb1market1")

	borrow := decode.Borrow{
		EventMeta: decode.EventMeta{ContractAddress: "nhb1market1", TxHash: "tx-borrow", LogIndex: 0, BlockHeight: 11, BlockTime: 1001},
		Borrower:  "nhb1borrower", Recipient: "nhb1borrower",
		Amount: numeric.MustAmount("500"), ScaledAmount: numeric.MustAmount("500"),
		BorrowIndex: numeric.One(), LiquidityIndex: numeric.One(),
		TotalSupply: numeric.Zero(), TotalDebt: numeric.MustAmount("500"), Utilization: numeric.MustRatio("0.5"),
	}
	_, err := HandleBorrow(ctx, st, borrow)
	require.NoError(t, err)

	accrue := decode.AccrueInterest{
		EventMeta:      decode.EventMeta{ContractAddress: "nhb1market1", TxHash: "tx-accrue", LogIndex: 0, BlockHeight: 12, BlockTime: 1002},
		BorrowIndex:    numeric.MustRatio("1.1"),
		LiquidityIndex: numeric.MustRatio("1.05"),
		BorrowRate:     numeric.MustRatio("0.08"),
		LiquidityRate:  numeric.MustRatio("0.03"),
		LastUpdate:     1002,
	}
	_, err = HandleAccrueInterest(ctx, st, accrue)
	require.NoError(t, err)

	market, _, err := st.GetMarket(ctx, "market-1")
	require.NoError(t, err)
	require.True(t, market.BorrowIndex.Equal(numeric.MustRatio("1.1")))

	repay := decode.Repay{
		EventMeta:      decode.EventMeta{ContractAddress: "nhb1market1", TxHash: "tx-repay", LogIndex: 0, BlockHeight: 13, BlockTime: 1003},
		Repayer:        "nhb1borrower",
		Borrower:       "nhb1borrower",
		Amount:         numeric.MustAmount("550"),
		ScaledDecrease: numeric.MustAmount("500"),
		BorrowIndex:    numeric.MustRatio("1.1"),
		LiquidityIndex: numeric.MustRatio("1.05"),
		TotalSupply:    numeric.Zero(),
		TotalDebt:      numeric.Zero(),
		Utilization:    numeric.RatioZero(),
	}
	_, err = HandleRepay(ctx, st, repay)
	require.NoError(t, err)

	market, _, err = st.GetMarket(ctx, "market-1")
	require.NoError(t, err)
	require.True(t, market.TotalDebtScaled.IsZero())

	pos, ok, err := st.GetPosition(ctx, "market-1", "nhb1borrower")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, pos.DebtScaled.IsZero())
}

func TestHandleRepayByThirdParty(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedMarket(t, st, "market-1", "nhb1market1")

	borrow := decode.Borrow{
		EventMeta: decode.EventMeta{ContractAddress: "nhb1market1", TxHash: "tx-borrow", LogIndex: 0, BlockHeight: 11, BlockTime: 1001},
		Borrower:  "nhb1borrower", Recipient: "nhb1borrower",
		Amount: numeric.MustAmount("500"), ScaledAmount: numeric.MustAmount("500"),
		BorrowIndex: numeric.One(), LiquidityIndex: numeric.One(),
		TotalSupply: numeric.Zero(), TotalDebt: numeric.MustAmount("500"), Utilization: numeric.MustRatio("0.5"),
	}
	_, err := HandleBorrow(ctx, st, borrow)
	require.NoError(t, err)

	repay := decode.Repay{
		EventMeta:      decode.EventMeta{ContractAddress: "nhb1market1", TxHash: "tx-repay", LogIndex: 0, BlockHeight: 12, BlockTime: 1002},
		Repayer:        "nhb1thirdparty",
		Borrower:       "nhb1borrower",
		Amount:         numeric.MustAmount("500"),
		ScaledDecrease: numeric.MustAmount("500"),
		BorrowIndex:    numeric.One(),
		LiquidityIndex: numeric.One(),
		TotalSupply:    numeric.Zero(),
		TotalDebt:      numeric.Zero(),
		Utilization:    numeric.RatioZero(),
	}
	_, err = HandleRepay(ctx, st, repay)
	require.NoError(t, err)

	txs, err := st.ListTransactions(ctx, "market-1", 0)
	require.NoError(t, err)
	var repayTx *store.Transaction
	for i := range txs {
		if txs[i].Action == store.ActionRepay {
			repayTx = &txs[i]
		}
	}
	require.NotNil(t, repayTx)
	require.Equal(t, "nhb1thirdparty", repayTx.UserAddress)
	require.Equal(t, "nhb1borrower", repayTx.Borrower)
}

func TestHandleLiquidate(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedMarket(t, st, "market-1", "nhb1market1")

	borrow := decode.Borrow{
		EventMeta: decode.EventMeta{ContractAddress: "nhb1market1", TxHash: "tx-borrow", LogIndex: 0, BlockHeight: 11, BlockTime: 1001},
		Borrower:  "nhb1borrower", Recipient: "nhb1borrower",
		Amount: numeric.MustAmount("1000"), ScaledAmount: numeric.MustAmount("1000"),
		BorrowIndex: numeric.One(), LiquidityIndex: numeric.One(),
		TotalSupply: numeric.Zero(), TotalDebt: numeric.MustAmount("1000"), Utilization: numeric.MustRatio("0.5"),
	}
	_, err := HandleBorrow(ctx, st, borrow)
	require.NoError(t, err)

	collateral := decode.SupplyCollateral{
		EventMeta: decode.EventMeta{ContractAddress: "nhb1market1", TxHash: "tx-collateral", LogIndex: 0, BlockHeight: 10, BlockTime: 999},
		Supplier:  "nhb1borrower", Recipient: "nhb1borrower", Amount: numeric.MustAmount("2000"),
	}
	_, err = HandleSupplyCollateral(ctx, st, collateral)
	require.NoError(t, err)

	liquidate := decode.Liquidate{
		EventMeta:          decode.EventMeta{ContractAddress: "nhb1market1", TxHash: "tx-liquidate", LogIndex: 0, BlockHeight: 12, BlockTime: 1002},
		Liquidator:         "nhb1liquidator",
		Borrower:           "nhb1borrower",
		DebtRepaid:         numeric.MustAmount("500"),
		CollateralSeized:   numeric.MustAmount("550"),
		ProtocolFee:        numeric.MustAmount("5"),
		ScaledDebtDecrease: numeric.MustAmount("500"),
		BorrowIndex:        numeric.One(),
		LiquidityIndex:     numeric.One(),
		TotalSupply:        numeric.Zero(),
		TotalDebt:          numeric.MustAmount("500"),
		TotalCollateral:    numeric.MustAmount("1450"),
		Utilization:        numeric.MustRatio("0.25"),
	}
	pub, err := HandleLiquidate(ctx, st, liquidate)
	require.NoError(t, err)
	require.Contains(t, pub.PositionsUpdated, "nhb1borrower")

	pos, ok, err := st.GetPosition(ctx, "market-1", "nhb1borrower")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "500", pos.DebtScaled.String())
	require.Equal(t, "1450", pos.Collateral.String())

	market, _, err := st.GetMarket(ctx, "market-1")
	require.NoError(t, err)
	require.Equal(t, "1450", market.TotalCollateral.String())
}

func TestHandleWithdrawCollateralDustClampsPosition(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedMarket(t, st, "market-1", "nhb1market1")

	supply := decode.SupplyCollateral{
		EventMeta: decode.EventMeta{ContractAddress: "nhb1market1", TxHash: "tx-1", LogIndex: 0, BlockHeight: 10, BlockTime: 999},
		Supplier:  "nhb1user", Recipient: "nhb1user", Amount: numeric.MustAmount("100"),
	}
	_, err := HandleSupplyCollateral(ctx, st, supply)
	require.NoError(t, err)

	withdraw := decode.WithdrawCollateral{
		EventMeta:  decode.EventMeta{ContractAddress: "nhb1market1", TxHash: "tx-2", LogIndex: 0, BlockHeight: 11, BlockTime: 1000},
		Withdrawer: "nhb1user", Recipient: "nhb1user", Amount: numeric.MustAmount("150"),
	}
	_, err = HandleWithdrawCollateral(ctx, st, withdraw)
	require.NoError(t, err)

	pos, ok, err := st.GetPosition(ctx, "market-1", "nhb1user")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, pos.Collateral.IsZero())
}

func TestHandleWithdrawNegativeMarketTotalIsInvariantViolation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedMarket(t, st, "market-1", "nhb1market1")

	withdraw := decode.Withdraw{
		EventMeta:      decode.EventMeta{ContractAddress: "nhb1market1", TxHash: "tx-1", LogIndex: 0, BlockHeight: 11, BlockTime: 1000},
		Withdrawer:     "nhb1user",
		Recipient:      "nhb1user",
		Amount:         numeric.MustAmount("100"),
		ScaledDecrease: numeric.MustAmount("100"),
		BorrowIndex:    numeric.One(),
		LiquidityIndex: numeric.One(),
		TotalSupply:    numeric.Zero(),
		TotalDebt:      numeric.Zero(),
		Utilization:    numeric.RatioZero(),
	}
	_, err := HandleWithdraw(ctx, st, withdraw)
	require.Error(t, err)
	require.Equal(t, ingesterr.KindInvariantViolation, ingesterr.Classify(err))
}

func TestHandleAccrueInterestRejectsDecreasingIndex(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedMarket(t, st, "market-1", "nhb1market1")

	accrue := decode.AccrueInterest{
		EventMeta:      decode.EventMeta{ContractAddress: "nhb1market1", TxHash: "tx-1", LogIndex: 0, BlockHeight: 11, BlockTime: 1000},
		BorrowIndex:    numeric.MustRatio("0.5"),
		LiquidityIndex: numeric.One(),
		BorrowRate:     numeric.RatioZero(),
		LiquidityRate:  numeric.RatioZero(),
		LastUpdate:     1000,
	}
	_, err := HandleAccrueInterest(ctx, st, accrue)
	require.Error(t, err)
	require.Equal(t, ingesterr.KindInvariantViolation, ingesterr.Classify(err))
}

func TestHandleUpdateParamsOverwritesMutableFields(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedMarket(t, st, "market-1", "nhb1market1")

	supplyCap := numeric.MustAmount("50000")
	update := decode.UpdateParams{
		EventMeta:              decode.EventMeta{ContractAddress: "nhb1market1", BlockHeight: 11, BlockTime: 1000},
		LTV:                    numeric.MustRatio("0.6"),
		LiquidationThreshold:   numeric.MustRatio("0.7"),
		LiquidationBonus:       numeric.MustRatio("0.04"),
		LiquidationProtocolFee: numeric.MustRatio("0.1"),
		CloseFactor:            numeric.MustRatio("0.5"),
		ProtocolFee:            numeric.MustRatio("0.1"),
		CuratorFee:             numeric.MustRatio("0.05"),
		SupplyCap:              &supplyCap,
		Enabled:                false,
		IsMutable:              true,
	}
	_, err := HandleUpdateParams(ctx, st, update)
	require.NoError(t, err)

	market, _, err := st.GetMarket(ctx, "market-1")
	require.NoError(t, err)
	require.True(t, market.LoanToValue.Equal(numeric.MustRatio("0.6")))
	require.False(t, market.Enabled)
	require.NotNil(t, market.SupplyCap)
	require.Equal(t, "50000", market.SupplyCap.String())
}

func TestHandleMarketEventOnUnknownMarketIsDataViolation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	ev := decode.Supply{
		EventMeta: decode.EventMeta{ContractAddress: "nhb1unknown", TxHash: "tx-1", LogIndex: 0},
	}
	_, err := HandleSupply(ctx, st, ev)
	require.Error(t, err)
	require.Equal(t, ingesterr.KindDataViolation, ingesterr.Classify(err))
}
