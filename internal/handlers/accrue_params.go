package handlers

import (
	"context"

	"lendindexer/internal/decode"
	"lendindexer/internal/ingesterr"
	"lendindexer/internal/store"
)

// HandleAccrueInterest implements spec §4.3.6. Market-state-only update;
// creates an InterestAccrualEvent and a MarketSnapshot but no Transaction.
// Indices must never decrease; a lower reported value is a chain bug and a
// fatal InvariantViolation.
func HandleAccrueInterest(ctx context.Context, tx *store.Store, ev decode.AccrueInterest) (Publish, error) {
	var pub Publish
	exists, err := tx.ExistsInterestAccrualEvent(ctx, ev.TxHash, ev.LogIndex)
	if err != nil {
		return pub, err
	}
	if exists {
		return pub, nil
	}

	market, err := loadMarketOrFail(ctx, tx, ev.ContractAddress)
	if err != nil {
		return pub, err
	}

	if ev.BorrowIndex.LessThan(market.BorrowIndex) {
		return pub, ingesterr.InvariantViolation("accrue_interest reported a borrow_index lower than the stored value", nil)
	}
	if ev.LiquidityIndex.LessThan(market.LiquidityIndex) {
		return pub, ingesterr.InvariantViolation("accrue_interest reported a liquidity_index lower than the stored value", nil)
	}

	market.BorrowIndex = ev.BorrowIndex
	market.LiquidityIndex = ev.LiquidityIndex
	market.BorrowRate = ev.BorrowRate
	market.LiquidityRate = ev.LiquidityRate
	market.LastUpdate = ev.LastUpdate
	if err := tx.SaveMarket(ctx, market); err != nil {
		return pub, err
	}
	pub.addMarket(market.ID)

	accrual := &store.InterestAccrualEvent{
		TxHash: ev.TxHash, LogIndex: ev.LogIndex, MarketID: market.ID,
		BorrowIndex: ev.BorrowIndex, LiquidityIndex: ev.LiquidityIndex,
		BorrowRate: ev.BorrowRate, LiquidityRate: ev.LiquidityRate,
		Timestamp: ev.BlockTime, BlockHeight: ev.BlockHeight,
	}
	if err := tx.CreateInterestAccrualEvent(ctx, accrual); err != nil {
		return pub, err
	}

	if err := tx.CreateMarketSnapshot(ctx, dereferencedSnapshot(market, ev.BlockTime, ev.BlockHeight)); err != nil {
		return pub, err
	}
	return pub, nil
}

// HandleUpdateParams implements spec §4.3.7: overwrites the nine mutable
// params plus enabled/is_mutable. supply_cap/borrow_cap become null when
// the attribute was absent from the event. Writes a MarketSnapshot but no
// Transaction.
func HandleUpdateParams(ctx context.Context, tx *store.Store, ev decode.UpdateParams) (Publish, error) {
	var pub Publish

	market, err := loadMarketOrFail(ctx, tx, ev.ContractAddress)
	if err != nil {
		return pub, err
	}

	market.LoanToValue = ev.LTV
	market.LiquidationThreshold = ev.LiquidationThreshold
	market.LiquidationBonus = ev.LiquidationBonus
	market.LiquidationProtocolFee = ev.LiquidationProtocolFee
	market.CloseFactor = ev.CloseFactor
	market.ProtocolFee = ev.ProtocolFee
	market.CuratorFee = ev.CuratorFee
	market.SupplyCap = ev.SupplyCap
	market.BorrowCap = ev.BorrowCap
	market.Enabled = ev.Enabled
	market.IsMutable = ev.IsMutable
	market.LastUpdate = ev.BlockTime
	if err := tx.SaveMarket(ctx, market); err != nil {
		return pub, err
	}
	pub.addMarket(market.ID)

	if err := tx.CreateMarketSnapshot(ctx, dereferencedSnapshot(market, ev.BlockTime, ev.BlockHeight)); err != nil {
		return pub, err
	}
	return pub, nil
}
