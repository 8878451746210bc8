package handlers

import (
	"context"

	"lendindexer/internal/decode"
	"lendindexer/internal/ingesterr"
	"lendindexer/internal/store"
)

// HandleLiquidate implements spec §4.3.5. total_collateral is set
// absolutely from the event (multiple seizures can land atomically and the
// event carries the authoritative post-value); total_debt_scaled is
// decremented. No position is created for the liquidator.
func HandleLiquidate(ctx context.Context, tx *store.Store, ev decode.Liquidate) (Publish, error) {
	var pub Publish
	exists, err := tx.ExistsTransaction(ctx, ev.TxHash, ev.LogIndex)
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

	newDebt, err := market.TotalDebtScaled.SubStrict(ev.ScaledDebtDecrease)
	if err != nil {
		return pub, ingesterr.InvariantViolation("liquidate would drive market total_debt_scaled negative", err)
	}
	market.TotalDebtScaled = newDebt
	market.TotalCollateral = ev.TotalCollateral
	applyIndicesRatesUtilization(market, ev.BorrowIndex, ev.LiquidityIndex, ev.Utilization)
	market.LastUpdate = ev.BlockTime
	if err := tx.SaveMarket(ctx, market); err != nil {
		return pub, err
	}
	pub.addMarket(market.ID)

	pos, ok, err := tx.GetPosition(ctx, market.ID, ev.Borrower)
	if err != nil {
		return pub, err
	}
	if ok {
		pos.DebtScaled, _ = pos.DebtScaled.Sub(ev.ScaledDebtDecrease)
		pos.Collateral, _ = pos.Collateral.Sub(ev.CollateralSeized)
		pos.LastInteraction = ev.BlockTime
		if err := tx.SavePosition(ctx, pos); err != nil {
			return pub, err
		}
		pub.addPosition(ev.Borrower)
	}

	txn := &store.Transaction{
		TxHash: ev.TxHash, LogIndex: ev.LogIndex, BlockHeight: ev.BlockHeight, BlockTime: ev.BlockTime,
		Action: store.ActionLiquidate, MarketID: market.ID, UserAddress: ev.Liquidator, Borrower: ev.Borrower,
		DebtRepaid: ev.DebtRepaid, CollateralSeized: ev.CollateralSeized, ProtocolFeeAmount: ev.ProtocolFee,
		TotalSupply: ev.TotalSupply, TotalDebt: ev.TotalDebt, TotalCollateral: ev.TotalCollateral, Utilization: ev.Utilization,
	}
	if err := tx.CreateTransaction(ctx, txn); err != nil {
		return pub, err
	}
	pub.addTransaction(market.ID)

	if err := tx.CreateMarketSnapshot(ctx, dereferencedSnapshot(market, ev.BlockTime, ev.BlockHeight)); err != nil {
		return pub, err
	}
	return pub, nil
}
