package handlers

import (
	"context"

	"lendindexer/internal/decode"
	"lendindexer/internal/store"
)

// HandleSupplyCollateral implements spec §4.3.4: no scaled arithmetic,
// market total_collateral is recomputed from (old + amount), never trusted
// from the event.
func HandleSupplyCollateral(ctx context.Context, tx *store.Store, ev decode.SupplyCollateral) (Publish, error) {
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
	market.TotalCollateral = market.TotalCollateral.Add(ev.Amount)
	market.LastUpdate = ev.BlockTime
	if err := tx.SaveMarket(ctx, market); err != nil {
		return pub, err
	}
	pub.addMarket(market.ID)

	pos, created, err := loadOrCreatePosition(ctx, tx, market.ID, ev.Recipient, ev.BlockTime)
	if err != nil {
		return pub, err
	}
	pos.Collateral = pos.Collateral.Add(ev.Amount)
	pos.LastInteraction = ev.BlockTime
	if err := savePosition(ctx, tx, pos, created); err != nil {
		return pub, err
	}
	pub.addPosition(ev.Recipient)

	txn := &store.Transaction{
		TxHash: ev.TxHash, LogIndex: ev.LogIndex, BlockHeight: ev.BlockHeight, BlockTime: ev.BlockTime,
		Action: store.ActionSupplyCollateral, MarketID: market.ID, UserAddress: ev.Supplier, Recipient: ev.Recipient,
		Amount: ev.Amount, TotalCollateral: market.TotalCollateral,
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

// HandleWithdrawCollateral implements spec §4.3.4's withdraw side. Position
// collateral dust-clamps to zero the same way withdraw/repay scaled
// balances do; the market total uses the Amount subtraction directly, with
// no dust exception at the market level.
func HandleWithdrawCollateral(ctx context.Context, tx *store.Store, ev decode.WithdrawCollateral) (Publish, error) {
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
	market.TotalCollateral, _ = market.TotalCollateral.Sub(ev.Amount)
	market.LastUpdate = ev.BlockTime
	if err := tx.SaveMarket(ctx, market); err != nil {
		return pub, err
	}
	pub.addMarket(market.ID)

	pos, ok, err := tx.GetPosition(ctx, market.ID, ev.Withdrawer)
	if err != nil {
		return pub, err
	}
	if ok {
		pos.Collateral, _ = pos.Collateral.Sub(ev.Amount)
		pos.LastInteraction = ev.BlockTime
		if err := tx.SavePosition(ctx, pos); err != nil {
			return pub, err
		}
		pub.addPosition(ev.Withdrawer)
	}

	txn := &store.Transaction{
		TxHash: ev.TxHash, LogIndex: ev.LogIndex, BlockHeight: ev.BlockHeight, BlockTime: ev.BlockTime,
		Action: store.ActionWithdrawCollateral, MarketID: market.ID, UserAddress: ev.Withdrawer, Recipient: ev.Recipient,
		Amount: ev.Amount, TotalCollateral: market.TotalCollateral,
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
