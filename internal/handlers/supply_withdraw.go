package handlers

import (
	"context"

	"lendindexer/internal/decode"
	"lendindexer/internal/ingesterr"
	"lendindexer/internal/numeric"
	"lendindexer/internal/store"
)

// loadOrCreatePosition implements the lazy-create rule (spec §4.3): only
// called when the event credits a user. first/lastInteraction are both set
// to eventTime on creation.
func loadOrCreatePosition(ctx context.Context, tx *store.Store, marketID, userAddress string, eventTime int64) (*store.UserPosition, bool, error) {
	pos, ok, err := tx.GetPosition(ctx, marketID, userAddress)
	if err != nil {
		return nil, false, err
	}
	if ok {
		return pos, false, nil
	}
	pos = &store.UserPosition{
		MarketID:         marketID,
		UserAddress:      userAddress,
		SupplyScaled:     numeric.Zero(),
		DebtScaled:       numeric.Zero(),
		Collateral:       numeric.Zero(),
		FirstInteraction: eventTime,
		LastInteraction:  eventTime,
	}
	return pos, true, nil
}

func savePosition(ctx context.Context, tx *store.Store, pos *store.UserPosition, created bool) error {
	if created {
		return tx.CreatePosition(ctx, pos)
	}
	return tx.SavePosition(ctx, pos)
}

// HandleSupply implements spec §4.3.2 (monotone-increasing scaled, supply
// side).
func HandleSupply(ctx context.Context, tx *store.Store, ev decode.Supply) (Publish, error) {
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

	market.TotalSupplyScaled = market.TotalSupplyScaled.Add(ev.ScaledAmount)
	applyIndicesRatesUtilization(market, ev.BorrowIndex, ev.LiquidityIndex, ev.Utilization)
	market.LastUpdate = ev.BlockTime
	if err := tx.SaveMarket(ctx, market); err != nil {
		return pub, err
	}
	pub.addMarket(market.ID)

	pos, created, err := loadOrCreatePosition(ctx, tx, market.ID, ev.Recipient, ev.BlockTime)
	if err != nil {
		return pub, err
	}
	pos.SupplyScaled = pos.SupplyScaled.Add(ev.ScaledAmount)
	pos.LastInteraction = ev.BlockTime
	if err := savePosition(ctx, tx, pos, created); err != nil {
		return pub, err
	}
	pub.addPosition(ev.Recipient)

	txn := &store.Transaction{
		TxHash: ev.TxHash, LogIndex: ev.LogIndex, BlockHeight: ev.BlockHeight, BlockTime: ev.BlockTime,
		Action: store.ActionSupply, MarketID: market.ID, UserAddress: ev.Supplier, Recipient: ev.Recipient,
		Amount: ev.Amount, ScaledAmount: ev.ScaledAmount,
		TotalSupply: ev.TotalSupply, TotalDebt: ev.TotalDebt, Utilization: ev.Utilization,
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

// HandleBorrow implements spec §4.3.2 (monotone-increasing scaled, debt
// side).
func HandleBorrow(ctx context.Context, tx *store.Store, ev decode.Borrow) (Publish, error) {
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

	market.TotalDebtScaled = market.TotalDebtScaled.Add(ev.ScaledAmount)
	applyIndicesRatesUtilization(market, ev.BorrowIndex, ev.LiquidityIndex, ev.Utilization)
	market.LastUpdate = ev.BlockTime
	if err := tx.SaveMarket(ctx, market); err != nil {
		return pub, err
	}
	pub.addMarket(market.ID)

	pos, created, err := loadOrCreatePosition(ctx, tx, market.ID, ev.Borrower, ev.BlockTime)
	if err != nil {
		return pub, err
	}
	pos.DebtScaled = pos.DebtScaled.Add(ev.ScaledAmount)
	pos.LastInteraction = ev.BlockTime
	if err := savePosition(ctx, tx, pos, created); err != nil {
		return pub, err
	}
	pub.addPosition(ev.Borrower)

	txn := &store.Transaction{
		TxHash: ev.TxHash, LogIndex: ev.LogIndex, BlockHeight: ev.BlockHeight, BlockTime: ev.BlockTime,
		Action: store.ActionBorrow, MarketID: market.ID, UserAddress: ev.Borrower, Recipient: ev.Recipient,
		Amount: ev.Amount, ScaledAmount: ev.ScaledAmount,
		TotalSupply: ev.TotalSupply, TotalDebt: ev.TotalDebt, Utilization: ev.Utilization,
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

// HandleWithdraw implements spec §4.3.3 (monotone-decreasing scaled,
// supply side). Market totals never clamp: a would-be-negative total is a
// fatal InvariantViolation per spec §9.
func HandleWithdraw(ctx context.Context, tx *store.Store, ev decode.Withdraw) (Publish, error) {
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

	newTotal, err := market.TotalSupplyScaled.SubStrict(ev.ScaledDecrease)
	if err != nil {
		return pub, ingesterr.InvariantViolation("withdraw would drive market total_supply_scaled negative", err)
	}
	market.TotalSupplyScaled = newTotal
	applyIndicesRatesUtilization(market, ev.BorrowIndex, ev.LiquidityIndex, ev.Utilization)
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
		pos.SupplyScaled, _ = pos.SupplyScaled.Sub(ev.ScaledDecrease)
		pos.LastInteraction = ev.BlockTime
		if err := tx.SavePosition(ctx, pos); err != nil {
			return pub, err
		}
		pub.addPosition(ev.Withdrawer)
	}

	txn := &store.Transaction{
		TxHash: ev.TxHash, LogIndex: ev.LogIndex, BlockHeight: ev.BlockHeight, BlockTime: ev.BlockTime,
		Action: store.ActionWithdraw, MarketID: market.ID, UserAddress: ev.Withdrawer, Recipient: ev.Recipient,
		Amount: ev.Amount, ScaledAmount: ev.ScaledDecrease,
		TotalSupply: ev.TotalSupply, TotalDebt: ev.TotalDebt, Utilization: ev.Utilization,
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

// HandleRepay implements spec §4.3.3 (monotone-decreasing scaled, debt
// side). user_address on the Transaction is the repayer, never the
// borrower (spec §4.3's acting-principal table).
func HandleRepay(ctx context.Context, tx *store.Store, ev decode.Repay) (Publish, error) {
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

	newTotal, err := market.TotalDebtScaled.SubStrict(ev.ScaledDecrease)
	if err != nil {
		return pub, ingesterr.InvariantViolation("repay would drive market total_debt_scaled negative", err)
	}
	market.TotalDebtScaled = newTotal
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
		pos.DebtScaled, _ = pos.DebtScaled.Sub(ev.ScaledDecrease)
		pos.LastInteraction = ev.BlockTime
		if err := tx.SavePosition(ctx, pos); err != nil {
			return pub, err
		}
		pub.addPosition(ev.Borrower)
	}

	txn := &store.Transaction{
		TxHash: ev.TxHash, LogIndex: ev.LogIndex, BlockHeight: ev.BlockHeight, BlockTime: ev.BlockTime,
		Action: store.ActionRepay, MarketID: market.ID, UserAddress: ev.Repayer, Borrower: ev.Borrower,
		Amount: ev.Amount, ScaledAmount: ev.ScaledDecrease,
		TotalSupply: ev.TotalSupply, TotalDebt: ev.TotalDebt, Utilization: ev.Utilization,
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
