// Package store owns the derived projection (C3): the six tables of the data
// model (five entity tables plus the checkpoint singleton), atomic transactions, and
// idempotent upserts. Modeled on services/otc-gateway/models/models.go and
// wired the same way services/otc-gateway/main.go opens its database.
package store

import (
	"time"

	"lendindexer/internal/numeric"
)

// Action enumerates the Transaction.action values (spec §3).
type Action string

const (
	ActionSupply             Action = "SUPPLY"
	ActionWithdraw           Action = "WITHDRAW"
	ActionSupplyCollateral   Action = "SUPPLY_COLLATERAL"
	ActionWithdrawCollateral Action = "WITHDRAW_COLLATERAL"
	ActionBorrow             Action = "BORROW"
	ActionRepay              Action = "REPAY"
	ActionLiquidate          Action = "LIQUIDATE"
)

// IndexerState is the singleton checkpoint row.
type IndexerState struct {
	ID                 uint `gorm:"primaryKey;autoIncrement:false"`
	LastProcessedBlock uint64
	LastProcessedHash  string `gorm:"size:128"`
	UpdatedAt          time.Time
}

// Market is one per factory-created market (spec §3).
type Market struct {
	ID            string `gorm:"primaryKey;size:128"`
	MarketAddress string `gorm:"uniqueIndex;size:128"`

	// Immutable config, set once at market_instantiated.
	Curator         string `gorm:"size:128"`
	CollateralDenom string `gorm:"size:64"`
	DebtDenom       string `gorm:"size:64"`
	Oracle          string `gorm:"size:128"`
	CreatedAt       time.Time
	CreatedAtBlock  uint64

	// Mutable params, overwritten wholesale by update_params.
	LoanToValue            numeric.Ratio
	LiquidationThreshold   numeric.Ratio
	LiquidationBonus       numeric.Ratio
	LiquidationProtocolFee numeric.Ratio
	CloseFactor            numeric.Ratio
	ProtocolFee            numeric.Ratio
	CuratorFee             numeric.Ratio
	SupplyCap              *numeric.Amount
	BorrowCap              *numeric.Amount
	Enabled                bool
	IsMutable              bool
	InterestRateModel      string `gorm:"type:jsonb"`

	// State, mutated by market-event handlers.
	BorrowIndex        numeric.Ratio
	LiquidityIndex     numeric.Ratio
	BorrowRate         numeric.Ratio
	LiquidityRate      numeric.Ratio
	TotalSupplyScaled  numeric.Amount
	TotalDebtScaled    numeric.Amount
	TotalCollateral    numeric.Amount
	Utilization        numeric.Ratio
	AvailableLiquidity numeric.Amount
	LastUpdate         int64

	UpdatedAt time.Time
}

// UserPosition is identity market_id x user_address (spec §3).
type UserPosition struct {
	ID               uint   `gorm:"primaryKey"`
	MarketID         string `gorm:"size:128;uniqueIndex:idx_position_identity"`
	UserAddress      string `gorm:"size:128;uniqueIndex:idx_position_identity"`
	SupplyScaled     numeric.Amount
	DebtScaled       numeric.Amount
	Collateral       numeric.Amount
	FirstInteraction int64
	LastInteraction  int64
}

// Transaction is event-sourced, identity tx_hash:log_index (spec §3).
type Transaction struct {
	ID          uint   `gorm:"primaryKey"`
	TxHash      string `gorm:"size:128;uniqueIndex:idx_tx_identity"`
	LogIndex    int    `gorm:"uniqueIndex:idx_tx_identity"`
	BlockHeight uint64 `gorm:"index"`
	BlockTime   int64

	Action      Action `gorm:"size:32;index"`
	MarketID    string `gorm:"size:128;index"`
	UserAddress string `gorm:"size:128;index"`

	// Action-specific counterparties; not every action populates every field.
	Recipient string `gorm:"size:128"`
	Borrower  string `gorm:"size:128"`

	Amount            numeric.Amount
	ScaledAmount      numeric.Amount
	DebtRepaid        numeric.Amount
	CollateralSeized  numeric.Amount
	ProtocolFeeAmount numeric.Amount

	// Denormalized market-state snapshot as reported by the event.
	TotalSupply     numeric.Amount
	TotalDebt       numeric.Amount
	TotalCollateral numeric.Amount
	Utilization     numeric.Ratio
	BorrowRate      numeric.Ratio
	LiquidityRate   numeric.Ratio
}

// InterestAccrualEvent is identity tx_hash:log_index (spec §3).
type InterestAccrualEvent struct {
	ID             uint   `gorm:"primaryKey"`
	TxHash         string `gorm:"size:128;uniqueIndex:idx_accrual_identity"`
	LogIndex       int    `gorm:"uniqueIndex:idx_accrual_identity"`
	MarketID       string `gorm:"size:128;index"`
	BorrowIndex    numeric.Ratio
	LiquidityIndex numeric.Ratio
	BorrowRate     numeric.Ratio
	LiquidityRate  numeric.Ratio
	Timestamp      int64
	BlockHeight    uint64 `gorm:"index"`
}

// MarketSnapshot is identity market_id:timestamp (spec §3).
type MarketSnapshot struct {
	ID                   uint   `gorm:"primaryKey"`
	MarketID             string `gorm:"size:128;uniqueIndex:idx_snapshot_identity"`
	Timestamp            int64  `gorm:"uniqueIndex:idx_snapshot_identity"`
	BlockHeight          uint64 `gorm:"index"`
	TotalSupply          numeric.Amount
	TotalDebt            numeric.Amount
	TotalCollateral      numeric.Amount
	Utilization          numeric.Ratio
	BorrowIndex          numeric.Ratio
	LiquidityIndex       numeric.Ratio
	BorrowRate           numeric.Ratio
	LiquidityRate        numeric.Ratio
	LoanToValue          numeric.Ratio
	LiquidationThreshold numeric.Ratio
	Enabled              bool
}
