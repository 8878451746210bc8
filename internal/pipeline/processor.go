package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"lendindexer/internal/decode"
	"lendindexer/internal/handlers"
	"lendindexer/internal/logging"
	"lendindexer/internal/numeric"
	"lendindexer/internal/pushbus"
	"lendindexer/internal/store"
)

// Processor is C5: it classifies every wasm event in a block to
// factory/market/ignore, dispatches to the matching C4 handler inside one
// store transaction per event, and advances the checkpoint once every tx in
// the block has committed cleanly.
type Processor struct {
	chain   ChainReader
	store   *store.Store
	bus     *pushbus.Bus
	logger  *slog.Logger
	factory string

	mu           sync.RWMutex
	knownMarkets map[string]struct{}
}

// NewProcessor constructs a Processor and rebuilds the known-market-address
// set from the store (spec §4.5's "Startup" rule).
func NewProcessor(ctx context.Context, chainReader ChainReader, st *store.Store, bus *pushbus.Bus, factoryAddress string, logger *slog.Logger) (*Processor, error) {
	known, err := st.KnownMarketAddresses(ctx)
	if err != nil {
		return nil, err
	}
	return &Processor{
		chain:        chainReader,
		store:        st,
		bus:          bus,
		logger:       logging.Component(logger, "handlers"),
		factory:      numeric.NormalizeAddress(factoryAddress),
		knownMarkets: known,
	}, nil
}

func (p *Processor) classify(contractAddress string) decode.Target {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return decode.Classify(contractAddress, p.factory, p.knownMarkets)
}

func (p *Processor) rememberMarket(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.knownMarkets[numeric.NormalizeAddress(address)] = struct{}{}
}

// ProcessBlock implements spec §4.5. On success the checkpoint has advanced
// to exactly height and every qualifying event is durably projected; on any
// handler error the checkpoint is not advanced and the caller retries.
func (p *Processor) ProcessBlock(ctx context.Context, height uint64) error {
	block, err := p.chain.Block(ctx, height)
	if err != nil {
		return err
	}
	blockHash := strings.ToLower(strings.TrimSpace(block.Hash))

	if len(block.TxHashes) == 0 {
		return p.store.UpsertIndexerState(ctx, height, blockHash)
	}

	for _, txHash := range block.TxHashes {
		if err := p.processTx(ctx, txHash, height, block.Time); err != nil {
			return err
		}
	}

	return p.store.UpsertIndexerState(ctx, height, blockHash)
}

func (p *Processor) processTx(ctx context.Context, txHash string, blockHeight uint64, blockTime int64) error {
	tx, err := p.chain.Tx(ctx, txHash)
	if err != nil {
		return err
	}
	if !tx.Succeeded() {
		return nil
	}

	for logIndex, event := range tx.Events {
		if event.Type != "wasm" {
			continue
		}
		attrs := event.AttributeMap()
		contractAddress, ok := decode.ContractAddress(attrs)
		if !ok {
			continue
		}

		target := p.classify(contractAddress)
		if target == decode.TargetIgnore {
			continue
		}
		isFactory := target == decode.TargetFactory

		meta := decode.EventMeta{
			ContractAddress: contractAddress,
			TxHash:          txHash,
			LogIndex:        logIndex,
			BlockHeight:     blockHeight,
			BlockTime:       blockTime,
		}

		if isFactory {
			if err := p.dispatchFactory(ctx, attrs, meta); err != nil {
				return err
			}
			continue
		}
		if err := p.dispatchMarket(ctx, attrs, meta); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) dispatchFactory(ctx context.Context, attrs map[string]string, meta decode.EventMeta) error {
	decoded, err := decode.DecodeFactory(attrs, meta)
	if err != nil {
		logging.WithTx(p.logger, meta.TxHash, meta.LogIndex).Warn("dropping factory event with invalid attributes", "error", err)
		return nil
	}
	if decoded == nil {
		return nil
	}
	ev, ok := decoded.(decode.MarketInstantiated)
	if !ok {
		return nil
	}

	var pub handlers.Publish
	err = p.store.RunInTransaction(ctx, func(tx *store.Store) error {
		var handlerErr error
		pub, handlerErr = handlers.HandleMarketInstantiated(ctx, tx, p.chain, ev)
		return handlerErr
	})
	if err != nil {
		return fmt.Errorf("market_instantiated %s: %w", ev.MarketID, err)
	}
	p.rememberMarket(ev.MarketAddress)
	p.publish(pub)
	return nil
}

func (p *Processor) dispatchMarket(ctx context.Context, attrs map[string]string, meta decode.EventMeta) error {
	decoded, err := decode.DecodeMarket(attrs, meta)
	if err != nil {
		logging.WithTx(p.logger, meta.TxHash, meta.LogIndex).Warn("dropping market event with invalid attributes", "error", err)
		return nil
	}
	if decoded == nil {
		return nil
	}

	var pub handlers.Publish
	runErr := p.store.RunInTransaction(ctx, func(tx *store.Store) error {
		var handlerErr error
		switch ev := decoded.(type) {
		case decode.Supply:
			pub, handlerErr = handlers.HandleSupply(ctx, tx, ev)
		case decode.Withdraw:
			pub, handlerErr = handlers.HandleWithdraw(ctx, tx, ev)
		case decode.SupplyCollateral:
			pub, handlerErr = handlers.HandleSupplyCollateral(ctx, tx, ev)
		case decode.WithdrawCollateral:
			pub, handlerErr = handlers.HandleWithdrawCollateral(ctx, tx, ev)
		case decode.Borrow:
			pub, handlerErr = handlers.HandleBorrow(ctx, tx, ev)
		case decode.Repay:
			pub, handlerErr = handlers.HandleRepay(ctx, tx, ev)
		case decode.Liquidate:
			pub, handlerErr = handlers.HandleLiquidate(ctx, tx, ev)
		case decode.AccrueInterest:
			pub, handlerErr = handlers.HandleAccrueInterest(ctx, tx, ev)
		case decode.UpdateParams:
			pub, handlerErr = handlers.HandleUpdateParams(ctx, tx, ev)
		default:
			handlerErr = nil
		}
		return handlerErr
	})
	if runErr != nil {
		// A market-not-found DataViolation aborts the containing block
		// (spec §4.3's pre-existence rule), unlike a decode-stage
		// DataViolation, which only ever drops the single event.
		return fmt.Errorf("market event at %s: %w", meta.ContractAddress, runErr)
	}
	p.publish(pub)
	return nil
}

// publish delivers post-commit notifications strictly after the handler's
// transaction has committed (spec §4.3/§9): publishers never share a
// transaction with the handler they notify for.
func (p *Processor) publish(pub handlers.Publish) {
	for _, marketID := range pub.MarketsUpdated {
		p.bus.Publish(pushbus.MarketUpdatedTopic(marketID), marketID)
	}
	for _, userAddress := range pub.PositionsUpdated {
		p.bus.Publish(pushbus.PositionUpdatedTopic(userAddress), userAddress)
	}
	if pub.HasNewTransaction {
		p.bus.Publish(pushbus.NewTransactionTopic(pub.NewTransactionMarket), pub.NewTransactionMarket)
		p.bus.Publish(pushbus.NewTransactionTopic(""), pub.NewTransactionMarket)
	}
}
