package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"lendindexer/internal/chain"
)

// fakeChain is an in-memory ChainReader + ContractQuerier used by the
// processor and loop tests, grounded on the same fake-RPC shape the
// teacher's services/otc-gateway tests use for their chain stub.
type fakeChain struct {
	tip     uint64
	blocks  map[uint64]chain.Block
	txs     map[string]chain.Tx
	config  map[string]any
	errTips error
}

func newFakeChain() *fakeChain {
	return &fakeChain{blocks: make(map[uint64]chain.Block), txs: make(map[string]chain.Tx), config: make(map[string]any)}
}

func (f *fakeChain) LatestHeight(context.Context) (uint64, error) {
	if f.errTips != nil {
		return 0, f.errTips
	}
	return f.tip, nil
}

func (f *fakeChain) Block(_ context.Context, height uint64) (chain.Block, error) {
	b, ok := f.blocks[height]
	if !ok {
		return chain.Block{}, fmt.Errorf("fakechain: no block at %d", height)
	}
	return b, nil
}

func (f *fakeChain) Tx(_ context.Context, txHash string) (chain.Tx, error) {
	tx, ok := f.txs[txHash]
	if !ok {
		return chain.Tx{}, fmt.Errorf("fakechain: no tx %s", txHash)
	}
	return tx, nil
}

func (f *fakeChain) QueryContract(_ context.Context, address string, query, dst any) error {
	raw, ok := f.config[address]
	if !ok {
		return fmt.Errorf("fakechain: no contract state for %s", address)
	}
	bundle, ok := raw.(map[string]any)
	if !ok {
		return fmt.Errorf("fakechain: contract state for %s is not a bundle", address)
	}

	queryData, err := json.Marshal(query)
	if err != nil {
		return err
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(queryData, &probe); err != nil {
		return err
	}

	var section any
	if _, ok := probe["config"]; ok {
		section = bundle["config"]
	} else {
		section = bundle["params"]
	}

	data, err := json.Marshal(section)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func attrsEvent(attrs map[string]string) chain.Event {
	out := chain.Event{Type: "wasm"}
	for k, v := range attrs {
		out.Attributes = append(out.Attributes, chain.EventAttribute{Key: k, Value: v})
	}
	return out
}
