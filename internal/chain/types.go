// Package chain wraps the chain RPC client used by the indexer (C1): tip
// height, block+tx lookup, and synchronous contract queries. It hides the
// wire-format quirks of the underlying JSON-RPC endpoint from the rest of
// the pipeline, mirroring services/lending/engine/rpcclient and
// services/otc-gateway/swaprpc.
package chain

// Block is the subset of block data the indexer needs (spec §4.1).
type Block struct {
	Height    uint64
	Hash      string
	Time      int64
	TxHashes  []string
}

// EventAttribute is a single ordered (key, value) pair of a wasm event.
type EventAttribute struct {
	Key   string
	Value string
}

// Event is a single emitted event within a transaction.
type Event struct {
	Type       string
	Attributes []EventAttribute
}

// AttributeMap collapses the ordered attribute list into a lookup map; wasm
// events never repeat a key within one event in practice, so last-write-wins
// is an acceptable simplification for the decoder.
func (e Event) AttributeMap() map[string]string {
	out := make(map[string]string, len(e.Attributes))
	for _, attr := range e.Attributes {
		out[attr.Key] = attr.Value
	}
	return out
}

// Tx is a single transaction's execution result (spec §4.1).
type Tx struct {
	Hash   string
	Height uint64
	Code   uint32
	Events []Event
}

// Succeeded reports whether the transaction executed without error.
func (t Tx) Succeeded() bool { return t.Code == 0 }
