package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"lendindexer/internal/ingesterr"
)

// Config controls how the Adapter connects to the chain's JSON-RPC endpoint.
type Config struct {
	Endpoint          string
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	Burst             int
}

// Adapter is the process-wide chain RPC client (C1). It is lazily connected
// on first use and idempotent to close, shaped after
// services/otc-gateway/swaprpc.Client.
type Adapter struct {
	endpoint string
	http     *http.Client
	limiter  *rate.Limiter

	mu     sync.Mutex
	closed bool
}

// New constructs an Adapter; the underlying HTTP client is opened lazily on
// first Call, and Close is safe to call multiple times.
func New(cfg Config) (*Adapter, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("chain: endpoint is required")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 20
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &Adapter{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
	}, nil
}

// Close disconnects the adapter. It is idempotent and safe to call during
// shutdown even if the adapter was never used.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("rpc error %d: %s: %s", e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (a *Adapter) call(ctx context.Context, method string, params any, result any) error {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return ingesterr.TransientRpc("call after close", fmt.Errorf("method %s", method))
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return ingesterr.TransientRpc("rate limiter wait", err)
	}

	reqBody := rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(reqBody); err != nil {
		return fmt.Errorf("chain: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, &buf)
	if err != nil {
		return fmt.Errorf("chain: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Client", "lendindexer")

	resp, err := a.http.Do(httpReq)
	if err != nil {
		return ingesterr.TransientRpc(fmt.Sprintf("call %s", method), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ingesterr.TransientRpc(fmt.Sprintf("call %s", method), fmt.Errorf("status %s", resp.Status))
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return ingesterr.TransientRpc(fmt.Sprintf("decode response for %s", method), err)
	}
	if rpcResp.Error != nil {
		return ingesterr.TransientRpc(fmt.Sprintf("rpc error for %s", method), rpcResp.Error)
	}
	if result != nil && rpcResp.Result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("chain: decode result for %s: %w", method, err)
		}
	}
	return nil
}

// LatestHeight returns the current chain tip height.
func (a *Adapter) LatestHeight(ctx context.Context) (uint64, error) {
	var result struct {
		Height uint64 `json:"height"`
	}
	if err := a.call(ctx, "status", nil, &result); err != nil {
		return 0, err
	}
	return result.Height, nil
}

// Block fetches a block's header and transaction-hash list.
func (a *Adapter) Block(ctx context.Context, height uint64) (Block, error) {
	var result struct {
		Hash     string   `json:"hash"`
		Time     int64    `json:"time"`
		TxHashes []string `json:"tx_hashes"`
	}
	params := map[string]uint64{"height": height}
	if err := a.call(ctx, "block", params, &result); err != nil {
		return Block{}, err
	}
	return Block{
		Height:   height,
		Hash:     strings.ToLower(strings.TrimSpace(result.Hash)),
		Time:     result.Time,
		TxHashes: result.TxHashes,
	}, nil
}

// Tx fetches a single transaction's result and emitted events.
func (a *Adapter) Tx(ctx context.Context, txHash string) (Tx, error) {
	var result struct {
		Code   uint32 `json:"code"`
		Height uint64 `json:"height"`
		Events []struct {
			Type       string `json:"type"`
			Attributes []struct {
				Key   string `json:"key"`
				Value string `json:"value"`
			} `json:"attributes"`
		} `json:"events"`
	}
	params := map[string]string{"hash": txHash}
	if err := a.call(ctx, "tx", params, &result); err != nil {
		return Tx{}, err
	}
	events := make([]Event, 0, len(result.Events))
	for _, e := range result.Events {
		attrs := make([]EventAttribute, 0, len(e.Attributes))
		for _, a := range e.Attributes {
			attrs = append(attrs, EventAttribute{Key: a.Key, Value: a.Value})
		}
		events = append(events, Event{Type: e.Type, Attributes: attrs})
	}
	return Tx{Hash: txHash, Height: result.Height, Code: result.Code, Events: events}, nil
}

// QueryContract performs a synchronous smart-contract query and decodes the
// JSON result into dst (a pointer).
func (a *Adapter) QueryContract(ctx context.Context, address string, query any, dst any) error {
	params := map[string]any{"address": address, "query": query}
	return a.call(ctx, "query_contract", params, dst)
}
