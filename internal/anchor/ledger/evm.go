package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"attestor/internal/anchor/models"
	dErrors "attestor/pkg/domain-errors"
	"attestor/pkg/platform/sentinel"
)

// EVMAdapter anchors hashes through a JSON-RPC anchoring relay in front of an
// EVM-style chain. The relay owns key material and transaction assembly; this
// adapter only speaks the relay's RPC surface:
//
//	anchor_submit(hash, context)  -> txHash
//	anchor_status(txHash)         -> {status, blockNumber, blockTimestamp, reason}
//	anchor_readHash(txHash)       -> hash
//
// One instance serves one chain; ethereum and polygon are two instances with
// different endpoints and metadata.
type EVMAdapter struct {
	endpoint string
	meta     models.NetworkMetadata
	policy   RetryPolicy
	client   *http.Client
	reqID    atomic.Int64
}

// NewEVMAdapter builds an adapter for one EVM network relay.
func NewEVMAdapter(endpoint string, meta models.NetworkMetadata, policy RetryPolicy) *EVMAdapter {
	return &EVMAdapter{
		endpoint: endpoint,
		meta:     meta,
		policy:   policy,
		client:   &http.Client{},
	}
}

// NewEthereumAdapter returns the mainnet adapter.
func NewEthereumAdapter(endpoint string, policy RetryPolicy) *EVMAdapter {
	return NewEVMAdapter(endpoint, models.NetworkMetadata{
		Network:             models.NetworkEthereum,
		ChainIdentifier:     "1",
		ExplorerURLTemplate: "https://etherscan.io/tx/{tx}",
		Description:         "Ethereum mainnet",
	}, policy)
}

// NewPolygonAdapter returns the polygon adapter.
func NewPolygonAdapter(endpoint string, policy RetryPolicy) *EVMAdapter {
	return NewEVMAdapter(endpoint, models.NetworkMetadata{
		Network:             models.NetworkPolygon,
		ChainIdentifier:     "137",
		ExplorerURLTemplate: "https://polygonscan.com/tx/{tx}",
		Description:         "Polygon PoS",
	}, policy)
}

func (a *EVMAdapter) Submit(ctx context.Context, documentHash string, sub SubmitContext) (string, error) {
	var txHash string
	err := a.policy.Do(ctx, func(ctx context.Context) error {
		return a.call(ctx, "anchor_submit", []any{documentHash, map[string]string{
			"recordId":  sub.RecordID,
			"framework": sub.Framework,
			"owner":     sub.Owner,
		}}, &txHash)
	})
	if err != nil {
		return "", err
	}
	if txHash == "" {
		return "", dErrors.New(dErrors.CodeRejected, "relay returned empty transaction hash")
	}
	return txHash, nil
}

func (a *EVMAdapter) PollStatus(ctx context.Context, transactionRef string) (PollResult, error) {
	var raw struct {
		Status         string `json:"status"`
		BlockNumber    int64  `json:"blockNumber"`
		BlockTimestamp int64  `json:"blockTimestamp"`
		Reason         string `json:"reason"`
	}
	err := a.policy.Do(ctx, func(ctx context.Context) error {
		return a.call(ctx, "anchor_status", []any{transactionRef}, &raw)
	})
	if err != nil {
		return PollResult{}, err
	}

	switch raw.Status {
	case "pending":
		return PollResult{State: PollPending}, nil
	case "confirmed":
		return PollResult{
			State:          PollConfirmed,
			BlockNumber:    raw.BlockNumber,
			BlockTimestamp: time.Unix(raw.BlockTimestamp, 0).UTC(),
		}, nil
	case "failed":
		return PollResult{State: PollFailed, Reason: raw.Reason}, nil
	default:
		return PollResult{}, dErrors.New(dErrors.CodeLedgerUnavailable,
			fmt.Sprintf("relay reported unknown status %q", raw.Status))
	}
}

func (a *EVMAdapter) ReadAnchoredHash(ctx context.Context, transactionRef string) (string, error) {
	var anchored string
	err := a.policy.Do(ctx, func(ctx context.Context) error {
		return a.call(ctx, "anchor_readHash", []any{transactionRef}, &anchored)
	})
	if err != nil {
		return "", err
	}
	if anchored == "" {
		return "", sentinel.ErrNotFound
	}
	return anchored, nil
}

func (a *EVMAdapter) NetworkMetadata() models.NetworkMetadata {
	return a.meta
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs one JSON-RPC round trip. Transport faults and 5xx responses
// classify as transient; RPC-level errors classify by code: invalid request/
// params mean the payload can never succeed.
func (a *EVMAdapter) call(ctx context.Context, method string, params []any, result any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      a.reqID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeRejected, "marshal rpc request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeRejected, "build rpc request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeLedgerUnavailable, "rpc transport failure")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return dErrors.New(dErrors.CodeLedgerUnavailable,
			fmt.Sprintf("relay returned status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return dErrors.New(dErrors.CodeRejected,
			fmt.Sprintf("relay returned status %d", resp.StatusCode))
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return dErrors.Wrap(err, dErrors.CodeLedgerUnavailable, "decode rpc response")
	}
	if rpcResp.Error != nil {
		// -32600 invalid request, -32602 invalid params: resending the
		// same payload can never succeed.
		if rpcResp.Error.Code == -32600 || rpcResp.Error.Code == -32602 {
			return dErrors.New(dErrors.CodeRejected, rpcResp.Error.Message)
		}
		return dErrors.New(dErrors.CodeLedgerUnavailable, rpcResp.Error.Message)
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return dErrors.Wrap(err, dErrors.CodeLedgerUnavailable, "decode rpc result")
		}
	}
	return nil
}
