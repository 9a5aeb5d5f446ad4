package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"attestor/internal/anchor/models"
	dErrors "attestor/pkg/domain-errors"
	"attestor/pkg/platform/sentinel"
)

// FabricAdapter anchors hashes on a permissioned Hyperledger Fabric network
// through its REST gateway. Permissioned consensus finalizes quickly, so
// polls usually confirm on the first pass.
//
// Gateway surface:
//
//	POST /anchors            {hash, recordId, framework, owner} -> {transactionId}
//	GET  /anchors/{txID}     -> {status, blockNumber, committedAt, reason}
//	GET  /anchors/{txID}/hash -> {hash}
type FabricAdapter struct {
	baseURL string
	policy  RetryPolicy
	client  *http.Client
}

func NewFabricAdapter(baseURL string, policy RetryPolicy) *FabricAdapter {
	return &FabricAdapter{
		baseURL: baseURL,
		policy:  policy,
		client:  &http.Client{},
	}
}

func (a *FabricAdapter) Submit(ctx context.Context, documentHash string, sub SubmitContext) (string, error) {
	payload := map[string]string{
		"hash":      documentHash,
		"recordId":  sub.RecordID,
		"framework": sub.Framework,
		"owner":     sub.Owner,
	}

	var out struct {
		TransactionID string `json:"transactionId"`
	}
	err := a.policy.Do(ctx, func(ctx context.Context) error {
		return a.post(ctx, "/anchors", payload, &out)
	})
	if err != nil {
		return "", err
	}
	if out.TransactionID == "" {
		return "", dErrors.New(dErrors.CodeRejected, "gateway returned empty transaction id")
	}
	return out.TransactionID, nil
}

func (a *FabricAdapter) PollStatus(ctx context.Context, transactionRef string) (PollResult, error) {
	var out struct {
		Status      string    `json:"status"`
		BlockNumber int64     `json:"blockNumber"`
		CommittedAt time.Time `json:"committedAt"`
		Reason      string    `json:"reason"`
	}
	err := a.policy.Do(ctx, func(ctx context.Context) error {
		return a.get(ctx, "/anchors/"+transactionRef, &out)
	})
	if err != nil {
		return PollResult{}, err
	}

	switch out.Status {
	case "pending":
		return PollResult{State: PollPending}, nil
	case "committed":
		return PollResult{
			State:          PollConfirmed,
			BlockNumber:    out.BlockNumber,
			BlockTimestamp: out.CommittedAt.UTC(),
		}, nil
	case "invalid":
		return PollResult{State: PollFailed, Reason: out.Reason}, nil
	default:
		return PollResult{}, dErrors.New(dErrors.CodeLedgerUnavailable,
			fmt.Sprintf("gateway reported unknown status %q", out.Status))
	}
}

func (a *FabricAdapter) ReadAnchoredHash(ctx context.Context, transactionRef string) (string, error) {
	var out struct {
		Hash string `json:"hash"`
	}
	err := a.policy.Do(ctx, func(ctx context.Context) error {
		return a.get(ctx, "/anchors/"+transactionRef+"/hash", &out)
	})
	if err != nil {
		return "", err
	}
	if out.Hash == "" {
		return "", sentinel.ErrNotFound
	}
	return out.Hash, nil
}

func (a *FabricAdapter) NetworkMetadata() models.NetworkMetadata {
	return models.NetworkMetadata{
		Network:         models.NetworkHyperledger,
		ChainIdentifier: "fabric-v2.4",
		Description:     "Permissioned Hyperledger Fabric network",
	}
}

func (a *FabricAdapter) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeRejected, "marshal gateway request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeRejected, "build gateway request")
	}
	req.Header.Set("Content-Type", "application/json")
	return a.do(req, out)
}

func (a *FabricAdapter) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeRejected, "build gateway request")
	}
	return a.do(req, out)
}

func (a *FabricAdapter) do(req *http.Request, out any) error {
	resp, err := a.client.Do(req)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeLedgerUnavailable, "gateway transport failure")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return sentinel.ErrNotFound
	case resp.StatusCode >= 500:
		return dErrors.New(dErrors.CodeLedgerUnavailable,
			fmt.Sprintf("gateway returned status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return dErrors.New(dErrors.CodeRejected,
			fmt.Sprintf("gateway returned status %d", resp.StatusCode))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return dErrors.Wrap(err, dErrors.CodeLedgerUnavailable, "decode gateway response")
		}
	}
	return nil
}
