package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultTestnetURL is the public testnet JSON-RPC endpoint
const DefaultTestnetURL = "https://s.altnet.rippletest.net:51234/"

// ErrRPC is wrapped by every error the node reports in its result object
var ErrRPC = errors.New("ledger rpc error")

// Wallet is an account address and the seed the node signs with.
// The seed never leaves this process except inside a submit request.
type Wallet struct {
	Address string
	Seed    string
}

// String redacts the seed
func (w Wallet) String() string {
	return w.Address
}

// Validate checks both halves of the wallet are present
func (w Wallet) Validate() error {
	if err := ValidateAddress(w.Address); err != nil {
		return err
	}
	if !strings.HasPrefix(w.Seed, "s") {
		return fmt.Errorf("seed for %s is missing or malformed", w.Address)
	}
	return nil
}

// SubmitResult is the node's answer to a sign-and-submit request. No
// classification is applied; EngineResult is whatever the node reported.
type SubmitResult struct {
	EngineResult        string          `json:"engine_result"`
	EngineResultCode    int             `json:"engine_result_code"`
	EngineResultMessage string          `json:"engine_result_message"`
	Accepted            bool            `json:"accepted"`
	Applied             bool            `json:"applied"`
	TxBlob              string          `json:"tx_blob"`
	TxJSON              json.RawMessage `json:"tx_json"`
	Hash                string          `json:"-"`
	Raw                 json.RawMessage `json:"-"`
}

// Client submits transactions for autofill, signing and submission
type Client interface {
	SignAndSubmit(ctx context.Context, tx Transaction, w Wallet) (*SubmitResult, error)
}

// RPCClient talks JSON-RPC to a node that has signing support enabled
type RPCClient struct {
	URL        string
	FeeMultMax int
	HTTPClient *http.Client
}

// NewRPCClient creates a client for url. A zero timeout leaves requests
// bounded only by the caller's context.
func NewRPCClient(url string, timeout time.Duration) *RPCClient {
	if url == "" {
		url = DefaultTestnetURL
	}
	return &RPCClient{
		URL:        url,
		FeeMultMax: 1000,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type submitParams struct {
	TxJSON     Transaction `json:"tx_json"`
	Secret     string      `json:"secret,omitempty"`
	Seed       string      `json:"seed,omitempty"`
	KeyType    string      `json:"key_type,omitempty"`
	FeeMultMax int         `json:"fee_mult_max,omitempty"`
}

type rpcErrorFields struct {
	Status       string `json:"status"`
	Error        string `json:"error"`
	ErrorCode    int    `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// SignAndSubmit sends tx with the wallet's seed in the node's
// sign-and-submit mode; the node fills Fee, Sequence and the signing key.
func (c *RPCClient) SignAndSubmit(ctx context.Context, tx Transaction, w Wallet) (*SubmitResult, error) {
	params := submitParams{TxJSON: tx, FeeMultMax: c.FeeMultMax}
	if strings.HasPrefix(w.Seed, "sEd") {
		params.Seed = w.Seed
		params.KeyType = "ed25519"
	} else {
		params.Secret = w.Seed
	}

	raw, err := c.call(ctx, "submit", params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", tx.TxType(), err)
	}

	var res SubmitResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("%s: decode result: %w", tx.TxType(), err)
	}
	var txFields struct {
		Hash string `json:"hash"`
	}
	if len(res.TxJSON) > 0 {
		if err := json.Unmarshal(res.TxJSON, &txFields); err != nil {
			return nil, fmt.Errorf("%s: decode tx_json: %w", tx.TxType(), err)
		}
	}
	res.Hash = txFields.Hash
	res.Raw = raw
	return &res, nil
}

// call performs one JSON-RPC request and returns the result object
func (c *RPCClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{Method: method, Params: []any{params}})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("node returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(envelope.Result) == 0 {
		return nil, errors.New("response has no result")
	}

	var status rpcErrorFields
	if err := json.Unmarshal(envelope.Result, &status); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	if status.Status == "error" || status.Error != "" {
		msg := status.ErrorMessage
		if msg == "" {
			msg = status.Error
		}
		return nil, fmt.Errorf("%w: %s (%s)", ErrRPC, msg, status.Error)
	}
	return envelope.Result, nil
}
