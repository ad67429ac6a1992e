// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rpc is a JSON-RPC 2.0 client for ledger endpoints: the sandbox
// validator the environment owns, and the real upstream ledger that
// missing accounts are cloned from. It covers the standard read and
// submit methods plus the sandbox's privileged surfnet_* extensions.
package rpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/flowbench/internal/txn"
	"github.com/tombee/flowbench/pkg/httpclient"
)

const defaultCommitment = "confirmed"

// ErrTransactionFailed marks a transaction that confirmed with an
// on-chain error, as opposed to a transport problem while waiting for
// confirmation. Callers score the former and abort on the latter.
var ErrTransactionFailed = errors.New("transaction failed on chain")

// Client issues JSON-RPC calls to a single ledger endpoint.
type Client struct {
	httpClient      *http.Client
	endpoint        string
	logger          *slog.Logger
	limiter         *rate.Limiter
	confirmInterval time.Duration
	nextID          atomic.Uint64
}

// Option configures a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = client
		return nil
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

// WithRateLimit throttles calls to rps requests per second with the given
// burst. Upstream public endpoints reject unthrottled clients.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) error {
		if rps <= 0 || burst <= 0 {
			return fmt.Errorf("rate limit requires positive rps and burst, got %v/%d", rps, burst)
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		return nil
	}
}

// WithConfirmInterval sets the poll interval used while waiting for
// transaction confirmation.
func WithConfirmInterval(interval time.Duration) Option {
	return func(c *Client) error {
		if interval <= 0 {
			return fmt.Errorf("confirm interval must be positive, got %v", interval)
		}
		c.confirmInterval = interval
		return nil
	}
}

// New creates a client for the given JSON-RPC endpoint.
func New(endpoint string, opts ...Option) (*Client, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("rpc endpoint is required")
	}
	c := &Client{
		endpoint:        endpoint,
		logger:          slog.Default(),
		confirmInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.httpClient == nil {
		c.httpClient = defaultHTTPClient()
	}
	return c, nil
}

// defaultHTTPClient retries transient failures. Replaying a JSON-RPC
// POST is safe here: a signed transaction lands at most once, keyed by
// its signature, and reads are idempotent.
func defaultHTTPClient() *http.Client {
	client, err := httpclient.New(httpclient.Config{
		Timeout:                 30 * time.Second,
		RetryAttempts:           2,
		RetryBackoff:            200 * time.Millisecond,
		MaxBackoff:              2 * time.Second,
		UserAgent:               "flowbench-rpc/1.0",
		AllowNonIdempotentRetry: true,
	})
	if err != nil {
		return &http.Client{Timeout: 30 * time.Second}
	}
	return client
}

// Endpoint returns the URL this client talks to.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// call performs one JSON-RPC round trip, decoding the result into out when
// out is non-nil.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter interrupted for %s: %w", method, err)
		}
	}

	body, err := json.Marshal(request{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug("rpc call", "method", method, "endpoint", c.endpoint)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		text, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s returned HTTP %d: %s", method, resp.StatusCode, string(text))
	}

	var envelope response
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("%s: %w", method, envelope.Error)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}
	return nil
}

// Health checks the endpoint's health probe.
func (c *Client) Health(ctx context.Context) error {
	var status string
	if err := c.call(ctx, "getHealth", nil, &status); err != nil {
		return err
	}
	if status != "ok" {
		return fmt.Errorf("ledger endpoint unhealthy: %s", status)
	}
	return nil
}

// LatestBlockhash fetches a fresh recent blockhash. Every submission must
// fetch its own; reusing one across steps is a reliable way to produce
// spurious failures.
func (c *Client) LatestBlockhash(ctx context.Context) (txn.Hash, error) {
	var result contextValue[struct {
		Blockhash            string `json:"blockhash"`
		LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
	}]
	params := []any{map[string]any{"commitment": defaultCommitment}}
	if err := c.call(ctx, "getLatestBlockhash", params, &result); err != nil {
		return txn.Hash{}, err
	}
	hash, err := txn.ParseHash(result.Value.Blockhash)
	if err != nil {
		return txn.Hash{}, fmt.Errorf("getLatestBlockhash returned %q: %w", result.Value.Blockhash, err)
	}
	return hash, nil
}

// Balance returns an account's lamport balance.
func (c *Client) Balance(ctx context.Context, key txn.Pubkey) (uint64, error) {
	var result contextValue[uint64]
	params := []any{key.String(), map[string]any{"commitment": defaultCommitment}}
	if err := c.call(ctx, "getBalance", params, &result); err != nil {
		return 0, err
	}
	return result.Value, nil
}

// Account is the decoded state of one on-chain account.
type Account struct {
	Lamports   uint64
	Owner      txn.Pubkey
	Data       []byte
	Executable bool
	RentEpoch  uint64
}

// accountValue is the wire form of an account with base64 data.
type accountValue struct {
	Lamports   uint64   `json:"lamports"`
	Owner      string   `json:"owner"`
	Data       []string `json:"data"`
	Executable bool     `json:"executable"`
	RentEpoch  uint64   `json:"rentEpoch"`
}

func decodeAccount(v *accountValue) (*Account, error) {
	owner, err := txn.ParsePubkey(v.Owner)
	if err != nil {
		return nil, fmt.Errorf("account has invalid owner: %w", err)
	}
	account := &Account{
		Lamports:   v.Lamports,
		Owner:      owner,
		Executable: v.Executable,
		RentEpoch:  v.RentEpoch,
	}
	if len(v.Data) > 0 && v.Data[0] != "" {
		data, err := base64.StdEncoding.DecodeString(v.Data[0])
		if err != nil {
			return nil, fmt.Errorf("account data is not valid base64: %w", err)
		}
		account.Data = data
	}
	return account, nil
}

// GetAccount fetches one account. A missing account returns (nil, nil) so
// callers can distinguish absence from transport failure.
func (c *Client) GetAccount(ctx context.Context, key txn.Pubkey) (*Account, error) {
	var result contextValue[*accountValue]
	params := []any{key.String(), map[string]any{"encoding": "base64", "commitment": defaultCommitment}}
	if err := c.call(ctx, "getAccountInfo", params, &result); err != nil {
		return nil, err
	}
	if result.Value == nil {
		return nil, nil
	}
	account, err := decodeAccount(result.Value)
	if err != nil {
		return nil, fmt.Errorf("getAccountInfo %s: %w", key, err)
	}
	return account, nil
}

// GetAccounts fetches a batch of accounts in one call. Missing accounts
// come back as nil entries in the same positions as their keys.
func (c *Client) GetAccounts(ctx context.Context, keys []txn.Pubkey) ([]*Account, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	encoded := make([]string, len(keys))
	for i, key := range keys {
		encoded[i] = key.String()
	}
	var result contextValue[[]*accountValue]
	params := []any{encoded, map[string]any{"encoding": "base64", "commitment": defaultCommitment}}
	if err := c.call(ctx, "getMultipleAccounts", params, &result); err != nil {
		return nil, err
	}
	if len(result.Value) != len(keys) {
		return nil, fmt.Errorf("getMultipleAccounts returned %d entries for %d keys", len(result.Value), len(keys))
	}
	accounts := make([]*Account, len(keys))
	for i, v := range result.Value {
		if v == nil {
			continue
		}
		account, err := decodeAccount(v)
		if err != nil {
			return nil, fmt.Errorf("getMultipleAccounts %s: %w", keys[i], err)
		}
		accounts[i] = account
	}
	return accounts, nil
}

// SimulationResult is the outcome of a transaction simulation.
type SimulationResult struct {
	Err           json.RawMessage `json:"err"`
	Logs          []string        `json:"logs"`
	UnitsConsumed uint64          `json:"unitsConsumed"`
}

// Failed reports whether the simulation produced an execution error.
func (r *SimulationResult) Failed() bool {
	return len(r.Err) > 0 && string(r.Err) != "null"
}

// ErrText returns the raw execution error for messages.
func (r *SimulationResult) ErrText() string {
	return string(r.Err)
}

// SimulateTransaction dry-runs a base64-encoded transaction. Signature
// verification is skipped and the blockhash replaced server-side, so a
// transaction can be simulated before the final blockhash is fetched.
func (c *Client) SimulateTransaction(ctx context.Context, base64Tx string) (*SimulationResult, error) {
	var result contextValue[SimulationResult]
	params := []any{base64Tx, map[string]any{
		"encoding":               "base64",
		"sigVerify":              false,
		"replaceRecentBlockhash": true,
		"commitment":             defaultCommitment,
	}}
	if err := c.call(ctx, "simulateTransaction", params, &result); err != nil {
		return nil, err
	}
	return &result.Value, nil
}

// SendTransaction submits a base64-encoded signed transaction and returns
// its signature.
func (c *Client) SendTransaction(ctx context.Context, base64Tx string) (string, error) {
	var signature string
	params := []any{base64Tx, map[string]any{
		"encoding":            "base64",
		"preflightCommitment": defaultCommitment,
	}}
	if err := c.call(ctx, "sendTransaction", params, &signature); err != nil {
		return "", err
	}
	return signature, nil
}

// SignatureStatus describes the confirmation state of one signature.
type SignatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

// SignatureStatuses looks up the statuses of the given signatures. Unknown
// signatures come back as nil entries.
func (c *Client) SignatureStatuses(ctx context.Context, signatures []string) ([]*SignatureStatus, error) {
	var result contextValue[[]*SignatureStatus]
	params := []any{signatures, map[string]any{"searchTransactionHistory": true}}
	if err := c.call(ctx, "getSignatureStatuses", params, &result); err != nil {
		return nil, err
	}
	return result.Value, nil
}

// ConfirmTransaction polls until the signature confirms, errors on chain,
// or the context expires.
func (c *Client) ConfirmTransaction(ctx context.Context, signature string) error {
	ticker := time.NewTicker(c.confirmInterval)
	defer ticker.Stop()
	for {
		statuses, err := c.SignatureStatuses(ctx, []string{signature})
		if err != nil {
			return err
		}
		if len(statuses) > 0 && statuses[0] != nil {
			status := statuses[0]
			if len(status.Err) > 0 && string(status.Err) != "null" {
				return fmt.Errorf("%w: %s: %s", ErrTransactionFailed, signature, status.Err)
			}
			if status.ConfirmationStatus == "confirmed" || status.ConfirmationStatus == "finalized" {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("gave up waiting for confirmation of %s: %w", signature, ctx.Err())
		case <-ticker.C:
		}
	}
}

// RequestAirdrop asks the sandbox validator to mint lamports into an
// account and returns the airdrop's signature.
func (c *Client) RequestAirdrop(ctx context.Context, key txn.Pubkey, lamports uint64) (string, error) {
	var signature string
	if err := c.call(ctx, "requestAirdrop", []any{key.String(), lamports}, &signature); err != nil {
		return "", err
	}
	return signature, nil
}
