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

package rpc

import (
	"context"
	"encoding/hex"

	"github.com/tombee/flowbench/internal/txn"
)

// Privileged surfnet_* extensions the sandbox validator exposes for state
// injection and clock control. These are setup-only calls: once scoring
// begins, nothing may touch state except submitted transactions.

// SetLamports writes an account's lamport balance directly.
func (c *Client) SetLamports(ctx context.Context, key txn.Pubkey, lamports uint64) error {
	params := []any{key.String(), map[string]any{"lamports": lamports}}
	return c.call(ctx, "surfnet_setAccount", params, nil)
}

// SetAccount writes a complete account, cloning lamports, owner, flags,
// and data. Data crosses the wire hex-encoded.
func (c *Client) SetAccount(ctx context.Context, key txn.Pubkey, account *Account) error {
	params := []any{key.String(), map[string]any{
		"lamports":   account.Lamports,
		"owner":      account.Owner.String(),
		"executable": account.Executable,
		"rent_epoch": account.RentEpoch,
		"data":       hex.EncodeToString(account.Data),
	}}
	return c.call(ctx, "surfnet_setAccount", params, nil)
}

// SetTokenAccount provisions a token account for an owner and mint with
// the given amount in base units, deriving the backing account server
// side.
func (c *Client) SetTokenAccount(ctx context.Context, owner, mint txn.Pubkey, amount uint64) error {
	params := []any{
		owner.String(),
		mint.String(),
		map[string]any{"amount": amount},
		txn.TokenProgramID.String(),
	}
	return c.call(ctx, "surfnet_setTokenAccount", params, nil)
}

// ResetAccount removes an account from the sandbox state.
func (c *Client) ResetAccount(ctx context.Context, key txn.Pubkey) error {
	return c.call(ctx, "surfnet_resetAccount", []any{key.String()}, nil)
}

// TimeTravel moves the sandbox clock to the given unix timestamp. Forked
// ledgers start at the fork's snapshot time, which breaks any program
// logic comparing against wall-clock expiry.
func (c *Client) TimeTravel(ctx context.Context, unixTimestamp int64) error {
	params := []any{map[string]any{"unix_timestamp": unixTimestamp}}
	return c.call(ctx, "surfnet_timeTravel", params, nil)
}
