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

package txn

import (
	"encoding/binary"
	"fmt"
)

// TokenAccountSize is the packed size of an SPL token account. Account
// data of any other length under the token program is not a token
// account.
const TokenAccountSize = 165

// TokenAccount is the decoded prefix of an SPL token account: the mint,
// the owning wallet, and the balance in base units. The remaining fields
// (delegate, state, close authority) are not needed for observations or
// balance assertions.
type TokenAccount struct {
	Mint   Pubkey
	Owner  Pubkey
	Amount uint64
}

// DecodeTokenAccount unpacks the token fields from an SPL token account's
// data.
func DecodeTokenAccount(data []byte) (*TokenAccount, error) {
	if len(data) != TokenAccountSize {
		return nil, fmt.Errorf("token account data is %d bytes, want %d", len(data), TokenAccountSize)
	}
	var account TokenAccount
	copy(account.Mint[:], data[0:32])
	copy(account.Owner[:], data[32:64])
	account.Amount = binary.LittleEndian.Uint64(data[64:72])
	return &account, nil
}
