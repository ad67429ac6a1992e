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

// Address lookup table account layout: a fixed-size metadata header
// followed by a packed array of 32-byte addresses.
const (
	lookupTableMetaSize  = 56
	lookupTableTypeIndex = 1
)

// DecodeLookupTable extracts the stored addresses from an address lookup
// table account's data. Transactions can reference these addresses
// indirectly, so they count as referenced accounts when resolving missing
// state.
func DecodeLookupTable(data []byte) ([]Pubkey, error) {
	if len(data) < lookupTableMetaSize {
		return nil, fmt.Errorf("lookup table data is %d bytes, shorter than the %d byte header", len(data), lookupTableMetaSize)
	}
	if typeIndex := binary.LittleEndian.Uint32(data[0:4]); typeIndex != lookupTableTypeIndex {
		return nil, fmt.Errorf("account is not an initialized lookup table (type index %d)", typeIndex)
	}
	body := data[lookupTableMetaSize:]
	if len(body)%32 != 0 {
		return nil, fmt.Errorf("lookup table addresses are misaligned: %d trailing bytes", len(body)%32)
	}
	addresses := make([]Pubkey, 0, len(body)/32)
	for off := 0; off < len(body); off += 32 {
		var key Pubkey
		copy(key[:], body[off:off+32])
		addresses = append(addresses, key)
	}
	return addresses, nil
}
