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
	"crypto/sha256"
	"fmt"

	"filippo.io/edwards25519"
)

const (
	maxSeeds      = 16
	maxSeedLength = 32
)

var pdaMarker = []byte("ProgramDerivedAddress")

// CreateProgramAddress hashes seeds with a program id into a derived
// address. The result must not be a valid curve point, since program
// addresses have no corresponding private key.
func CreateProgramAddress(seeds [][]byte, program Pubkey) (Pubkey, error) {
	if len(seeds) > maxSeeds {
		return Pubkey{}, fmt.Errorf("too many seeds: %d exceeds the limit of %d", len(seeds), maxSeeds)
	}
	h := sha256.New()
	for i, seed := range seeds {
		if len(seed) > maxSeedLength {
			return Pubkey{}, fmt.Errorf("seed %d is %d bytes, exceeding the %d byte limit", i, len(seed), maxSeedLength)
		}
		h.Write(seed)
	}
	h.Write(program[:])
	h.Write(pdaMarker)

	var derived Pubkey
	copy(derived[:], h.Sum(nil))
	if isOnCurve(derived) {
		return Pubkey{}, fmt.Errorf("derived address lands on the ed25519 curve")
	}
	return derived, nil
}

// FindProgramAddress searches bump seeds from 255 downward for the first
// off-curve derived address, returning the address and the bump that
// produced it.
func FindProgramAddress(seeds [][]byte, program Pubkey) (Pubkey, uint8, error) {
	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)
	for bump := 255; bump >= 0; bump-- {
		withBump[len(seeds)] = []byte{byte(bump)}
		derived, err := CreateProgramAddress(withBump, program)
		if err == nil {
			return derived, uint8(bump), nil
		}
	}
	return Pubkey{}, 0, fmt.Errorf("no viable bump seed for program %s", program)
}

// AssociatedTokenAddress derives the canonical token account for an owner
// and mint pair.
func AssociatedTokenAddress(owner, mint Pubkey) (Pubkey, error) {
	seeds := [][]byte{owner[:], TokenProgramID[:], mint[:]}
	derived, _, err := FindProgramAddress(seeds, AssociatedTokenProgramID)
	if err != nil {
		return Pubkey{}, fmt.Errorf("failed to derive token account for owner %s: %w", owner, err)
	}
	return derived, nil
}

func isOnCurve(key Pubkey) bool {
	_, err := new(edwards25519.Point).SetBytes(key[:])
	return err == nil
}
