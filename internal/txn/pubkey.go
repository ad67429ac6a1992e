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

// Package txn builds, signs, and serializes Solana transactions from the
// instruction sets agents produce. It implements the legacy wire format:
// compiled messages with compact-u16 length prefixes, ed25519 signatures,
// and base58/base64 codecs for keys and submission payloads.
package txn

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/mr-tron/base58"
)

// Pubkey is a 32-byte ed25519 public key or program address.
type Pubkey [32]byte

// Hash is a 32-byte blockhash.
type Hash [32]byte

// Well-known program addresses referenced during compilation and
// account-state decoding.
var (
	// SystemProgramID is the native system program. Its address is the
	// zero key, which base58-encodes to a run of 32 '1' characters.
	SystemProgramID = Pubkey{}

	// TokenProgramID is the SPL token program.
	TokenProgramID = mustPubkey("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")

	// AssociatedTokenProgramID derives canonical token accounts from
	// (owner, mint) pairs.
	AssociatedTokenProgramID = mustPubkey("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")

	// AddressLookupTableProgramID owns on-chain address lookup tables.
	AddressLookupTableProgramID = mustPubkey("AddressLookupTab1e1111111111111111111111111")
)

// ParsePubkey decodes a base58-encoded 32-byte public key.
func ParsePubkey(s string) (Pubkey, error) {
	var key Pubkey
	raw, err := base58.Decode(s)
	if err != nil {
		return key, fmt.Errorf("invalid base58 pubkey %q: %w", s, err)
	}
	if len(raw) != len(key) {
		return key, fmt.Errorf("invalid pubkey %q: decoded to %d bytes, want %d", s, len(raw), len(key))
	}
	copy(key[:], raw)
	return key, nil
}

// ParseHash decodes a base58-encoded 32-byte blockhash.
func ParseHash(s string) (Hash, error) {
	key, err := ParsePubkey(s)
	if err != nil {
		return Hash{}, fmt.Errorf("invalid blockhash: %w", err)
	}
	return Hash(key), nil
}

// String returns the base58 encoding of the key.
func (p Pubkey) String() string {
	return base58.Encode(p[:])
}

// IsZero reports whether the key is the all-zero key.
func (p Pubkey) IsZero() bool {
	return p == Pubkey{}
}

// String returns the base58 encoding of the hash.
func (h Hash) String() string {
	return base58.Encode(h[:])
}

func mustPubkey(s string) Pubkey {
	key, err := ParsePubkey(s)
	if err != nil {
		panic(err)
	}
	return key
}

// Keypair holds an ed25519 signing key and its public half. Every run
// generates fresh keypairs, so private keys never leave the process.
type Keypair struct {
	pub  Pubkey
	priv ed25519.PrivateKey
}

// NewKeypair generates a random keypair.
func NewKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}
	var key Pubkey
	copy(key[:], pub)
	return &Keypair{pub: key, priv: priv}, nil
}

// KeypairFromSeed derives a keypair from a 32-byte seed. The same seed
// always yields the same keypair.
func KeypairFromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("keypair seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	var key Pubkey
	copy(key[:], priv.Public().(ed25519.PublicKey))
	return &Keypair{pub: key, priv: priv}, nil
}

// Pubkey returns the public key.
func (k *Keypair) Pubkey() Pubkey {
	return k.pub
}

// Sign signs a serialized message.
func (k *Keypair) Sign(message []byte) Signature {
	var sig Signature
	copy(sig[:], ed25519.Sign(k.priv, message))
	return sig
}

// Signature is a 64-byte ed25519 signature.
type Signature [64]byte

// String returns the base58 encoding of the signature, the form used as a
// transaction identifier.
func (s Signature) String() string {
	return base58.Encode(s[:])
}
