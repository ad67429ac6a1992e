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
	"fmt"
)

// MessageHeader counts the signature and privilege classes of the account
// key array.
type MessageHeader struct {
	NumRequiredSignatures uint8
	NumReadonlySigned     uint8
	NumReadonlyUnsigned   uint8
}

// CompiledInstruction references accounts and the program by index into
// the message's account key array.
type CompiledInstruction struct {
	ProgramIDIndex uint8
	Accounts       []uint8
	Data           []byte
}

// Message is a legacy-format transaction message ready for signing.
type Message struct {
	Header          MessageHeader
	AccountKeys     []Pubkey
	RecentBlockhash Hash
	Instructions    []CompiledInstruction
}

type keyMeta struct {
	key      Pubkey
	signer   bool
	writable bool
}

// CompileMessage flattens instructions into a legacy message. Account keys
// are deduplicated with privileges merged, then ordered fee payer first,
// followed by writable signers, readonly signers, writable non-signers,
// and readonly non-signers. Within each class keys keep first-appearance
// order.
func CompileMessage(payer Pubkey, blockhash Hash, instructions []Instruction) (*Message, error) {
	if payer.IsZero() {
		return nil, fmt.Errorf("message requires a fee payer")
	}
	if len(instructions) == 0 {
		return nil, fmt.Errorf("message requires at least one instruction")
	}

	metas := []keyMeta{{key: payer, signer: true, writable: true}}
	position := map[Pubkey]int{payer: 0}
	upsert := func(key Pubkey, signer, writable bool) {
		if i, ok := position[key]; ok {
			metas[i].signer = metas[i].signer || signer
			metas[i].writable = metas[i].writable || writable
			return
		}
		position[key] = len(metas)
		metas = append(metas, keyMeta{key: key, signer: signer, writable: writable})
	}
	for _, ix := range instructions {
		for _, acc := range ix.Accounts {
			upsert(acc.Pubkey, acc.IsSigner, acc.IsWritable)
		}
		upsert(ix.ProgramID, false, false)
	}

	// Stable partition into the four privilege classes. The payer was
	// seeded as a writable signer, so it stays at index zero.
	var writableSigners, readonlySigners, writableOthers, readonlyOthers []Pubkey
	for _, m := range metas {
		switch {
		case m.signer && m.writable:
			writableSigners = append(writableSigners, m.key)
		case m.signer:
			readonlySigners = append(readonlySigners, m.key)
		case m.writable:
			writableOthers = append(writableOthers, m.key)
		default:
			readonlyOthers = append(readonlyOthers, m.key)
		}
	}

	keys := make([]Pubkey, 0, len(metas))
	keys = append(keys, writableSigners...)
	keys = append(keys, readonlySigners...)
	keys = append(keys, writableOthers...)
	keys = append(keys, readonlyOthers...)
	if len(keys) > 256 {
		return nil, fmt.Errorf("message references %d accounts, exceeding the 256 account limit", len(keys))
	}

	index := make(map[Pubkey]uint8, len(keys))
	for i, key := range keys {
		index[key] = uint8(i)
	}

	compiled := make([]CompiledInstruction, 0, len(instructions))
	for _, ix := range instructions {
		ci := CompiledInstruction{
			ProgramIDIndex: index[ix.ProgramID],
			Accounts:       make([]uint8, 0, len(ix.Accounts)),
			Data:           ix.Data,
		}
		for _, acc := range ix.Accounts {
			ci.Accounts = append(ci.Accounts, index[acc.Pubkey])
		}
		compiled = append(compiled, ci)
	}

	return &Message{
		Header: MessageHeader{
			NumRequiredSignatures: uint8(len(writableSigners) + len(readonlySigners)),
			NumReadonlySigned:     uint8(len(readonlySigners)),
			NumReadonlyUnsigned:   uint8(len(readonlyOthers)),
		},
		AccountKeys:     keys,
		RecentBlockhash: blockhash,
		Instructions:    compiled,
	}, nil
}

// RequiredSigners returns the keys whose signatures the message demands,
// in signature slot order.
func (m *Message) RequiredSigners() []Pubkey {
	n := int(m.Header.NumRequiredSignatures)
	if n > len(m.AccountKeys) {
		n = len(m.AccountKeys)
	}
	return m.AccountKeys[:n]
}

// Serialize encodes the message in wire format: the three header bytes, a
// compact-u16 prefixed account key array, the recent blockhash, and a
// compact-u16 prefixed instruction array.
func (m *Message) Serialize() ([]byte, error) {
	if len(m.AccountKeys) > 256 {
		return nil, fmt.Errorf("message references %d accounts, exceeding the 256 account limit", len(m.AccountKeys))
	}
	buf := make([]byte, 0, 256)
	buf = append(buf, m.Header.NumRequiredSignatures, m.Header.NumReadonlySigned, m.Header.NumReadonlyUnsigned)
	buf = appendCompactU16(buf, len(m.AccountKeys))
	for _, key := range m.AccountKeys {
		buf = append(buf, key[:]...)
	}
	buf = append(buf, m.RecentBlockhash[:]...)
	buf = appendCompactU16(buf, len(m.Instructions))
	for _, ix := range m.Instructions {
		if int(ix.ProgramIDIndex) >= len(m.AccountKeys) {
			return nil, fmt.Errorf("instruction program index %d out of range", ix.ProgramIDIndex)
		}
		buf = append(buf, ix.ProgramIDIndex)
		buf = appendCompactU16(buf, len(ix.Accounts))
		buf = append(buf, ix.Accounts...)
		buf = appendCompactU16(buf, len(ix.Data))
		buf = append(buf, ix.Data...)
	}
	return buf, nil
}

const maxCompactU16 = 0xffff

// appendCompactU16 appends n in the compact-u16 encoding: little-endian
// base-128 with a continuation bit, at most three bytes.
func appendCompactU16(buf []byte, n int) []byte {
	v := uint32(n)
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(buf, b)
		}
		buf = append(buf, b|0x80)
	}
}

// decodeCompactU16 reads a compact-u16 from the front of data, returning
// the value and the number of bytes consumed.
func decodeCompactU16(data []byte) (int, int, error) {
	var value uint32
	for i := 0; i < 3; i++ {
		if i >= len(data) {
			return 0, 0, fmt.Errorf("truncated compact-u16")
		}
		b := data[i]
		value |= uint32(b&0x7f) << (7 * i)
		if b&0x80 == 0 {
			if value > maxCompactU16 {
				return 0, 0, fmt.Errorf("compact-u16 value %d overflows", value)
			}
			return int(value), i + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("compact-u16 exceeds three bytes")
}
