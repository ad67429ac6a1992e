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
	"encoding/base64"
	"fmt"
)

// Transaction pairs a compiled message with its signatures. Signature slot
// order matches the message's required signer order.
type Transaction struct {
	Signatures []Signature
	Message    *Message
}

// NewTransaction wraps a compiled message with empty signature slots.
func NewTransaction(msg *Message) *Transaction {
	return &Transaction{
		Signatures: make([]Signature, msg.Header.NumRequiredSignatures),
		Message:    msg,
	}
}

// Sign serializes the message and fills every signature slot from the
// supplied keypairs. A required signer without a matching keypair is an
// error, mirroring the refusal to submit partially signed transactions.
func (t *Transaction) Sign(signers ...*Keypair) error {
	msgBytes, err := t.Message.Serialize()
	if err != nil {
		return fmt.Errorf("failed to serialize message for signing: %w", err)
	}
	byKey := make(map[Pubkey]*Keypair, len(signers))
	for _, kp := range signers {
		byKey[kp.Pubkey()] = kp
	}
	required := t.Message.RequiredSigners()
	if len(t.Signatures) != len(required) {
		t.Signatures = make([]Signature, len(required))
	}
	for i, key := range required {
		kp, ok := byKey[key]
		if !ok {
			return fmt.Errorf("no keypair available for required signer %s", key)
		}
		t.Signatures[i] = kp.Sign(msgBytes)
	}
	return nil
}

// Serialize encodes the transaction in wire format: a compact-u16 prefixed
// signature array followed by the serialized message.
func (t *Transaction) Serialize() ([]byte, error) {
	msgBytes, err := t.Message.Serialize()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(t.Signatures)*64+len(msgBytes)+1)
	buf = appendCompactU16(buf, len(t.Signatures))
	for _, sig := range t.Signatures {
		buf = append(buf, sig[:]...)
	}
	return append(buf, msgBytes...), nil
}

// Base64 returns the serialized transaction in the encoding the RPC
// submission methods accept.
func (t *Transaction) Base64() (string, error) {
	raw, err := t.Serialize()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// ID returns the base58 form of the first signature, which identifies the
// transaction on chain. It is empty before signing.
func (t *Transaction) ID() string {
	if len(t.Signatures) == 0 || t.Signatures[0] == (Signature{}) {
		return ""
	}
	return t.Signatures[0].String()
}
