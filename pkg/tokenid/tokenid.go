// Package tokenid derives the fixed-width on-chain token identifier for a
// farmer-assigned batch identifier.
//
// The derivation is keccak256 over the UTF-8 bytes of the batch identifier with
// leading and trailing whitespace removed. Every caller that addresses the
// ledger must go through FromBatchID; tokens minted by earlier deployments were
// derived the same way and lookups silently diverge otherwise.
package tokenid

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// Size is the width of a token identifier in bytes (uint256).
const Size = 32

// ID is a token identifier as addressed by the ledger contracts.
type ID [Size]byte

// Normalize applies the batch identifier normalization used before hashing.
func Normalize(batchID string) string {
	return strings.TrimSpace(batchID)
}

// FromBatchID maps a batch identifier to its token identifier.
func FromBatchID(batchID string) ID {
	var id ID
	copy(id[:], crypto.Keccak256([]byte(Normalize(batchID))))
	return id
}

// Parse decodes a 0x-prefixed (or bare) 64 character hex token identifier.
func Parse(s string) (ID, error) {
	var id ID
	raw := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if len(raw) != Size*2 {
		return id, fmt.Errorf("token id must be %d hex characters, got %d", Size*2, len(raw))
	}
	if _, err := hex.Decode(id[:], []byte(raw)); err != nil {
		return id, fmt.Errorf("decode token id: %w", err)
	}
	return id, nil
}

// Hex returns the 0x-prefixed lower-case hex form.
func (id ID) Hex() string {
	return "0x" + hex.EncodeToString(id[:])
}

// String implements fmt.Stringer.
func (id ID) String() string { return id.Hex() }

// Big returns the identifier as the uint256 value passed to contract calls.
func (id ID) Big() *big.Int {
	return new(big.Int).SetBytes(id[:])
}

// IsZero reports whether the identifier is unset.
func (id ID) IsZero() bool {
	return id == ID{}
}

// MarshalText encodes the identifier as hex.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.Hex()), nil
}

// UnmarshalText decodes a hex identifier.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
