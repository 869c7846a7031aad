package ledger

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

const weiDecimals = 18

// ToWei converts a native-unit amount to wei, truncating below 1 wei.
func ToWei(amount decimal.Decimal) *big.Int {
	return amount.Shift(weiDecimals).BigInt()
}

// FromWei converts wei to the native unit.
func FromWei(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -weiDecimals)
}

// ValidAddress reports whether s is a 20-byte hex address.
func ValidAddress(s string) bool {
	return common.IsHexAddress(s)
}

// NormalizeAddress returns the checksummed form of s, or an error when s is
// not an address.
func NormalizeAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s).Hex(), nil
}

// SameAddress compares two addresses ignoring checksum case.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// AccountFromKey builds a signing account from a private key.
func AccountFromKey(key *ecdsa.PrivateKey) Account {
	return Account{Address: crypto.PubkeyToAddress(key.PublicKey).Hex(), Key: key}
}

// AccountFromHex parses a hex private key, with or without 0x prefix.
func AccountFromHex(hexKey string) (Account, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return Account{}, fmt.Errorf("parse private key: %w", err)
	}
	return AccountFromKey(key), nil
}
