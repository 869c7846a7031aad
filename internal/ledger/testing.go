package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// SeedBalance is a test helper that credits an address when using the simulated chain.
func SeedBalance(c Client, address string, wei *big.Int) {
	if sim, ok := c.(*Simulated); ok {
		sim.mu.Lock()
		defer sim.mu.Unlock()
		sim.credit(normalize(address), wei)
	}
}

// TestAddress returns a deterministic address for tests.
func TestAddress(n int64) string {
	return common.BigToAddress(big.NewInt(n)).Hex()
}

// NewTestAccount generates a signing account for tests.
func NewTestAccount() Account {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	return AccountFromKey(key)
}

// Ether converts whole units expressed as a decimal string into wei.
func Ether(amount string) *big.Int {
	return ToWei(decimal.RequireFromString(amount))
}
