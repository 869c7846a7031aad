package infra

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/congo-pay/giftlock/internal/config"
	"github.com/congo-pay/giftlock/internal/ledger"
)

// Ledger bundles the chain client with the operator account that signs
// batch locks and releases.
type Ledger struct {
	Client   ledger.Client
	Operator ledger.Account
	// Simulated is set when the in-memory chain is in use.
	Simulated *ledger.Simulated
	close     func()
}

// Close releases the RPC connection, if any.
func (l *Ledger) Close() {
	if l.close != nil {
		l.close()
	}
}

// NewLedger dials the configured RPC endpoint. In development without an
// RPC_URL it starts the in-memory chain with a generated operator instead.
func NewLedger(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Ledger, error) {
	if cfg.RPCURL == "" {
		if !cfg.IsDevelopment() {
			return nil, fmt.Errorf("rpc url is required")
		}
		operator := ledger.NewTestAccount()
		if cfg.OperatorKey != "" {
			acct, err := ledger.AccountFromHex(cfg.OperatorKey)
			if err != nil {
				return nil, fmt.Errorf("operator key: %w", err)
			}
			operator = acct
		}
		charity := cfg.CharityAddress
		if charity == "" {
			charity = ledger.TestAddress(0xCA)
		}
		sim := ledger.NewSimulated(operator.Address, charity)
		ledger.SeedBalance(sim, operator.Address, ledger.Ether("100"))
		logger.Warn("using in-memory ledger", "operator", operator.Address, "contract", sim.ContractAddress())
		return &Ledger{Client: sim, Operator: operator, Simulated: sim}, nil
	}

	operator, err := ledger.AccountFromHex(cfg.OperatorKey)
	if err != nil {
		return nil, fmt.Errorf("operator key: %w", err)
	}
	client, err := ledger.DialEthereum(ctx, cfg.RPCURL, cfg.ContractAddress, logger)
	if err != nil {
		return nil, err
	}
	return &Ledger{Client: client, Operator: operator, close: client.Close}, nil
}
