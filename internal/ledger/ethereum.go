package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

const defaultPollInterval = 4 * time.Second

// Ethereum implements Client against a JSON-RPC node and the deployed escrow contract.
type Ethereum struct {
	rpc      *ethclient.Client
	contract common.Address
	abi      abi.ABI
	chainID  *big.Int
	signer   types.Signer
	logger   *slog.Logger

	// PollInterval is used when the endpoint cannot push new heads.
	PollInterval time.Duration

	nonceMu sync.Map // address -> *sync.Mutex
}

// DialEthereum connects to rpcURL and binds the contract at contractAddr.
func DialEthereum(ctx context.Context, rpcURL, contractAddr string, logger *slog.Logger) (*Ethereum, error) {
	if !common.IsHexAddress(contractAddr) {
		return nil, fmt.Errorf("invalid contract address %q", contractAddr)
	}
	parsed, err := abi.JSON(strings.NewReader(giftLockABI))
	if err != nil {
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("chain id: %w", err)
	}
	return &Ethereum{
		rpc:          client,
		contract:     common.HexToAddress(contractAddr),
		abi:          parsed,
		chainID:      chainID,
		signer:       types.LatestSignerForChainID(chainID),
		logger:       logger,
		PollInterval: defaultPollInterval,
	}, nil
}

// Close releases the RPC connection.
func (e *Ethereum) Close() { e.rpc.Close() }

func (e *Ethereum) BlockNumber(ctx context.Context) (uint64, error) {
	return e.rpc.BlockNumber(ctx)
}

func (e *Ethereum) BlockByNumber(ctx context.Context, number uint64) (Block, error) {
	b, err := e.rpc.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return Block{}, ErrNotFound
		}
		return Block{}, err
	}
	out := Block{Number: b.NumberU64(), Hash: b.Hash().Hex()}
	for _, tx := range b.Transactions() {
		t := Transaction{Hash: tx.Hash().Hex(), Value: tx.Value()}
		if to := tx.To(); to != nil {
			t.To = to.Hex()
		}
		if from, err := types.Sender(e.signer, tx); err == nil {
			t.From = from.Hex()
		}
		out.Transactions = append(out.Transactions, t)
	}
	return out, nil
}

func (e *Ethereum) TransactionReceipt(ctx context.Context, hash string) (Receipt, error) {
	r, err := e.rpc.TransactionReceipt(ctx, common.HexToHash(hash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return Receipt{}, ErrNotFound
		}
		return Receipt{}, err
	}
	return e.convertReceipt(r), nil
}

func (e *Ethereum) BalanceAt(ctx context.Context, address string) (*big.Int, error) {
	return e.rpc.BalanceAt(ctx, common.HexToAddress(address), nil)
}

// SubscribeHeads pushes head numbers from eth_subscribe, or polls
// eth_blockNumber when the transport has no notifications.
func (e *Ethereum) SubscribeHeads(ctx context.Context) (Subscription, error) {
	headers := make(chan *types.Header, 16)
	sub, err := e.rpc.SubscribeNewHead(ctx, headers)
	if errors.Is(err, rpc.ErrNotificationsUnsupported) {
		return newPollingSubscription(ctx, e.rpc.BlockNumber, e.PollInterval), nil
	}
	if err != nil {
		return nil, err
	}

	hs := &headSubscription{heads: make(chan uint64, 16), errs: make(chan error, 1), quit: make(chan struct{})}
	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case <-hs.quit:
				return
			case err := <-sub.Err():
				hs.errs <- err
				return
			case h := <-headers:
				select {
				case hs.heads <- h.Number.Uint64():
				case <-hs.quit:
					return
				}
			}
		}
	}()
	return hs, nil
}

func (e *Ethereum) SendValue(ctx context.Context, from Account, to string, value *big.Int) (Receipt, error) {
	addr := common.HexToAddress(to)
	return e.transact(ctx, from, &addr, value, nil)
}

func (e *Ethereum) LockFunds(ctx context.Context, from Account, entry LockEntry) (Receipt, error) {
	data, err := e.abi.Pack("lockFunds",
		tokenAddress(entry.Token), entry.Amount, common.HexToAddress(entry.Recipient), big.NewInt(entry.UnlockAt.Unix()))
	if err != nil {
		return Receipt{}, err
	}
	return e.transact(ctx, from, &e.contract, entry.Amount, data)
}

func (e *Ethereum) BatchLockFunds(ctx context.Context, from Account, entries []LockEntry, value *big.Int) (Receipt, error) {
	tokens := make([]common.Address, len(entries))
	amounts := make([]*big.Int, len(entries))
	recipients := make([]common.Address, len(entries))
	unlocks := make([]*big.Int, len(entries))
	for i, en := range entries {
		tokens[i] = tokenAddress(en.Token)
		amounts[i] = en.Amount
		recipients[i] = common.HexToAddress(en.Recipient)
		unlocks[i] = big.NewInt(en.UnlockAt.Unix())
	}
	data, err := e.abi.Pack("batchLockFunds", tokens, amounts, recipients, unlocks)
	if err != nil {
		return Receipt{}, err
	}
	return e.transact(ctx, from, &e.contract, value, data)
}

func (e *Ethereum) FindLock(ctx context.Context, entry LockEntry) (bool, *big.Int, error) {
	out, err := e.call(ctx, "findLock",
		common.HexToAddress(entry.Recipient), entry.Amount, big.NewInt(entry.UnlockAt.Unix()))
	if err != nil {
		return false, nil, err
	}
	found, _ := out[0].(bool)
	id, _ := out[1].(*big.Int)
	return found, id, nil
}

func (e *Ethereum) ReleaseFunds(ctx context.Context, from Account, giftID *big.Int, recipient string) (Receipt, error) {
	data, err := e.abi.Pack("releaseFunds", giftID, common.HexToAddress(recipient))
	if err != nil {
		return Receipt{}, err
	}
	return e.transact(ctx, from, &e.contract, new(big.Int), data)
}

func (e *Ethereum) TransferFunds(ctx context.Context, from Account, fromWallet, to string, value *big.Int) (Receipt, error) {
	data, err := e.abi.Pack("transferFunds", common.HexToAddress(fromWallet), common.HexToAddress(to))
	if err != nil {
		return Receipt{}, err
	}
	return e.transact(ctx, from, &e.contract, value, data)
}

func (e *Ethereum) SendToCharity(ctx context.Context, from Account, fromWallet, reason string, value *big.Int) (Receipt, error) {
	data, err := e.abi.Pack("sendToCharity", common.HexToAddress(fromWallet), reason)
	if err != nil {
		return Receipt{}, err
	}
	return e.transact(ctx, from, &e.contract, value, data)
}

func (e *Ethereum) CheckUpkeep(ctx context.Context, data []byte) (bool, []byte, error) {
	if data == nil {
		data = []byte{}
	}
	out, err := e.call(ctx, "checkUpkeep", data)
	if err != nil {
		return false, nil, err
	}
	needed, _ := out[0].(bool)
	perform, _ := out[1].([]byte)
	return needed, perform, nil
}

func (e *Ethereum) PerformUpkeep(ctx context.Context, from Account, data []byte) (Receipt, error) {
	if data == nil {
		data = []byte{}
	}
	payload, err := e.abi.Pack("performUpkeep", data)
	if err != nil {
		return Receipt{}, err
	}
	return e.transact(ctx, from, &e.contract, new(big.Int), payload)
}

func (e *Ethereum) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := e.abi.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	raw, err := e.rpc.CallContract(ctx, ethereum.CallMsg{To: &e.contract, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	out, err := e.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}

// transact signs, sends and waits for one transaction. Sends from the same
// account are serialized so nonces never collide.
func (e *Ethereum) transact(ctx context.Context, from Account, to *common.Address, value *big.Int, data []byte) (Receipt, error) {
	if from.Key == nil {
		return Receipt{}, fmt.Errorf("account %s has no signing key", from.Address)
	}
	if value == nil {
		value = new(big.Int)
	}
	sender := common.HexToAddress(from.Address)

	mu, _ := e.nonceMu.LoadOrStore(sender, &sync.Mutex{})
	lock := mu.(*sync.Mutex)
	lock.Lock()
	signed, err := e.send(ctx, from, sender, to, value, data)
	lock.Unlock()
	if err != nil {
		return Receipt{}, err
	}

	mined, err := bind.WaitMined(ctx, e.rpc, signed)
	if err != nil {
		return Receipt{TxHash: signed.Hash().Hex()}, fmt.Errorf("wait mined %s: %w", signed.Hash().Hex(), err)
	}
	receipt := e.convertReceipt(mined)
	if !receipt.Success {
		return receipt, ErrReverted
	}
	return receipt, nil
}

func (e *Ethereum) send(ctx context.Context, from Account, sender common.Address, to *common.Address, value *big.Int, data []byte) (*types.Transaction, error) {
	nonce, err := e.rpc.PendingNonceAt(ctx, sender)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := e.rpc.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	gas, err := e.rpc.EstimateGas(ctx, ethereum.CallMsg{From: sender, To: to, Value: value, Data: data})
	if err != nil {
		if strings.Contains(err.Error(), "insufficient funds") {
			return nil, fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
		}
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	gas = gas * 12 / 10

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       to,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, e.signer, from.Key)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	if err := e.rpc.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	e.logger.Debug("transaction sent", "tx_hash", signed.Hash().Hex(), "from", from.Address, "nonce", nonce)
	return signed, nil
}

func (e *Ethereum) convertReceipt(r *types.Receipt) Receipt {
	out := Receipt{
		TxHash:   r.TxHash.Hex(),
		Success:  r.Status == types.ReceiptStatusSuccessful,
		GasUsed:  r.GasUsed,
		GasPrice: r.EffectiveGasPrice,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	for _, lg := range r.Logs {
		if lg.Address != e.contract || len(lg.Topics) == 0 {
			continue
		}
		ev, err := e.decodeLog(lg)
		if err != nil {
			e.logger.Warn("undecodable contract log", "tx_hash", out.TxHash, "index", lg.Index, "error", err)
			continue
		}
		out.Events = append(out.Events, ev)
	}
	return out
}

func (e *Ethereum) decodeLog(lg *types.Log) (Event, error) {
	def, err := e.abi.EventByID(lg.Topics[0])
	if err != nil {
		return Event{}, err
	}
	fields := make(map[string]any)
	if len(lg.Data) > 0 {
		if err := e.abi.UnpackIntoMap(fields, def.Name, lg.Data); err != nil {
			return Event{}, err
		}
	}
	var indexed abi.Arguments
	for _, arg := range def.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, lg.Topics[1:]); err != nil {
		return Event{}, err
	}

	ev := Event{Name: def.Name, LogIndex: lg.Index}
	ev.GiftID, _ = fields["giftId"].(*big.Int)
	ev.Amount, _ = fields["amount"].(*big.Int)
	ev.Reason, _ = fields["reason"].(string)
	if a, ok := fields["sender"].(common.Address); ok {
		ev.Wallet = a.Hex()
	}
	if a, ok := fields["fromWallet"].(common.Address); ok {
		ev.Wallet = a.Hex()
	}
	if a, ok := fields["recipient"].(common.Address); ok {
		ev.Recipient = a.Hex()
	}
	if u, ok := fields["unlockTime"].(*big.Int); ok {
		ev.UnlockAt = time.Unix(u.Int64(), 0).UTC()
	}
	return ev, nil
}

// tokenAddress maps the native currency ("" or "ETH") to the zero address.
func tokenAddress(token string) common.Address {
	if common.IsHexAddress(token) {
		return common.HexToAddress(token)
	}
	return common.Address{}
}

type headSubscription struct {
	heads chan uint64
	errs  chan error
	quit  chan struct{}
	once  sync.Once
}

func (s *headSubscription) Heads() <-chan uint64 { return s.heads }
func (s *headSubscription) Err() <-chan error    { return s.errs }
func (s *headSubscription) Unsubscribe()         { s.once.Do(func() { close(s.quit) }) }

func newPollingSubscription(ctx context.Context, head func(context.Context) (uint64, error), every time.Duration) *headSubscription {
	hs := &headSubscription{heads: make(chan uint64, 16), errs: make(chan error, 1), quit: make(chan struct{})}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		var last uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-hs.quit:
				return
			case <-ticker.C:
				n, err := head(ctx)
				if err != nil {
					hs.errs <- err
					return
				}
				if n <= last {
					continue
				}
				last = n
				select {
				case hs.heads <- n:
				case <-hs.quit:
					return
				}
			}
		}
	}()
	return hs
}
