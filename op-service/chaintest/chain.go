// Package chaintest provides a scriptable in-memory chain client for tests.
package chaintest

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Chain implements the chain calls used by the preparer, the relay and the
// bootstrap funder. Zero values answer with sensible defaults.
type Chain struct {
	ID       *big.Int
	Nonce    uint64
	Estimate uint64
	GasPrice *big.Int
	TipCap   *big.Int
	BaseFee  *big.Int

	// Err* fail the corresponding call when set.
	ErrNonce    error
	ErrEstimate error
	ErrGasPrice error
	ErrSend     error

	// SendHash overrides the hash returned by SendRawTransaction.
	SendHash *common.Hash

	mu        sync.Mutex
	calls     map[string]int
	estimates []ethereum.CallMsg
	raw       [][]byte
	sent      []*types.Transaction
}

func NewChain() *Chain {
	return &Chain{
		ID:       big.NewInt(175188),
		Estimate: 21_000,
		GasPrice: big.NewInt(1_000_000_000),
		TipCap:   big.NewInt(1_000_000),
		BaseFee:  big.NewInt(7),
	}
}

func (c *Chain) record(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[name]++
}

// Calls reports how often name was called.
func (c *Chain) Calls(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

// TotalCalls is the number of chain calls of any kind.
func (c *Chain) TotalCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, n := range c.calls {
		total += n
	}
	return total
}

func (c *Chain) Estimates() []ethereum.CallMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ethereum.CallMsg(nil), c.estimates...)
}

func (c *Chain) RawSubmissions() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.raw...)
}

func (c *Chain) Sent() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Transaction(nil), c.sent...)
}

func (c *Chain) ChainID(ctx context.Context) (*big.Int, error) {
	c.record("ChainID")
	return c.ID, nil
}

func (c *Chain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	c.record("PendingNonceAt")
	if c.ErrNonce != nil {
		return 0, c.ErrNonce
	}
	return c.Nonce, nil
}

func (c *Chain) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	c.record("NonceAt")
	if c.ErrNonce != nil {
		return 0, c.ErrNonce
	}
	return c.Nonce, nil
}

func (c *Chain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	c.record("EstimateGas")
	c.mu.Lock()
	c.estimates = append(c.estimates, msg)
	c.mu.Unlock()
	if c.ErrEstimate != nil {
		return 0, c.ErrEstimate
	}
	return c.Estimate, nil
}

func (c *Chain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	c.record("SuggestGasPrice")
	if c.ErrGasPrice != nil {
		return nil, c.ErrGasPrice
	}
	return c.GasPrice, nil
}

func (c *Chain) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	c.record("SuggestGasTipCap")
	if c.ErrGasPrice != nil {
		return nil, c.ErrGasPrice
	}
	return c.TipCap, nil
}

func (c *Chain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	c.record("HeaderByNumber")
	return &types.Header{Number: big.NewInt(1), BaseFee: c.BaseFee}, nil
}

func (c *Chain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	c.record("SendTransaction")
	if c.ErrSend != nil {
		return c.ErrSend
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, tx)
	return nil
}

func (c *Chain) SendRawTransaction(ctx context.Context, payload []byte) (common.Hash, error) {
	c.record("SendRawTransaction")
	if c.ErrSend != nil {
		return common.Hash{}, c.ErrSend
	}
	c.mu.Lock()
	c.raw = append(c.raw, append([]byte(nil), payload...))
	c.mu.Unlock()
	if c.SendHash != nil {
		return *c.SendHash, nil
	}
	var tx types.Transaction
	if err := tx.UnmarshalBinary(payload); err != nil {
		return common.Hash{}, errors.New("rlp: malformed transaction")
	}
	return tx.Hash(), nil
}
