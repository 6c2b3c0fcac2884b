package sender

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ChainClient is the subset of the chain RPC the preparer needs.
// *ethclient.Client satisfies it.
type ChainClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

type FeeMode string

const (
	FeeModeLegacy  FeeMode = "legacy"
	FeeModeDynamic FeeMode = "dynamic"
)

func (m FeeMode) Check() error {
	switch m {
	case FeeModeLegacy, FeeModeDynamic:
		return nil
	}
	return fmt.Errorf("unknown fee mode %q", m)
}

// GasParameters are advisory; the relay only sees the estimate.
type GasParameters struct {
	EstimateUnits uint64
	// PricePerUnit is the gas price in legacy mode and the fee cap in dynamic mode.
	PricePerUnit *big.Int
	TipCap       *big.Int
}
