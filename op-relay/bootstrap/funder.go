package bootstrap

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/jinmel/gas-sponsor/op-sender/sender"
)

// TxSender broadcasts a signed transaction. *ethclient.Client satisfies it.
type TxSender interface {
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// ChainFunder pays the delegated signer from the sponsor's own key, through the
// same preparation pipeline clients use.
type ChainFunder struct {
	Preparer *sender.Preparer
	Chain    TxSender
}

func (f *ChainFunder) Fund(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error) {
	tx, _, err := f.Preparer.SignTransfer(ctx, to, amount)
	if err != nil {
		return common.Hash{}, err
	}
	if err := f.Chain.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, fmt.Errorf("send funding transaction: %w", err)
	}
	return tx.Hash(), nil
}
