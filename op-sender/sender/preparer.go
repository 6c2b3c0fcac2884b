package sender

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/jinmel/gas-sponsor/op-service/sources"
)

type PreparerConfig struct {
	FeeMode        FeeMode
	NetworkTimeout time.Duration
}

// Preparer builds and signs transfers for one local key. Nonce acquisition and
// signing are serialized so concurrent calls never share a nonce.
type Preparer struct {
	log   log.Logger
	chain ChainClient
	key   *ecdsa.PrivateKey
	from  common.Address
	cfg   PreparerConfig

	mu      sync.Mutex
	chainID *big.Int
}

func NewPreparer(log log.Logger, chain ChainClient, key *ecdsa.PrivateKey, cfg PreparerConfig) *Preparer {
	if cfg.FeeMode == "" {
		cfg.FeeMode = FeeModeLegacy
	}
	if cfg.NetworkTimeout <= 0 {
		cfg.NetworkTimeout = 10 * time.Second
	}
	return &Preparer{
		log:   log,
		chain: chain,
		key:   key,
		from:  crypto.PubkeyToAddress(key.PublicKey),
		cfg:   cfg,
	}
}

func (p *Preparer) From() common.Address {
	return p.from
}

// Prepare signs a transfer of amount wei to recipient and wraps it for the relay.
func (p *Preparer) Prepare(ctx context.Context, recipient common.Address, amount *big.Int) (*sources.RelayRequest, error) {
	tx, gas, err := p.SignTransfer(ctx, recipient, amount)
	if err != nil {
		return nil, err
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}
	return &sources.RelayRequest{
		SignedTx: hexutil.Encode(raw),
		From:     p.from.Hex(),
		Estimate: strconv.FormatUint(gas.EstimateUnits, 10),
	}, nil
}

// SignTransfer runs the nonce, gas and signing pipeline and returns the signed
// transaction. Nothing is signed unless every gas field was populated.
func (p *Preparer) SignTransfer(ctx context.Context, recipient common.Address, amount *big.Int) (*types.Transaction, *GasParameters, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, nil, errors.New("amount must be a non-negative integer")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	chainID, err := p.loadChainID(ctx)
	if err != nil {
		return nil, nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, p.cfg.NetworkTimeout)
	nonce, err := p.chain.PendingNonceAt(cctx, p.from)
	cancel()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get nonce: %w", err)
	}

	gas, err := p.gasParameters(ctx, ethereum.CallMsg{
		From:  p.from,
		To:    &recipient,
		Value: amount,
	})
	if err != nil {
		return nil, nil, err
	}

	var txData types.TxData
	switch p.cfg.FeeMode {
	case FeeModeDynamic:
		txData = &types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: gas.TipCap,
			GasFeeCap: gas.PricePerUnit,
			Gas:       gas.EstimateUnits,
			To:        &recipient,
			Value:     amount,
		}
	default:
		txData = &types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gas.PricePerUnit,
			Gas:      gas.EstimateUnits,
			To:       &recipient,
			Value:    amount,
		}
	}

	signedTx, err := types.SignNewTx(p.key, types.LatestSignerForChainID(chainID), txData)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	p.log.Info("Signed transaction", "hash", signedTx.Hash(), "nonce", nonce, "gas", gas.EstimateUnits, "feeMode", p.cfg.FeeMode)
	return signedTx, gas, nil
}

func (p *Preparer) loadChainID(ctx context.Context) (*big.Int, error) {
	if p.chainID != nil {
		return p.chainID, nil
	}
	cctx, cancel := context.WithTimeout(ctx, p.cfg.NetworkTimeout)
	defer cancel()
	id, err := p.chain.ChainID(cctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}
	p.chainID = id
	return id, nil
}

// gasParameters queries the estimate and the fee concurrently; both must succeed.
func (p *Preparer) gasParameters(ctx context.Context, msg ethereum.CallMsg) (*GasParameters, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.NetworkTimeout)
	defer cancel()

	var gas GasParameters
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		estimate, err := p.chain.EstimateGas(gctx, msg)
		if err != nil {
			return fmt.Errorf("failed to estimate gas: %w", err)
		}
		if estimate == 0 {
			return errors.New("failed to estimate gas: node returned zero")
		}
		gas.EstimateUnits = estimate
		return nil
	})
	g.Go(func() error {
		switch p.cfg.FeeMode {
		case FeeModeDynamic:
			tip, err := p.chain.SuggestGasTipCap(gctx)
			if err != nil {
				return fmt.Errorf("failed to get gas tip cap: %w", err)
			}
			header, err := p.chain.HeaderByNumber(gctx, nil)
			if err != nil {
				return fmt.Errorf("failed to get latest block header: %w", err)
			}
			if header.BaseFee == nil {
				return errors.New("chain does not report a base fee")
			}
			feeCap := new(big.Int).Mul(header.BaseFee, big.NewInt(2))
			gas.TipCap = tip
			gas.PricePerUnit = feeCap.Add(feeCap, tip)
		default:
			price, err := p.chain.SuggestGasPrice(gctx)
			if err != nil {
				return fmt.Errorf("failed to get gas price: %w", err)
			}
			gas.PricePerUnit = price
		}
		if gas.PricePerUnit == nil || gas.PricePerUnit.Sign() <= 0 {
			return errors.New("failed to get gas price: node returned zero")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &gas, nil
}
