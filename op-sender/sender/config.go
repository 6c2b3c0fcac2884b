package sender

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/urfave/cli/v2"

	"github.com/jinmel/gas-sponsor/op-sender/flags"
	"github.com/jinmel/gas-sponsor/op-service/units"
)

type CLIConfig struct {
	EthRpc           string
	SenderPrivateKey string
	RelayURL         string
	Recipient        string
	Amount           string
	FeeMode          FeeMode
	NetworkTimeout   time.Duration

	LogConfig oplog.CLIConfig
}

func NewConfig(ctx *cli.Context) *CLIConfig {
	return &CLIConfig{
		EthRpc:           ctx.String(flags.EthRpcFlag.Name),
		SenderPrivateKey: ctx.String(flags.SenderPrivateKeyFlag.Name),
		RelayURL:         ctx.String(flags.RelayURLFlag.Name),
		Recipient:        ctx.String(flags.RecipientFlag.Name),
		Amount:           ctx.String(flags.AmountFlag.Name),
		FeeMode:          FeeMode(ctx.String(flags.FeeModeFlag.Name)),
		NetworkTimeout:   ctx.Duration(flags.NetworkTimeoutFlag.Name),

		LogConfig: oplog.ReadCLIConfig(ctx),
	}
}

func (c *CLIConfig) Check() error {
	if c.SenderPrivateKey == "" {
		return fmt.Errorf("sender private key is required (--%s or %s_SENDER_PRIVATE_KEY)", flags.SenderPrivateKeyFlag.Name, flags.EnvVarPrefix)
	}
	if _, err := c.Key(); err != nil {
		return err
	}
	if c.EthRpc == "" {
		return errors.New("eth rpc url is required")
	}
	if c.RelayURL == "" {
		return errors.New("relay url is required")
	}
	if !common.IsHexAddress(c.Recipient) {
		return fmt.Errorf("invalid recipient address %q", c.Recipient)
	}
	if _, err := c.AmountWei(); err != nil {
		return err
	}
	if err := c.FeeMode.Check(); err != nil {
		return err
	}
	if c.NetworkTimeout <= 0 {
		return errors.New("network timeout must be positive")
	}
	return nil
}

func (c *CLIConfig) Key() (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(c.SenderPrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid sender private key: %w", err)
	}
	return key, nil
}

func (c *CLIConfig) AmountWei() (*big.Int, error) {
	amount, err := units.ParseEther(c.Amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount: %w", err)
	}
	return amount, nil
}
