package relay

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/urfave/cli/v2"

	"github.com/jinmel/gas-sponsor/op-relay/flags"
	"github.com/jinmel/gas-sponsor/op-service/sources"
	"github.com/jinmel/gas-sponsor/op-service/units"
)

type CLIConfig struct {
	EthRpc            string
	Mode              Mode
	SponsorPrivateKey string
	SignerRpc         string
	DelegatePublicKey string
	FundingAmount     string
	Action            string
	ActionsFile       string
	CapabilityTTL     time.Duration
	NetworkTimeout    time.Duration
	MaxGasEstimate    uint64
	VerifySender      bool
	AcceptedCacheSize int

	ListenAddr string
	ListenPort int
	API        APIConfig

	LogConfig     oplog.CLIConfig
	MetricsConfig opmetrics.CLIConfig
}

func NewConfig(ctx *cli.Context) *CLIConfig {
	return &CLIConfig{
		EthRpc:            ctx.String(flags.EthRpcFlag.Name),
		Mode:              Mode(ctx.String(flags.SubmissionModeFlag.Name)),
		SponsorPrivateKey: ctx.String(flags.SponsorPrivateKeyFlag.Name),
		SignerRpc:         ctx.String(flags.SignerRpcFlag.Name),
		DelegatePublicKey: ctx.String(flags.DelegatePublicKeyFlag.Name),
		FundingAmount:     ctx.String(flags.FundingAmountFlag.Name),
		Action:            ctx.String(flags.ActionFlag.Name),
		ActionsFile:       ctx.Path(flags.ActionsFileFlag.Name),
		CapabilityTTL:     ctx.Duration(flags.CapabilityTTLFlag.Name),
		NetworkTimeout:    ctx.Duration(flags.NetworkTimeoutFlag.Name),
		MaxGasEstimate:    ctx.Uint64(flags.MaxGasEstimateFlag.Name),
		VerifySender:      ctx.Bool(flags.VerifySenderFlag.Name),
		AcceptedCacheSize: ctx.Int(flags.AcceptedCacheSizeFlag.Name),

		ListenAddr: ctx.String(flags.HTTPListenAddrFlag.Name),
		ListenPort: ctx.Int(flags.HTTPListenPortFlag.Name),
		API: APIConfig{
			CORSAllowedOrigins: ctx.StringSlice(flags.CORSAllowedOriginsFlag.Name),
			RateLimit:          ctx.Float64(flags.RateLimitFlag.Name),
			RateBurst:          ctx.Int(flags.RateBurstFlag.Name),
		},

		LogConfig:     oplog.ReadCLIConfig(ctx),
		MetricsConfig: opmetrics.ReadCLIConfig(ctx),
	}
}

// Check rejects the configuration before anything is dialed. Missing secrets
// are reported here so the process exits without serving.
func (c *CLIConfig) Check() error {
	if c.SponsorPrivateKey == "" {
		return fmt.Errorf("sponsor private key is required (--%s or %s_SPONSOR_PRIVATE_KEY)", flags.SponsorPrivateKeyFlag.Name, flags.EnvVarPrefix)
	}
	if _, err := c.SponsorKey(); err != nil {
		return err
	}
	if c.EthRpc == "" {
		return errors.New("eth rpc url is required")
	}
	if err := c.Mode.Check(); err != nil {
		return err
	}
	if c.NetworkTimeout <= 0 {
		return errors.New("network timeout must be positive")
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("invalid http port %d", c.ListenPort)
	}
	if c.AcceptedCacheSize < 0 {
		return errors.New("accepted cache size must not be negative")
	}
	if c.API.RateLimit < 0 {
		return errors.New("rate limit must not be negative")
	}
	if c.Mode == ModeDelegated {
		if c.SignerRpc == "" {
			return errors.New("signer rpc url is required in delegated mode")
		}
		if c.CapabilityTTL <= 0 {
			return errors.New("capability ttl must be positive")
		}
		if _, err := c.FundingWei(); err != nil {
			return err
		}
		if _, err := c.DelegateKey(); err != nil {
			return err
		}
		if c.Action == "" {
			return errors.New("action is required in delegated mode")
		}
	}
	return c.MetricsConfig.Check()
}

func (c *CLIConfig) SponsorKey() (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(c.SponsorPrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid sponsor private key: %w", err)
	}
	return key, nil
}

func (c *CLIConfig) DelegateKey() (hexutil.Bytes, error) {
	if c.DelegatePublicKey == "" {
		return nil, nil
	}
	pub, err := hexutil.Decode(c.DelegatePublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid delegate public key: %w", err)
	}
	if _, err := sources.DelegatedSignerFromPublicKey(pub); err != nil {
		return nil, err
	}
	return pub, nil
}

func (c *CLIConfig) FundingWei() (*big.Int, error) {
	amount, err := units.ParseEther(c.FundingAmount)
	if err != nil {
		return nil, fmt.Errorf("invalid funding amount: %w", err)
	}
	return amount, nil
}

func (c *CLIConfig) SignerConfig() *sources.SignerConfig {
	cfg := sources.SignerDefaultConfig()
	cfg.Endpoint = c.SignerRpc
	cfg.CapabilityTTL = c.CapabilityTTL
	return cfg
}
