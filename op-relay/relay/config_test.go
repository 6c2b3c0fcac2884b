package relay

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/jinmel/gas-sponsor/op-relay/actions"
	"github.com/jinmel/gas-sponsor/op-relay/flags"
)

func validConfig() *CLIConfig {
	return &CLIConfig{
		EthRpc:            "http://localhost:8545",
		Mode:              ModeDirect,
		SponsorPrivateKey: "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318",
		FundingAmount:     "0.0001",
		Action:            actions.DefaultAction,
		CapabilityTTL:     24 * time.Hour,
		NetworkTimeout:    10 * time.Second,
		ListenAddr:        "0.0.0.0",
		ListenPort:        3001,
	}
}

func TestConfigCheck(t *testing.T) {
	require.NoError(t, validConfig().Check())

	delegated := validConfig()
	delegated.Mode = ModeDelegated
	delegated.SignerRpc = "http://localhost:7470"
	require.NoError(t, delegated.Check())

	tests := []struct {
		name   string
		mutate func(c *CLIConfig)
		want   string
	}{
		{"missing sponsor key", func(c *CLIConfig) { c.SponsorPrivateKey = "" }, "sponsor private key is required (--sponsor-private-key or OP_RELAY_SPONSOR_PRIVATE_KEY)"},
		{"bad sponsor key", func(c *CLIConfig) { c.SponsorPrivateKey = "nope" }, "invalid sponsor private key"},
		{"missing rpc", func(c *CLIConfig) { c.EthRpc = "" }, "eth rpc url is required"},
		{"unknown mode", func(c *CLIConfig) { c.Mode = "hybrid" }, `unknown submission mode "hybrid"`},
		{"bad port", func(c *CLIConfig) { c.ListenPort = 70000 }, "invalid http port"},
		{"negative rate", func(c *CLIConfig) { c.API.RateLimit = -1 }, "rate limit must not be negative"},
		{"delegated without signer", func(c *CLIConfig) { c.Mode = ModeDelegated }, "signer rpc url is required"},
		{"delegated bad funding", func(c *CLIConfig) {
			c.Mode, c.SignerRpc, c.FundingAmount = ModeDelegated, "http://localhost:7470", "a lot"
		}, "invalid funding amount"},
		{"delegated bad delegate key", func(c *CLIConfig) {
			c.Mode, c.SignerRpc, c.DelegatePublicKey = ModeDelegated, "http://localhost:7470", "0x04"
		}, "delegate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			require.ErrorContains(t, cfg.Check(), tt.want)
		})
	}
}

func TestConfigDelegateKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	cfg := validConfig()

	pub, err := cfg.DelegateKey()
	require.NoError(t, err)
	require.Nil(t, pub)

	cfg.DelegatePublicKey = hexutil.Encode(crypto.FromECDSAPub(&key.PublicKey))
	pub, err = cfg.DelegateKey()
	require.NoError(t, err)
	require.Equal(t, crypto.FromECDSAPub(&key.PublicKey), []byte(pub))
}

func TestConfigSignerConfig(t *testing.T) {
	cfg := validConfig()
	cfg.SignerRpc = "http://localhost:7470"
	cfg.CapabilityTTL = time.Hour

	sc := cfg.SignerConfig()
	require.Equal(t, "http://localhost:7470", sc.Endpoint)
	require.Equal(t, time.Hour, sc.CapabilityTTL)
}

func TestFlagDefaults(t *testing.T) {
	// Repeats are left to the network unless the operator opts in.
	require.Zero(t, flags.AcceptedCacheSizeFlag.Value)

	require.Equal(t, actions.DefaultAction, flags.ActionFlag.Value)
	registry, err := actions.LoadRegistry("")
	require.NoError(t, err)
	d, err := registry.Lookup(flags.ActionFlag.Value)
	require.NoError(t, err)
	require.Equal(t, actions.DefaultAction, d.ID())
}
