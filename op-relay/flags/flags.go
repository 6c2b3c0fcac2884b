package flags

import (
	"time"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	"github.com/urfave/cli/v2"

	"github.com/jinmel/gas-sponsor/op-relay/actions"
)

const EnvVarPrefix = "OP_RELAY"

func prefixEnvVars(name string) []string {
	return opservice.PrefixEnvVar(EnvVarPrefix, name)
}

var (
	EthRpcFlag = &cli.StringFlag{
		Name:    "eth-rpc",
		Usage:   "HTTP provider URL of the chain transactions are submitted to",
		EnvVars: prefixEnvVars("ETH_RPC"),
	}
	SubmissionModeFlag = &cli.StringFlag{
		Name:    "submission-mode",
		Usage:   "Submission path for every request: direct (forward the signed payload) or delegated (invoke a remote action)",
		Value:   "direct",
		EnvVars: prefixEnvVars("SUBMISSION_MODE"),
	}
	SponsorPrivateKeyFlag = &cli.StringFlag{
		Name:    "sponsor-private-key",
		Usage:   "Hex private key of the sponsor. Prefer the environment variable.",
		EnvVars: prefixEnvVars("SPONSOR_PRIVATE_KEY"),
	}
	SignerRpcFlag = &cli.StringFlag{
		Name:    "signer-rpc",
		Usage:   "JSON-RPC endpoint of the remote signing network (delegated mode)",
		EnvVars: prefixEnvVars("SIGNER_RPC"),
	}
	DelegatePublicKeyFlag = &cli.StringFlag{
		Name:    "delegate-public-key",
		Usage:   "Uncompressed public key of an existing delegated signer. A new one is minted when empty.",
		EnvVars: prefixEnvVars("DELEGATE_PUBLIC_KEY"),
	}
	FundingAmountFlag = &cli.StringFlag{
		Name:    "funding-amount",
		Usage:   "Native amount sent to the delegated signer at startup, in decimal. 0 disables funding.",
		Value:   "0.0001",
		EnvVars: prefixEnvVars("FUNDING_AMOUNT"),
	}
	ActionFlag = &cli.StringFlag{
		Name:    "action",
		Usage:   "Remote action (name@version) invoked for delegated submissions",
		Value:   actions.DefaultAction,
		EnvVars: prefixEnvVars("ACTION"),
	}
	ActionsFileFlag = &cli.PathFlag{
		Name:    "actions-file",
		Usage:   "TOML file of action descriptors replacing the built-in set",
		EnvVars: prefixEnvVars("ACTIONS_FILE"),
	}
	CapabilityTTLFlag = &cli.DurationFlag{
		Name:    "capability-ttl",
		Usage:   "Lifetime requested for the capability credential",
		Value:   24 * time.Hour,
		EnvVars: prefixEnvVars("CAPABILITY_TTL"),
	}
	NetworkTimeoutFlag = &cli.DurationFlag{
		Name:    "network-timeout",
		Usage:   "Timeout applied to every chain and signing network call",
		Value:   10 * time.Second,
		EnvVars: prefixEnvVars("NETWORK_TIMEOUT"),
	}
	MaxGasEstimateFlag = &cli.Uint64Flag{
		Name:    "max-gas-estimate",
		Usage:   "Reject requests advertising a higher gas estimate. 0 disables the ceiling.",
		EnvVars: prefixEnvVars("MAX_GAS_ESTIMATE"),
	}
	VerifySenderFlag = &cli.BoolFlag{
		Name:    "verify-sender",
		Usage:   "Require the signed payload's recovered sender to match the request's from address",
		EnvVars: prefixEnvVars("VERIFY_SENDER"),
	}
	AcceptedCacheSizeFlag = &cli.IntFlag{
		Name:    "accepted-cache-size",
		Usage:   "Number of accepted payloads remembered and rejected locally on resubmission. 0 (default) leaves repeats to the network.",
		EnvVars: prefixEnvVars("ACCEPTED_CACHE_SIZE"),
	}
	HTTPListenAddrFlag = &cli.StringFlag{
		Name:    "http.addr",
		Usage:   "Relay HTTP listening address",
		Value:   "0.0.0.0",
		EnvVars: prefixEnvVars("HTTP_ADDR"),
	}
	HTTPListenPortFlag = &cli.IntFlag{
		Name:    "http.port",
		Usage:   "Relay HTTP listening port",
		Value:   3001,
		EnvVars: prefixEnvVars("HTTP_PORT"),
	}
	CORSAllowedOriginsFlag = &cli.StringSliceFlag{
		Name:    "cors.allowed-origins",
		Usage:   "Origins allowed to call the relay from a browser",
		EnvVars: prefixEnvVars("CORS_ALLOWED_ORIGINS"),
	}
	RateLimitFlag = &cli.Float64Flag{
		Name:    "rate-limit",
		Usage:   "Submissions accepted per second across all callers. 0 disables limiting.",
		EnvVars: prefixEnvVars("RATE_LIMIT"),
	}
	RateBurstFlag = &cli.IntFlag{
		Name:    "rate-burst",
		Usage:   "Burst size for --rate-limit",
		Value:   10,
		EnvVars: prefixEnvVars("RATE_BURST"),
	}
)

func init() {
	Flags = []cli.Flag{
		EthRpcFlag,
		SubmissionModeFlag,
		SponsorPrivateKeyFlag,
		SignerRpcFlag,
		DelegatePublicKeyFlag,
		FundingAmountFlag,
		ActionFlag,
		ActionsFileFlag,
		CapabilityTTLFlag,
		NetworkTimeoutFlag,
		MaxGasEstimateFlag,
		VerifySenderFlag,
		AcceptedCacheSizeFlag,
		HTTPListenAddrFlag,
		HTTPListenPortFlag,
		CORSAllowedOriginsFlag,
		RateLimitFlag,
		RateBurstFlag,
	}

	Flags = append(Flags, oplog.CLIFlags(EnvVarPrefix)...)
	Flags = append(Flags, opmetrics.CLIFlags(EnvVarPrefix)...)
}

var Flags []cli.Flag
