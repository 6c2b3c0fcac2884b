package flags

import (
	"time"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	"github.com/urfave/cli/v2"
)

const EnvVarPrefix = "OP_SENDER"

func prefixEnvVars(name string) []string {
	return opservice.PrefixEnvVar(EnvVarPrefix, name)
}

var (
	EthRpcFlag = &cli.StringFlag{
		Name:    "eth-rpc",
		Usage:   "HTTP provider URL for the chain the transaction is sent on",
		EnvVars: prefixEnvVars("ETH_RPC"),
	}
	SenderPrivateKeyFlag = &cli.StringFlag{
		Name:    "sender-private-key",
		Usage:   "Hex private key of the sender. Prefer the environment variable.",
		EnvVars: prefixEnvVars("SENDER_PRIVATE_KEY"),
	}
	RelayURLFlag = &cli.StringFlag{
		Name:    "relay-url",
		Usage:   "Base URL of the relay service",
		Value:   "http://localhost:3001",
		EnvVars: prefixEnvVars("RELAY_URL"),
	}
	RecipientFlag = &cli.StringFlag{
		Name:    "recipient",
		Usage:   "Address receiving the transfer",
		EnvVars: prefixEnvVars("RECIPIENT"),
	}
	AmountFlag = &cli.StringFlag{
		Name:    "amount",
		Usage:   "Amount of the native unit to transfer, in decimal (e.g. 0.0001)",
		Value:   "0.0001",
		EnvVars: prefixEnvVars("AMOUNT"),
	}
	FeeModeFlag = &cli.StringFlag{
		Name:    "fee-mode",
		Usage:   "Fee model used when signing: legacy or dynamic",
		Value:   "legacy",
		EnvVars: prefixEnvVars("FEE_MODE"),
	}
	NetworkTimeoutFlag = &cli.DurationFlag{
		Name:    "network-timeout",
		Usage:   "Timeout applied to every chain and relay call",
		Value:   10 * time.Second,
		EnvVars: prefixEnvVars("NETWORK_TIMEOUT"),
	}
)

func init() {
	Flags = []cli.Flag{
		EthRpcFlag,
		SenderPrivateKeyFlag,
		RelayURLFlag,
		RecipientFlag,
		AmountFlag,
		FeeModeFlag,
		NetworkTimeoutFlag,
	}

	Flags = append(Flags, oplog.CLIFlags(EnvVarPrefix)...)
}

var Flags []cli.Flag
