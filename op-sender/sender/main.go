package sender

import (
	"fmt"
	"os"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	"github.com/ethereum-optimism/optimism/op-service/dial"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	"github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli/v2"

	"github.com/jinmel/gas-sponsor/op-sender/flags"
	"github.com/jinmel/gas-sponsor/op-service/sources"
)

// Main prepares one transfer, hands it to the relay and reports the outcome.
func Main(version string) cli.ActionFunc {
	return func(cliCtx *cli.Context) error {
		cfg := NewConfig(cliCtx)
		if err := cfg.Check(); err != nil {
			return fmt.Errorf("invalid CLI flags: %w", err)
		}

		l := oplog.NewLogger(os.Stdout, cfg.LogConfig)
		oplog.SetGlobalLogHandler(l.Handler())
		opservice.ValidateEnvVars(flags.EnvVarPrefix, flags.Flags, l)
		l.Info("Starting sender", "version", version)

		ctx := cliCtx.Context
		client, err := dial.DialEthClientWithTimeout(ctx, cfg.NetworkTimeout, l, cfg.EthRpc)
		if err != nil {
			return fmt.Errorf("failed to dial eth rpc: %w", err)
		}
		defer client.Close()

		key, err := cfg.Key()
		if err != nil {
			return err
		}
		amount, err := cfg.AmountWei()
		if err != nil {
			return err
		}

		preparer := NewPreparer(l, client, key, PreparerConfig{
			FeeMode:        cfg.FeeMode,
			NetworkTimeout: cfg.NetworkTimeout,
		})
		req, err := preparer.Prepare(ctx, common.HexToAddress(cfg.Recipient), amount)
		if err != nil {
			return fmt.Errorf("failed to prepare transaction: %w", err)
		}
		l.Info("Prepared relay request", "from", req.From, "estimate", req.Estimate)

		relay := sources.NewRelayClient(l, cfg.RelayURL, cfg.NetworkTimeout)
		resp, err := relay.Submit(ctx, req)
		if err != nil {
			return fmt.Errorf("relay rejected transaction: %w", err)
		}
		l.Info("Relay accepted transaction", "txHash", resp.TxHash, "status", resp.Status)
		return nil
	}
}
