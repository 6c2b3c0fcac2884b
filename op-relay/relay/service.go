package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync/atomic"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"github.com/ethereum-optimism/optimism/op-service/dial"
	"github.com/ethereum-optimism/optimism/op-service/httputil"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/jinmel/gas-sponsor/op-relay/actions"
	"github.com/jinmel/gas-sponsor/op-relay/bootstrap"
	"github.com/jinmel/gas-sponsor/op-relay/flags"
	"github.com/jinmel/gas-sponsor/op-sender/sender"
	"github.com/jinmel/gas-sponsor/op-service/sources"
)

// Main is the entrypoint into the relay service.
func Main(version string) cliapp.LifecycleAction {
	return func(cliCtx *cli.Context, _ context.CancelCauseFunc) (cliapp.Lifecycle, error) {
		cfg := NewConfig(cliCtx)
		if err := cfg.Check(); err != nil {
			return nil, fmt.Errorf("invalid CLI flags: %w", err)
		}

		l := oplog.NewLogger(os.Stdout, cfg.LogConfig)
		oplog.SetGlobalLogHandler(l.Handler())
		opservice.ValidateEnvVars(flags.EnvVarPrefix, flags.Flags, l)

		l.Info("Initializing relay service", "version", version, "mode", cfg.Mode)
		return NewRelayService(cliCtx.Context, version, cfg, l)
	}
}

type RelayService struct {
	Log     log.Logger
	Metrics *Metrics
	Version string

	client     *ethclient.Client
	signer     *sources.SignerClient
	backend    *Backend
	httpServer *httputil.HTTPServer
	metricsSrv *httputil.HTTPServer

	stopped atomic.Bool
}

func NewRelayService(ctx context.Context, version string, cfg *CLIConfig, log log.Logger) (*RelayService, error) {
	var rs RelayService
	if err := rs.initFromCLIConfig(ctx, version, cfg, log); err != nil {
		return nil, errors.Join(err, rs.Stop(ctx))
	}
	return &rs, nil
}

func (rs *RelayService) initFromCLIConfig(ctx context.Context, version string, cfg *CLIConfig, log log.Logger) error {
	rs.Version = version
	rs.Log = log
	rs.Metrics = NewMetrics()

	if err := rs.initMetricsServer(cfg); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	if err := rs.initRPCClient(ctx, cfg); err != nil {
		return fmt.Errorf("failed to start eth RPC client: %w", err)
	}
	if err := rs.initBackend(ctx, cfg); err != nil {
		return fmt.Errorf("failed to init %s submission path: %w", cfg.Mode, err)
	}
	if err := rs.initHTTPServer(cfg); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	rs.Metrics.RecordInfo(version, cfg.Mode)
	return nil
}

func (rs *RelayService) initMetricsServer(cfg *CLIConfig) error {
	if !cfg.MetricsConfig.Enabled {
		rs.Log.Info("Metrics disabled")
		return nil
	}
	rs.Log.Debug("Starting metrics server", "addr", cfg.MetricsConfig.ListenAddr, "port", cfg.MetricsConfig.ListenPort)
	srv, err := opmetrics.StartServer(rs.Metrics.Registry(), cfg.MetricsConfig.ListenAddr, cfg.MetricsConfig.ListenPort)
	if err != nil {
		return err
	}
	rs.Log.Info("Started metrics server", "addr", srv.Addr())
	rs.metricsSrv = srv
	return nil
}

func (rs *RelayService) initRPCClient(ctx context.Context, cfg *CLIConfig) error {
	client, err := dial.DialEthClientWithTimeout(ctx, cfg.NetworkTimeout, rs.Log, cfg.EthRpc)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", cfg.EthRpc, err)
	}
	rs.client = client
	return nil
}

func (rs *RelayService) initBackend(ctx context.Context, cfg *CLIConfig) error {
	cctx, cancel := context.WithTimeout(ctx, cfg.NetworkTimeout)
	chainID, err := rs.client.ChainID(cctx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to read chain id: %w", err)
	}

	backendCfg := BackendConfig{
		MaxGasEstimate:    cfg.MaxGasEstimate,
		VerifySender:      cfg.VerifySender,
		ChainID:           chainID,
		AcceptedCacheSize: cfg.AcceptedCacheSize,
	}

	switch cfg.Mode {
	case ModeDirect:
		submitter := NewDirectSubmitter(&EthRawSender{Client: rs.client.Client()}, cfg.NetworkTimeout)
		rs.backend = NewBackend(rs.Log, submitter, rs.Metrics, backendCfg)
	case ModeDelegated:
		sponsorship, err := rs.bootstrap(ctx, cfg)
		if err != nil {
			return err
		}
		submitter := NewDelegatedSubmitter(rs.client, rs.signer, sponsorship, cfg.NetworkTimeout)
		rs.backend = NewBackend(rs.Log, submitter, rs.Metrics, backendCfg)
	default:
		return cfg.Mode.Check()
	}
	rs.Log.Info("Submission path ready", "mode", cfg.Mode, "chainId", chainID)
	return nil
}

func (rs *RelayService) bootstrap(ctx context.Context, cfg *CLIConfig) (*bootstrap.Sponsorship, error) {
	registry, err := actions.LoadRegistry(cfg.ActionsFile)
	if err != nil {
		return nil, err
	}
	action, err := registry.Lookup(cfg.Action)
	if err != nil {
		return nil, err
	}
	sponsorKey, err := cfg.SponsorKey()
	if err != nil {
		return nil, err
	}
	delegate, err := cfg.DelegateKey()
	if err != nil {
		return nil, err
	}
	funding, err := cfg.FundingWei()
	if err != nil {
		return nil, err
	}

	rs.signer = sources.NewSignerClient(rs.Log, cfg.SignerConfig())
	funder := &bootstrap.ChainFunder{
		Preparer: sender.NewPreparer(rs.Log, rs.client, sponsorKey, sender.PreparerConfig{NetworkTimeout: cfg.NetworkTimeout}),
		Chain:    rs.client,
	}
	return bootstrap.Run(ctx, rs.Log, &bootstrap.Config{
		SponsorKey:        sponsorKey,
		DelegatePublicKey: delegate,
		FundingAmount:     funding,
		Action:            action,
		StepTimeout:       cfg.NetworkTimeout,
	}, rs.signer, funder)
}

func (rs *RelayService) initHTTPServer(cfg *CLIConfig) error {
	api := NewRelayAPI(rs.backend, rs.Log, rs.Metrics, cfg.API)
	addr := net.JoinHostPort(cfg.ListenAddr, strconv.Itoa(cfg.ListenPort))
	srv, err := httputil.StartHTTPServer(addr, api.Handler())
	if err != nil {
		return err
	}
	rs.Log.Info("Relay listening", "addr", srv.Addr(), "path", sources.PathSubmitTransaction)
	rs.httpServer = srv
	return nil
}

func (rs *RelayService) Start(ctx context.Context) error {
	rs.Log.Info("Starting relay")
	return nil
}

func (rs *RelayService) Stop(ctx context.Context) error {
	rs.Log.Info("Stopping relay")
	var result error
	if rs.httpServer != nil {
		if err := rs.httpServer.Stop(ctx); err != nil {
			result = errors.Join(result, fmt.Errorf("failed to stop HTTP server: %w", err))
		}
	}
	if rs.signer != nil {
		rs.signer.Close()
	}
	if rs.client != nil {
		rs.client.Close()
	}
	if rs.metricsSrv != nil {
		if err := rs.metricsSrv.Stop(ctx); err != nil {
			result = errors.Join(result, fmt.Errorf("failed to stop metrics server: %w", err))
		}
	}

	if result == nil {
		rs.stopped.Store(true)
		rs.Log.Info("Relay stopped")
	}
	return result
}

func (rs *RelayService) Stopped() bool {
	return rs.stopped.Load()
}

var _ cliapp.Lifecycle = (*RelayService)(nil)
