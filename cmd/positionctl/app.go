package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"positionkeeper/internal/assets"
	"positionkeeper/internal/chain"
	"positionkeeper/internal/config"
	"positionkeeper/internal/eventlog"
	"positionkeeper/internal/eventlog/postgres"
	"positionkeeper/internal/hook"
	"positionkeeper/internal/protocol"
	"positionkeeper/internal/retry"
	"positionkeeper/internal/wallet"
)

// app carries the shared collaborators of one command invocation.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	retry    *retry.Policy
	chain    *chain.Client
	protocol *protocol.Client
	assets   *assets.Registry
	chainID  *big.Int

	closers []func()
}

// setup loads configuration, builds the logger and connects to the node.
// The returned context is cancelled on interrupt.
func setup(cmd *cobra.Command) (context.Context, *app, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, nil, err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	policy := retry.NewPolicy(logger)
	policy.BaseDelay = cfg.RetryBaseDelay
	policy.MaxDelay = cfg.RetryMaxDelay
	policy.Budget = cfg.RetryBudget()

	a := &app{cfg: cfg, logger: logger, retry: policy}
	a.closers = append(a.closers, func() { _ = logger.Sync() })

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a.closers = append(a.closers, stop)
	return ctx, a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// connect dials the RPC endpoint and builds the protocol reader.
func (a *app) connect(ctx context.Context) error {
	if a.cfg.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}
	router, err := parseAddress("router", a.cfg.Router)
	if err != nil {
		return err
	}
	lens, err := parseOptionalAddress("lens", a.cfg.Lens)
	if err != nil {
		return err
	}

	client, err := chain.NewClient(ctx, a.cfg.RPCURL, chain.Options{
		RateLimit:   a.cfg.RPCRateLimit,
		ReceiptPoll: a.cfg.ReceiptPoll,
	})
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	a.chain = client
	a.closers = append(a.closers, client.Close)

	chainID, err := retry.Do(ctx, a.retry, client.GetChainID)
	if err != nil {
		return fmt.Errorf("get chain id: %w", err)
	}
	if a.cfg.ChainID != 0 && (!chainID.IsUint64() || chainID.Uint64() != a.cfg.ChainID) {
		return fmt.Errorf("connected to chain %s, configured chain id is %d", chainID, a.cfg.ChainID)
	}
	a.chainID = chainID

	a.protocol = protocol.NewClient(client, a.retry, protocol.Addresses{Router: router, Lens: lens}, a.logger)
	registry, err := assets.NewRegistry(a.cfg.Assets, a.protocol, a.logger)
	if err != nil {
		return err
	}
	a.assets = registry

	a.logger.Info("connected",
		zap.String("rpc", a.cfg.RPCURL),
		zap.String("chain_id", chainID.String()),
		zap.String("router", router.Hex()),
	)
	return nil
}

// signer builds the key signer, asking for confirmation on the terminal
// unless autoConfirm is set.
func (a *app) signer(autoConfirm bool) (wallet.Signer, error) {
	if a.cfg.PrivateKey == "" {
		return nil, fmt.Errorf("private-key is required to send transactions")
	}
	keySigner, err := wallet.NewKeySigner(a.cfg.PrivateKey, a.chainID, a.chain, a.logger)
	if err != nil {
		return nil, err
	}
	confirm := wallet.TerminalConfirm(os.Stdin, os.Stdout)
	if autoConfirm {
		confirm = wallet.AutoConfirm
	}
	return wallet.NewPrompting(keySigner, confirm), nil
}

// account is the address read-only commands inspect.
func (a *app) account() (common.Address, error) {
	if a.cfg.Account != "" {
		return parseAddress("account", a.cfg.Account)
	}
	if a.cfg.PrivateKey != "" && a.chainID != nil {
		keySigner, err := wallet.NewKeySigner(a.cfg.PrivateKey, a.chainID, a.chain, a.logger)
		if err != nil {
			return common.Address{}, err
		}
		return keySigner.Account(), nil
	}
	return common.Address{}, fmt.Errorf("account or private-key is required")
}

// eventLog opens the configured event log backend.
func (a *app) eventLog(ctx context.Context) (*eventlog.Log, error) {
	var store eventlog.Store
	switch a.cfg.EventLogBackend {
	case config.BackendPostgres:
		if a.cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("pg-dsn is required for the postgres event log")
		}
		pg, err := postgres.NewStore(ctx, a.cfg.PostgresDSN, a.cfg.EventLogKey)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		store = pg
	default:
		store = eventlog.NewFileStore(a.cfg.EventLogPath, a.cfg.EventLogKey)
	}

	return eventlog.Open(ctx, store, eventlog.Policy{
		DedupByID: a.cfg.EventLogDedup,
		MaxEvents: a.cfg.EventLogMaxEvents,
	}, a.logger)
}

// hookDecoder is nil when no hook address is configured.
func (a *app) hookDecoder() (*hook.Decoder, error) {
	if a.cfg.Hook == "" {
		return nil, nil
	}
	return hook.NewDecoder(a.cfg.Hook, a.logger)
}

func parseAddress(name, value string) (common.Address, error) {
	if value == "" {
		return common.Address{}, fmt.Errorf("%s address is required", name)
	}
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("invalid %s address: %s", name, value)
	}
	return common.HexToAddress(value), nil
}

func parseOptionalAddress(name, value string) (common.Address, error) {
	if value == "" {
		return common.Address{}, nil
	}
	return parseAddress(name, value)
}
