package cmd

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quaylabs/flasharb/config"
	"github.com/quaylabs/flasharb/executor"
	"github.com/quaylabs/flasharb/feed"
	"github.com/quaylabs/flasharb/gas"
	"github.com/quaylabs/flasharb/nonce"
	"github.com/quaylabs/flasharb/relay"
	"github.com/quaylabs/flasharb/risk"
	"github.com/quaylabs/flasharb/settlement"
	"github.com/quaylabs/flasharb/sink"
	"github.com/quaylabs/flasharb/types"
	"github.com/quaylabs/flasharb/venue"
)

var (
	oppsFile string
	dryRun   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute opportunities from a JSONL feed",
	Long: `run reads line-delimited opportunities from a file (or stdin) and drives
each one through the execution pipeline against the configured settlement
contract. With --dry-run the routes settle against an in-process engine seeded
from the configured pools instead of touching the chain.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := buildLogger(debug)
		if err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}
		defer logger.Sync()

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		reader, closeReader, err := openOpportunities(oppsFile)
		if err != nil {
			return err
		}
		defer closeReader()

		ctx := cmd.Context()
		gate := risk.NewGate(cfg.GateConfig(), logger)
		venues := venue.Default()
		source := feed.NewJSONLSource(reader, logger)

		if dryRun {
			return runPaper(ctx, cfg, gate, venues, source, logger)
		}
		return runLive(ctx, cfg, gate, venues, source, logger)
	},
}

func init() {
	runCmd.Flags().StringVar(&oppsFile, "opportunities", "", "JSONL opportunity feed ('-' or empty for stdin)")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "settle against the in-process engine instead of the chain")
	rootCmd.AddCommand(runCmd)
}

func openOpportunities(path string) (io.Reader, func() error, error) {
	if path == "" || path == "-" {
		return os.Stdin, func() error { return nil }, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open opportunity feed: %w", err)
	}
	return f, f.Close, nil
}

// runLive wires the full pipeline against a real node.
func runLive(ctx context.Context, cfg *config.Config, gate *risk.Gate,
	venues *venue.Registry, source *feed.JSONLSource, logger *zap.Logger) error {

	secrets, err := config.LoadSecrets()
	if err != nil {
		return err
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(secrets.PrivateKey, "0x"))
	if err != nil {
		return fmt.Errorf("failed to parse execution key: %w", err)
	}

	client, err := ethclient.DialContext(ctx, cfg.Network.RPCEndpoint)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", cfg.Network.RPCEndpoint, err)
	}
	defer client.Close()

	pricer := gas.NewPricer(cfg.PricerConfig(),
		gas.NewClientFeed(client, cfg.Gas.HistoryBlocks), logger)
	nonces := nonce.NewManager(client, crypto.PubkeyToAddress(key.PublicKey),
		cfg.Executor.NonceTTL, logger)

	results := sink.Fanout{sink.NewLogSink(logger)}
	if cfg.Sink.Postgres {
		if secrets.PostgresDSN == "" {
			return fmt.Errorf("postgres sink enabled but FLASHARB_POSTGRES_DSN not set")
		}
		pg, err := sink.NewPGSink(ctx, secrets.PostgresDSN)
		if err != nil {
			return fmt.Errorf("failed to open postgres sink: %w", err)
		}
		defer pg.Close()
		results = append(results, pg)
	}

	var submitter executor.Submitter
	if cfg.Relay.Enabled {
		if secrets.RelayKey == "" {
			return fmt.Errorf("relay enabled but FLASHARB_RELAY_KEY not set")
		}
		submitter, err = relay.New(relay.Config{
			URL:          cfg.Relay.URL,
			SigningKey:   secrets.RelayKey,
			TargetOffset: cfg.Relay.TargetOffset,
		}, client, logger)
		if err != nil {
			return err
		}
	}

	strategy, err := gas.ParseStrategy(cfg.Gas.Strategy)
	if err != nil {
		return err
	}
	exec, err := executor.New(executor.Config{
		Contract:            common.HexToAddress(cfg.Settlement.Contract),
		ChainID:             new(big.Int).SetUint64(cfg.Network.ChainID),
		Strategy:            strategy,
		GasMarginBps:        cfg.Gas.GasMarginBps,
		MaxAttempts:         cfg.Executor.MaxAttempts,
		RetryBaseDelay:      cfg.Executor.RetryBaseDelay,
		RetryMaxDelay:       cfg.Executor.RetryMaxDelay,
		RetryMultiplier:     cfg.Executor.RetryMultiplier,
		Confirmations:       cfg.Executor.Confirmations,
		ConfirmPollInterval: cfg.Executor.ConfirmPollInterval,
		ConfirmTimeout:      cfg.Executor.ConfirmTimeout,
		SimulateTimeout:     cfg.Executor.SimulateTimeout,
		MaxConcurrent:       cfg.Executor.MaxConcurrent,
		DedupSize:           cfg.Executor.DedupSize,
		SubmitRate:          cfg.Executor.SubmitRate,
		SubmitBurst:         cfg.Executor.SubmitBurst,
	}, client, submitter, key, gate, pricer, nonces, venues, results, logger)
	if err != nil {
		return err
	}

	logger.Info("executor started",
		zap.String("from", exec.From().Hex()),
		zap.String("contract", cfg.Settlement.Contract),
		zap.Uint64("chain_id", cfg.Network.ChainID),
		zap.Bool("relay", cfg.Relay.Enabled))

	if err := exec.Run(ctx, source.Opportunities(ctx)); err != nil && err != context.Canceled {
		return err
	}
	logger.Info("feed drained", zap.Float64("success_rate", exec.SuccessRate()))
	return nil
}

// runPaper settles routes against the in-process engine seeded from the
// configured pools and reserves. No key, node, or relay is needed.
func runPaper(ctx context.Context, cfg *config.Config, gate *risk.Gate,
	venues *venue.Registry, source *feed.JSONLSource, logger *zap.Logger) error {

	engine := settlement.NewEngine(settlement.Config{
		LoanFeeBps:  cfg.Settlement.LoanFeeBps,
		SlippageBps: cfg.Settlement.SlippageBps,
	}, gate, venues, logger)

	for _, pc := range cfg.Pools {
		pool, err := pc.ToPool()
		if err != nil {
			return err
		}
		engine.AddPool(pool)
	}
	for asset, amount := range cfg.Settlement.Reserves {
		v, ok := new(big.Int).SetString(amount, 10)
		if !ok {
			return fmt.Errorf("settlement.reserves[%s] is not a base-10 integer", asset)
		}
		engine.FundReserve(common.HexToAddress(asset), v)
	}

	go logEngineEvents(ctx, engine.Events(), logger)

	caller := gate.Operator()
	if auth := cfg.Settlement.Authorized; len(auth) > 0 {
		caller = common.HexToAddress(auth[0])
	}
	gate.Authorize(caller)

	for opp := range source.Opportunities(ctx) {
		encoded, err := types.EncodeHops(opp.Hops)
		if err != nil {
			logger.Warn("skipping unencodable route", zap.Error(err))
			continue
		}
		profit, err := engine.Initiate(ctx, caller, opp.Asset, opp.Amount, nil, encoded)
		if err != nil {
			logger.Info("dry-run settlement rejected",
				zap.String("asset", opp.Asset.Hex()),
				zap.Error(err))
			continue
		}
		logger.Info("dry-run settlement committed",
			zap.String("asset", opp.Asset.Hex()),
			zap.String("profit", profit.String()))
	}

	total, successful := engine.Counters()
	logger.Info("dry run finished",
		zap.Uint64("executions", total),
		zap.Uint64("successful", successful))
	return ctx.Err()
}

func logEngineEvents(ctx context.Context, events <-chan settlement.Event, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev := ev.(type) {
			case settlement.ExecutionSucceeded:
				logger.Debug("engine event: execution succeeded",
					zap.String("asset", ev.Asset.Hex()),
					zap.String("profit", ev.Profit.String()))
			case settlement.ExecutionFailed:
				logger.Debug("engine event: execution failed",
					zap.String("asset", ev.Asset.Hex()),
					zap.String("reason", ev.Reason))
			case settlement.BreakerTripped:
				logger.Warn("engine event: breaker tripped",
					zap.String("cumulative_loss", ev.CumulativeLoss.String()))
			}
		}
	}
}
