package main

import (
	"context"
	"fmt"
	"os"

	"github.com/blockpond/paywatch/internal/config"
	"github.com/blockpond/paywatch/internal/handlers/cli"
	btcrpc "github.com/blockpond/paywatch/internal/infra/blockchain/bitcoin"
	zecrpc "github.com/blockpond/paywatch/internal/infra/blockchain/zcash"
	"github.com/blockpond/paywatch/internal/infra/eventstream/zmq"
	"github.com/blockpond/paywatch/internal/infra/storage/redis"
	"github.com/blockpond/paywatch/internal/infra/storage/sqlite"
	"github.com/blockpond/paywatch/internal/infra/wallet"
	"github.com/blockpond/paywatch/internal/monitor"
	btcmon "github.com/blockpond/paywatch/internal/monitor/bitcoin"
	zecmon "github.com/blockpond/paywatch/internal/monitor/zcash"
	"github.com/blockpond/paywatch/internal/pkg/logger"
	"github.com/blockpond/paywatch/internal/pkg/resilience/retry"
	"github.com/blockpond/paywatch/internal/pkg/telemetry"
	transporthttp "github.com/blockpond/paywatch/internal/pkg/transport/http"
	"github.com/blockpond/paywatch/internal/pkg/transport/jsonrpc"

	"github.com/joho/godotenv"
)

// newRPCConn builds the authenticated JSON-RPC connection for one chain.
func newRPCConn(cc config.ChainConfig) jsonrpc.Client {
	httpClient := transporthttp.NewClient(
		transporthttp.WithTimeout(cc.RPCTimeout()),
	).StandardClient()

	return jsonrpc.NewClient(httpClient, cc.RPCURL, cc.RPCUser, cc.RPCPass)
}

// rpcRetryOptions translates the chain config into the call retry policy.
func rpcRetryOptions(cc config.ChainConfig) []retry.Option {
	return []retry.Option{
		retry.WithAttempts(cc.RPCMaxRetries),
		retry.WithDelay(cc.RPCRetryInitial()),
	}
}

func run(ctx context.Context) error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.TelemetryEnabled {
		shutdown, err := telemetry.Init(ctx, cfg.ServiceName)
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	if err := logger.Init(logger.WithLevel(cfg.LogLevel)); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	db, err := sqlite.NewClient(ctx, cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	kv, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Username, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer kv.Close()

	var (
		monitors []cli.Monitor
		checks   []cli.CheckFunc
	)

	if cfg.Bitcoin.Enabled {
		if cfg.Bitcoin.EventStreamEndpoint == "" {
			return fmt.Errorf("PAYWATCH_BTC_EVENT_STREAM_ENDPOINT is required when the bitcoin monitor is enabled")
		}

		rpc := btcrpc.NewClient(newRPCConn(cfg.Bitcoin), rpcRetryOptions(cfg.Bitcoin)...)

		stream := zmq.New(cfg.Bitcoin.EventStreamEndpoint,
			zmq.WithMaxReconnectAttempts(cfg.Bitcoin.SubscriberMaxReconnectAttempts),
		)

		detector := monitor.NewDetector(
			monitor.ChainBitcoin, cfg.Bitcoin.ConfirmationThreshold,
			db.Payments(), db.Transactions(), db.Events(),
		)

		monitors = append(monitors, btcmon.New(btcmon.Config{
			ReconcileInterval:    cfg.Bitcoin.PollInterval(),
			CacheRefreshInterval: cfg.Bitcoin.AddressCacheRefresh(),
			CatchUpMaxBlocks:     cfg.Bitcoin.CatchUpMaxBlocksPerTick,
		}, rpc, stream, detector, kv, db.Payments()))

		checks = append(checks, func(ctx context.Context) error {
			return checkChain(ctx, monitor.ChainBitcoin, rpc, kv)
		})
	}

	if cfg.Zcash.Enabled {
		rpc := zecrpc.NewClient(newRPCConn(cfg.Zcash), rpcRetryOptions(cfg.Zcash)...)

		keys, err := wallet.LoadStaticService(cfg.Zcash.ViewingKeysFile)
		if err != nil {
			return fmt.Errorf("load viewing keys: %w", err)
		}

		detector := monitor.NewDetector(
			monitor.ChainZcash, cfg.Zcash.ConfirmationThreshold,
			db.Payments(), db.Transactions(), db.Events(),
		)

		monitors = append(monitors, zecmon.New(zecmon.Config{
			PollInterval:         cfg.Zcash.PollInterval(),
			CacheRefreshInterval: cfg.Zcash.AddressCacheRefresh(),
			CatchUpMaxBlocks:     cfg.Zcash.CatchUpMaxBlocksPerTick,
		}, rpc, detector, kv, db.Payments(), keys, kv))

		checks = append(checks, func(ctx context.Context) error {
			return checkChain(ctx, monitor.ChainZcash, rpc, kv)
		})
	}

	check := func(ctx context.Context) error {
		for _, c := range checks {
			if err := c(ctx); err != nil {
				return err
			}
		}
		return nil
	}

	return cli.Run(ctx, monitors, check)
}

// nodeInfo is the probe surface shared by both chain clients.
type nodeInfo interface {
	GetBlockchainInfo(ctx context.Context) (btcrpc.BlockchainInfo, error)
}

// checkChain probes one chain's node and cursor and reports the result.
func checkChain(ctx context.Context, chain monitor.Chain, rpc nodeInfo, cursors monitor.CursorStore) error {
	info, err := rpc.GetBlockchainInfo(ctx)
	if err != nil {
		return fmt.Errorf("%s node unreachable: %w", chain, err)
	}

	cursor, err := cursors.GetCursor(ctx, chain)
	if err != nil {
		cursor = -1
	}

	logger.Info(ctx, "chain check",
		"chain", chain,
		"node_chain", info.Chain,
		"tip", info.Blocks,
		"best_block", info.BestBlockHash,
		"cursor", cursor,
	)
	return nil
}

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
