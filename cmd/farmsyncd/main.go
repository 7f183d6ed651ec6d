// Command farmsyncd keeps the farm, presale, swap and TWAP state of one wallet
// in sync with the chain and serves it over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	farmsync "github.com/Iwinswap/iwinswap-farm-sync"
	"github.com/Iwinswap/iwinswap-farm-sync/api"
	"github.com/Iwinswap/iwinswap-farm-sync/config"
	"github.com/Iwinswap/iwinswap-farm-sync/farm"
	"github.com/Iwinswap/iwinswap-farm-sync/network"
	"github.com/Iwinswap/iwinswap-farm-sync/oracle"
	"github.com/Iwinswap/iwinswap-farm-sync/wallet"
)

func main() {
	configPath := flag.String("config", "farmsync.yaml", "path to the YAML configuration file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting farmsyncd",
		zap.String("environment", cfg.Environment),
		zap.String("rpc", cfg.RPC.URL),
		zap.String("http", cfg.HTTP.Addr),
	)

	// A chain change ends the wallet session; everything bound to it is
	// rebuilt on a fresh one.
	for {
		err = run(ctx, cfg, logger)
		if !errors.Is(err, wallet.ErrChainChanged) {
			break
		}
		logger.Warn("wallet chain changed, rebuilding", zap.Error(err))
	}
	if err != nil && ctx.Err() == nil {
		logger.Error("farmsyncd error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// run serves one wallet session until ctx is cancelled or the session ends.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	log := sugared{logger.Sugar()}

	key, err := cfg.Key()
	if err != nil {
		return err
	}
	session, err := wallet.NewSession(wallet.Config{
		Environment: cfg.Env(),
		Detect:      wallet.DialDetector(cfg.RPC.URL, key, cfg.RPC.PollInterval, log),
		Logger:      log,
	})
	if err != nil {
		return err
	}
	defer session.Close()

	sysCfg, err := systemConfig(cfg, session, log)
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	sysCfg.PrometheusReg = reg

	g, gctx := errgroup.WithContext(ctx)
	system, err := farmsync.NewSystem(gctx, sysCfg)
	if err != nil {
		return err
	}
	defer system.Close()

	session.Start(gctx)

	server := api.NewServer(api.FromSystem(system, reg), logger, cfg.HTTP.Addr)
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		select {
		case <-session.Done():
			return session.Err()
		case <-gctx.Done():
			return nil
		}
	})
	return g.Wait()
}

func systemConfig(cfg *config.Config, session *wallet.Session, log sugared) (*farmsync.Config, error) {
	addrs, err := cfg.FarmAddresses()
	if err != nil {
		return nil, err
	}
	registry, err := farm.NewRegistry(addrs)
	if err != nil {
		return nil, err
	}

	fallback, err := cfg.OracleFallback()
	if err != nil {
		return nil, err
	}
	// Test networks rarely carry the pricing pairs.
	if fallback == nil && cfg.Env() != network.Production {
		fallback = big.NewRat(1, 1)
	}
	priceOracle, err := oracle.New(oracle.Config{
		WETH:               config.Address(cfg.Contracts.WETH),
		KnownFactories:     []oracle.KnownFactory{{Address: config.Address(cfg.Contracts.UniswapFactory), ProtocolName: "uniswap-v2"}},
		MaxConcurrentCalls: cfg.Oracle.MaxConcurrentCalls,
		Fallback:           fallback,
		Logger:             log,
	})
	if err != nil {
		return nil, err
	}

	totalSupply, err := cfg.PresaleTotalSupply()
	if err != nil {
		return nil, err
	}
	accountCap, err := cfg.PresaleAccountCap()
	if err != nil {
		return nil, err
	}
	reference, err := cfg.TWAPReference()
	if err != nil {
		return nil, err
	}

	sysCfg := &farmsync.Config{
		SystemName:         "farmsync-" + cfg.Environment,
		Session:            session,
		Registry:           registry,
		DefaultFarm:        farm.Kind(cfg.DefaultFarm),
		Oracle:             priceOracle,
		RewardToken:        config.Address(cfg.Contracts.RewardToken),
		Presale:            config.Address(cfg.Contracts.Presale),
		PresaleTotalSupply: totalSupply,
		PresaleAccountCap:  accountCap,
		LegacyToken:        config.Address(cfg.Contracts.LegacyToken),
		SwapToken:          config.Address(cfg.Contracts.SwapToken),
		TWAPInterval:       cfg.TWAP.Interval,
		TWAPReference:      reference,
		Logger:             log,
	}
	if cfg.Contracts.LiquidityLock != "" {
		sysCfg.LiquidityLock = config.Address(cfg.Contracts.LiquidityLock)
	}
	return sysCfg, nil
}
