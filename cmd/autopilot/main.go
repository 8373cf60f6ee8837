// Autopilot is the off-chain coordinator of the batch-auction exchange:
// it indexes settlement events, builds auctions from solvable orders,
// runs the solver competition, and drives winning settlements on-chain.
package main

import (
	"context"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/cowpilot/internal/api"
	"github.com/web3guy0/cowpilot/internal/appdata"
	"github.com/web3guy0/cowpilot/internal/auction"
	"github.com/web3guy0/cowpilot/internal/badtokens"
	"github.com/web3guy0/cowpilot/internal/balances"
	"github.com/web3guy0/cowpilot/internal/competition"
	"github.com/web3guy0/cowpilot/internal/config"
	"github.com/web3guy0/cowpilot/internal/contracts"
	"github.com/web3guy0/cowpilot/internal/eth"
	"github.com/web3guy0/cowpilot/internal/fees"
	"github.com/web3guy0/cowpilot/internal/indexer"
	"github.com/web3guy0/cowpilot/internal/inflight"
	"github.com/web3guy0/cowpilot/internal/leader"
	"github.com/web3guy0/cowpilot/internal/observer"
	"github.com/web3guy0/cowpilot/internal/prices"
	"github.com/web3guy0/cowpilot/internal/run"
	"github.com/web3guy0/cowpilot/internal/solvers"
	"github.com/web3guy0/cowpilot/internal/store"
	"github.com/web3guy0/cowpilot/internal/submission"
)

const version = "1.0.0"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", version).
		Int64("chain_id", cfg.ChainID).
		Msg("autopilot starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node, err := eth.Dial(ctx, cfg.RPCURL, cfg.ChainID)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect chain client")
	}
	defer node.Close()

	settlement, err := contracts.NewSettlement(cfg.ChainID, cfg.SettlementAddress, cfg.VaultRelayerAddress, cfg.CowAmmFactoryAddress)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse settlement contracts")
	}

	db, err := store.New(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}

	// Chain ingestion
	stream := eth.NewBlockStream(cfg.WSURL)
	idx := indexer.New(node, settlement, db, stream)

	// Caches and reputation
	primary := prices.NewHTTPEstimator("primary", cfg.PriceEstimatorURL, cfg.PriceEstimatorTimeout)
	var fallbacks []prices.Estimator
	if cfg.PriceEstimatorFallbackURL != "" {
		fallbacks = append(fallbacks, prices.NewHTTPEstimator("fallback", cfg.PriceEstimatorFallbackURL, cfg.PriceEstimatorTimeout))
	}
	oracle := prices.NewOracle(cfg.NativeToken, primary, fallbacks, cfg.NativePriceMaxAge)

	balanceCache := balances.NewCache(eth.NewBalanceReader(node, cfg.VaultRelayerAddress))
	detector := badtokens.NewDetector(cfg.BadTokenTTL)
	tracker := inflight.NewTracker()

	// Auction pipeline
	feeConfig := fees.Config{
		MarketSurplusFactor:    cfg.MarketSurplusFactor,
		MarketMaxVolumeFactor:  cfg.MarketMaxVolumeFactor,
		LimitImprovementFactor: cfg.LimitImprovementFactor,
		LimitMaxVolumeFactor:   cfg.LimitMaxVolumeFactor,
	}
	builder := auction.NewBuilder(db, settlement, oracle, balanceCache, detector, tracker, feeConfig, cfg.SolverDeadline, cfg.JitOrderOwners)

	drivers := make([]*solvers.Driver, len(cfg.Drivers))
	for i, driverCfg := range cfg.Drivers {
		drivers[i] = solvers.NewDriver(driverCfg.Name, driverCfg.URL, driverCfg.SubmissionAccount)
	}
	dispatcher := solvers.NewDispatcher(drivers)
	engine := competition.NewEngine(cfg.TrustedTokens)

	// Submission
	gasCap, ok := new(big.Int).SetString(cfg.GasPriceCapWei, 10)
	if !ok {
		log.Fatal().Str("value", cfg.GasPriceCapWei).Msg("invalid GAS_PRICE_CAP_WEI")
	}
	relayTip, ok := new(big.Int).SetString(cfg.RelayAdditionalTipWei, 10)
	if !ok {
		log.Fatal().Str("value", cfg.RelayAdditionalTipWei).Msg("invalid RELAY_ADDITIONAL_TIP_WEI")
	}
	strategies := []submission.Strategy{
		submission.NewPublicMempool(node, gasCap, cfg.RebroadcastInterval),
	}
	if cfg.PrivateRelayURL != "" {
		strategies = append(strategies, submission.NewPrivateRelay("private-relay", cfg.PrivateRelayURL, gasCap, relayTip, cfg.RebroadcastInterval))
	}
	if cfg.BundleRelayURL != "" {
		strategies = append(strategies, submission.NewBundleRelay("bundle-relay", cfg.BundleRelayURL, node, gasCap, relayTip, cfg.RebroadcastInterval))
	}
	var accounts []*submission.Account
	for _, hexKey := range cfg.SubmissionPrivateKeys {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
		if err != nil {
			log.Fatal().Err(err).Msg("invalid submission private key")
		}
		accounts = append(accounts, submission.NewAccount(key))
	}
	submitter := submission.NewEngine(node, cfg.ChainID, strategies, accounts)

	obs := observer.New(settlement, db)

	var lease *store.LeaderLease
	if cfg.LeaderLockEnabled {
		lease = db.NewLeaderLease()
	}
	leaderTracker := leader.NewTracker(lease)

	loop := run.NewLoop(
		node, leaderTracker, idx, builder, dispatcher, engine, submitter, obs, tracker, detector,
		cfg.AuctionInterval, cfg.SubmissionDeadline, cfg.SafetyMargin,
	)

	resolver := appdata.NewResolver(db, cfg.IPFSGatewayURL, cfg.PriceEstimatorTimeout)
	apiServer := api.NewServer(oracle, resolver, cfg.APIPort, cfg.APIMaxTimeout)

	// Start everything. Indexer and caches run on every replica; the
	// loop itself checks leadership each iteration.
	stream.Start()
	oracle.Start()
	apiServer.Start()
	go idx.Run(ctx)
	go loop.Run(ctx)

	log.Info().Int("drivers", len(drivers)).Int("strategies", len(strategies)).Msg("all services started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	cancel()
	apiServer.Stop()
	oracle.Stop()
	stream.Stop()
}
