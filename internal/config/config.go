package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/web3guy0/cowpilot/internal/domain"
)

// DriverConfig registers one solver driver endpoint.
type DriverConfig struct {
	Name              string
	URL               string
	SubmissionAccount common.Address
}

// Config is loaded from the environment once at startup. Invalid values
// are fatal: a coordinator with a broken configuration must not run.
type Config struct {
	Debug bool

	// Chain
	ChainID int64
	RPCURL  string
	WSURL   string

	// Contracts
	SettlementAddress    common.Address
	VaultRelayerAddress  common.Address
	CowAmmFactoryAddress common.Address
	NativeToken          common.Address

	// Store
	DatabaseDSN string

	// Pipeline
	LeaderLockEnabled  bool
	AuctionInterval    time.Duration
	SolverDeadline     time.Duration
	SubmissionDeadline time.Duration
	SafetyMargin       time.Duration

	// Solvers
	Drivers []DriverConfig

	// Native prices
	PriceEstimatorURL         string
	PriceEstimatorFallbackURL string
	PriceEstimatorTimeout     time.Duration
	NativePriceMaxAge         time.Duration

	// Reputation
	BadTokenTTL time.Duration

	// Protocol fees
	MarketSurplusFactor    domain.FeeFactor
	MarketMaxVolumeFactor  domain.FeeFactor
	LimitImprovementFactor domain.FeeFactor
	LimitMaxVolumeFactor   domain.FeeFactor

	// Submission
	SubmissionPrivateKeys []string
	GasPriceCapWei        string
	RelayAdditionalTipWei string
	RebroadcastInterval   time.Duration
	PrivateRelayURL       string
	BundleRelayURL        string

	// Sandbox
	TrustedTokens  []common.Address
	JitOrderOwners []common.Address

	// Operator API
	APIPort       int
	APIMaxTimeout time.Duration

	// AppData
	IPFSGatewayURL string
}

func Load() (*Config, error) {
	cfg := &Config{
		Debug: getEnvBool("DEBUG", false),

		ChainID: int64(getEnvInt("CHAIN_ID", 1)),
		RPCURL:  getEnv("RPC_URL", ""),
		WSURL:   getEnv("WS_URL", ""),

		DatabaseDSN: getEnv("DATABASE_DSN", "data/cowpilot.db"),

		LeaderLockEnabled: getEnvBool("LEADER_LOCK_ENABLED", false),
		AuctionInterval:   getEnvDuration("AUCTION_INTERVAL", 15*time.Second),
		SolverDeadline:     getEnvDuration("SOLVER_DEADLINE", 12*time.Second),
		SubmissionDeadline: getEnvDuration("SUBMISSION_DEADLINE", 2*time.Minute),
		SafetyMargin:       getEnvDuration("SAFETY_MARGIN", 500*time.Millisecond),

		PriceEstimatorURL:         getEnv("PRICE_ESTIMATOR_URL", ""),
		PriceEstimatorFallbackURL: getEnv("PRICE_ESTIMATOR_FALLBACK_URL", ""),
		PriceEstimatorTimeout:     getEnvDuration("PRICE_ESTIMATOR_TIMEOUT", 5*time.Second),
		NativePriceMaxAge:         getEnvDuration("NATIVE_PRICE_MAX_AGE", 10*time.Minute),

		BadTokenTTL: getEnvDuration("BAD_TOKEN_TTL", 10*time.Minute),

		GasPriceCapWei:        getEnv("GAS_PRICE_CAP_WEI", "500000000000"),
		RelayAdditionalTipWei: getEnv("RELAY_ADDITIONAL_TIP_WEI", "1000000000"),
		RebroadcastInterval:   getEnvDuration("REBROADCAST_INTERVAL", 3*time.Second),
		PrivateRelayURL:       getEnv("PRIVATE_RELAY_URL", ""),
		BundleRelayURL:        getEnv("BUNDLE_RELAY_URL", ""),

		APIPort:       getEnvInt("API_PORT", 8080),
		APIMaxTimeout: getEnvDuration("API_MAX_TIMEOUT", 3*time.Second),

		IPFSGatewayURL: getEnv("IPFS_GATEWAY_URL", "https://ipfs.io"),
	}

	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC_URL is required")
	}
	if cfg.WSURL == "" {
		return nil, fmt.Errorf("WS_URL is required")
	}
	if cfg.PriceEstimatorURL == "" {
		return nil, fmt.Errorf("PRICE_ESTIMATOR_URL is required")
	}

	var err error
	if cfg.SettlementAddress, err = requireAddress("SETTLEMENT_ADDRESS"); err != nil {
		return nil, err
	}
	if cfg.VaultRelayerAddress, err = requireAddress("VAULT_RELAYER_ADDRESS"); err != nil {
		return nil, err
	}
	if cfg.CowAmmFactoryAddress, err = requireAddress("COW_AMM_FACTORY_ADDRESS"); err != nil {
		return nil, err
	}
	if cfg.NativeToken, err = requireAddress("NATIVE_TOKEN_ADDRESS"); err != nil {
		return nil, err
	}

	// Fee factors reject anything outside [0, 1) at construction.
	if cfg.MarketSurplusFactor, err = getEnvFeeFactor("FEE_MARKET_SURPLUS_FACTOR", 0); err != nil {
		return nil, err
	}
	if cfg.MarketMaxVolumeFactor, err = getEnvFeeFactor("FEE_MARKET_MAX_VOLUME_FACTOR", 0.01); err != nil {
		return nil, err
	}
	if cfg.LimitImprovementFactor, err = getEnvFeeFactor("FEE_LIMIT_IMPROVEMENT_FACTOR", 0); err != nil {
		return nil, err
	}
	if cfg.LimitMaxVolumeFactor, err = getEnvFeeFactor("FEE_LIMIT_MAX_VOLUME_FACTOR", 0.01); err != nil {
		return nil, err
	}

	cfg.Drivers, err = parseDrivers(os.Getenv("DRIVERS"))
	if err != nil {
		return nil, err
	}
	if len(cfg.Drivers) == 0 {
		return nil, fmt.Errorf("DRIVERS is required (name|url|submission_account, comma separated)")
	}

	if keys := os.Getenv("SUBMISSION_PRIVATE_KEYS"); keys != "" {
		cfg.SubmissionPrivateKeys = strings.Split(keys, ",")
	}

	cfg.TrustedTokens = parseAddresses(os.Getenv("TRUSTED_TOKENS"))
	cfg.JitOrderOwners = parseAddresses(os.Getenv("JIT_ORDER_OWNERS"))

	if cfg.SolverDeadline >= cfg.AuctionInterval {
		return nil, fmt.Errorf("SOLVER_DEADLINE (%s) must be shorter than AUCTION_INTERVAL (%s)", cfg.SolverDeadline, cfg.AuctionInterval)
	}

	return cfg, nil
}

// parseDrivers parses "name|url|0xaccount,name2|url2|0xaccount2".
func parseDrivers(raw string) ([]DriverConfig, error) {
	if raw == "" {
		return nil, nil
	}
	var drivers []DriverConfig
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.Split(strings.TrimSpace(entry), "|")
		if len(parts) != 3 {
			return nil, fmt.Errorf("malformed driver entry %q, want name|url|account", entry)
		}
		if !common.IsHexAddress(parts[2]) {
			return nil, fmt.Errorf("driver %q has invalid submission account %q", parts[0], parts[2])
		}
		drivers = append(drivers, DriverConfig{
			Name:              parts[0],
			URL:               parts[1],
			SubmissionAccount: common.HexToAddress(parts[2]),
		})
	}
	return drivers, nil
}

func parseAddresses(raw string) []common.Address {
	if raw == "" {
		return nil
	}
	var addresses []common.Address
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if common.IsHexAddress(entry) {
			addresses = append(addresses, common.HexToAddress(entry))
		}
	}
	return addresses
}

func requireAddress(key string) (common.Address, error) {
	value := os.Getenv(key)
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("%s must be a hex address, got %q", key, value)
	}
	return common.HexToAddress(value), nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvFeeFactor(key string, defaultValue float64) (domain.FeeFactor, error) {
	value := defaultValue
	if raw := os.Getenv(key); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return domain.FeeFactor{}, fmt.Errorf("%s: %w", key, err)
		}
		value = parsed
	}
	factor, err := domain.NewFeeFactor(value)
	if err != nil {
		return domain.FeeFactor{}, fmt.Errorf("%s: %w", key, err)
	}
	return factor, nil
}
