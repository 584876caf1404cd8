package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"positionkeeper/internal/model"
	"positionkeeper/internal/retry"
)

// Event log backends.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	RPCURL       string
	ChainID      uint64
	RPCRateLimit float64
	ReceiptPoll  time.Duration

	Router     string
	Lens       string
	Hook       string
	Account    string
	PrivateKey string

	EventLogBackend   string
	EventLogPath      string
	EventLogKey       string
	EventLogDedup     bool
	EventLogMaxEvents int
	PostgresDSN       string

	DemoTraderURL string
	MaxPositions  int
	Assets        []model.TokenMeta

	Checkpoint string
	BatchSize  uint64

	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryRateLimited int
	RetryOrdinary    int

	LogLevel string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("POSITIONCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("receipt-poll", 2*time.Second)
	v.SetDefault("eventlog-backend", BackendFile)
	v.SetDefault("eventlog-path", "./data/hook-events.json")
	v.SetDefault("eventlog-key", "hook-event-store")
	v.SetDefault("eventlog-dedup", false)
	v.SetDefault("eventlog-max-events", 0)
	v.SetDefault("max-positions", 5)
	v.SetDefault("checkpoint", "./data/hook-checkpoint.json")
	v.SetDefault("batch-size", uint64(2000))
	v.SetDefault("retry-base-delay", retry.DefaultBaseDelay)
	v.SetDefault("retry-max-delay", retry.DefaultMaxDelay)
	v.SetDefault("retry-rate-limited", retry.DefaultBudget.RateLimited)
	v.SetDefault("retry-ordinary", retry.DefaultBudget.Ordinary)
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	assets, err := getAssets(v, "assets")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		RPCURL:            v.GetString("rpc"),
		ChainID:           v.GetUint64("chain-id"),
		RPCRateLimit:      v.GetFloat64("rpc-rate-limit"),
		ReceiptPoll:       v.GetDuration("receipt-poll"),
		Router:            strings.TrimSpace(v.GetString("router")),
		Lens:              strings.TrimSpace(v.GetString("lens")),
		Hook:              strings.TrimSpace(v.GetString("hook")),
		Account:           strings.TrimSpace(v.GetString("account")),
		PrivateKey:        strings.TrimSpace(v.GetString("private-key")),
		EventLogBackend:   strings.ToLower(strings.TrimSpace(v.GetString("eventlog-backend"))),
		EventLogPath:      v.GetString("eventlog-path"),
		EventLogKey:       v.GetString("eventlog-key"),
		EventLogDedup:     v.GetBool("eventlog-dedup"),
		EventLogMaxEvents: v.GetInt("eventlog-max-events"),
		PostgresDSN:       v.GetString("pg-dsn"),
		DemoTraderURL:     v.GetString("demo-trader-url"),
		MaxPositions:      v.GetInt("max-positions"),
		Assets:            assets,
		Checkpoint:        v.GetString("checkpoint"),
		BatchSize:         v.GetUint64("batch-size"),
		RetryBaseDelay:    v.GetDuration("retry-base-delay"),
		RetryMaxDelay:     v.GetDuration("retry-max-delay"),
		RetryRateLimited:  v.GetInt("retry-rate-limited"),
		RetryOrdinary:     v.GetInt("retry-ordinary"),
		LogLevel:          v.GetString("log-level"),
	}

	switch cfg.EventLogBackend {
	case BackendFile, BackendPostgres:
	default:
		return Config{}, fmt.Errorf("unknown eventlog backend %q", cfg.EventLogBackend)
	}
	if cfg.MaxPositions <= 0 {
		return Config{}, fmt.Errorf("max-positions must be positive")
	}
	if cfg.RetryRateLimited < 0 || cfg.RetryOrdinary < 0 {
		return Config{}, fmt.Errorf("retry budgets must not be negative")
	}

	return cfg, nil
}

// RetryBudget is the configured read budget.
func (c Config) RetryBudget() retry.Budget {
	return retry.Budget{RateLimited: c.RetryRateLimited, Ordinary: c.RetryOrdinary}
}

// getAssets reads the asset table either as a list of maps from a config
// file or as "address:symbol:decimals" entries from a flag or env value.
func getAssets(v *viper.Viper, key string) ([]model.TokenMeta, error) {
	if !v.IsSet(key) {
		return nil, nil
	}

	switch typed := v.Get(key).(type) {
	case string:
		return parseAssetEntries(splitAndClean(typed))
	case []string:
		return parseAssetEntries(cleanStrings(typed))
	case []interface{}:
		out := make([]model.TokenMeta, 0, len(typed))
		for i, item := range typed {
			switch entry := item.(type) {
			case string:
				meta, err := parseAssetEntry(entry)
				if err != nil {
					return nil, err
				}
				out = append(out, meta)
			case map[string]interface{}:
				meta, err := assetFromMap(entry)
				if err != nil {
					return nil, fmt.Errorf("assets[%d]: %w", i, err)
				}
				out = append(out, meta)
			default:
				return nil, fmt.Errorf("assets[%d]: unsupported entry %T", i, item)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("assets: unsupported value %T", typed)
	}
}

func assetFromMap(entry map[string]interface{}) (model.TokenMeta, error) {
	address := strings.TrimSpace(fmt.Sprintf("%v", entry["address"]))
	symbol := strings.TrimSpace(fmt.Sprintf("%v", entry["symbol"]))
	decimals, err := strconv.ParseUint(fmt.Sprintf("%v", entry["decimals"]), 10, 8)
	if err != nil {
		return model.TokenMeta{}, fmt.Errorf("invalid decimals for %s", address)
	}
	return model.TokenMeta{Address: address, Symbol: symbol, Decimals: uint8(decimals)}, nil
}

func parseAssetEntries(entries []string) ([]model.TokenMeta, error) {
	out := make([]model.TokenMeta, 0, len(entries))
	for _, entry := range entries {
		meta, err := parseAssetEntry(entry)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, nil
}

func parseAssetEntry(entry string) (model.TokenMeta, error) {
	parts := strings.Split(entry, ":")
	if len(parts) != 3 {
		return model.TokenMeta{}, fmt.Errorf("invalid asset %q, want address:symbol:decimals", entry)
	}
	decimals, err := strconv.ParseUint(strings.TrimSpace(parts[2]), 10, 8)
	if err != nil {
		return model.TokenMeta{}, fmt.Errorf("invalid decimals in asset %q", entry)
	}
	return model.TokenMeta{
		Address:  strings.TrimSpace(parts[0]),
		Symbol:   strings.TrimSpace(parts[1]),
		Decimals: uint8(decimals),
	}, nil
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
