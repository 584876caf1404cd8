package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	root := &cobra.Command{
		Use:          "positionctl",
		Short:        "Preview, open, close and collect leveraged strategy positions",
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file path")
	flags.String("rpc", "", "RPC URL")
	flags.Uint64("chain-id", 0, "expected chain id, 0 reads it from the node")
	flags.Float64("rpc-rate-limit", 0, "RPC requests per second, 0 disables pacing")
	flags.String("router", "", "strategy router address")
	flags.String("lens", "", "strategy lens address")
	flags.String("hook", "", "price hook address emitting SwapPriceLogged")
	flags.String("account", "", "account to inspect when no private key is configured")
	flags.String("eventlog-backend", "file", "event log backend (file, postgres)")
	flags.String("eventlog-path", "./data/hook-events.json", "event log file path")
	flags.String("eventlog-key", "hook-event-store", "event log storage key")
	flags.Bool("eventlog-dedup", false, "drop events whose id is already stored")
	flags.Int("eventlog-max-events", 0, "keep at most this many events, 0 is unbounded")
	flags.String("pg-dsn", "", "Postgres DSN for the postgres event log backend")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(
		newPositionsCmd(),
		newCloseCmd(),
		newOpenCmd(),
		newCollectCmd(),
		newEventsCmd(),
		newDemoTradeCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
