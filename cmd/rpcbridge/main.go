package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/glimte/rpcbridge/config"
	"github.com/glimte/rpcbridge/internal/rabbitmq"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// app carries what every subcommand needs once flags and environment are read
type app struct {
	cfg    config.Config
	logger *slog.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	var (
		url      string
		exchange string
		binding  string
		queue    string
		verbose  bool
	)

	rootCmd := &cobra.Command{
		Use:   "rpcbridge",
		Short: "Expose models over a RabbitMQ topic exchange",
		Long: `rpcbridge serves model methods to callers on a RabbitMQ topic exchange and
broadcasts model changes. Configuration is read from RPCBRIDGE_* environment
variables; flags override them.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("url") {
				cfg.Broker.URL = url
			}
			if flags.Changed("exchange") {
				cfg.Broker.Exchange = exchange
			}
			if flags.Changed("binding") {
				cfg.Broker.Binding = binding
			}
			if flags.Changed("queue") {
				cfg.Broker.Queue = queue
			}
			if verbose {
				cfg.LogLevel = "debug"
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			a.cfg = cfg
			a.logger = logger
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&url, "url", "u", "", "RabbitMQ connection URL (overrides host, port and credentials)")
	rootCmd.PersistentFlags().StringVar(&exchange, "exchange", "", "topic exchange name")
	rootCmd.PersistentFlags().StringVar(&binding, "binding", "", "routing key prefix")
	rootCmd.PersistentFlags().StringVar(&queue, "queue", "", "inbound request queue")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		newServeCmd(a),
		newCallCmd(a),
		newWatchCmd(a),
		newTokenCmd(a),
	)
	return rootCmd
}

// newLogger builds the process logger from the configured level and format
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q: want text or json", format)
	}
}

// dial opens a broker connection for the client-side commands
func (a *app) dial(ctx context.Context) (*rabbitmq.ConnectionManager, rabbitmq.Channel, error) {
	manager := rabbitmq.NewConnectionManager(a.cfg.Broker.BrokerURL(), rabbitmq.WithLogger(a.logger))
	if err := manager.Connect(ctx); err != nil {
		return nil, nil, err
	}
	ch, err := manager.Channel()
	if err != nil {
		manager.Close()
		return nil, nil, err
	}
	return manager, ch, nil
}
