// Command callflowd serves the built-in callflow functions. Configuration
// comes from flags, CALLFLOW_* environment variables, the variables set by the
// functions emulator, and an optional config file.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/drblury/callflow"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(newViper()).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "callflowd",
		Short:         "Serve callable functions over HTTP",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v, configFile)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "config file (yaml, json or toml)")
	flags.String("addr", "", "listen address (defaults to :$PORT or :8080)")
	flags.String("target", "", "function also served at /")
	flags.String("project-id", "", "project id for token issuer and audience checks")
	flags.Bool("trust-all-tokens", false, "skip token signature checks (emulator only)")
	flags.String("log-level", "info", "debug, info, warn or error")
	flags.String("log-format", "text", "text or json")
	flags.String("broker", "", "event broker: "+fmt.Sprint(brokerNames()))
	flags.StringSlice("topics", nil, "event types to consume and log")
	for key, flag := range map[string]string{
		"addr":             "addr",
		"target":           "target",
		"project_id":       "project-id",
		"trust_all_tokens": "trust-all-tokens",
		"log_level":        "log-level",
		"log_format":       "log-format",
		"events.broker":    "broker",
		"topics":           "topics",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}

	root.AddCommand(brokersCmd())
	return root
}

func brokersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "brokers",
		Short: "List event brokers and their delivery guarantees",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, name := range brokerNames() {
				caps := callflow.GetTransportCapabilities(name)
				fmt.Fprintf(out, "%-10s redelivery=%-5t ordering=%-5t delay=%-5t max_message_bytes=%d\n",
					name, caps.SupportsReliableDelivery(), caps.SupportsOrdering, caps.SupportsDelay, caps.MaxMessageSize)
			}
			return nil
		},
	}
}

func brokerNames() []string {
	callflow.RegisterBuiltinTransports()
	return callflow.TransportNames()
}

func serve(ctx context.Context, cfg daemonConfig) error {
	slogger, err := cfg.newLogger()
	if err != nil {
		return err
	}
	logger := callflow.NewSlogServiceLogger(slogger)

	deps := callflow.ServiceDependencies{}
	broker := cfg.Events.Broker
	callflow.RegisterBuiltinTransports()
	tr, err := callflow.BuildTransport(ctx, &cfg.Events, callflow.NewWatermillLogger(logger))
	switch {
	case errors.Is(err, callflow.ErrNoBroker):
	case err != nil:
		return err
	default:
		defer func() {
			if err := tr.Close(); err != nil {
				logger.Error("Failed to close broker", err, callflow.LogFields{"broker": broker})
			}
		}()
		if !callflow.GetTransportCapabilities(broker).SupportsReliableDelivery() {
			logger.Info("Broker cannot redeliver, retried events are dropped", callflow.LogFields{"broker": broker})
		}
		deps.Publisher = tr.Publisher
		deps.Subscriber = tr.Subscriber
	}

	svc, err := callflow.NewService(cfg.serverConfig(), logger, deps)
	if err != nil {
		return err
	}
	if err := registerFunctions(svc, cfg, deps.Publisher != nil); err != nil {
		return err
	}
	return svc.Start(ctx)
}
