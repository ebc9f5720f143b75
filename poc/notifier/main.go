package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/margo/index-notifier/poc/notifier/database"
	"github.com/margo/index-notifier/poc/notifier/logging"
	"github.com/margo/index-notifier/poc/notifier/types"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
}

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// NewRootCommand creates the root command for the notifier CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "notifier",
		Short: "Package index notifier",
		Long:  "Watches a git-versioned package index and announces new, yanked and unyanked versions.",
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config",
		"poc/notifier/config/config.yaml",
		"path to the YAML configuration file")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newSubscribeCommand(opts))
	cmd.AddCommand(newUnsubscribeCommand(opts))
	cmd.AddCommand(newSubscriptionsCommand(opts))

	return cmd
}

// setup loads the configuration and builds the logger shared by all components.
func setup(opts *RootOptions) (*types.Config, *zap.SugaredLogger, error) {
	cfg, err := types.NewConfigManager(opts.ConfigPath).LoadAndValidateConfig()
	if err != nil {
		return nil, nil, err
	}

	log, err := logging.NewLogger(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return nil, nil, types.ConfigError(types.OperationValidatingConfig, err)
	}
	return cfg, log, nil
}

func newRunCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "run",
		Short:         "Run the notifier until interrupted",
		Long:          "Run the notifier. SIGINT and SIGTERM stop it gracefully, SIGHUP triggers an immediate index sync.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(opts)
			if err != nil {
				return err
			}
			defer log.Sync()

			notifier, err := NewNotifier(cfg, log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := notifier.Start(ctx); err != nil {
				_ = notifier.Stop()
				return err
			}

			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			defer signal.Stop(hup)

			for {
				select {
				case <-hup:
					log.Info("Received SIGHUP, triggering index sync")
					notifier.TriggerSync()
				case <-ctx.Done():
					return notifier.Stop()
				}
			}
		},
	}
}

func newSubscribeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "subscribe <package> <chat-id>",
		Short:        "Subscribe a chat to a package",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			chat, err := parseChatID(args[1])
			if err != nil {
				return err
			}
			return withDatabase(cmd.Context(), opts, func(ctx context.Context, db database.DatabaseIfc) error {
				added, err := db.Subscribe(ctx, args[0], chat)
				if err != nil {
					return err
				}
				if added {
					fmt.Fprintf(cmd.OutOrStdout(), "subscribed %d to %s\n", chat, args[0])
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%d is already subscribed to %s\n", chat, args[0])
				}
				return nil
			})
		},
	}
}

func newUnsubscribeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "unsubscribe <package> <chat-id>",
		Short:        "Remove a chat's subscription to a package",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			chat, err := parseChatID(args[1])
			if err != nil {
				return err
			}
			return withDatabase(cmd.Context(), opts, func(ctx context.Context, db database.DatabaseIfc) error {
				removed, err := db.Unsubscribe(ctx, args[0], chat)
				if err != nil {
					return err
				}
				if removed {
					fmt.Fprintf(cmd.OutOrStdout(), "unsubscribed %d from %s\n", chat, args[0])
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%d was not subscribed to %s\n", chat, args[0])
				}
				return nil
			})
		},
	}
}

func newSubscriptionsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "subscriptions <chat-id>",
		Short:        "List the packages a chat is subscribed to",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			chat, err := parseChatID(args[0])
			if err != nil {
				return err
			}
			return withDatabase(cmd.Context(), opts, func(ctx context.Context, db database.DatabaseIfc) error {
				packages, err := db.ListSubscriptions(ctx, chat)
				if err != nil {
					return err
				}
				for _, pkg := range packages {
					fmt.Fprintln(cmd.OutOrStdout(), pkg)
				}
				return nil
			})
		},
	}
}

func withDatabase(ctx context.Context, opts *RootOptions, fn func(context.Context, database.DatabaseIfc) error) error {
	cfg, log, err := setup(opts)
	if err != nil {
		return err
	}
	defer log.Sync()

	db, err := database.Open(cfg.Database, log)
	if err != nil {
		return err
	}

	if err := fn(ctx, db); err != nil {
		db.Close()
		return err
	}
	return db.Close()
}

func parseChatID(raw string) (types.ChatID, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat id %q: %w", raw, err)
	}
	return types.ChatID(id), nil
}
