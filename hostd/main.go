package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/itskum47/hostforge/hostd/config"
	"github.com/itskum47/hostforge/hostd/logging"
	"github.com/itskum47/hostforge/hostd/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// environment is what every subcommand needs to reach the configured store.
type environment struct {
	configPath string

	// loaded by load
	cfg    *config.Config
	logger *zap.Logger
}

func (e *environment) load() error {
	cfg, err := config.Load(e.configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	e.cfg, e.logger = cfg, logger
	return nil
}

// openStore opens the configured backend without the liveness guard. Used by
// the one-shot commands.
func (e *environment) openStore() (store.Store, error) {
	return store.Open(storeOptions(e.cfg, e.logger))
}

func storeOptions(cfg *config.Config, logger *zap.Logger) store.Options {
	badger := store.DefaultBadgerConfig(cfg.Store.BadgerPath)
	badger.Logger = logger
	return store.Options{
		Backend: cfg.Store.Backend,
		Redis: store.RedisOptions{
			Addr:      cfg.Store.RedisAddr,
			Password:  cfg.Store.RedisPassword,
			DB:        cfg.Store.RedisDB,
			Namespace: store.Namespace(cfg.Store.Namespace),
		},
		Badger: badger,
	}
}

func newRootCmd() *cobra.Command {
	env := &environment{}
	root := &cobra.Command{
		Use:          "hostd",
		Short:        "Host management daemon",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return env.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if env.logger != nil {
				_ = env.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&env.configPath, "config", "c", config.DefaultPath, "configuration file")

	root.AddCommand(
		newServeCmd(env),
		newTaskCmd(env),
		newMessagesCmd(env),
		newServicesCmd(env),
		newAppsCmd(env),
		newVersionCmd(),
	)
	return root
}

func newServeCmd(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), env.cfg, env.logger)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "hostd %s\n", version)
}
