package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/punchamoorthee/payflow/internal/config"
	"github.com/punchamoorthee/payflow/internal/logging"
	"github.com/punchamoorthee/payflow/internal/service"
	"github.com/punchamoorthee/payflow/internal/store"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "payflowctl",
		Short:   "Operator tooling for the payflow settlement core",
		Version: Version,
	}

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(dispatchCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env is what every subcommand needs: configuration, a logger and an open store.
type env struct {
	cfg   *config.Config
	log   *zap.Logger
	store *store.Store
}

func open(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(logging.Options{
		Service: "payflowctl",
		Env:     cfg.Env,
		Level:   cfg.LogLevel,
		File:    cfg.LogFile,
	})
	if err != nil {
		return nil, err
	}
	s, err := store.Open(ctx, cfg.DBDriver, cfg.DBSource, log)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, log: log, store: s}, nil
}

func (e *env) close() {
	e.store.Close()
	_ = e.log.Sync()
}

func (e *env) core() *service.Core {
	return service.New(e.store, e.cfg.Policy, e.cfg.ClaimSigningKey, service.WithLogger(e.log))
}
