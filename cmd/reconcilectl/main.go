package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"enrollment-service/config"
	"enrollment-service/internal/store"
	"enrollment-service/internal/util"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "reconcilectl",
		Short:   "Operator tool for the enrollment ledger",
		Version: Version,
	}

	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(migrateCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env is what every subcommand needs: config, a logger and the ledger.
type env struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *store.Store
}

func openEnv() (*env, error) {
	cfg := config.Load()
	if err := util.InitLogger(cfg.Server.Env); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logger: util.GetLogger(), db: db}, nil
}

func (e *env) Close() {
	_ = e.db.Close()
	util.SyncLogger()
}

func (e *env) txOptions() store.TxOptions {
	return store.TxOptions{
		Isolation: sql.LevelReadCommitted,
		MaxWait:   e.cfg.Reconcile.TxMaxWait,
		Timeout:   e.cfg.Reconcile.TxTimeout,
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the ledger tables if they are missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.db.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Schema is up to date")
			return nil
		},
	}
}
