package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"flowagent/pkg/config"
	"flowagent/pkg/db"
	"flowagent/pkg/logger"
)

type options struct {
	configDir string
	env       string
	json      bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "agentctl",
		Short:         "Operator tooling for flowagent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configDir, "config", "config", "directory holding base.yaml and env overlays")
	root.PersistentFlags().StringVar(&opts.env, "env", config.GetConfigEnv(), "config environment overlay")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "output JSON")

	root.AddCommand(
		classifyCmd(opts),
		slaCheckCmd(opts),
		outboxReplayCmd(opts),
		decisionsCmd(opts),
	)
	return root
}

func (o *options) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.env, o.configDir)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger.NewLogger(cfg.Log.Level), nil
}

// openDB loads config and connects to PostgreSQL; commands that read live state need it.
func (o *options) openDB(ctx context.Context) (*pgxpool.Pool, *config.Config, *zap.Logger, error) {
	cfg, log, err := o.load()
	if err != nil {
		return nil, nil, nil, err
	}
	if !cfg.DB.Enabled() {
		return nil, nil, nil, fmt.Errorf("no database configured (db.host is empty)")
	}
	pool, err := db.NewPool(ctx, cfg.DB, log)
	if err != nil {
		return nil, nil, nil, err
	}
	return pool, cfg, log, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
