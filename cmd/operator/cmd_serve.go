package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/swcompose/operator/internal/config"
	"github.com/swcompose/operator/internal/morph"
	"github.com/swcompose/operator/internal/operator"
	"github.com/swcompose/operator/internal/prompts"
	"github.com/swcompose/operator/internal/store"
	"github.com/swcompose/operator/internal/store/instantdb"
	"github.com/swcompose/operator/internal/store/memstore"
	"github.com/swcompose/operator/internal/webapi"
	"github.com/swcompose/operator/internal/webserver"
)

func newServeCommand() *cobra.Command {
	var configPath string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the console API server",
		Long: `Start the console API server.

The server orchestrates task VMs against the Morph compute provider and
persists session lineage through the configured store backend. Configuration
comes from operator.yaml plus environment overrides (MORPH_API_KEY,
INSTANT_APP_ID, INSTANT_ADMIN_TOKEN, OPERATOR_SNAPSHOT_ID).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := slog.Default()

			st, err := newStore(cfg, logger)
			if err != nil {
				return err
			}

			compute := morph.New(cfg.MorphAPIKey)
			promptSvc := prompts.New(st, config.DefaultSystemPrompt)
			op := operator.New(st, compute, promptSvc, cfg, operator.WithLogger(logger))

			handlers := webapi.NewHandlers(op, st, promptSvc, logger)
			srv := webserver.New(webserver.Config{
				Port:         cfg.Server.Port,
				AllowOrigins: cfg.Server.AllowOrigins,
				Logger:       logger,
			}, handlers)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Printf("operator console API: http://localhost:%d\n", cfg.Server.Port)
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to operator.yaml (default: ./operator.yaml)")
	cmd.Flags().IntVar(&port, "port", 0, "Override the configured server port")

	return cmd
}

// loadConfigForStore loads config for commands that only need the store
// backend; compute credentials are not validated.
func loadConfigForStore(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if cfg.Store.Backend == "instantdb" && (cfg.Store.AppID == "" || cfg.Store.AdminToken == "") {
		return nil, fmt.Errorf("instantdb backend requires INSTANT_APP_ID and INSTANT_ADMIN_TOKEN")
	}
	return cfg, nil
}

// newStore builds the persistence backend selected by the config.
func newStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		logger.Warn("using in-memory store; state is lost on restart")
		return memstore.New(), nil
	case "instantdb":
		return instantdb.New(cfg.Store.AppID, cfg.Store.AdminToken), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
