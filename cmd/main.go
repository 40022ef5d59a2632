package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iggydv12/replicaset/internal/config"
	"github.com/iggydv12/replicaset/internal/devnode"
	"github.com/iggydv12/replicaset/internal/health"
	"github.com/iggydv12/replicaset/internal/logging"
	"github.com/iggydv12/replicaset/internal/node"
	"github.com/iggydv12/replicaset/internal/profile"
	"github.com/iggydv12/replicaset/internal/selection"
)

var (
	cfgFile string

	userID     int64
	wallet     string
	handle     string
	name       string
	syncCheck  bool
	quorumSize int
	devAddr    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "replicaset",
		Short:        "Storage node replica set selection and assignment",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to config file (default: configs/config.yaml)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the REST API and background health sweep",
		RunE:  runServe,
	}

	assignCmd := &cobra.Command{
		Use:   "assign",
		Short: "Assign a replica set to a user that has none",
		RunE:  runAssign,
	}
	assignCmd.Flags().Int64VarP(&userID, "user", "u", 0, "User id")
	assignCmd.Flags().StringVar(&wallet, "wallet", "", "Wallet, used when creating the user")
	assignCmd.Flags().StringVar(&handle, "handle", "", "Create the user with this handle first")
	assignCmd.Flags().StringVar(&name, "name", "", "Display name, used when creating the user")
	_ = assignCmd.MarkFlagRequired("user")

	selectCmd := &cobra.Command{
		Use:   "select",
		Short: "Select a content node replica set without committing it",
		RunE:  runSelect,
	}
	selectCmd.Flags().StringVar(&wallet, "wallet", "", "Wallet to sync check against")
	selectCmd.Flags().BoolVar(&syncCheck, "sync-check", false, "Only keep nodes whose sync state fits the wallet")

	quorumCmd := &cobra.Command{
		Use:   "quorum",
		Short: "Sample discovery nodes run by distinct operators",
		RunE:  runQuorum,
	}
	quorumCmd.Flags().IntVarP(&quorumSize, "size", "n", 0, "Quorum size (default from config)")

	probeCmd := &cobra.Command{
		Use:   "probe",
		Short: "Probe every registered content node once",
		RunE:  runProbe,
	}

	devnodeCmd := &cobra.Command{
		Use:   "devnode",
		Short: "Run an in-memory storage node for local testing",
		RunE:  runDevNode,
	}
	devnodeCmd.Flags().StringVar(&devAddr, "addr", ":4000", "Listen address")

	rootCmd.AddCommand(serveCmd, assignCmd, selectCmd, quorumCmd, probeCmd, devnodeCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads config and builds the logger it describes.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("config load: %w", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("logger init: %w", err)
	}
	return cfg, logger, nil
}

func withComponents(fn func(ctx context.Context, cfg *config.Config, comps *node.Components) error) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	comps, err := node.Build(cfg, logger)
	if err != nil {
		return err
	}
	defer comps.Close()
	return fn(context.Background(), cfg, comps)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("Starting replica set service", zap.String("addr", cfg.Server.Addr))
	return node.NewController(cfg, logger).Run(context.Background())
}

func runAssign(cmd *cobra.Command, args []string) error {
	return withComponents(func(ctx context.Context, _ *config.Config, comps *node.Components) error {
		if handle != "" {
			p := profile.Clean(profile.UserProfile{UserID: userID, Wallet: wallet, Handle: handle, Name: name})
			if err := profile.Validate(p); err != nil {
				return err
			}
			if _, err := comps.Ledger.CreateUser(ctx, p); err != nil {
				return fmt.Errorf("create user: %w", err)
			}
		}
		res, err := comps.Assigner.AssignIfNecessary(ctx, userID)
		if err != nil {
			return err
		}
		return printJSON(res)
	})
}

func runSelect(cmd *cobra.Command, args []string) error {
	return withComponents(func(ctx context.Context, _ *config.Config, comps *node.Components) error {
		sel, err := comps.Content.Select(ctx, selection.SelectOptions{PerformSyncCheck: syncCheck, Wallet: wallet})
		if err != nil {
			return err
		}
		return printJSON(sel)
	})
}

func runQuorum(cmd *cobra.Command, args []string) error {
	return withComponents(func(ctx context.Context, cfg *config.Config, comps *node.Components) error {
		size := quorumSize
		if size == 0 {
			size = cfg.Discovery.QuorumSize
		}
		cands, err := comps.Discovery.Select(ctx, size, health.Filter{})
		if err != nil {
			return err
		}
		return printJSON(cands)
	})
}

func runProbe(cmd *cobra.Command, args []string) error {
	return withComponents(func(ctx context.Context, _ *config.Config, comps *node.Components) error {
		results := node.HealthSweep(ctx, comps.Registry, comps.Probe, zap.NewNop())
		return printJSON(results.Candidates())
	})
}

func runDevNode(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	return devnode.New(cfg.DevNode, logger).Start(devAddr)
}
