package main

import (
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"captionai/internal/api"
	"captionai/internal/config"
	"captionai/internal/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "captionai",
		Short:         "Caption and chat backend for uploaded videos and images",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", os.Getenv("CAPTIONAI_CONFIG"), "path to config.json")

	loadConfig := func() (*config.Config, error) {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		logger.Init(cfg.BasicConfig.LogLevel, cfg.BasicConfig.LogFormat)
		return cfg, nil
	}

	root.AddCommand(newServeCmd(loadConfig), newLocatorCmd(loadConfig))
	root.RunE = newServeCmd(loadConfig).RunE
	return root
}

func newServeCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			d, err := openDeps(cfg)
			if err != nil {
				return err
			}
			defer d.Close()

			relay := newRelay(ctx, cfg)
			handlers := api.NewHandler(d.locator, newOrchestrator(cfg, d.locator), relay, newSessions(cfg, d), api.Options{
				SimulateProcessing: cfg.BasicConfig.SimulateProcessing,
			})

			router := gin.Default()
			handlers.RegisterRoutes(router)

			addr := cfg.BasicConfig.ServerAddress
			logger.L.Info("server listening", "addr", addr, "locator_backend", cfg.BasicConfig.LocatorBackend)
			if err := router.Run(addr); err != nil {
				return fmt.Errorf("server stopped: %w", err)
			}
			return nil
		},
	}
}

func newLocatorCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locator",
		Short: "Read or replace the media backend url",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Print the current backend url",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			d, err := openDeps(cfg)
			if err != nil {
				return err
			}
			defer d.Close()

			url, ok, err := d.locator.Lookup(cmd.Context())
			if err != nil {
				return fmt.Errorf("read backend url: %w", err)
			}
			if !ok {
				return fmt.Errorf("backend url is not set")
			}
			fmt.Fprintln(cmd.OutOrStdout(), url)
			return nil
		},
	}, &cobra.Command{
		Use:   "set URL",
		Short: "Replace the backend url",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.BasicConfig.LocatorBackend == "memory" {
				return fmt.Errorf("locator_backend memory does not outlive this command; configure file, redis or sql")
			}
			d, err := openDeps(cfg)
			if err != nil {
				return err
			}
			defer d.Close()

			if err := d.locator.Set(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("store backend url: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), args[0])
			return nil
		},
	})
	return cmd
}
