package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Tommyz123/AI-notary/pkg/aiclient"
	cachepkg "github.com/Tommyz123/AI-notary/pkg/cache/sqlite"
)

func newInfoCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show the active provider configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			var cache aiclient.ResponseCache
			if cfg.Cache.Enabled {
				c, err := cachepkg.New(cfg.Cache.Path)
				if err != nil {
					return fmt.Errorf("init cache: %w", err)
				}
				defer func() { _ = c.Close() }()
				cache = c
			}

			client, err := aiclient.New(cfg, cache)
			if err != nil {
				return err
			}

			info := client.ProviderInfo()
			fmt.Printf("Provider: %s\nModel:    %s\nURL:      %s\nCaching:  %v\n",
				info.Provider, info.Model, info.URL, info.CachingEnabled)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")

	return cmd
}
