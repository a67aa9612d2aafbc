package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Tommyz123/AI-notary/pkg/aiclient"
	cachepkg "github.com/Tommyz123/AI-notary/pkg/cache/sqlite"
	"github.com/Tommyz123/AI-notary/pkg/config"
	"github.com/Tommyz123/AI-notary/pkg/models"
)

func newAskCmd() *cobra.Command {
	var (
		configPath  string
		system      string
		temperature float64
		maxTokens   int
	)

	cmd := &cobra.Command{
		Use:   "ask [prompt...]",
		Short: "Send a prompt to the configured AI provider",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
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

			var messages []models.ChatMessage
			if system != "" {
				messages = append(messages, models.ChatMessage{Role: "system", Content: system})
			}
			messages = append(messages, models.ChatMessage{Role: "user", Content: strings.Join(args, " ")})

			opts := aiclient.Options{}
			if cmd.Flags().Changed("temperature") {
				opts.Temperature = &temperature
			}
			if cmd.Flags().Changed("max-tokens") {
				opts.MaxTokens = &maxTokens
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			text, err := client.Complete(ctx, messages, opts)
			if err != nil {
				return err
			}
			fmt.Println(text)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVarP(&system, "system", "s", "", "system prompt")
	cmd.Flags().Float64VarP(&temperature, "temperature", "t", 0, "sampling temperature")
	cmd.Flags().IntVarP(&maxTokens, "max-tokens", "m", 0, "response token budget")

	return cmd
}

// loadConfig falls back to defaults (provider keys from the environment)
// when no config file is given.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
