package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	woofr "github.com/woofr/woofr-go-sdk"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store session token in ~/.woofr/config.toml",
	Long:  "Initialize the Woofr CLI by validating a session token against the API and storing it in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		var opts []woofr.ClientOption
		if cfg.Default.BaseURL != "" {
			opts = append(opts, woofr.WithBaseURL(cfg.Default.BaseURL))
		}
		client := woofr.NewClient(token, opts...)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		user, err := client.CheckAuth(ctx)
		if err != nil {
			return fmt.Errorf("token validation failed: %w", err)
		}

		cfg.Auth.Token = token
		cfg.Auth.UserID = user.ID
		cfg.Auth.Username = user.Username

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Signed in as %s. Token saved to %s\n", user.Username, path)
		return nil
	},
}
