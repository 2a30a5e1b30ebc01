package main

import (
	"fmt"
	"os"

	woofr "github.com/woofr/woofr-go-sdk"
)

// getClient creates a Woofr client authenticated with the stored token.
func getClient() *woofr.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No session token. Run 'woofr init <token>' first.")
		os.Exit(1)
	}

	var opts []woofr.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, woofr.WithBaseURL(cfg.Default.BaseURL))
	}
	opts = append(opts, woofr.WithSessionExpiredHandler(func() {
		fmt.Fprintln(os.Stderr, "Session expired. Run 'woofr init <token>' with a fresh token.")
	}))

	return woofr.NewClient(cfg.Auth.Token, opts...)
}
