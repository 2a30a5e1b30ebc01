package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	woofr "github.com/woofr/woofr-go-sdk"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// send
	sendFilePath string

	// chat
	chatNoRealtime   bool
	chatPollInterval time.Duration
)

// ============================================================================
// whoami
// ============================================================================

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in account",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		user, err := client.CheckAuth(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		fmt.Printf("User ID:      %s\n", user.ID)
		fmt.Printf("Username:     %s\n", user.Username)
		if user.DisplayName != "" {
			fmt.Printf("Display Name: %s\n", user.DisplayName)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <peer-id> [text]",
	Short: "Send a message to a peer",
	Long:  "Send a text message, a media attachment (--file), or both to a peer.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		peerID := args[0]
		var opts woofr.SendOptions
		if len(args) == 2 {
			opts.Text = args[1]
		}
		if sendFilePath != "" {
			data, err := os.ReadFile(sendFilePath)
			if err != nil {
				return fmt.Errorf("cannot read file: %w", err)
			}
			opts.Media = data
			opts.MediaName = filepath.Base(sendFilePath)
		}
		if opts.Text == "" && len(opts.Media) == 0 {
			return fmt.Errorf("nothing to send: provide text, --file, or both")
		}

		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		msg, err := client.SendMessage(ctx, peerID, opts)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		fmt.Printf("Message sent to %s\n", peerID)
		fmt.Printf("  Message ID: %s\n", msg.ID)
		if msg.Text != "" {
			fmt.Printf("  Text:       %s\n", msg.Text)
		}
		if msg.MediaRef != "" {
			fmt.Printf("  Media:      %s\n", msg.MediaRef)
		} else if len(opts.Media) > 0 {
			fmt.Println("  Media:      processing")
		}
		return nil
	},
}

// ============================================================================
// chat
// ============================================================================

var chatCmd = &cobra.Command{
	Use:   "chat <peer-id>",
	Short: "Watch a conversation live",
	Long:  "Open a conversation and print messages as they arrive, until interrupted.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peerID := args[0]
		client := getClient()

		var rt *woofr.RealtimeClient
		if !chatNoRealtime {
			rt = client.Realtime(&woofr.RealtimeConfig{AutoReconnect: true})
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			err := rt.Connect(ctx)
			cancel()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Live connection unavailable, polling only: %v\n", err)
			}
			defer rt.Disconnect()
		}

		storeOpts := &woofr.StoreOptions{}
		if chatPollInterval > 0 {
			storeOpts.PollInterval = chatPollInterval
		}
		store := woofr.NewConversationStore(client, rt, storeOpts)
		defer store.Close()

		seen := make(map[string]bool)
		store.OnMessagesChanged(func(msgs []woofr.Message) {
			for _, m := range msgs {
				if seen[m.ID] {
					continue
				}
				seen[m.ID] = true
				line := m.Text
				if m.MediaRef != "" {
					line = fmt.Sprintf("%s [media: %s]", line, m.MediaRef)
				}
				fmt.Printf("[%s] %s: %s\n", m.CreatedAt, m.SenderID, line)
			}
		})
		store.OnError(func(err error) {
			fmt.Fprintf(os.Stderr, "sync error: %v\n", err)
		})

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := store.Open(ctx, peerID)
		cancel()
		if err != nil {
			return fmt.Errorf("cannot open conversation: %w", err)
		}

		fmt.Printf("Watching conversation with %s. Press Ctrl-C to stop.\n", peerID)
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		return nil
	},
}

// ============================================================================
// clear
// ============================================================================

var clearCmd = &cobra.Command{
	Use:   "clear <peer-id>",
	Short: "Delete the conversation history with a peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peerID := args[0]
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.ClearConversation(ctx, peerID); err != nil {
			return fmt.Errorf("clear failed: %w", err)
		}

		fmt.Printf("Conversation with %s cleared\n", peerID)
		return nil
	},
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	sendCmd.Flags().StringVarP(&sendFilePath, "file", "f", "", "Path of a media file to attach")

	chatCmd.Flags().BoolVar(&chatNoRealtime, "no-realtime", false, "Skip the live connection and rely on polling")
	chatCmd.Flags().DurationVar(&chatPollInterval, "poll-interval", 0, "Fallback poll interval (default 30s)")

	rootCmd.AddCommand(whoamiCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(clearCmd)
}
