package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/chatsync/internal/client"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/spf13/cobra"
)

var (
	sessionFlag string
	jsonFlag    bool
	timeoutFlag time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "chatctl",
	Short:         "Control a running chatsyncd profile",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&sessionFlag, "session", "", "profile name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 15*time.Second, "per-call timeout")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// withClient dials the profile's daemon and runs fn with a call timeout.
func withClient(fn func(ctx context.Context, c *client.Client) error) error {
	sessionName := session.Resolve(sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		return err
	}
	c, err := client.New(session.SocketPath(sessionName))
	if err != nil {
		return fmt.Errorf("cannot connect to daemon for profile %q: %w", sessionName, err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), timeoutFlag)
	defer cancel()
	return fn(ctx, c)
}

// render writes v as JSON with --json, otherwise calls text.
func render(v any, text func()) {
	if jsonFlag {
		outputJSON(v)
		return
	}
	text()
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
