package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/finlink/internal/api"
	"github.com/matheus3301/finlink/internal/config"
	"github.com/matheus3301/finlink/internal/profile"
)

type globals struct {
	profile string
	json    bool
	timeout time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "finlinkctl",
		Short:         "Control a running finlinkd",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVar(&g.profile, "profile", "", "profile name (overrides config default)")
	root.PersistentFlags().BoolVar(&g.json, "json", false, "output in JSON format")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		statusCmd(g),
		loginCmd(g),
		registerCmd(g),
		logoutCmd(g),
		connectCmd(g),
		disconnectCmd(g),
		conversationsCmd(g),
		messagesCmd(g),
		sendCmd(g),
		resendCmd(g),
		readCmd(g),
		openCmd(g),
		watchCmd(g),
	)
	return root
}

// run dials the profile's daemon and calls fn with a deadline.
func (g *globals) run(fn func(ctx context.Context, c *api.Client) error) error {
	cfg, _ := config.LoadOrDefault(profile.ConfigPath())
	name := profile.Resolve(g.profile, cfg)
	if err := profile.ValidateName(name); err != nil {
		return err
	}
	c, err := api.Dial(profile.SocketPath(name))
	if err != nil {
		return fmt.Errorf("cannot connect to daemon for profile %q: %w", name, err)
	}
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	return fn(ctx, c)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
