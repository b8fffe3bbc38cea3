package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/druidia-bot/dotbot/internal/auth"
	"github.com/druidia-bot/dotbot/internal/config"
)

// buildInviteCmd creates the "invite" command. It writes straight to the
// auth store, which is how the first device gets registered before any
// admin device exists to mint tokens over the wire.
func buildInviteCmd() *cobra.Command {
	var (
		configPath string
		userID     string
		label      string
		admin      bool
	)

	cmd := &cobra.Command{
		Use:   "invite",
		Short: "Mint a one-time device registration token",
		Long: `Mint a one-time invite token a device can register with.

The token is printed once and stored hashed; it expires after the configured
auth.invite_token_ttl. Pass --admin for the first device so it can manage
tokens and devices over the admin surface afterwards.`,
		Example: `  # Bootstrap the first (admin) device
  dotbot invite --admin

  # Invite a second device for the same user
  dotbot invite --label laptop`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInvite(cmd, resolveConfigPath(configPath), userID, label, admin)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName,
		"Path to YAML configuration file")
	cmd.Flags().StringVar(&userID, "user", "owner", "User the registering device will belong to")
	cmd.Flags().StringVar(&label, "label", "bootstrap", "Label recorded with the token")
	cmd.Flags().BoolVar(&admin, "admin", false, "Grant the registering device the admin flag")

	return cmd
}

func runInvite(cmd *cobra.Command, configPath, userID, label string, admin bool) error {
	if configPath == defaultConfigName {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			configPath = ""
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := auth.OpenStore(cfg.Auth.DBPath)
	if err != nil {
		return fmt.Errorf("open auth store: %w", err)
	}
	defer store.Close()

	svc := auth.NewService(store, cfg.Auth, slog.Default())
	token, err := svc.CreateInviteToken(cmd.Context(), "cli", userID, label, admin)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Invite token: %s\n", token.Token)
	fmt.Fprintf(out, "User:         %s\n", token.UserID)
	fmt.Fprintf(out, "Admin:        %t\n", token.Admin)
	fmt.Fprintf(out, "Expires:      %s\n", token.ExpiresAt.Format(time.RFC3339))
	return nil
}
