package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ordo-agent/ordo/internal/approval"
	"github.com/ordo-agent/ordo/internal/tools"
	"github.com/ordo-agent/ordo/internal/user"
)

var (
	usersAPIKey string
	usersScopes string
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage registered users and their granted scopes",
}

var usersAddCmd = &cobra.Command{
	Use:   "add [id]",
	Short: "Register a user (or replace an existing one)",
	Args:  cobra.ExactArgs(1),
	RunE:  usersAdd,
}

var usersShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show a user's scopes and thresholds",
	Args:  cobra.ExactArgs(1),
	RunE:  usersShow,
}

func init() {
	usersAddCmd.Flags().StringVar(&usersAPIKey, "api-key", "", "API key identifying the user (required)")
	usersAddCmd.Flags().StringVar(&usersScopes, "scopes", "", "comma-separated granted scopes (e.g. READ_WALLET,SIGN_TRANSACTIONS)")
	usersCmd.AddCommand(usersAddCmd)
	usersCmd.AddCommand(usersShowCmd)
	rootCmd.AddCommand(usersCmd)
}

func openUserStore() (*user.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return user.NewStore(cfg.UsersDBPath())
}

func parseScopes(raw string) []tools.Scope {
	var out []tools.Scope
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, tools.Scope(strings.ToUpper(part)))
		}
	}
	return out
}

func usersAdd(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	if usersAPIKey == "" {
		return fmt.Errorf("--api-key is required")
	}

	store, err := openUserStore()
	if err != nil {
		return err
	}
	defer store.Close()

	u := &user.User{
		ID:         args[0],
		APIKey:     usersAPIKey,
		Scopes:     parseScopes(usersScopes),
		Thresholds: approval.DefaultThresholds(),
	}
	if err := store.Upsert(ctx, u); err != nil {
		return fmt.Errorf("storing user: %w", err)
	}

	fmt.Printf("✓ User %s registered with %d scope(s)\n", u.ID, len(u.Scopes))
	fmt.Println("  Restart the server to pick up the new API key.")
	return nil
}

func usersShow(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	store, err := openUserStore()
	if err != nil {
		return err
	}
	defer store.Close()

	u, err := store.Get(ctx, args[0])
	if err != nil {
		return fmt.Errorf("loading user: %w", err)
	}

	fmt.Printf("User %s\n", u.ID)
	fmt.Printf("  Scopes: %v\n", u.Scopes)
	fmt.Printf("  Thresholds:\n")
	fmt.Printf("    require_approval_above_usdc: %.2f\n", u.Thresholds.RequireApprovalAboveUSDC)
	fmt.Printf("    min_token_risk_score:        %d\n", u.Thresholds.MinTokenRiskScore)
	fmt.Printf("    block_high_risk_tokens:      %t\n", u.Thresholds.BlockHighRiskTokens)
	fmt.Printf("    max_single_transfer:         %.2f\n", u.Thresholds.MaxSingleTransfer)
	fmt.Printf("    max_daily_volume_usdc:       %.2f\n", u.Thresholds.MaxDailyVolumeUSDC)
	fmt.Printf("  Created: %s\n", u.CreatedAt.Format(time.RFC3339))
	return nil
}
