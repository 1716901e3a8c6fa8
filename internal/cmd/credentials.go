package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ordo-agent/ordo/internal/secrets"
)

var credentialsUser string

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage a user's encrypted surface credentials",
}

var credentialsSetCmd = &cobra.Command{
	Use:   "set [name] [value]",
	Short: "Store an encrypted credential",
	Args:  cobra.ExactArgs(2),
	RunE:  credentialsSet,
}

var credentialsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List credentials (metadata only, values not shown)",
	RunE:  credentialsList,
}

var credentialsDeleteCmd = &cobra.Command{
	Use:   "delete [name]",
	Short: "Remove a credential",
	Args:  cobra.ExactArgs(1),
	RunE:  credentialsDelete,
}

var credentialsAuditCmd = &cobra.Command{
	Use:   "audit",
	Short: "View the credential access log",
	RunE:  credentialsAudit,
}

func init() {
	credentialsCmd.PersistentFlags().StringVar(&credentialsUser, "user", "", "owning user id (required)")
	credentialsCmd.AddCommand(credentialsSetCmd)
	credentialsCmd.AddCommand(credentialsListCmd)
	credentialsCmd.AddCommand(credentialsDeleteCmd)
	credentialsCmd.AddCommand(credentialsAuditCmd)
	rootCmd.AddCommand(credentialsCmd)
}

func openVault() (*secrets.Vault, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return secrets.NewVault(cfg.SecretsDBPath(), cfg.SecretsKey)
}

func requireCredentialsUser() error {
	if credentialsUser == "" {
		return fmt.Errorf("--user is required")
	}
	return nil
}

func credentialsSet(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	if err := requireCredentialsUser(); err != nil {
		return err
	}

	vault, err := openVault()
	if err != nil {
		return fmt.Errorf("initializing vault: %w", err)
	}
	defer vault.Close()

	if err := vault.Set(ctx, credentialsUser, args[0], args[1]); err != nil {
		return fmt.Errorf("storing credential: %w", err)
	}

	fmt.Printf("✓ Credential '%s' stored for %s (encrypted at rest)\n", args[0], credentialsUser)
	return nil
}

func credentialsList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	if err := requireCredentialsUser(); err != nil {
		return err
	}

	vault, err := openVault()
	if err != nil {
		return fmt.Errorf("initializing vault: %w", err)
	}
	defer vault.Close()

	list, err := vault.List(ctx, credentialsUser)
	if err != nil {
		return fmt.Errorf("listing credentials: %w", err)
	}
	if len(list) == 0 {
		fmt.Println("No credentials stored yet.")
		return nil
	}

	fmt.Printf("Credentials for %s (values not shown):\n", credentialsUser)
	for i := range list {
		fmt.Printf("  - %s (accessed %d times)\n", list[i].Name, list[i].AccessCount)
	}
	return nil
}

func credentialsDelete(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	if err := requireCredentialsUser(); err != nil {
		return err
	}

	vault, err := openVault()
	if err != nil {
		return fmt.Errorf("initializing vault: %w", err)
	}
	defer vault.Close()

	if err := vault.Delete(ctx, credentialsUser, args[0]); err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}

	fmt.Printf("✓ Credential '%s' deleted\n", args[0])
	return nil
}

func credentialsAudit(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	if err := requireCredentialsUser(); err != nil {
		return err
	}

	vault, err := openVault()
	if err != nil {
		return fmt.Errorf("initializing vault: %w", err)
	}
	defer vault.Close()

	records, err := vault.AccessLog(ctx, credentialsUser, 50)
	if err != nil {
		return fmt.Errorf("fetching access log: %w", err)
	}
	if len(records) == 0 {
		fmt.Println("No credential access records yet.")
		return nil
	}

	fmt.Println("Credential Access Log (last 50):")
	for _, entry := range records {
		status := "✓ ALLOWED"
		if !entry.Allowed {
			status = "✗ DENIED"
		}
		reason := ""
		if entry.Reason != "" {
			reason = " (" + entry.Reason + ")"
		}
		fmt.Printf("  %s | %s | %s%s\n",
			entry.Timestamp.Format("2006-01-02 15:04:05"),
			status, entry.Name, reason)
	}
	return nil
}
