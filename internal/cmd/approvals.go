package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ordo-agent/ordo/internal/approval"
	"github.com/ordo-agent/ordo/internal/secrets"
	"github.com/ordo-agent/ordo/internal/workflow"
)

var (
	approvalsUser   string
	approvalsReason string
)

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Inspect and resolve pending approvals",
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending approvals for a user",
	RunE:  approvalsList,
}

var approvalsApproveCmd = &cobra.Command{
	Use:   "approve [id]",
	Short: "Approve a pending action and execute it",
	Args:  cobra.ExactArgs(1),
	RunE:  approvalsApprove,
}

var approvalsRejectCmd = &cobra.Command{
	Use:   "reject [id]",
	Short: "Reject a pending action",
	Args:  cobra.ExactArgs(1),
	RunE:  approvalsReject,
}

func init() {
	approvalsCmd.PersistentFlags().StringVar(&approvalsUser, "user", "", "acting user id (required)")
	approvalsRejectCmd.Flags().StringVar(&approvalsReason, "reason", "", "rejection reason")
	approvalsCmd.AddCommand(approvalsListCmd)
	approvalsCmd.AddCommand(approvalsApproveCmd)
	approvalsCmd.AddCommand(approvalsRejectCmd)
	rootCmd.AddCommand(approvalsCmd)
}

func requireUserFlag() error {
	if approvalsUser == "" {
		return fmt.Errorf("--user is required")
	}
	return nil
}

func openQueue() (*approval.Queue, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return approval.NewQueue(cfg.ApprovalsDBPath(),
		approval.WithTTL(time.Duration(cfg.ApprovalTTLMinutes)*time.Minute))
}

func approvalsList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	if err := requireUserFlag(); err != nil {
		return err
	}

	queue, err := openQueue()
	if err != nil {
		return err
	}
	defer queue.Close()

	pending, err := queue.ListPending(ctx, approvalsUser)
	if err != nil {
		return fmt.Errorf("listing approvals: %w", err)
	}
	if len(pending) == 0 {
		fmt.Println("No pending approvals.")
		return nil
	}

	fmt.Printf("Pending approvals for %s:\n", approvalsUser)
	for _, req := range pending {
		risk := "-"
		if req.RiskScore != nil {
			risk = fmt.Sprintf("%d", *req.RiskScore)
		}
		fmt.Printf("  %s | %-15s | $%.2f | risk %-3s | expires %s\n    %s\n",
			req.ID, req.RequestType, req.EstimatedUSDValue, risk,
			req.ExpiresAt.Format("15:04:05"), req.Reasoning)
	}
	return nil
}

func approvalsApprove(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	if err := requireUserFlag(); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	queue, err := approval.NewQueue(cfg.ApprovalsDBPath(),
		approval.WithTTL(time.Duration(cfg.ApprovalTTLMinutes)*time.Minute))
	if err != nil {
		return err
	}
	defer queue.Close()

	vault, err := secrets.NewVault(cfg.SecretsDBPath(), cfg.SecretsKey)
	if err != nil {
		return fmt.Errorf("initializing credentials vault: %w", err)
	}
	defer vault.Close()

	_, router, err := buildToolStack(cfg)
	if err != nil {
		return err
	}

	req, data, err := queue.Approve(ctx, args[0], approvalsUser,
		workflow.NewToolExecutor(router, vault))
	if err != nil {
		return fmt.Errorf("approving %s: %w", args[0], err)
	}

	fmt.Printf("\u2713 Approval %s executed\n", req.ID)
	if data != nil {
		fmt.Printf("  result: %v\n", data)
	}
	return nil
}

func approvalsReject(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	if err := requireUserFlag(); err != nil {
		return err
	}

	queue, err := openQueue()
	if err != nil {
		return err
	}
	defer queue.Close()

	req, err := queue.Reject(ctx, args[0], approvalsUser, approvalsReason)
	if err != nil {
		return fmt.Errorf("rejecting %s: %w", args[0], err)
	}

	fmt.Printf("\u2713 Approval %s rejected\n", req.ID)
	return nil
}
