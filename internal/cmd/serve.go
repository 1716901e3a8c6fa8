package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ordo-agent/ordo/internal/approval"
	"github.com/ordo-agent/ordo/internal/audit"
	"github.com/ordo-agent/ordo/internal/config"
	"github.com/ordo-agent/ordo/internal/llm"
	"github.com/ordo-agent/ordo/internal/policy"
	"github.com/ordo-agent/ordo/internal/risk"
	"github.com/ordo-agent/ordo/internal/secrets"
	"github.com/ordo-agent/ordo/internal/server"
	"github.com/ordo-agent/ordo/internal/tools"
	"github.com/ordo-agent/ordo/internal/user"
	"github.com/ordo-agent/ordo/internal/workflow"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Ordo server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

// loadConfig resolves operator config and prepares the data directory.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	if cfg.UsingDefaultKeys() {
		log.Warn().Msg("crypto keys not configured — using derived per-machine defaults. Set ORDO_SECRETS_KEY and ORDO_SIGNING_KEY for production.")
	}
	return cfg, nil
}

// surfaceBaseURLs maps configured surfaces to the catalog's uppercase
// surface names (viper lowercases map keys).
func surfaceBaseURLs(cfg *config.Config) map[string]string {
	out := make(map[string]string, len(cfg.Surfaces))
	for name, base := range cfg.Surfaces {
		out[strings.ToUpper(name)] = base
	}
	return out
}

// buildToolStack registers the surface catalog and wires the router.
func buildToolStack(cfg *config.Config) (*tools.Registry, *tools.Router, error) {
	registry := tools.NewRegistry()
	catalog := tools.Catalog(http.DefaultClient, surfaceBaseURLs(cfg))
	for _, tool := range catalog {
		if err := registry.Register(tool); err != nil {
			return nil, nil, fmt.Errorf("registering tool %s: %w", tool.Name(), err)
		}
	}
	if len(catalog) == 0 {
		log.Warn().Msg("no surfaces configured — every intent will resolve zero tools")
	}
	return registry, tools.NewRouter(registry), nil
}

// buildGuard compiles the OPA action guard when any outright block is
// configured; nil otherwise.
func buildGuard(cmd *cobra.Command, cfg *config.Config) (*approval.Guard, error) {
	if len(cfg.GuardBlockedAssets) == 0 && len(cfg.GuardBlockedActionTypes) == 0 && cfg.GuardHardUSDCeiling == 0 {
		return nil, nil
	}
	return approval.NewGuard(cmd.Context(), approval.GuardConfig{
		BlockedAssets:      cfg.GuardBlockedAssets,
		BlockedActionTypes: cfg.GuardBlockedActionTypes,
		HardUSDCeiling:     cfg.GuardHardUSDCeiling,
	})
}

//nolint:gocyclo // orchestration flow is inherently branched
func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	auditStore, err := audit.NewStore(cfg.AuditDBPath(), cfg.SigningKey)
	if err != nil {
		return fmt.Errorf("initializing audit store: %w", err)
	}
	defer auditStore.Close()

	policyOpts := []policy.Option{policy.WithAuditor(auditStore)}
	if cfg.PolicyRulesFile != "" {
		policyOpts = append(policyOpts, policy.WithOverlayFile(cfg.PolicyRulesFile))
	}
	policyEngine, err := policy.NewEngine(policyOpts...)
	if err != nil {
		return fmt.Errorf("policy engine: %w", err)
	}

	vault, err := secrets.NewVault(cfg.SecretsDBPath(), cfg.SecretsKey)
	if err != nil {
		return fmt.Errorf("initializing credentials vault: %w", err)
	}
	defer vault.Close()

	users, err := user.NewStore(cfg.UsersDBPath())
	if err != nil {
		return fmt.Errorf("initializing user store: %w", err)
	}
	defer users.Close()

	queue, err := approval.NewQueue(cfg.ApprovalsDBPath(),
		approval.WithTTL(time.Duration(cfg.ApprovalTTLMinutes)*time.Minute))
	if err != nil {
		return fmt.Errorf("initializing approval queue: %w", err)
	}
	defer queue.Close()

	sweeper := approval.NewSweeper(queue, time.Duration(cfg.RetentionDays)*24*time.Hour)
	if err := sweeper.Register(); err != nil {
		return fmt.Errorf("registering sweeper jobs: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	if cfg.RiskBaseURL == "" {
		log.Warn().Msg("risk_base_url not set — asset-bearing actions will fail until the risk upstream is configured")
	}
	riskSource := risk.NewHTTPSource(cfg.RiskBaseURL)
	scorer := risk.NewScorer(riskSource,
		risk.WithTTL(time.Duration(cfg.RiskCacheTTL)*time.Second))

	primary := llm.NewChatClient("primary", cfg.LLMPrimaryBaseURL, cfg.LLMPrimaryKey, cfg.LLMPrimaryModel)
	fallback := llm.NewChatClient("fallback", cfg.LLMFallbackBaseURL, cfg.LLMFallbackKey, cfg.LLMFallbackModel)
	completer := llm.NewFailover(primary, fallback)

	registry, router, err := buildToolStack(cfg)
	if err != nil {
		return err
	}
	executor := workflow.NewToolExecutor(router, vault)

	guard, err := buildGuard(cmd, cfg)
	if err != nil {
		return fmt.Errorf("compiling action guard: %w", err)
	}
	// Prices come uncached from the same upstream: the gate must value
	// actions at the current quote, not an hour-old one.
	gate := approval.NewGate(queue, scorer, riskSource, guard, executor)

	engine, err := workflow.NewEngine(workflow.EngineConfig{
		Completer:  completer,
		Registry:   registry,
		Router:     router,
		Policy:     policyEngine,
		Gate:       gate,
		Thresholds: users,
		Creds:      vault,
	})
	if err != nil {
		return fmt.Errorf("building workflow engine: %w", err)
	}

	apiKeys, err := users.APIKeyMap(ctx)
	if err != nil {
		return fmt.Errorf("loading API keys: %w", err)
	}
	if cfg.APIKey != "" {
		// The operator's static key acts as the owner account.
		apiKeys[cfg.APIKey] = "owner"
	}
	if len(apiKeys) == 0 {
		log.Warn().Msg("no API keys registered — all endpoints will return 401. Add users with `ordo users add` or set ORDO_API_KEY.")
	}

	limiter := server.NewRateLimiter(float64(cfg.RateLimitRPS), cfg.RateLimitBurst)
	srv := server.NewServer(engine, queue, executor, auditStore, vault, users, apiKeys,
		server.WithRateLimiter(limiter),
		server.WithVersion(resolvedVersion()))

	addr := cfg.ListenAddr
	if serveAddr != "" {
		addr = serveAddr
	}
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Int("tools", len(registry.Names())).
		Int("cron_entries", sweeper.Entries()).
		Bool("guard", guard != nil).
		Msg("ordo_serve_started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server_stopped")
	return nil
}
