package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ordo-agent/ordo/internal/tools"
)

func TestRootCmd_HasSubcommands(t *testing.T) {
	expected := []string{"serve", "approvals", "users", "credentials", "version"}
	registered := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		registered[cmd.Name()] = true
	}
	for _, name := range expected {
		assert.True(t, registered[name], "subcommand %q should be registered", name)
	}
}

func TestApprovalsCmd_HasSubcommands(t *testing.T) {
	expected := []string{"list", "approve", "reject"}
	registered := make(map[string]bool)
	for _, cmd := range approvalsCmd.Commands() {
		registered[cmd.Name()] = true
	}
	for _, name := range expected {
		assert.True(t, registered[name], "approvals subcommand %q should be registered", name)
	}
}

func TestApprovalsApproveCmd_RequiresOneArg(t *testing.T) {
	require.NotNil(t, approvalsApproveCmd.Args)
	assert.Error(t, approvalsApproveCmd.Args(approvalsApproveCmd, []string{}))
	assert.NoError(t, approvalsApproveCmd.Args(approvalsApproveCmd, []string{"apr_123"}))
}

func TestCredentialsCmd_HasSubcommands(t *testing.T) {
	expected := []string{"set", "list", "delete", "audit"}
	registered := make(map[string]bool)
	for _, cmd := range credentialsCmd.Commands() {
		registered[cmd.Name()] = true
	}
	for _, name := range expected {
		assert.True(t, registered[name], "credentials subcommand %q should be registered", name)
	}
}

func TestCredentialsSetCmd_RequiresTwoArgs(t *testing.T) {
	require.NotNil(t, credentialsSetCmd.Args)
	assert.Error(t, credentialsSetCmd.Args(credentialsSetCmd, []string{"one"}))
	assert.NoError(t, credentialsSetCmd.Args(credentialsSetCmd, []string{"name", "value"}))
}

func TestParseScopes(t *testing.T) {
	scopes := parseScopes(" read_wallet, SIGN_TRANSACTIONS ,")
	assert.Equal(t, []tools.Scope{tools.ScopeReadWallet, tools.ScopeSignTransactions}, scopes)
	assert.Nil(t, parseScopes(""))
}

func TestResolvedVersion_Default(t *testing.T) {
	assert.NotEmpty(t, resolvedVersion())
}
