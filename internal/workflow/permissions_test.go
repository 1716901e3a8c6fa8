package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ordo-agent/ordo/internal/tools"
)

func TestMissingScopes(t *testing.T) {
	tests := []struct {
		name     string
		required []tools.Scope
		granted  []tools.Scope
		want     []tools.Scope
	}{
		{
			name:     "all granted",
			required: []tools.Scope{tools.ScopeReadWallet},
			granted:  []tools.Scope{tools.ScopeReadWallet, tools.ScopeReadGmail},
			want:     nil,
		},
		{
			name:     "none granted",
			required: []tools.Scope{tools.ScopeReadWallet, tools.ScopeReadGmail},
			granted:  nil,
			want:     []tools.Scope{tools.ScopeReadGmail, tools.ScopeReadWallet},
		},
		{
			name:     "partial",
			required: []tools.Scope{tools.ScopeSignTransactions, tools.ScopeReadDefi},
			granted:  []tools.Scope{tools.ScopeReadDefi},
			want:     []tools.Scope{tools.ScopeSignTransactions},
		},
		{
			name:     "empty required",
			required: nil,
			granted:  []tools.Scope{tools.ScopeReadWallet},
			want:     nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MissingScopes(tt.required, tt.granted))
		})
	}
}
