package workflow

import (
	"sort"

	"github.com/ordo-agent/ordo/internal/tools"
)

// MissingScopes returns required − granted, sorted. Pure: no I/O, no
// mutation, callable outside the pipeline.
func MissingScopes(required, granted []tools.Scope) []tools.Scope {
	held := make(map[tools.Scope]bool, len(granted))
	for _, s := range granted {
		held[s] = true
	}

	var missing []tools.Scope
	for _, s := range required {
		if !held[s] {
			missing = append(missing, s)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	return missing
}
