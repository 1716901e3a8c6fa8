package approval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeperRegistersJobs(t *testing.T) {
	q := newTestQueue(t)
	s := NewSweeper(q, 30*24*time.Hour)

	require.NoError(t, s.Register())
	assert.Equal(t, 2, s.Entries())
}
