package persistence

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidTransitionDAG(t *testing.T) {
	allowed := [][2]string{
		{StatusQueued, StatusSent},
		{StatusQueued, StatusPendingManual},
		{StatusPendingManual, StatusSent},
		{StatusSent, StatusApplied},
		{StatusSent, StatusRejected},
	}
	for _, edge := range allowed {
		assert.True(t, ValidTransition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}

	statuses := []string{StatusQueued, StatusPendingManual, StatusSent, StatusApplied, StatusRejected}
	allowedSet := map[[2]string]bool{}
	for _, e := range allowed {
		allowedSet[e] = true
	}
	for _, from := range statuses {
		for _, to := range statuses {
			if from == to {
				assert.True(t, ValidTransition(from, to), "self transition %s", from)
				continue
			}
			assert.Equal(t, allowedSet[[2]string{from, to}], ValidTransition(from, to),
				"%s -> %s", from, to)
		}
	}
}

func TestValidTransitionTerminalStates(t *testing.T) {
	assert.False(t, ValidTransition(StatusApplied, StatusSent))
	assert.False(t, ValidTransition(StatusRejected, StatusQueued))
	assert.False(t, ValidTransition(StatusApplied, StatusRejected))
}
