package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskStatusIsTerminal(t *testing.T) {
	assert.False(t, TaskQueued.IsTerminal())
	assert.False(t, TaskRunning.IsTerminal())
	assert.True(t, TaskSuccess.IsTerminal())
	assert.True(t, TaskErrored.IsTerminal())
	assert.True(t, TaskKilled.IsTerminal())
}
