package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunStatus_IsActive(t *testing.T) {
	assert.True(t, RunQueued.IsActive())
	assert.True(t, RunRunning.IsActive())
	assert.False(t, RunSuccess.IsActive())
	assert.False(t, RunFailed.IsActive())
}

func TestRunStatus_IsTerminal(t *testing.T) {
	assert.True(t, RunSuccess.IsTerminal())
	assert.True(t, RunTimeout.IsTerminal())
	assert.True(t, RunSkipped.IsTerminal())
	assert.False(t, RunQueued.IsTerminal())
	assert.False(t, RunRunning.IsTerminal())
}

func TestTruncateErrorMessage(t *testing.T) {
	short := "boom"
	assert.Equal(t, short, TruncateErrorMessage(short))

	long := strings.Repeat("x", ErrorMessageMaxLen+100)
	assert.Len(t, TruncateErrorMessage(long), ErrorMessageMaxLen)
}

func TestTruncateErrorTrace(t *testing.T) {
	long := strings.Repeat("y", ErrorTraceMaxLen+1)
	assert.Len(t, TruncateErrorTrace(long), ErrorTraceMaxLen)
}
