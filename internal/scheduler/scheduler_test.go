package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAndValidate_RejectsInvalidExpression(t *testing.T) {
	_, err := ParseAndValidate("not a cron expression")
	assert.Error(t, err)
}

func TestParseAndValidate_AcceptsValidExpression(t *testing.T) {
	sched, err := ParseAndValidate("*/15 * * * *")
	require.NoError(t, err)
	assert.NotNil(t, sched)
}

func TestNextInstant_AdvancesFromGivenTime(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := NextInstant("0 * * * *", "UTC", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC), next)
}

func TestNextInstant_RejectsUnknownTimezone(t *testing.T) {
	_, err := NextInstant("0 * * * *", "Not/A_Zone", time.Now())
	assert.Error(t, err)
}
