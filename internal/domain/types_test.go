package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleConstructorsRejectInvalidInput(t *testing.T) {
	_, err := NewDailyRule(0, EndCondition{})
	assert.Error(t, err)

	_, err = NewWeeklyRule(0, []time.Weekday{time.Monday}, EndCondition{})
	assert.Error(t, err)

	_, err = NewWeeklyRule(1, []time.Weekday{time.Monday, time.Monday}, EndCondition{})
	assert.Error(t, err, "duplicate weekdays are rejected")

	_, err = NewMonthlyRule(-1, EndCondition{})
	assert.Error(t, err)

	_, err = NewIntervalRule(0, EndCondition{})
	assert.Error(t, err)

	_, err = NewCronRule("not a cron expr", EndCondition{})
	assert.Error(t, err)
}

func TestRuleConstructorsAcceptValidInput(t *testing.T) {
	rule, err := NewWeeklyRule(2, []time.Weekday{time.Monday, time.Friday}, EndCondition{})
	require.NoError(t, err)
	assert.Equal(t, FreqWeekly, rule.Freq)

	rule, err = NewCronRule("*/15 * * * *", EndCondition{})
	require.NoError(t, err)
	assert.Equal(t, FreqCron, rule.Freq)
}

func TestTaskLocationFallsBackToUTC(t *testing.T) {
	assert.Equal(t, time.UTC, Task{}.Location())
	assert.Equal(t, time.UTC, Task{Timezone: "Not/AZone"}.Location())

	loc := Task{Timezone: "America/New_York"}.Location()
	assert.Equal(t, "America/New_York", loc.String())
}

func TestReminderStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusFiring.Terminal())
	assert.True(t, StatusDelivered.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.True(t, StatusFailed.Terminal())
}
