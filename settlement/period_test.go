package settlement_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/settlement-engine/settlement"
)

func TestLastCompleted_MondayToSunday(t *testing.T) {
	tests := []struct {
		name      string
		now       time.Time
		wantStart time.Time
		wantEnd   time.Time
	}{
		{
			name:      "midweek",
			now:       fixedNow,
			wantStart: settlement.Date(2025, time.January, 6),
			wantEnd:   settlement.Date(2025, time.January, 12),
		},
		{
			name:      "first day of next period",
			now:       time.Date(2025, time.January, 13, 0, 30, 0, 0, time.UTC),
			wantStart: settlement.Date(2025, time.January, 6),
			wantEnd:   settlement.Date(2025, time.January, 12),
		},
		{
			// The period ending today is not completed yet.
			name:      "on the end day",
			now:       time.Date(2025, time.January, 12, 23, 0, 0, 0, time.UTC),
			wantStart: settlement.Date(2024, time.December, 30),
			wantEnd:   settlement.Date(2025, time.January, 5),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := settlement.DefaultPayPeriod.LastCompleted(tt.now)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStart, p.Start)
			assert.Equal(t, tt.wantEnd, p.End)
			assert.Equal(t, 7, p.Days())
		})
	}
}

func TestLastCompleted_ThursdayToWednesday(t *testing.T) {
	// GIVEN: A company paying Thursday..Wednesday
	// WHEN: Resolving the default period on Wednesday 2025-01-15
	// THEN: The previous Thu..Wed week, since today's period isn't over

	cfg := settlement.PayPeriodConfig{StartDay: time.Thursday, EndDay: time.Wednesday}
	p, err := cfg.LastCompleted(fixedNow)
	require.NoError(t, err)

	assert.Equal(t, settlement.Date(2025, time.January, 2), p.Start)
	assert.Equal(t, settlement.Date(2025, time.January, 8), p.End)
	assert.Equal(t, time.Thursday, p.Start.Weekday())
}

func TestPayPeriodConfig_SameWeekdayRejected(t *testing.T) {
	cfg := settlement.PayPeriodConfig{StartDay: time.Monday, EndDay: time.Monday}

	_, err := cfg.LastCompleted(fixedNow)
	assert.ErrorIs(t, err, settlement.ErrValidation)

	_, err = cfg.Containing(fixedNow)
	assert.ErrorIs(t, err, settlement.ErrValidation)
}

func TestContaining(t *testing.T) {
	p, err := settlement.DefaultPayPeriod.Containing(time.Date(2025, time.January, 9, 18, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, week(0), p)
}

func TestPeriodContains_InclusiveOfLastDay(t *testing.T) {
	// GIVEN: A Mon..Sun week
	// WHEN: A load is delivered at 23:59 on Sunday
	// THEN: It belongs to the week; midnight Monday does not

	p := week(0)
	assert.True(t, p.Contains(time.Date(2025, time.January, 12, 23, 59, 0, 0, time.UTC)))
	assert.True(t, p.Contains(p.Start))
	assert.False(t, p.Contains(time.Date(2025, time.January, 13, 0, 0, 0, 0, time.UTC)))
	assert.False(t, p.Contains(time.Date(2025, time.January, 5, 23, 59, 0, 0, time.UTC)))
}

func TestPeriodOverlaps(t *testing.T) {
	custom, err := settlement.ParsePeriod("2025-01-10", "2025-01-16")
	require.NoError(t, err)

	assert.True(t, week(0).Overlaps(custom))
	assert.True(t, week(1).Overlaps(custom))
	assert.False(t, week(0).Overlaps(week(1)))
}

func TestParsePeriod_Errors(t *testing.T) {
	_, err := settlement.ParsePeriod("2025-01-12", "2025-01-06")
	assert.ErrorIs(t, err, settlement.ErrValidation)

	_, err = settlement.ParsePeriod("01/06/2025", "2025-01-12")
	var verr *settlement.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "periodStart", verr.Field)

	_, err = settlement.ParsePeriod("2025-01-06", "")
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "periodEnd", verr.Field)
}

func TestParsePeriod_SingleDay(t *testing.T) {
	p, err := settlement.ParsePeriod("2025-01-06", "2025-01-06")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Days())
	assert.Equal(t, "2025-01-06..2025-01-06", p.Key())
}
