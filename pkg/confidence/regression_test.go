package confidence

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func snap(score int, band Band, action Action) Snapshot {
	return Snapshot{Score: score, Band: band, Action: action}
}

func TestCompare_NoBaseline(t *testing.T) {
	res := Compare(nil, snap(10, BandLow, ActionHumanReviewRequired), 5)
	assert.Equal(t, SeverityNone, res.Severity)
	assert.False(t, res.Regressed)
	assert.False(t, res.RequiresAck)
	assert.Empty(t, res.Reasons)
}

func TestCompare_HardRegression(t *testing.T) {
	prev := snap(80, BandHigh, ActionAutoRun)
	res := Compare(&prev, snap(55, BandLow, ActionHumanReviewRequired), 5)

	assert.Equal(t, SeverityMajor, res.Severity)
	assert.True(t, res.RequiresAck)
	assert.True(t, res.Regressed)
	assert.Equal(t, 25, res.ScoreDrop)
	assert.Equal(t, []string{
		"SCORE_DROP_25",
		"BAND_HIGH_TO_LOW",
		"ACTION_AUTO_RUN_TO_HUMAN_REVIEW_REQUIRED",
	}, res.Reasons)
}

func TestCompare_SmallDropIsNone(t *testing.T) {
	prev := snap(80, BandHigh, ActionAutoRun)
	res := Compare(&prev, snap(72, BandHigh, ActionAutoRun), 5)

	assert.Equal(t, SeverityNone, res.Severity)
	assert.False(t, res.RequiresAck)
	assert.Equal(t, []string{"SCORE_DROP_8"}, res.Reasons)
}

func TestCompare_DropBoundaries(t *testing.T) {
	tests := []struct {
		drop int
		want Severity
	}{
		{9, SeverityNone},
		{10, SeverityMinor},
		{19, SeverityMinor},
		{20, SeverityMajor},
		{35, SeverityMajor},
		{-15, SeverityNone},
	}
	for _, tt := range tests {
		prev := snap(90, BandHigh, ActionAutoRun)
		res := Compare(&prev, snap(90-tt.drop, BandHigh, ActionAutoRun), 0)
		assert.Equal(t, tt.want, res.Severity, "drop=%d", tt.drop)
		assert.Equal(t, tt.want == SeverityMajor, res.RequiresAck, "drop=%d", tt.drop)
	}
}

func TestCompare_BandAndActionTransitions(t *testing.T) {
	prev := snap(70, BandHigh, ActionAutoRun)

	medium := Compare(&prev, snap(70, BandMedium, ActionAutoRun), 5)
	assert.Equal(t, SeverityMinor, medium.Severity)
	assert.False(t, medium.RequiresAck)
	assert.Equal(t, []string{"BAND_HIGH_TO_MEDIUM"}, medium.Reasons)

	low := Compare(&prev, snap(70, BandLow, ActionAutoRun), 5)
	assert.Equal(t, SeverityMajor, low.Severity)

	escalated := Compare(&prev, snap(71, BandHigh, ActionHumanReviewRequired), 5)
	assert.Equal(t, SeverityMajor, escalated.Severity)
	assert.True(t, escalated.RequiresAck)

	mediumToLow := snap(60, BandMedium, ActionAutoRun)
	res := Compare(&mediumToLow, snap(58, BandLow, ActionAutoRun), 5)
	assert.Equal(t, SeverityNone, res.Severity)
	assert.Equal(t, []string{"BAND_MEDIUM_TO_LOW"}, res.Reasons)
}

func TestCompare_ImprovementIsNone(t *testing.T) {
	prev := snap(40, BandLow, ActionHumanReviewRequired)
	res := Compare(&prev, snap(95, BandHigh, ActionAutoRun), 5)
	assert.Equal(t, SeverityNone, res.Severity)
	assert.Equal(t, -55, res.ScoreDrop)
	assert.Equal(t, []string{"BAND_LOW_TO_HIGH", "ACTION_HUMAN_REVIEW_REQUIRED_TO_AUTO_RUN"}, res.Reasons)
}

func TestCompare_ToleranceOnlyAffectsReasons(t *testing.T) {
	prev := snap(90, BandHigh, ActionAutoRun)
	res := Compare(&prev, snap(78, BandHigh, ActionAutoRun), 15)
	assert.Equal(t, SeverityMinor, res.Severity)
	assert.Empty(t, res.Reasons)
}
