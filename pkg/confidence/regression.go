// Package confidence classifies how an agent's self-reported confidence for a
// step changed between two consecutive runs.
package confidence

import "fmt"

// Band is the categorical confidence level reported with a score.
type Band string

const (
	BandHigh   Band = "HIGH"
	BandMedium Band = "MEDIUM"
	BandLow    Band = "LOW"
)

// Action is the categorical recommendation reported with a score.
type Action string

const (
	ActionAutoRun             Action = "AUTO_RUN"
	ActionHumanReviewRequired Action = "HUMAN_REVIEW_REQUIRED"
)

// Snapshot is one step's confidence report for one run.
type Snapshot struct {
	Score  int    `json:"score"`
	Band   Band   `json:"band"`
	Action Action `json:"action"`
}

// Severity of a regression.
type Severity string

const (
	SeverityNone  Severity = "NONE"
	SeverityMinor Severity = "MINOR"
	SeverityMajor Severity = "MAJOR"
)

// Thresholds are inclusive: a drop of exactly MajorDrop is MAJOR and a drop of
// exactly MinorDrop is MINOR.
const (
	MajorDrop = 20
	MinorDrop = 10
)

// Result is the outcome of Compare.
type Result struct {
	Severity    Severity `json:"severity"`
	Regressed   bool     `json:"regressed"`
	RequiresAck bool     `json:"requires_ack"`
	ScoreDrop   int      `json:"score_drop"`
	Reasons     []string `json:"reasons,omitempty"`
}

// Compare classifies the change from previous to current. A nil previous has
// no baseline and is never a regression.
//
// Reasons are collected for audit independently of severity. tolerance only
// suppresses the SCORE_DROP reason for drops at or below it; it never changes
// the severity.
func Compare(previous *Snapshot, current Snapshot, tolerance int) Result {
	if previous == nil {
		return Result{Severity: SeverityNone}
	}

	drop := previous.Score - current.Score
	res := Result{Severity: SeverityNone, ScoreDrop: drop}

	if drop > 0 && drop > tolerance {
		res.Reasons = append(res.Reasons, fmt.Sprintf("SCORE_DROP_%d", drop))
	}
	if previous.Band != current.Band {
		res.Reasons = append(res.Reasons, fmt.Sprintf("BAND_%s_TO_%s", previous.Band, current.Band))
	}
	if previous.Action != current.Action {
		res.Reasons = append(res.Reasons, fmt.Sprintf("ACTION_%s_TO_%s", previous.Action, current.Action))
	}

	bandHighToLow := previous.Band == BandHigh && current.Band == BandLow
	bandHighToMedium := previous.Band == BandHigh && current.Band == BandMedium
	actionEscalated := previous.Action == ActionAutoRun && current.Action == ActionHumanReviewRequired

	switch {
	case bandHighToLow || actionEscalated || drop >= MajorDrop:
		res.Severity = SeverityMajor
		res.RequiresAck = true
	case (drop >= MinorDrop && drop < MajorDrop) || bandHighToMedium:
		res.Severity = SeverityMinor
	}
	res.Regressed = res.Severity != SeverityNone
	return res
}
