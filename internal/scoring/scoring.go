// Package scoring turns vendor checklist answers into a score and a risk level.
package scoring

import (
	"fmt"
	"strings"
)

// AnswerStatus is the compliance answer to one checklist question.
type AnswerStatus string

const (
	Compliant     AnswerStatus = "COMPLIANT"
	Partial       AnswerStatus = "PARTIAL"
	NonCompliant  AnswerStatus = "NON_COMPLIANT"
	NotApplicable AnswerStatus = "NA"
)

// ParseAnswerStatus accepts any casing of a known status.
func ParseAnswerStatus(s string) (AnswerStatus, error) {
	st := AnswerStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case Compliant, Partial, NonCompliant, NotApplicable:
		return st, nil
	}
	return "", fmt.Errorf("invalid answer status %q", s)
}

// Points is the score contribution of one answer.
func (s AnswerStatus) Points() int {
	switch s {
	case Compliant:
		return 2
	case Partial:
		return 1
	}
	return 0
}

// ChecklistAnswer is one question's answer.
type ChecklistAnswer struct {
	QuestionID   string       `json:"question_id"`
	Status       AnswerStatus `json:"status" enum:"COMPLIANT,PARTIAL,NON_COMPLIANT,NA"`
	ResponseText string       `json:"response_text,omitempty"`
}

// ScoreChecklist sums the points of all answers. Unanswered questions are
// simply absent and add nothing.
func ScoreChecklist(answers []ChecklistAnswer) int {
	score := 0
	for _, a := range answers {
		score += a.Status.Points()
	}
	return score
}

// RiskLevel buckets a checklist score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Thresholds are the inclusive upper bounds of the HIGH and MEDIUM buckets.
type Thresholds struct {
	HighMax   int `json:"high_max" yaml:"high_max"`
	MediumMax int `json:"medium_max" yaml:"medium_max"`
}

// DefaultThresholds fit the 20-question default checklist (max score 40).
var DefaultThresholds = Thresholds{HighMax: 20, MediumMax: 36}

// Classify maps a score onto a risk level.
func (t Thresholds) Classify(score int) RiskLevel {
	switch {
	case score <= t.HighMax:
		return RiskHigh
	case score <= t.MediumMax:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Validate checks the thresholds against a checklist's maximum score.
func (t Thresholds) Validate(maxScore int) error {
	if t.HighMax < 0 {
		return fmt.Errorf("risk.high_max must be >= 0")
	}
	if t.MediumMax <= t.HighMax {
		return fmt.Errorf("risk.medium_max (%d) must be greater than risk.high_max (%d)", t.MediumMax, t.HighMax)
	}
	if t.MediumMax >= maxScore {
		return fmt.Errorf("risk.medium_max (%d) must be below the maximum score %d", t.MediumMax, maxScore)
	}
	return nil
}

// RiskFromScore classifies with DefaultThresholds.
func RiskFromScore(score int) RiskLevel {
	return DefaultThresholds.Classify(score)
}
