package scoring

import (
	"fmt"
	"strings"
)

// Question is one checklist item.
type Question struct {
	ID   string `json:"id" yaml:"id"`
	Text string `json:"text" yaml:"text"`
}

// Checklist is a question catalog and the thresholds sized for it.
type Checklist struct {
	Questions  []Question `json:"questions"`
	Thresholds Thresholds `json:"thresholds"`
}

// NewChecklist validates question ids and thresholds.
func NewChecklist(questions []Question, t Thresholds) (Checklist, error) {
	if len(questions) == 0 {
		return Checklist{}, fmt.Errorf("checklist has no questions")
	}
	seen := make(map[string]struct{}, len(questions))
	qs := make([]Question, 0, len(questions))
	for _, q := range questions {
		q.ID = strings.TrimSpace(q.ID)
		if q.ID == "" {
			return Checklist{}, fmt.Errorf("checklist question with empty id")
		}
		if _, dup := seen[q.ID]; dup {
			return Checklist{}, fmt.Errorf("duplicate checklist question %s", q.ID)
		}
		seen[q.ID] = struct{}{}
		qs = append(qs, q)
	}
	c := Checklist{Questions: qs, Thresholds: t}
	if err := t.Validate(c.MaxScore()); err != nil {
		return Checklist{}, err
	}
	return c, nil
}

// MaxScore is the score of an all-COMPLIANT checklist.
func (c Checklist) MaxScore() int {
	return len(c.Questions) * Compliant.Points()
}

// Has reports whether id is in the catalog.
func (c Checklist) Has(id string) bool {
	for _, q := range c.Questions {
		if q.ID == id {
			return true
		}
	}
	return false
}

// Assessment is the scored view of a vendor checklist.
type Assessment struct {
	Answers    []ChecklistAnswer `json:"answers"`
	Answered   int               `json:"answered"`
	Questions  int               `json:"questions"`
	Score      int               `json:"score"`
	MaxScore   int               `json:"max_score"`
	Risk       RiskLevel         `json:"risk" enum:"LOW,MEDIUM,HIGH"`
	Thresholds Thresholds        `json:"thresholds"`
}

// Assess scores answers against the checklist. Answers to questions outside
// the catalog are ignored.
func (c Checklist) Assess(answers []ChecklistAnswer) Assessment {
	known := make([]ChecklistAnswer, 0, len(answers))
	for _, a := range answers {
		if c.Has(a.QuestionID) {
			known = append(known, a)
		}
	}
	score := ScoreChecklist(known)
	return Assessment{
		Answers:    known,
		Answered:   len(known),
		Questions:  len(c.Questions),
		Score:      score,
		MaxScore:   c.MaxScore(),
		Risk:       c.Thresholds.Classify(score),
		Thresholds: c.Thresholds,
	}
}
