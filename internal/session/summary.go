package session

import (
	"fmt"
	"sort"
	"time"

	"github.com/feynmed/teachback/internal/llm"
	"github.com/feynmed/teachback/internal/store"
)

// Severity deductions for the knowledge component of the overall
// score. More or graver errors can only lower the score, never raise
// it.
const (
	deductMinor    = 4
	deductModerate = 9
	deductCritical = 18
)

// examWeight is how much the examination result counts toward the
// overall score when the learner answered at least one question.
const examWeight = 0.6

// BuildSummary condenses a finished session into its summary. The
// overall score lives on a 0 to 100 scale.
func BuildSummary(sessionID, topic string, detected []store.DetectedError, qas []store.ExaminationQA, now time.Time) store.SessionSummary {
	knowledge := 100
	for _, e := range detected {
		switch e.Severity {
		case store.SeverityCritical:
			knowledge -= deductCritical
		case store.SeverityModerate:
			knowledge -= deductModerate
		default:
			knowledge -= deductMinor
		}
	}
	if knowledge < 0 {
		knowledge = 0
	}

	overall := knowledge
	if len(qas) > 0 {
		total := 0
		for _, qa := range qas {
			total += qa.Score
		}
		examPct := float64(total) * 10 / float64(len(qas))
		overall = int(examWeight*examPct + (1-examWeight)*float64(knowledge) + 0.5)
	}
	if overall > 100 {
		overall = 100
	}
	if overall < 0 {
		overall = 0
	}

	missed := weakTopics(detected)
	strong := strongAreas(topic, detected, qas)

	return store.SessionSummary{
		SessionID:       sessionID,
		Errors:          detected,
		MissedConcepts:  missed,
		StrongAreas:     strong,
		Recommendations: recommendations(topic, detected, missed, qas),
		OverallScore:    overall,
		CreatedAt:       now,
	}
}

// weakTopics collects the distinct topics the learner got wrong,
// gravest first.
func weakTopics(detected []store.DetectedError) []string {
	rank := func(s store.Severity) int {
		switch s {
		case store.SeverityCritical:
			return 2
		case store.SeverityModerate:
			return 1
		default:
			return 0
		}
	}
	worst := make(map[string]int)
	for _, e := range detected {
		topic := e.Topic
		if topic == "" {
			topic = e.Description
		}
		if r := rank(e.Severity); r >= worst[topic] {
			worst[topic] = r
		}
	}
	topics := make([]string, 0, len(worst))
	for t := range worst {
		topics = append(topics, t)
	}
	sort.Slice(topics, func(i, j int) bool {
		if worst[topics[i]] != worst[topics[j]] {
			return worst[topics[i]] > worst[topics[j]]
		}
		return topics[i] < topics[j]
	})
	return topics
}

// strongAnswerScore is the exam score from which an answer counts as
// a strong area.
const strongAnswerScore = 7

// strongAreas marks the session topic strong when teaching was never
// interrupted, plus any exam question answered at or above the
// strong-answer score.
func strongAreas(topic string, detected []store.DetectedError, qas []store.ExaminationQA) []string {
	var strong []string
	if topic != "" && !teachingInterrupted(detected) {
		strong = append(strong, topic)
	}
	for _, qa := range qas {
		if qa.Score >= strongAnswerScore {
			strong = append(strong, qa.Question)
		}
	}
	return strong
}

// teachingInterrupted reports whether the session's findings could
// have interrupted teaching. Findings staying below the segment
// threshold across the whole session mean no single segment crossed
// it either.
func teachingInterrupted(detected []store.DetectedError) bool {
	findings := make([]llm.Finding, len(detected))
	for i, e := range detected {
		findings[i] = llm.Finding{
			Description: e.Description,
			Severity:    e.Severity,
			Topic:       e.Topic,
		}
	}
	return llm.ShouldInterrupt(findings)
}

func recommendations(topic string, detected []store.DetectedError, missed []string, qas []store.ExaminationQA) []string {
	var recs []string
	for _, t := range missed {
		recs = append(recs, fmt.Sprintf("Review %s and teach it back again.", t))
	}
	for _, e := range detected {
		if e.Severity == store.SeverityCritical {
			recs = append(recs, fmt.Sprintf("Revisit the fundamentals of %s before relying on this knowledge clinically.", topic))
			break
		}
	}
	if len(qas) > 0 {
		total := 0
		for _, qa := range qas {
			total += qa.Score
		}
		if total*10 < len(qas)*60 {
			recs = append(recs, "Retry the examination for this topic after reviewing the corrections.")
		}
	}
	if len(recs) == 0 {
		recs = append(recs, fmt.Sprintf("Solid work. Pick a harder aspect of %s for your next session.", topic))
	}
	return recs
}
