package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/feynmed/teachback/internal/lifecycle"
	"github.com/feynmed/teachback/internal/store"
)

// Completer executes one completion; FailoverClient is the production
// implementation.
type Completer interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Finding is one problem the evaluator found in the learner's
// explanation.
type Finding struct {
	Description string
	Severity    store.Severity
	Correction  string
	Topic       string
}

// TurnContext carries everything a single generation turn needs.
type TurnContext struct {
	Topic      string
	Input      string
	Transcript []Message // recent turns, oldest first
	// WeakTopics biases examiner questions toward areas the learner
	// got wrong during teaching.
	WeakTopics []string
	// PendingQuestion is the examiner question the input answers, or
	// empty when the exam is just starting.
	PendingQuestion string
}

// Reply is the sanitized outcome of one generation turn.
type Reply struct {
	Text     string
	Findings []Finding
	// ResumeTeaching is the controller's verdict in the interrupted
	// state.
	ResumeTeaching bool
	// AnswerScore is the 0-10 grade for the answered exam question,
	// or -1 when no answer was scored this turn.
	AnswerScore    int
	AnswerFeedback string
}

// minorInterruptThreshold is how many sub-critical findings accumulate
// in one teaching segment before the session is interrupted.
const minorInterruptThreshold = 3

// ShouldInterrupt applies the interruption policy to the findings of
// the current teaching segment. A critical finding interrupts
// immediately; lesser ones interrupt once enough pile up.
func ShouldInterrupt(segment []Finding) bool {
	lesser := 0
	for _, f := range segment {
		if f.Severity == store.SeverityCritical {
			return true
		}
		lesser++
	}
	return lesser >= minorInterruptThreshold
}

// Orchestrator maps session state to roles and turns provider output
// into sanitized, structured replies.
type Orchestrator struct {
	client  Completer
	timeout time.Duration
}

func NewOrchestrator(client Completer, timeout time.Duration) *Orchestrator {
	return &Orchestrator{client: client, timeout: timeout}
}

// GenerateResponse runs the roles for state against tc. Terminal
// states generate nothing.
func (o *Orchestrator) GenerateResponse(ctx context.Context, state lifecycle.State, tc TurnContext) (Reply, error) {
	switch state {
	case lifecycle.StateTeaching:
		return o.teachingTurn(ctx, tc)
	case lifecycle.StateInterrupted:
		return o.controllerTurn(ctx, tc)
	case lifecycle.StateExamining:
		return o.examinerTurn(ctx, tc)
	default:
		return Reply{}, fmt.Errorf("llm: no roles for state %q", state)
	}
}

func (o *Orchestrator) teachingTurn(ctx context.Context, tc TurnContext) (Reply, error) {
	text, err := o.complete(ctx, RoleStudentPersona, tc.Transcript, tc.Input)
	if err != nil {
		return Reply{}, err
	}
	findings, err := o.DetectErrors(ctx, tc)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: Sanitize(text), Findings: findings, AnswerScore: -1}, nil
}

// DetectErrors runs the evaluator over the learner's latest
// explanation.
func (o *Orchestrator) DetectErrors(ctx context.Context, tc TurnContext) ([]Finding, error) {
	prompt := fmt.Sprintf("Topic: %s\n\nLearner's explanation:\n%s", tc.Topic, tc.Input)
	raw, err := o.complete(ctx, RoleEvaluator, nil, prompt)
	if err != nil {
		return nil, err
	}
	return parseFindings(raw)
}

func (o *Orchestrator) controllerTurn(ctx context.Context, tc TurnContext) (Reply, error) {
	raw, err := o.complete(ctx, RoleController, tc.Transcript, tc.Input)
	if err != nil {
		return Reply{}, err
	}
	var verdict struct {
		Action  string `json:"action"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw, '{', '}')), &verdict); err != nil {
		// A non-JSON reply still reads as a correction message;
		// resume so the learner is never stuck interrupted.
		return Reply{Text: Sanitize(raw), ResumeTeaching: true, AnswerScore: -1}, nil
	}
	return Reply{
		Text:           Sanitize(verdict.Message),
		ResumeTeaching: !strings.EqualFold(verdict.Action, "correct"),
		AnswerScore:    -1,
	}, nil
}

func (o *Orchestrator) examinerTurn(ctx context.Context, tc TurnContext) (Reply, error) {
	reply := Reply{AnswerScore: -1}
	if tc.PendingQuestion != "" {
		score, feedback, err := o.ScoreAnswer(ctx, tc.PendingQuestion, tc.Input)
		if err != nil {
			return Reply{}, err
		}
		reply.AnswerScore = score
		reply.AnswerFeedback = feedback
	}
	question, err := o.GenerateExaminationQuestion(ctx, tc)
	if err != nil {
		return Reply{}, err
	}
	reply.Text = question
	return reply, nil
}

// GenerateExaminationQuestion asks the examiner for the next question,
// weighted toward the session's weak topics when any exist.
func (o *Orchestrator) GenerateExaminationQuestion(ctx context.Context, tc TurnContext) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n", tc.Topic)
	if len(tc.WeakTopics) > 0 {
		fmt.Fprintf(&b, "Weak spots to target first: %s\n", strings.Join(tc.WeakTopics, "; "))
	} else {
		b.WriteString("No weak spots recorded; cover the topic broadly.\n")
	}
	b.WriteString("Ask exactly one examination question.")
	raw, err := o.complete(ctx, RoleExaminer, nil, b.String())
	if err != nil {
		return "", err
	}
	return Sanitize(raw), nil
}

// ScoreAnswer grades one exam answer on a 0-10 scale.
func (o *Orchestrator) ScoreAnswer(ctx context.Context, question, answer string) (int, string, error) {
	prompt := fmt.Sprintf("Question: %s\n\nLearner's answer: %s\n\nScore this answer.", question, answer)
	raw, err := o.complete(ctx, RoleExaminer, nil, prompt)
	if err != nil {
		return 0, "", err
	}
	var graded struct {
		Score    int    `json:"score"`
		Feedback string `json:"feedback"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw, '{', '}')), &graded); err != nil {
		return 0, "", fmt.Errorf("llm: unparseable score: %w", err)
	}
	if graded.Score < 0 {
		graded.Score = 0
	}
	if graded.Score > 10 {
		graded.Score = 10
	}
	return graded.Score, Sanitize(graded.Feedback), nil
}

func (o *Orchestrator) complete(ctx context.Context, role Role, history []Message, input string) (string, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	msgs := append(append([]Message{}, history...), Message{From: "user", Text: input})
	resp, err := o.client.Complete(ctx, Request{
		Role:     role,
		System:   systemPrompt(role),
		Messages: msgs,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

func parseFindings(raw string) ([]Finding, error) {
	var parsed []struct {
		Description string `json:"description"`
		Severity    string `json:"severity"`
		Correction  string `json:"correction"`
		Topic       string `json:"topic"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw, '[', ']')), &parsed); err != nil {
		return nil, fmt.Errorf("llm: unparseable evaluator output: %w", err)
	}
	findings := make([]Finding, 0, len(parsed))
	for _, f := range parsed {
		if strings.TrimSpace(f.Description) == "" {
			continue
		}
		findings = append(findings, Finding{
			Description: Sanitize(f.Description),
			Severity:    normalizeSeverity(f.Severity),
			Correction:  Sanitize(f.Correction),
			Topic:       f.Topic,
		})
	}
	return findings, nil
}

func normalizeSeverity(s string) store.Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return store.SeverityCritical
	case "minor":
		return store.SeverityMinor
	default:
		return store.SeverityModerate
	}
}

// extractJSON pulls the first balanced-looking open..close span out of
// text that may wrap JSON in prose or code fences.
func extractJSON(s string, open, close byte) string {
	start := strings.IndexByte(s, open)
	end := strings.LastIndexByte(s, close)
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
