package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/feynmed/teachback/internal/lifecycle"
	"github.com/feynmed/teachback/internal/store"
)

func TestSanitizeStripsRoleNames(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Student_Persona: great question!", ": great question!"},
		{"the EVALUATOR found an issue", "the found an issue"},
		{"As Controller, resume.", "As , resume."},
		{"examiner asks: what is preload?", "asks: what is preload?"},
		{"student persona says hi", "says hi"},
		{"plain tutoring text", "plain tutoring text"},
	}
	for _, tc := range cases {
		if got := Sanitize(tc.in); got != tc.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeKeepsUnrelatedWords(t *testing.T) {
	// "flow controllers" contains the role name only as a substring
	// and must survive.
	in := "set the flow controllers carefully"
	if got := Sanitize(in); got != in {
		t.Errorf("Sanitize(%q) = %q, want unchanged", in, got)
	}
}

func TestRolesForState(t *testing.T) {
	if got := RolesForState(lifecycle.StateTeaching); len(got) != 2 || got[0] != RoleStudentPersona || got[1] != RoleEvaluator {
		t.Errorf("RolesForState(teaching) = %v", got)
	}
	if got := RolesForState(lifecycle.StateInterrupted); len(got) != 1 || got[0] != RoleController {
		t.Errorf("RolesForState(interrupted) = %v", got)
	}
	if got := RolesForState(lifecycle.StateExamining); len(got) != 1 || got[0] != RoleExaminer {
		t.Errorf("RolesForState(examining) = %v", got)
	}
	if got := RolesForState(lifecycle.StateCompleted); got != nil {
		t.Errorf("RolesForState(completed) = %v, want nil", got)
	}
}

type countingSink struct {
	outages   int
	successes int
}

func (s *countingSink) ReportOutage()  { s.outages++ }
func (s *countingSink) ReportSuccess() { s.successes++ }

func TestFailoverUsesFallbackAfterPrimaryFailure(t *testing.T) {
	primary := &MockProvider{
		ProviderName: "primary",
		CompleteFunc: func(context.Context, Request) (Response, error) {
			return Response{}, context.DeadlineExceeded
		},
	}
	fallback := &MockProvider{
		ProviderName: "fallback",
		CompleteFunc: func(context.Context, Request) (Response, error) {
			return Response{Text: "fallback says hi"}, nil
		},
	}
	sink := &countingSink{}
	client := NewFailoverClient(primary, fallback, 3, time.Millisecond, 5*time.Millisecond)
	client.SetOutageSink(sink)

	resp, err := client.Complete(context.Background(), Request{Role: RoleStudentPersona})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Text != "fallback says hi" {
		t.Errorf("Complete() text = %q", resp.Text)
	}
	if primary.CompleteCalls() != 3 {
		t.Errorf("primary attempts = %d, want 3", primary.CompleteCalls())
	}
	if sink.outages != 0 || sink.successes != 1 {
		t.Errorf("sink = %+v, want one success, no outages", sink)
	}
}

func TestFailoverAllProvidersFailed(t *testing.T) {
	fail := func(context.Context, Request) (Response, error) {
		return Response{}, errors.New("boom")
	}
	primary := &MockProvider{ProviderName: "primary", CompleteFunc: fail}
	fallback := &MockProvider{ProviderName: "fallback", CompleteFunc: fail}
	sink := &countingSink{}
	client := NewFailoverClient(primary, fallback, 2, time.Millisecond, 5*time.Millisecond)
	client.SetOutageSink(sink)

	_, err := client.Complete(context.Background(), Request{})
	if !errors.Is(err, ErrAllProvidersFailed) {
		t.Fatalf("Complete() error = %v, want ErrAllProvidersFailed", err)
	}
	if primary.CompleteCalls() != 2 || fallback.CompleteCalls() != 2 {
		t.Errorf("attempts = %d/%d, want 2/2", primary.CompleteCalls(), fallback.CompleteCalls())
	}
	if sink.outages != 1 {
		t.Errorf("sink outages = %d, want 1", sink.outages)
	}
}

func TestFailoverPrimarySuccessSkipsFallback(t *testing.T) {
	primary := &MockProvider{CompleteFunc: func(context.Context, Request) (Response, error) {
		return Response{Text: "primary"}, nil
	}}
	fallback := &MockProvider{}
	client := NewFailoverClient(primary, fallback, 3, time.Millisecond, 5*time.Millisecond)

	resp, err := client.Complete(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Text != "primary" {
		t.Errorf("text = %q", resp.Text)
	}
	if fallback.CompleteCalls() != 0 {
		t.Errorf("fallback called %d times, want 0", fallback.CompleteCalls())
	}
}

// countingMetrics records provider outcome counts in-process.
type countingMetrics struct {
	errors    map[string]int
	failovers int
}

func (m *countingMetrics) ProviderError(provider, code string) {
	if m.errors == nil {
		m.errors = make(map[string]int)
	}
	m.errors[provider+"/"+code]++
}

func (m *countingMetrics) ProviderFailover() { m.failovers++ }

func TestFailoverCountsProviderErrorsAndFailovers(t *testing.T) {
	primary := &MockProvider{
		ProviderName: "primary",
		CompleteFunc: func(context.Context, Request) (Response, error) {
			return Response{}, context.DeadlineExceeded
		},
	}
	fallback := &MockProvider{
		ProviderName: "fallback",
		CompleteFunc: func(context.Context, Request) (Response, error) {
			return Response{Text: "ok"}, nil
		},
	}
	counts := &countingMetrics{}
	client := NewFailoverClient(primary, fallback, 2, time.Millisecond, 5*time.Millisecond)
	client.SetMetrics(counts)

	if _, err := client.Complete(context.Background(), Request{}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got := counts.errors["primary/timeout"]; got != 2 {
		t.Errorf("primary timeout errors = %d, want 2", got)
	}
	if counts.failovers != 1 {
		t.Errorf("failovers = %d, want 1", counts.failovers)
	}
}

func TestFailoverPrimarySuccessCountsNothing(t *testing.T) {
	primary := &MockProvider{CompleteFunc: func(context.Context, Request) (Response, error) {
		return Response{Text: "primary"}, nil
	}}
	counts := &countingMetrics{}
	client := NewFailoverClient(primary, &MockProvider{}, 2, time.Millisecond, 5*time.Millisecond)
	client.SetMetrics(counts)

	if _, err := client.Complete(context.Background(), Request{}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if len(counts.errors) != 0 || counts.failovers != 0 {
		t.Errorf("counts = %+v, want none on a clean primary completion", counts)
	}
}

func TestShouldInterrupt(t *testing.T) {
	minor := Finding{Severity: store.SeverityMinor}
	moderate := Finding{Severity: store.SeverityModerate}
	critical := Finding{Severity: store.SeverityCritical}

	cases := []struct {
		name    string
		segment []Finding
		want    bool
	}{
		{"empty", nil, false},
		{"one minor", []Finding{minor}, false},
		{"two lesser", []Finding{minor, moderate}, false},
		{"three minors", []Finding{minor, minor, minor}, true},
		{"mixed three", []Finding{minor, moderate, minor}, true},
		{"critical alone", []Finding{critical}, true},
		{"critical first of many", []Finding{critical, minor}, true},
	}
	for _, tc := range cases {
		if got := ShouldInterrupt(tc.segment); got != tc.want {
			t.Errorf("%s: ShouldInterrupt() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestMonitorEntersAndExitsMaintenance(t *testing.T) {
	probeErr := errors.New("down")
	p := &MockProvider{ProviderName: "primary", ProbeErr: probeErr}
	f := &MockProvider{ProviderName: "fallback", ProbeErr: probeErr}
	m := NewMonitor(2, time.Minute, p, f)

	ctx := context.Background()
	m.Evaluate(ctx)
	if m.InMaintenance() {
		t.Fatal("in maintenance before any outage")
	}

	m.ReportOutage()
	m.Evaluate(ctx)
	if m.InMaintenance() {
		t.Fatal("entered maintenance below threshold")
	}

	m.ReportOutage()
	m.Evaluate(ctx)
	if !m.InMaintenance() {
		t.Fatal("did not enter maintenance after corroborated outages")
	}

	// One provider recovering is enough to leave maintenance.
	f.ProbeErr = nil
	m.Evaluate(ctx)
	if m.InMaintenance() {
		t.Fatal("did not exit maintenance after provider recovered")
	}
}

// recordingGauge keeps the last maintenance value it was handed.
type recordingGauge struct {
	sets []bool
}

func (g *recordingGauge) SetMaintenance(active bool) { g.sets = append(g.sets, active) }

func TestMonitorMirrorsMaintenanceOnGauge(t *testing.T) {
	probeErr := errors.New("down")
	p := &MockProvider{ProviderName: "primary", ProbeErr: probeErr}
	gauge := &recordingGauge{}
	m := NewMonitor(1, time.Minute, p)
	m.SetMetrics(gauge)

	ctx := context.Background()
	m.ReportOutage()
	m.Evaluate(ctx)
	if len(gauge.sets) != 1 || !gauge.sets[0] {
		t.Fatalf("gauge sets = %v, want maintenance entry mirrored", gauge.sets)
	}

	p.ProbeErr = nil
	m.Evaluate(ctx)
	if len(gauge.sets) != 2 || gauge.sets[1] {
		t.Fatalf("gauge sets = %v, want maintenance exit mirrored", gauge.sets)
	}
}

func TestMonitorHealthyProbeClearsOutages(t *testing.T) {
	p := &MockProvider{}
	m := NewMonitor(2, time.Minute, p)
	m.ReportOutage()
	m.ReportOutage()
	m.Evaluate(context.Background())
	if m.InMaintenance() {
		t.Fatal("entered maintenance while a provider still answers probes")
	}
}

// roleRouter scripts per-role completions for orchestrator tests.
type roleRouter struct {
	byRole map[Role]Response
	errs   map[Role]error
}

func (r *roleRouter) Complete(_ context.Context, req Request) (Response, error) {
	if err, ok := r.errs[req.Role]; ok {
		return Response{}, err
	}
	resp, ok := r.byRole[req.Role]
	if !ok {
		return Response{}, errors.New("unexpected role " + string(req.Role))
	}
	return resp, nil
}

func TestTeachingTurnReturnsSanitizedReplyAndFindings(t *testing.T) {
	router := &roleRouter{byRole: map[Role]Response{
		RoleStudentPersona: {Text: "Student_Persona: so the AV node delays conduction?"},
		RoleEvaluator: {Text: "Here you go:\n[" +
			`{"description":"Evaluator: mixed up systole","severity":"critical","correction":"systole is contraction","topic":"cardiac cycle"}` +
			"]"},
	}}
	o := NewOrchestrator(router, time.Second)

	reply, err := o.GenerateResponse(context.Background(), lifecycle.StateTeaching, TurnContext{
		Topic: "cardiac cycle",
		Input: "during systole the heart relaxes",
	})
	if err != nil {
		t.Fatalf("GenerateResponse() error = %v", err)
	}
	if strings.Contains(reply.Text, "Student_Persona") {
		t.Errorf("role name leaked: %q", reply.Text)
	}
	if len(reply.Findings) != 1 {
		t.Fatalf("findings = %d, want 1", len(reply.Findings))
	}
	f := reply.Findings[0]
	if f.Severity != store.SeverityCritical {
		t.Errorf("severity = %q", f.Severity)
	}
	if strings.Contains(f.Description, "Evaluator") {
		t.Errorf("role name leaked in finding: %q", f.Description)
	}
	if reply.AnswerScore != -1 {
		t.Errorf("AnswerScore = %d, want -1", reply.AnswerScore)
	}
}

func TestControllerTurnParsesVerdict(t *testing.T) {
	router := &roleRouter{byRole: map[Role]Response{
		RoleController: {Text: `{"action":"resume","message":"Nice catch, keep going!"}`},
	}}
	o := NewOrchestrator(router, time.Second)

	reply, err := o.GenerateResponse(context.Background(), lifecycle.StateInterrupted, TurnContext{Input: "got it"})
	if err != nil {
		t.Fatalf("GenerateResponse() error = %v", err)
	}
	if !reply.ResumeTeaching {
		t.Error("ResumeTeaching = false, want true")
	}
	if reply.Text != "Nice catch, keep going!" {
		t.Errorf("text = %q", reply.Text)
	}
}

func TestControllerTurnNonJSONResumes(t *testing.T) {
	router := &roleRouter{byRole: map[Role]Response{
		RoleController: {Text: "let's get back to it"},
	}}
	o := NewOrchestrator(router, time.Second)

	reply, err := o.GenerateResponse(context.Background(), lifecycle.StateInterrupted, TurnContext{Input: "ok"})
	if err != nil {
		t.Fatalf("GenerateResponse() error = %v", err)
	}
	if !reply.ResumeTeaching {
		t.Error("non-JSON controller output must resume teaching")
	}
}

func TestExaminerTurnScoresThenAsksNext(t *testing.T) {
	calls := 0
	o := NewOrchestrator(completerFunc(func(_ context.Context, req Request) (Response, error) {
		if req.Role != RoleExaminer {
			return Response{}, errors.New("unexpected role")
		}
		calls++
		if calls == 1 {
			return Response{Text: `{"score":12,"feedback":"solid"}`}, nil
		}
		return Response{Text: "What limits coronary perfusion during tachycardia?"}, nil
	}), time.Second)

	reply, err := o.GenerateResponse(context.Background(), lifecycle.StateExamining, TurnContext{
		Topic:           "coronary circulation",
		Input:           "perfusion happens in diastole",
		PendingQuestion: "When does coronary perfusion occur?",
		WeakTopics:      []string{"cardiac cycle"},
	})
	if err != nil {
		t.Fatalf("GenerateResponse() error = %v", err)
	}
	if reply.AnswerScore != 10 {
		t.Errorf("AnswerScore = %d, want clamp to 10", reply.AnswerScore)
	}
	if reply.AnswerFeedback != "solid" {
		t.Errorf("feedback = %q", reply.AnswerFeedback)
	}
	if reply.Text == "" {
		t.Error("no follow-up question generated")
	}
}

func TestExaminerFirstQuestionSkipsScoring(t *testing.T) {
	router := &roleRouter{byRole: map[Role]Response{
		RoleExaminer: {Text: "Describe the cardiac cycle."},
	}}
	o := NewOrchestrator(router, time.Second)

	reply, err := o.GenerateResponse(context.Background(), lifecycle.StateExamining, TurnContext{Topic: "cardiac cycle"})
	if err != nil {
		t.Fatalf("GenerateResponse() error = %v", err)
	}
	if reply.AnswerScore != -1 {
		t.Errorf("AnswerScore = %d, want -1 for first question", reply.AnswerScore)
	}
	if reply.Text != "Describe the cardiac cycle." {
		t.Errorf("text = %q", reply.Text)
	}
}

func TestGenerateResponseCompletedState(t *testing.T) {
	o := NewOrchestrator(&roleRouter{}, time.Second)
	if _, err := o.GenerateResponse(context.Background(), lifecycle.StateCompleted, TurnContext{}); err == nil {
		t.Fatal("GenerateResponse() in completed state should fail")
	}
}

type completerFunc func(ctx context.Context, req Request) (Response, error)

func (f completerFunc) Complete(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
