// Package session drives teach-back tutoring sessions end to end:
// lifecycle transitions, quota debits, voice handling with one-way
// downgrade, role dispatch, and idempotent completion.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/feynmed/teachback/internal/lifecycle"
	"github.com/feynmed/teachback/internal/llm"
	"github.com/feynmed/teachback/internal/observability"
	"github.com/feynmed/teachback/internal/quota"
	"github.com/feynmed/teachback/internal/store"
	"github.com/feynmed/teachback/internal/voice"
)

// recentTurns is how much transcript context each generation sees.
const recentTurns = 12

// Generator produces the tutor side of a turn; llm.Orchestrator is the
// production implementation.
type Generator interface {
	GenerateResponse(ctx context.Context, state lifecycle.State, tc llm.TurnContext) (llm.Reply, error)
}

// SpeechProcessor handles STT and TTS for voice sessions.
type SpeechProcessor interface {
	TranscribeAudio(ctx context.Context, audio []byte) (voice.Transcript, error)
	SynthesizeSpeech(ctx context.Context, text string) (voice.Audio, error)
	IsSTTAvailable(ctx context.Context) bool
	IsTTSAvailable(ctx context.Context) bool
}

// Limiter enforces the per-plan daily session budget.
type Limiter interface {
	IncrementSessionCount(ctx context.Context, userID, plan string, mode store.InputMode) error
	GetRemainingQuota(ctx context.Context, userID, plan string) (quota.Remaining, error)
}

// HealthGate reports whether the LLM layer can take new work.
type HealthGate interface {
	InMaintenance() bool
}

// Publisher fans a completed session's summary out to the study tools.
type Publisher interface {
	Broadcast(sessionID, userID, topic string, payload any)
}

// Manager owns all session operations. Per-session turns are single
// writer: a second input while one is in flight gets ErrSessionBusy.
type Manager struct {
	store   store.Store
	machine *lifecycle.Machine
	quota   Limiter
	speech  SpeechProcessor // nil when voice is disabled
	gen     Generator
	health  HealthGate
	pub     Publisher              // nil when integrations are disabled
	metrics *observability.Metrics // nil in tests

	inactivityTimeout time.Duration

	mu       sync.Mutex
	runtimes map[string]*runtime
	now      func() time.Time
}

func NewManager(st store.Store, machine *lifecycle.Machine, limiter Limiter, gen Generator, health HealthGate, inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 30 * time.Minute
	}
	return &Manager{
		store:             st,
		machine:           machine,
		quota:             limiter,
		gen:               gen,
		health:            health,
		inactivityTimeout: inactivityTimeout,
		runtimes:          make(map[string]*runtime),
		now:               time.Now,
	}
}

// SetSpeech enables voice sessions. Without it every voice or mixed
// creation downgrades to text.
func (m *Manager) SetSpeech(sp SpeechProcessor) { m.speech = sp }

func (m *Manager) SetPublisher(p Publisher) { m.pub = p }

func (m *Manager) SetMetrics(met *observability.Metrics) { m.metrics = met }

// SetClock overrides the time source for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// CreateSession opens a new session in the teaching state. Voice modes
// downgrade to text before billing when speech recognition is
// unavailable, so the caller is only ever charged for what they got.
func (m *Manager) CreateSession(ctx context.Context, p CreateParams) (store.Session, []string, error) {
	if m.health != nil && m.health.InMaintenance() {
		return store.Session{}, nil, ErrMaintenance
	}
	if !p.InputMode.Valid() {
		return store.Session{}, nil, fmt.Errorf("%w: input mode %q", ErrInvalidParams, p.InputMode)
	}
	if p.OutputMode == "" {
		p.OutputMode = store.OutputText
		if p.InputMode != store.InputText {
			p.OutputMode = store.OutputVoiceText
		}
	}
	if !p.OutputMode.Valid() {
		return store.Session{}, nil, fmt.Errorf("%w: output mode %q", ErrInvalidParams, p.OutputMode)
	}
	if strings.TrimSpace(p.Topic) == "" {
		return store.Session{}, nil, fmt.Errorf("%w: topic required", ErrInvalidParams)
	}

	var notices []string
	downgraded := false
	if p.InputMode != store.InputText {
		if m.speech == nil || !m.speech.IsSTTAvailable(ctx) {
			p.InputMode = store.InputText
			p.OutputMode = store.OutputText
			downgraded = true
			notices = append(notices, "Voice is currently unavailable; your session will run in text mode.")
			if m.metrics != nil {
				m.metrics.VoiceDowngrades.WithLabelValues(string(voice.CodeSTTUnavailable)).Inc()
			}
		}
	}

	if err := m.quota.IncrementSessionCount(ctx, p.UserID, p.Plan, p.InputMode); err != nil {
		var qerr *quota.QuotaExceededError
		if errors.As(err, &qerr) && m.metrics != nil {
			m.metrics.QuotaDenials.WithLabelValues(p.Plan).Inc()
		}
		return store.Session{}, nil, err
	}

	now := m.now().UTC()
	sess := store.Session{
		ID:         uuid.NewString(),
		UserID:     p.UserID,
		Topic:      p.Topic,
		InputMode:  p.InputMode,
		OutputMode: p.OutputMode,
		State:      lifecycle.Initial,
		Plan:       p.Plan,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return store.Session{}, nil, fmt.Errorf("create session: %w", err)
	}

	m.mu.Lock()
	m.runtimes[sess.ID] = &runtime{
		userID:          p.UserID,
		plan:            p.Plan,
		topic:           p.Topic,
		voiceDowngraded: downgraded,
		lastActivity:    now,
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ActiveSessions.Inc()
		m.metrics.SessionEvents.WithLabelValues("created").Inc()
	}
	return sess, notices, nil
}

// ProcessInput runs one tutoring turn.
func (m *Manager) ProcessInput(ctx context.Context, sessionID string, in Input) (TurnResult, error) {
	if m.health != nil && m.health.InMaintenance() {
		return TurnResult{}, ErrMaintenance
	}
	sess, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return TurnResult{}, err
	}
	if sess.State.Terminal() {
		return TurnResult{}, ErrCompleted
	}

	rt, err := m.acquire(ctx, sess)
	if err != nil {
		return TurnResult{}, err
	}
	defer m.release(sessionID)

	started := m.now()
	res := TurnResult{SessionID: sessionID, State: sess.State, AnswerScore: -1}

	userText, source, done, err := m.resolveInput(ctx, sess, rt, in, &res)
	if err != nil || done {
		return res, err
	}

	if err := m.store.AppendTranscript(ctx, store.TranscriptEntry{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Speaker:   store.SpeakerUser,
		Text:      userText,
		Source:    source,
		CreatedAt: m.now().UTC(),
	}); err != nil {
		return TurnResult{}, fmt.Errorf("append user transcript: %w", err)
	}

	tc, err := m.turnContext(ctx, sess, rt, userText)
	if err != nil {
		return TurnResult{}, err
	}

	reply, err := m.gen.GenerateResponse(ctx, sess.State, tc)
	if err != nil {
		return TurnResult{}, err
	}

	switch sess.State {
	case lifecycle.StateTeaching:
		if err := m.afterTeachingTurn(ctx, sess, rt, reply, &res); err != nil {
			return TurnResult{}, err
		}
	case lifecycle.StateInterrupted:
		if reply.ResumeTeaching {
			if err := m.transition(ctx, sess.ID, sess.State, lifecycle.StateTeaching); err != nil {
				return TurnResult{}, err
			}
			rt.segmentFindings = nil
			res.State = lifecycle.StateTeaching
		}
	case lifecycle.StateExamining:
		if reply.AnswerScore >= 0 {
			if err := m.store.AppendExamQA(ctx, store.ExaminationQA{
				ID:        uuid.NewString(),
				SessionID: sessionID,
				Question:  rt.pendingQuestion,
				Answer:    userText,
				Score:     reply.AnswerScore,
				CreatedAt: m.now().UTC(),
			}); err != nil {
				return TurnResult{}, fmt.Errorf("append exam answer: %w", err)
			}
			res.AnswerScore = reply.AnswerScore
			res.AnswerFeedback = reply.AnswerFeedback
		}
		rt.pendingQuestion = reply.Text
	}

	res.Reply = reply.Text
	if err := m.store.AppendTranscript(ctx, store.TranscriptEntry{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Speaker:   store.SpeakerSystem,
		Text:      reply.Text,
		Source:    store.SourceTyped,
		CreatedAt: m.now().UTC(),
	}); err != nil {
		return TurnResult{}, fmt.Errorf("append system transcript: %w", err)
	}

	m.maybeSpeak(ctx, sess, rt, &res)

	if m.metrics != nil {
		m.metrics.ObserveTurnLatency(m.now().Sub(started))
	}
	return res, nil
}

// AcknowledgeInterruption resumes teaching after the user has seen the
// corrections, without spending a generation turn.
func (m *Manager) AcknowledgeInterruption(ctx context.Context, sessionID string) (store.Session, error) {
	sess, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return store.Session{}, err
	}
	if sess.State != lifecycle.StateInterrupted {
		return store.Session{}, &lifecycle.InvalidTransitionError{From: sess.State, To: lifecycle.StateTeaching}
	}
	rt, err := m.acquire(ctx, sess)
	if err != nil {
		return store.Session{}, err
	}
	defer m.release(sessionID)

	if err := m.transition(ctx, sessionID, sess.State, lifecycle.StateTeaching); err != nil {
		return store.Session{}, err
	}
	rt.segmentFindings = nil
	sess.State = lifecycle.StateTeaching
	return sess, nil
}

// EndTeaching moves the session into the examination phase and returns
// the first question, weighted toward what the learner got wrong.
func (m *Manager) EndTeaching(ctx context.Context, sessionID string) (TurnResult, error) {
	if m.health != nil && m.health.InMaintenance() {
		return TurnResult{}, ErrMaintenance
	}
	sess, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return TurnResult{}, err
	}
	if sess.State.Terminal() {
		return TurnResult{}, ErrCompleted
	}
	rt, err := m.acquire(ctx, sess)
	if err != nil {
		return TurnResult{}, err
	}
	defer m.release(sessionID)

	if err := m.transition(ctx, sessionID, sess.State, lifecycle.StateExamining); err != nil {
		return TurnResult{}, err
	}
	sess.State = lifecycle.StateExamining

	tc, err := m.turnContext(ctx, sess, rt, "")
	if err != nil {
		return TurnResult{}, err
	}
	reply, err := m.gen.GenerateResponse(ctx, sess.State, tc)
	if err != nil {
		return TurnResult{}, err
	}
	rt.pendingQuestion = reply.Text

	if err := m.store.AppendTranscript(ctx, store.TranscriptEntry{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Speaker:   store.SpeakerSystem,
		Text:      reply.Text,
		Source:    store.SourceTyped,
		CreatedAt: m.now().UTC(),
	}); err != nil {
		return TurnResult{}, fmt.Errorf("append exam question: %w", err)
	}

	res := TurnResult{SessionID: sessionID, State: sess.State, Reply: reply.Text, AnswerScore: -1}
	m.maybeSpeak(ctx, sess, rt, &res)
	return res, nil
}

// EndSession completes the session and returns its summary. Completion
// is idempotent: a second call returns the stored summary unchanged.
func (m *Manager) EndSession(ctx context.Context, sessionID string) (store.SessionSummary, error) {
	sess, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return store.SessionSummary{}, err
	}
	if sess.State.Terminal() {
		return m.store.GetSummary(ctx, sessionID)
	}

	if _, err := m.acquire(ctx, sess); err != nil {
		return store.SessionSummary{}, err
	}
	defer m.release(sessionID)

	// Completion is only reachable through examining, so an early end
	// walks the remaining edges instead of jumping states.
	if sess.State != lifecycle.StateExamining {
		if err := m.transition(ctx, sessionID, sess.State, lifecycle.StateExamining); err != nil {
			return store.SessionSummary{}, err
		}
		sess.State = lifecycle.StateExamining
	}
	if err := m.transition(ctx, sessionID, sess.State, lifecycle.StateCompleted); err != nil {
		return store.SessionSummary{}, err
	}

	detected, err := m.store.DetectedErrors(ctx, sessionID)
	if err != nil {
		return store.SessionSummary{}, fmt.Errorf("load detected errors: %w", err)
	}
	qas, err := m.store.ExamQAs(ctx, sessionID)
	if err != nil {
		return store.SessionSummary{}, fmt.Errorf("load exam answers: %w", err)
	}

	summary := BuildSummary(sessionID, sess.Topic, detected, qas, m.now().UTC())
	if err := m.store.SaveSummary(ctx, summary); err != nil {
		return store.SessionSummary{}, fmt.Errorf("save summary: %w", err)
	}
	// Read back so concurrent completions all return the same winner.
	summary, err = m.store.GetSummary(ctx, sessionID)
	if err != nil {
		return store.SessionSummary{}, fmt.Errorf("load summary: %w", err)
	}

	m.mu.Lock()
	delete(m.runtimes, sessionID)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ActiveSessions.Dec()
		m.metrics.SessionEvents.WithLabelValues("completed").Inc()
	}
	if m.pub != nil {
		m.pub.Broadcast(sessionID, sess.UserID, sess.Topic, summary)
	}
	return summary, nil
}

// Transcript returns the full ordered transcript.
func (m *Manager) Transcript(ctx context.Context, sessionID string) ([]store.TranscriptEntry, error) {
	if _, err := m.loadSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return m.store.Transcript(ctx, sessionID)
}

// Summary returns the stored summary of a completed session.
func (m *Manager) Summary(ctx context.Context, sessionID string) (store.SessionSummary, error) {
	return m.store.GetSummary(ctx, sessionID)
}

// RemainingQuota reports how many sessions of each mode still fit
// today's budget.
func (m *Manager) RemainingQuota(ctx context.Context, userID, plan string) (quota.Remaining, error) {
	return m.quota.GetRemainingQuota(ctx, userID, plan)
}

// ActiveCount is the number of sessions with live runtime state.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runtimes)
}

// StartJanitor ends sessions whose last activity is older than the
// inactivity timeout, so abandoned sessions still get a summary and
// release their runtime state.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive(ctx)
			}
		}
	}()
}

func (m *Manager) expireInactive(ctx context.Context) {
	now := m.now()
	var expired []string
	m.mu.Lock()
	for id, rt := range m.runtimes {
		if !rt.busy && now.Sub(rt.lastActivity) >= m.inactivityTimeout {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		if _, err := m.EndSession(ctx, id); err != nil {
			log.Printf("session: expire %s: %v", id, err)
			continue
		}
		if m.metrics != nil {
			m.metrics.SessionEvents.WithLabelValues("expired").Inc()
		}
	}
}

// loadSession fetches the durable row and makes sure runtime state
// exists for it, rebuilding after a restart.
func (m *Manager) loadSession(ctx context.Context, sessionID string) (store.Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Session{}, ErrNotFound
		}
		return store.Session{}, fmt.Errorf("load session: %w", err)
	}
	if sess.State.Terminal() {
		return sess, nil
	}
	m.mu.Lock()
	if _, ok := m.runtimes[sessionID]; !ok {
		m.runtimes[sessionID] = &runtime{
			userID:       sess.UserID,
			plan:         sess.Plan,
			topic:        sess.Topic,
			lastActivity: m.now(),
		}
	}
	m.mu.Unlock()
	return sess, nil
}

// acquire takes the per-session turn slot.
func (m *Manager) acquire(_ context.Context, sess store.Session) (*runtime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.runtimes[sess.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if rt.busy {
		return nil, ErrSessionBusy
	}
	rt.busy = true
	rt.lastActivity = m.now()
	return rt, nil
}

func (m *Manager) release(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rt, ok := m.runtimes[sessionID]; ok {
		rt.busy = false
		rt.lastActivity = m.now()
	}
}

// resolveInput turns the raw input into text. An audio failure
// downgrades the session to text for good and reports it in res with
// done=true; the caller resubmits as text.
func (m *Manager) resolveInput(ctx context.Context, sess store.Session, rt *runtime, in Input, res *TurnResult) (text string, source store.EntrySource, done bool, err error) {
	if len(in.Audio) == 0 {
		if strings.TrimSpace(in.Text) == "" {
			return "", "", false, ErrTextRequired
		}
		return in.Text, store.SourceTyped, false, nil
	}

	if rt.voiceDowngraded {
		return "", "", false, ErrVoiceDisabled
	}
	if sess.InputMode == store.InputText {
		return "", "", false, ErrAudioNotWanted
	}
	if m.speech == nil {
		return "", "", false, ErrVoiceDisabled
	}

	tr, terr := m.speech.TranscribeAudio(ctx, in.Audio)
	if terr != nil {
		code := voice.CodeOf(terr)
		if code == voice.CodeAudioQualityPoor {
			// Bad audio is the user's to fix; the session keeps voice.
			res.Notices = append(res.Notices, "We couldn't make out that recording. Try again closer to the microphone, or type instead.")
			return "", "", true, nil
		}
		if derr := m.downgradeVoice(ctx, sess, rt, code, res); derr != nil {
			return "", "", false, derr
		}
		return "", "", true, nil
	}
	res.Transcribed = tr.Text
	return tr.Text, store.SourceTranscribed, false, nil
}

// downgradeVoice flips the session to text mode permanently.
func (m *Manager) downgradeVoice(ctx context.Context, sess store.Session, rt *runtime, code voice.FailureCode, res *TurnResult) error {
	if err := m.store.UpdateSessionModes(ctx, sess.ID, store.InputText, store.OutputText); err != nil {
		return fmt.Errorf("downgrade session modes: %w", err)
	}
	rt.voiceDowngraded = true
	res.Downgraded = true
	res.Notices = append(res.Notices, "Voice stopped working mid-session, so we've switched you to text for the rest of this session. Please resend your last message as text.")
	if m.metrics != nil {
		m.metrics.VoiceDowngrades.WithLabelValues(string(code)).Inc()
	}
	log.Printf("session %s: voice downgraded (%s)", sess.ID, code)
	return nil
}

// maybeSpeak adds synthesized audio to the reply for voice output
// sessions. A synthesis failure downgrades output but never loses the
// text reply.
func (m *Manager) maybeSpeak(ctx context.Context, sess store.Session, rt *runtime, res *TurnResult) {
	if sess.OutputMode != store.OutputVoiceText || rt.voiceDowngraded || m.speech == nil {
		return
	}
	audio, err := m.speech.SynthesizeSpeech(ctx, res.Reply)
	if err != nil {
		code := voice.CodeOf(err)
		if derr := m.downgradeVoice(ctx, sess, rt, code, res); derr != nil {
			log.Printf("session %s: downgrade after tts failure: %v", sess.ID, derr)
		}
		return
	}
	res.ReplyAudio = audio.Data
}

// afterTeachingTurn persists evaluator findings and applies the
// interruption policy.
func (m *Manager) afterTeachingTurn(ctx context.Context, sess store.Session, rt *runtime, reply llm.Reply, res *TurnResult) error {
	for _, f := range reply.Findings {
		rec := store.DetectedError{
			ID:          uuid.NewString(),
			SessionID:   sess.ID,
			Description: f.Description,
			Severity:    f.Severity,
			Correction:  f.Correction,
			Topic:       f.Topic,
			CreatedAt:   m.now().UTC(),
		}
		if err := m.store.AppendDetectedError(ctx, rec); err != nil {
			return fmt.Errorf("append detected error: %w", err)
		}
		res.Corrections = append(res.Corrections, rec)
	}
	rt.segmentFindings = append(rt.segmentFindings, reply.Findings...)

	if !llm.ShouldInterrupt(rt.segmentFindings) {
		return nil
	}
	if err := m.transition(ctx, sess.ID, sess.State, lifecycle.StateInterrupted); err != nil {
		return err
	}
	res.Interrupted = true
	res.State = lifecycle.StateInterrupted
	if m.metrics != nil {
		trigger := "accumulated"
		for _, f := range rt.segmentFindings {
			if f.Severity == store.SeverityCritical {
				trigger = "critical"
				break
			}
		}
		m.metrics.Interruptions.WithLabelValues(trigger).Inc()
	}
	return nil
}

func (m *Manager) turnContext(ctx context.Context, sess store.Session, rt *runtime, userText string) (llm.TurnContext, error) {
	entries, err := m.store.Transcript(ctx, sess.ID)
	if err != nil {
		return llm.TurnContext{}, fmt.Errorf("load transcript: %w", err)
	}
	if len(entries) > recentTurns {
		entries = entries[len(entries)-recentTurns:]
	}
	msgs := make([]llm.Message, 0, len(entries))
	for _, e := range entries {
		from := "user"
		if e.Speaker == store.SpeakerSystem {
			from = "assistant"
		}
		msgs = append(msgs, llm.Message{From: from, Text: e.Text})
	}

	var weak []string
	if sess.State == lifecycle.StateExamining {
		detected, err := m.store.DetectedErrors(ctx, sess.ID)
		if err != nil {
			return llm.TurnContext{}, fmt.Errorf("load detected errors: %w", err)
		}
		weak = weakTopics(detected)
	}

	return llm.TurnContext{
		Topic:           sess.Topic,
		Input:           userText,
		Transcript:      msgs,
		WeakTopics:      weak,
		PendingQuestion: rt.pendingQuestion,
	}, nil
}

// StoreSink persists lifecycle transitions through the store for the
// audit trail.
type StoreSink struct {
	Store store.Store
}

func (s StoreSink) AppendTransition(t lifecycle.Transition) {
	if err := s.Store.AppendTransition(context.Background(), t); err != nil {
		log.Printf("session: persist transition %s->%s: %v", t.From, t.To, err)
	}
}

func (m *Manager) transition(ctx context.Context, sessionID string, from, to lifecycle.State) error {
	if _, err := m.machine.Transition(sessionID, from, to); err != nil {
		return err
	}
	if err := m.store.UpdateSessionState(ctx, sessionID, to); err != nil {
		return fmt.Errorf("persist state %s: %w", to, err)
	}
	if m.metrics != nil {
		m.metrics.StateTransitions.WithLabelValues(string(from), string(to)).Inc()
	}
	return nil
}
