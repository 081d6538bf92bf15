// Package integrations fans completed-session summaries out to the
// downstream study tools. Delivery is best effort and fully
// asynchronous; the session path never blocks or fails on it.
package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/feynmed/teachback/internal/reliability"
)

// EventKind names a downstream consumer.
type EventKind string

const (
	EventFlashcards     EventKind = "flashcards"
	EventWeakAreas      EventKind = "weak_areas"
	EventStudyPlanner   EventKind = "study_planner"
	EventMCQSuggestions EventKind = "mcq_suggestions"
)

// Event is one outbound delivery. Payload must be JSON-marshalable.
type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Topic     string    `json:"topic"`
	Payload   any       `json:"payload"`
}

// Config wires one dispatcher.
type Config struct {
	Targets     map[EventKind]string
	QueueSize   int
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Timeout     time.Duration
	Workers     int
}

// Stats counts delivery outcomes since startup.
type Stats struct {
	Delivered  uint64
	Dropped    uint64
	DeadLetter uint64
}

// outcomeMetrics counts delivery outcomes on an instrument. The
// observability metrics implement it.
type outcomeMetrics interface {
	IntegrationOutcome(outcome string)
}

type noopOutcomes struct{}

func (noopOutcomes) IntegrationOutcome(string) {}

// Dispatcher runs a bounded queue of outbound webhook deliveries.
// When the queue is full new events are dropped and logged; a retried
// delivery that still fails goes to the dead-letter log.
type Dispatcher struct {
	cfg     Config
	client  *http.Client
	queue   chan Event
	wg      sync.WaitGroup
	metrics outcomeMetrics

	mu    sync.Mutex
	stats Stats

	// deadLetter is replaceable in tests. It must not block.
	deadLetter func(ev Event, err error)
}

func NewDispatcher(cfg Config) *Dispatcher {
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 64
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Workers < 1 {
		cfg.Workers = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	d := &Dispatcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		queue:   make(chan Event, cfg.QueueSize),
		metrics: noopOutcomes{},
	}
	d.deadLetter = func(ev Event, err error) {
		log.Printf("integrations: dead-letter %s for session %s: %v", ev.Kind, ev.SessionID, err)
	}
	return d
}

// SetMetrics wires the outcome counter. Must be called before Start.
func (d *Dispatcher) SetMetrics(m outcomeMetrics) {
	if m != nil {
		d.metrics = m
	}
}

// Start launches the worker pool. Workers exit when ctx is cancelled
// or the queue is closed via Stop.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-d.queue:
					if !ok {
						return
					}
					d.deliver(ctx, ev)
				}
			}
		}()
	}
}

// Stop closes the queue and waits for in-flight deliveries.
func (d *Dispatcher) Stop() {
	close(d.queue)
	d.wg.Wait()
}

// Enqueue submits an event and never blocks the caller. A full queue
// drops the event.
func (d *Dispatcher) Enqueue(ev Event) {
	if _, ok := d.cfg.Targets[ev.Kind]; !ok {
		return
	}
	select {
	case d.queue <- ev:
	default:
		d.mu.Lock()
		d.stats.Dropped++
		d.mu.Unlock()
		d.metrics.IntegrationOutcome("dropped")
		log.Printf("integrations: queue full, dropping %s for session %s", ev.Kind, ev.SessionID)
	}
}

// Broadcast enqueues the same payload for every configured target.
func (d *Dispatcher) Broadcast(sessionID, userID, topic string, payload any) {
	for kind := range d.cfg.Targets {
		d.Enqueue(Event{
			Kind:      kind,
			SessionID: sessionID,
			UserID:    userID,
			Topic:     topic,
			Payload:   payload,
		})
	}
}

func (d *Dispatcher) Snapshot() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	url := d.cfg.Targets[ev.Kind]
	body, err := json.Marshal(ev)
	if err != nil {
		d.markDead(ev, fmt.Errorf("encode event: %w", err))
		return
	}

	var lastErr error
	for attempt := 0; attempt < d.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := reliability.ExponentialBackoff(attempt-1, d.cfg.BackoffBase, d.cfg.BackoffCap)
			select {
			case <-ctx.Done():
				d.markDead(ev, ctx.Err())
				return
			case <-time.After(delay):
			}
		}
		retryable, err := d.post(ctx, url, body)
		if err == nil {
			d.mu.Lock()
			d.stats.Delivered++
			d.mu.Unlock()
			d.metrics.IntegrationOutcome("delivered")
			return
		}
		lastErr = err
		d.metrics.IntegrationOutcome("failed_attempt")
		if !retryable {
			break
		}
	}
	d.markDead(ev, lastErr)
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte) (retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		// Transport errors are worth retrying.
		return true, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}
	return reliability.IsRetryableHTTPStatus(resp.StatusCode), fmt.Errorf("status %d", resp.StatusCode)
}

func (d *Dispatcher) markDead(ev Event, err error) {
	d.mu.Lock()
	d.stats.DeadLetter++
	d.mu.Unlock()
	d.metrics.IntegrationOutcome("dead_letter")
	d.deadLetter(ev, err)
}
