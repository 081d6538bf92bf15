package llm

import (
	"context"
	"sync"
)

// MockProvider is a scriptable Provider for tests.
type MockProvider struct {
	ProviderName string
	CompleteFunc func(ctx context.Context, req Request) (Response, error)
	ProbeErr     error

	mu            sync.Mutex
	completeCalls int
	probeCalls    int
	lastRequest   Request
}

func (m *MockProvider) Name() string {
	if m.ProviderName == "" {
		return "mock"
	}
	return m.ProviderName
}

func (m *MockProvider) Complete(ctx context.Context, req Request) (Response, error) {
	m.mu.Lock()
	m.completeCalls++
	m.lastRequest = req
	m.mu.Unlock()
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	return Response{Text: "ok"}, nil
}

func (m *MockProvider) Probe(ctx context.Context) error {
	m.mu.Lock()
	m.probeCalls++
	m.mu.Unlock()
	return m.ProbeErr
}

func (m *MockProvider) CompleteCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completeCalls
}

func (m *MockProvider) ProbeCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.probeCalls
}

func (m *MockProvider) LastRequest() Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRequest
}
