package testutils

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"imagesearch/internal/embedding"
	imgerr "imagesearch/internal/errors"
)

// DefaultVector is returned for inputs without a registered embedding.
var DefaultVector = []float32{0.1, 0.2, 0.3}

// MockProvider is a test embedding provider keyed by the raw input bytes.
type MockProvider struct {
	mu         sync.Mutex
	embeddings map[string][]float32
	failOn     map[string]error

	// Delay holds every call for the given duration before answering.
	Delay time.Duration

	calls       atomic.Int64
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
	modalities  []embedding.Modality
}

var _ embedding.Provider = (*MockProvider)(nil)

func NewMockProvider() *MockProvider {
	return &MockProvider{
		embeddings: make(map[string][]float32),
		failOn:     make(map[string]error),
	}
}

// Set registers the vector returned for input.
func (m *MockProvider) Set(input string, vec []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.embeddings[input] = vec
}

// FailOn makes Embed return a provider failure for input.
func (m *MockProvider) FailOn(input string) {
	m.FailWith(input, imgerr.New(imgerr.CodeProviderFailure, "mock embedding failure",
		imgerr.Field("input", input)))
}

// FailWith makes Embed return err for input.
func (m *MockProvider) FailWith(input string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOn[input] = err
}

// Recover clears a failure registered for input.
func (m *MockProvider) Recover(input string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failOn, input)
}

func (m *MockProvider) Embed(ctx context.Context, modality embedding.Modality, data []byte) ([]float32, error) {
	m.calls.Add(1)
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		peak := m.maxInFlight.Load()
		if n <= peak || m.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}

	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, imgerr.Wrap(ctx.Err(), imgerr.CodeProviderFailure, "mock embedding cancelled")
		case <-time.After(m.Delay):
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.modalities = append(m.modalities, modality)

	key := string(data)
	if err, ok := m.failOn[key]; ok {
		return nil, err
	}
	if vec, ok := m.embeddings[key]; ok {
		return append([]float32(nil), vec...), nil
	}
	return append([]float32(nil), DefaultVector...), nil
}

// Calls is the number of Embed invocations so far.
func (m *MockProvider) Calls() int {
	return int(m.calls.Load())
}

// MaxInFlight is the highest number of concurrent Embed calls observed.
func (m *MockProvider) MaxInFlight() int {
	return int(m.maxInFlight.Load())
}

// Modalities lists the modality of every call, in arrival order.
func (m *MockProvider) Modalities() []embedding.Modality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]embedding.Modality(nil), m.modalities...)
}

func (m *MockProvider) Close() error {
	return nil
}
