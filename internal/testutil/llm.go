package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sync"

	"github.com/koopa0/stash/internal/embedding"
	"github.com/koopa0/stash/internal/llm"
)

// MockClient is a scripted llm.Client. Zero value completes with empty
// output; set the fields to script behavior.
type MockClient struct {
	mu sync.Mutex

	// CompleteOut is returned from Complete when CompleteErr is nil.
	CompleteOut string
	CompleteErr error

	// StreamChunks are emitted in order by StreamComplete before
	// StreamErr (or nil) is returned.
	StreamChunks []string
	StreamErr    error

	// EmbedErr fails Embed when set; otherwise vectors come from
	// DeterministicVector.
	EmbedErr error

	completeCalls int
	streamCalls   int
	embedCalls    int
	prompts       []string
}

func (m *MockClient) Complete(_ context.Context, prompt string) (string, error) {
	m.mu.Lock()
	m.completeCalls++
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()
	return m.CompleteOut, m.CompleteErr
}

func (m *MockClient) StreamComplete(ctx context.Context, prompt string, emit llm.StreamFunc) error {
	m.mu.Lock()
	m.streamCalls++
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()

	for _, chunk := range m.StreamChunks {
		if err := emit(ctx, chunk); err != nil {
			return err
		}
	}
	return m.StreamErr
}

func (m *MockClient) Embed(_ context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	m.embedCalls++
	m.mu.Unlock()

	if m.EmbedErr != nil {
		return nil, m.EmbedErr
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = DeterministicVector(t)
	}
	return out, nil
}

// EmbedCalls returns how many Embed calls were made.
func (m *MockClient) EmbedCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.embedCalls
}

// StreamCalls returns how many StreamComplete calls were made.
func (m *MockClient) StreamCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamCalls
}

// Prompts returns every prompt seen, in call order.
func (m *MockClient) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

var _ llm.Client = (*MockClient)(nil)

// DeterministicVector derives a stable full-dimension vector from text,
// so equality checks across runs and processes are meaningful without a
// real model.
func DeterministicVector(text string) []float32 {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, embedding.VectorDimension)
	for i := range vec {
		word := binary.LittleEndian.Uint32(sum[(i*4)%len(sum):][:4])
		vec[i] = float32(word%1000)/1000 - 0.5
	}
	return vec
}
