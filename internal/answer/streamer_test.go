package answer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/koopa0/stash/internal/llm"
	"github.com/koopa0/stash/internal/retrieval"
	"github.com/koopa0/stash/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedStreamer replays a fixed sequence of chunks. failures holds
// errors returned before the successful attempt; block, when non-nil,
// makes the stream hang after its chunks until cancelled.
type scriptedStreamer struct {
	mu       sync.Mutex
	chunks   []string
	failures []error
	block    chan struct{}
	calls    int
}

func (f *scriptedStreamer) StreamComplete(ctx context.Context, _ string, emit llm.StreamFunc) error {
	f.mu.Lock()
	f.calls++
	var fail error
	if len(f.failures) > 0 {
		fail = f.failures[0]
		f.failures = f.failures[1:]
	}
	f.mu.Unlock()

	if fail != nil {
		return fail
	}
	for _, c := range f.chunks {
		if err := emit(ctx, c); err != nil {
			return err
		}
	}
	if f.block != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.block:
		}
	}
	return nil
}

func (f *scriptedStreamer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type memHistory struct {
	mu    sync.Mutex
	turns []store.Turn
	title string
}

func (h *memHistory) SetConversationTitle(_ context.Context, _ uuid.UUID, title string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.title = title
	return nil
}

func (h *memHistory) History(_ context.Context, _ uuid.UUID, _ int32) ([]store.Turn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]store.Turn(nil), h.turns...), nil
}

func (h *memHistory) AppendTurn(_ context.Context, conversationID uuid.UUID, turn store.Turn) (*store.Turn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	turn.ConversationID = conversationID
	turn.SequenceNumber = int32(len(h.turns) + 1)
	h.turns = append(h.turns, turn)
	return &turn, nil
}

func (h *memHistory) last() store.Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.turns[len(h.turns)-1]
}

func (h *memHistory) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}

func testConfig() Config {
	return Config{
		CoalesceInterval: time.Millisecond,
		IdleTimeout:      time.Second,
	}
}

func sourceFor(id, handle string) []retrieval.Candidate {
	return []retrieval.Candidate{{
		Bookmark: store.Bookmark{ID: id, AuthorHandle: handle, Text: "source text"},
		Score:    1,
		Source:   retrieval.SourceLexical,
	}}
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var all []Event
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return all
			}
			all = append(all, ev)
		case <-deadline:
			t.Fatal("stream did not finish")
		}
	}
}

func joinedText(events []Event) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Type == EventTextDelta {
			b.WriteString(ev.Text)
		}
	}
	return b.String()
}

func TestStreamCompleted(t *testing.T) {
	model := &scriptedStreamer{chunks: []string{
		"A [TW", "EET:42]@bob[/TWEET]", " B ", "---FOLLOWUPS---\n", "Q1?\nQ2?",
	}}
	history := &memHistory{}
	s := NewStreamer(model, history, testConfig(), nil)

	events := collect(t, s.Stream(context.Background(), uuid.New(), "q", sourceFor("42", "bob")))
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	assert.Equal(t, EventCompleted, last.Type)
	assert.Equal(t, "A <citation:42> B", strings.TrimSpace(joinedText(events)))

	var citations []Citation
	var followUps []string
	for _, ev := range events {
		switch ev.Type {
		case EventCitation:
			citations = append(citations, ev.Citation)
		case EventFollowUps:
			followUps = ev.FollowUps
		}
	}
	assert.Equal(t, []Citation{{ID: "42", Handle: "bob"}}, citations)
	assert.Equal(t, []string{"Q1?", "Q2?"}, followUps)

	turn := history.last()
	assert.Equal(t, store.RoleAssistant, turn.Role)
	assert.Equal(t, []string{"42"}, turn.Citations)
	assert.Equal(t, []string{"Q1?", "Q2?"}, turn.FollowUps)
	assert.False(t, turn.Incomplete)
}

func TestStreamDeltasStrictlyGrow(t *testing.T) {
	model := &scriptedStreamer{chunks: []string{"one\n", "two\n", "three\n"}}
	s := NewStreamer(model, &memHistory{}, testConfig(), nil)

	events := collect(t, s.Stream(context.Background(), uuid.New(), "q", nil))
	for _, ev := range events[:len(events)-1] {
		if ev.Type == EventTextDelta {
			assert.NotEmpty(t, ev.Text)
		}
	}
	assert.Equal(t, "one\ntwo\nthree\n", joinedText(events))
}

func TestStreamCancellation(t *testing.T) {
	model := &scriptedStreamer{
		chunks: []string{"partial answer\n"},
		block:  make(chan struct{}),
	}
	history := &memHistory{}
	s := NewStreamer(model, history, testConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	events := s.Stream(ctx, uuid.New(), "q", nil)

	// Wait for output, then cancel mid-stream.
	first := <-events
	require.Equal(t, EventTextDelta, first.Type)
	cancel()

	rest := collect(t, events)
	require.NotEmpty(t, rest)
	last := rest[len(rest)-1]
	assert.Equal(t, EventCancelled, last.Type)

	cancelledAt := -1
	for i, ev := range rest {
		if ev.Type == EventCancelled {
			require.Equal(t, -1, cancelledAt, "exactly one cancelled event")
			cancelledAt = i
		}
		if cancelledAt >= 0 && i > cancelledAt {
			t.Fatalf("event after cancellation: %v", ev.Type)
		}
	}

	turn := history.last()
	assert.True(t, turn.Incomplete)
	assert.Equal(t, "partial answer\n", first.Text)
	assert.Contains(t, turn.Text, "partial answer")
}

func TestStreamAuthFailureNotRetried(t *testing.T) {
	authErr := &llm.Error{Kind: llm.KindAuthInvalid, Err: errors.New("api key not valid")}
	model := &scriptedStreamer{failures: []error{authErr, authErr, authErr}}
	s := NewStreamer(model, &memHistory{}, testConfig(), nil)

	events := collect(t, s.Stream(context.Background(), uuid.New(), "q", nil))
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventFailed, last.Type)
	assert.Equal(t, llm.KindAuthInvalid, last.ErrKind)
	assert.Equal(t, 1, model.callCount(), "auth failures must surface immediately")
}

func TestStreamRetriesTransientFailure(t *testing.T) {
	netErr := &llm.Error{Kind: llm.KindNetworkUnavailable, Err: errors.New("connection reset")}
	model := &scriptedStreamer{
		chunks:   []string{"recovered\n"},
		failures: []error{netErr, netErr},
	}
	s := NewStreamer(model, &memHistory{}, testConfig(), nil)
	s.retryBase = time.Millisecond

	events := collect(t, s.Stream(context.Background(), uuid.New(), "q", nil))
	last := events[len(events)-1]
	assert.Equal(t, EventCompleted, last.Type)
	assert.Equal(t, "recovered\n", joinedText(events))
	assert.Equal(t, 3, model.callCount())
}

func TestStreamRetriesExhausted(t *testing.T) {
	rateErr := &llm.Error{Kind: llm.KindRateLimited, Err: errors.New("429 too many requests")}
	model := &scriptedStreamer{failures: []error{rateErr, rateErr, rateErr, rateErr, rateErr}}
	s := NewStreamer(model, &memHistory{}, Config{CoalesceInterval: time.Millisecond, MaxRetries: 2}, nil)
	s.retryBase = time.Millisecond

	events := collect(t, s.Stream(context.Background(), uuid.New(), "q", nil))
	last := events[len(events)-1]
	assert.Equal(t, EventFailed, last.Type)
	assert.Equal(t, llm.KindRateLimited, last.ErrKind)
	assert.Equal(t, 3, model.callCount(), "initial attempt plus bounded retries")
}

func TestStreamIdleGapFails(t *testing.T) {
	model := &scriptedStreamer{
		chunks: []string{"started\n"},
		block:  make(chan struct{}),
	}
	history := &memHistory{}
	s := NewStreamer(model, history, Config{
		CoalesceInterval: time.Millisecond,
		IdleTimeout:      20 * time.Millisecond,
	}, nil)

	events := collect(t, s.Stream(context.Background(), uuid.New(), "q", nil))
	last := events[len(events)-1]
	assert.Equal(t, EventFailed, last.Type)
	assert.Equal(t, llm.KindProviderError, last.ErrKind)

	// Partial output was still recorded.
	assert.Contains(t, history.last().Text, "started")
	assert.True(t, history.last().Incomplete)
}

func TestStreamNoRetryAfterOutput(t *testing.T) {
	// The model emits text and then the transport drops.
	model := &midStreamFailure{}
	s := NewStreamer(model, &memHistory{}, testConfig(), nil)
	s.retryBase = time.Millisecond

	events := collect(t, s.Stream(context.Background(), uuid.New(), "q", nil))
	last := events[len(events)-1]
	assert.Equal(t, EventFailed, last.Type)
	assert.Equal(t, 1, model.calls, "a stream that produced output is never retried")
}

type midStreamFailure struct {
	calls int
}

func (m *midStreamFailure) StreamComplete(ctx context.Context, _ string, emit llm.StreamFunc) error {
	m.calls++
	if err := emit(ctx, "some text\n"); err != nil {
		return err
	}
	return &llm.Error{Kind: llm.KindNetworkUnavailable, Err: errors.New("connection reset")}
}
