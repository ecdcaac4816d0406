// Package answer turns ranked retrieval context into a streamed,
// cited answer.
//
// One Stream call produces one bounded, ordered channel of Events:
// coalesced text deltas, citations as their markers close, follow-ups,
// then exactly one terminal event, after which the channel closes. The
// caller must consume the channel until it closes.
package answer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/stash/internal/llm"
	"github.com/koopa0/stash/internal/retrieval"
	"github.com/koopa0/stash/internal/store"
)

// HistoryStore is the conversation surface of the storage layer.
type HistoryStore interface {
	History(ctx context.Context, conversationID uuid.UUID, limit int32) ([]store.Turn, error)
	AppendTurn(ctx context.Context, conversationID uuid.UUID, turn store.Turn) (*store.Turn, error)
}

// Config tunes the Streamer.
type Config struct {
	// CoalesceInterval bounds how often raw model increments are
	// batched into TextDelta events. A newline flushes immediately.
	CoalesceInterval time.Duration

	// IdleTimeout fails the stream when no increment arrives for this
	// long.
	IdleTimeout time.Duration

	// MaxRetries bounds automatic retries of retryable transport
	// failures. A stream that already produced output is never
	// retried, to avoid duplicated text.
	MaxRetries int

	// MaxHistoryTokens bounds the replayed conversation history;
	// oldest turns drop first.
	MaxHistoryTokens int

	// HistoryTurns bounds how many turns are loaded from storage.
	HistoryTurns int32

	// EventBuffer is the event channel capacity.
	EventBuffer int
}

// DefaultConfig returns the defaults used when a field is zero.
func DefaultConfig() Config {
	return Config{
		CoalesceInterval: 50 * time.Millisecond,
		IdleTimeout:      60 * time.Second,
		MaxRetries:       3,
		MaxHistoryTokens: 8000,
		HistoryTurns:     50,
		EventBuffer:      64,
	}
}

// Streamer produces answer streams. Safe for concurrent use; each
// Stream call owns its own state.
type Streamer struct {
	model     llm.Streamer
	history   HistoryStore
	cfg       Config
	retryBase time.Duration
	logger    *slog.Logger
}

// NewStreamer creates a Streamer. Zero-value Config fields take
// defaults.
func NewStreamer(model llm.Streamer, history HistoryStore, cfg Config, logger *slog.Logger) *Streamer {
	def := DefaultConfig()
	if cfg.CoalesceInterval <= 0 {
		cfg.CoalesceInterval = def.CoalesceInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.MaxHistoryTokens <= 0 {
		cfg.MaxHistoryTokens = def.MaxHistoryTokens
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = def.HistoryTurns
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{model: model, history: history, cfg: cfg, retryBase: time.Second, logger: logger}
}

// Stream answers question over the given ranked sources, replaying the
// conversation's history as context. Cancel ctx to stop the stream;
// partial text is still recorded in history, marked incomplete.
func (s *Streamer) Stream(ctx context.Context, conversationID uuid.UUID, question string, sources []retrieval.Candidate) <-chan Event {
	events := make(chan Event, s.cfg.EventBuffer)
	go s.run(ctx, events, conversationID, question, sources)
	return events
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeCancelled
	outcomeFailed
)

// streamState accumulates one in-flight answer. Owned by a single run.
type streamState struct {
	parser   *Parser
	text     strings.Builder // display text released so far
	received bool            // any raw increment arrived; retry unsafe after this
}

func (s *Streamer) run(ctx context.Context, events chan<- Event, conversationID uuid.UUID, question string, sources []retrieval.Candidate) {
	defer close(events)

	history, err := s.history.History(ctx, conversationID, s.cfg.HistoryTurns)
	if err != nil {
		// Missing history degrades the prompt, not the answer.
		s.logger.Warn("loading history failed", "conversation_id", conversationID, "error", err)
	}
	prompt := buildPrompt(question, history, sources, s.cfg.MaxHistoryTokens)

	st := &streamState{parser: NewParser(contextIDs(sources))}
	result, streamErr := s.consume(ctx, events, prompt, st)
	s.finalize(ctx, events, conversationID, st, result, streamErr)
}

// consume runs the streaming call, retrying retryable failures with
// exponential backoff as long as nothing has been received yet.
func (s *Streamer) consume(ctx context.Context, events chan<- Event, prompt string, st *streamState) (outcome, error) {
	delay := s.retryBase
	for attempt := 0; ; attempt++ {
		err := s.streamOnce(ctx, events, prompt, st)
		if err == nil {
			return outcomeCompleted, nil
		}
		if ctx.Err() != nil {
			return outcomeCancelled, ctx.Err()
		}

		kind := llm.KindOf(err)
		if !kind.Retryable() || st.received || attempt >= s.cfg.MaxRetries {
			return outcomeFailed, err
		}

		s.logger.Warn("stream failed, retrying", "kind", kind, "attempt", attempt+1, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return outcomeCancelled, ctx.Err()
		}
		delay *= 2
	}
}

// streamOnce performs one streaming call, pumping raw increments
// through the parser on a coalescing cadence.
func (s *Streamer) streamOnce(ctx context.Context, events chan<- Event, prompt string, st *streamState) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	raw := make(chan string, 16)
	errc := make(chan error, 1)
	go func() {
		defer close(raw)
		errc <- s.model.StreamComplete(streamCtx, prompt, func(cbCtx context.Context, chunk string) error {
			select {
			case raw <- chunk:
				return nil
			case <-cbCtx.Done():
				return cbCtx.Err()
			}
		})
	}()

	ticker := time.NewTicker(s.cfg.CoalesceInterval)
	defer ticker.Stop()
	idle := time.NewTimer(s.cfg.IdleTimeout)
	defer idle.Stop()

	var pending strings.Builder
	flush := func() {
		if pending.Len() == 0 {
			return
		}
		s.release(events, st, pending.String())
		pending.Reset()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case chunk, ok := <-raw:
			if !ok {
				flush()
				return <-errc
			}
			st.received = true
			idle.Reset(s.cfg.IdleTimeout)
			pending.WriteString(chunk)
			if strings.Contains(chunk, "\n") {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-idle.C:
			cancel()
			flush()
			return &llm.Error{
				Kind: llm.KindProviderError,
				Err:  fmt.Errorf("no output for %s", s.cfg.IdleTimeout),
			}
		}
	}
}

// release feeds one coalesced batch through the parser and emits the
// resulting events.
func (s *Streamer) release(events chan<- Event, st *streamState, text string) {
	plain, cites := st.parser.Feed(text)
	if plain != "" {
		st.text.WriteString(plain)
		events <- Event{Type: EventTextDelta, Text: plain}
	}
	for _, c := range cites {
		events <- Event{Type: EventCitation, Citation: c}
	}
}

// finalize flushes the parser, persists the turn, and emits the single
// terminal event.
func (s *Streamer) finalize(ctx context.Context, events chan<- Event, conversationID uuid.UUID, st *streamState, result outcome, streamErr error) {
	tail, followUps := st.parser.Finish(result == outcomeCompleted)

	switch result {
	case outcomeCompleted:
		if tail != "" {
			st.text.WriteString(tail)
			events <- Event{Type: EventTextDelta, Text: tail}
		}
		if len(followUps) > 0 {
			events <- Event{Type: EventFollowUps, FollowUps: followUps}
		}
		s.persistTurn(ctx, conversationID, st, followUps, false)
		events <- Event{Type: EventCompleted}

	case outcomeCancelled:
		st.text.WriteString(tail)
		s.persistTurn(ctx, conversationID, st, nil, true)
		events <- Event{Type: EventCancelled}

	case outcomeFailed:
		st.text.WriteString(tail)
		if st.text.Len() > 0 {
			s.persistTurn(ctx, conversationID, st, nil, true)
		}
		events <- Event{Type: EventFailed, ErrKind: llm.KindOf(streamErr), Err: streamErr}
	}
}

// persistTurn appends the assistant turn, surviving the stream's own
// cancellation. An empty cancelled turn is not recorded.
func (s *Streamer) persistTurn(ctx context.Context, conversationID uuid.UUID, st *streamState, followUps []string, incomplete bool) {
	if st.text.Len() == 0 && incomplete {
		return
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	_, err := s.history.AppendTurn(saveCtx, conversationID, store.Turn{
		Role:       store.RoleAssistant,
		Text:       st.text.String(),
		Citations:  st.parser.CitedIDs(),
		FollowUps:  followUps,
		Incomplete: incomplete,
	})
	if err != nil {
		s.logger.Error("recording turn failed", "conversation_id", conversationID, "error", err)
	}
}
