package answer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/stash/internal/llm"
	"github.com/koopa0/stash/internal/query"
	"github.com/koopa0/stash/internal/retrieval"
	"github.com/koopa0/stash/internal/store"
)

// ConversationStore is the session's surface of the storage layer.
type ConversationStore interface {
	AppendTurn(ctx context.Context, conversationID uuid.UUID, turn store.Turn) (*store.Turn, error)
	SetConversationTitle(ctx context.Context, id uuid.UUID, title string) error
}

// Session runs the full ask pipeline and enforces at most one in-flight
// answer per conversation: asking again while a stream runs cancels the
// prior stream before the new one produces output.
//
// Safe for concurrent use.
type Session struct {
	analyzer  *query.Analyzer
	retriever *retrieval.Retriever
	streamer  *Streamer
	store     ConversationStore
	titler    llm.Completer // optional, names new conversations

	mu       sync.Mutex
	inflight map[uuid.UUID]*inflight
	// authors seen in each conversation's retrieved context, offered
	// back to the analyzer as hints on later turns. Bounded; the
	// oldest-tracked conversation is evicted once the cap is reached.
	recentAuthors map[uuid.UUID][]string
	authorOrder   []uuid.UUID

	logger *slog.Logger
}

// maxTrackedConversations caps the author-hint map so a long-lived
// process serving many conversations does not grow it without bound.
const maxTrackedConversations = 64

type inflight struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSession creates a Session. titler may be nil to disable automatic
// conversation titles.
func NewSession(analyzer *query.Analyzer, retriever *retrieval.Retriever, streamer *Streamer, convs ConversationStore, titler llm.Completer, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		analyzer:      analyzer,
		retriever:     retriever,
		streamer:      streamer,
		store:         convs,
		titler:        titler,
		inflight:      make(map[uuid.UUID]*inflight),
		recentAuthors: make(map[uuid.UUID][]string),
		logger:        logger,
	}
}

// Ask answers question in the given conversation. A prior in-flight
// stream for the same conversation is cancelled and drained first.
// The returned channel must be consumed until it closes.
func (s *Session) Ask(ctx context.Context, conversationID uuid.UUID, question string) (<-chan Event, error) {
	if question == "" {
		return nil, errors.New("empty question")
	}

	s.mu.Lock()
	if prev, ok := s.inflight[conversationID]; ok {
		prev.cancel()
		s.mu.Unlock()
		<-prev.done
		s.mu.Lock()
	}

	runCtx, cancel := context.WithCancel(ctx)
	cur := &inflight{cancel: cancel, done: make(chan struct{})}
	s.inflight[conversationID] = cur
	hints := append([]string(nil), s.recentAuthors[conversationID]...)
	s.mu.Unlock()

	userTurn, err := s.store.AppendTurn(runCtx, conversationID, store.Turn{
		Role: store.RoleUser,
		Text: question,
	})
	if err != nil {
		s.clear(conversationID, cur)
		cancel()
		close(cur.done)
		return nil, fmt.Errorf("recording question: %w", err)
	}

	out := make(chan Event, s.streamer.cfg.EventBuffer)
	go func() {
		defer close(cur.done)
		defer cancel()
		defer s.clear(conversationID, cur)
		defer close(out)

		intent := s.analyze(runCtx, conversationID, question, hints)
		sources := s.retrieve(runCtx, question, intent)
		s.rememberAuthors(conversationID, sources)

		completed := false
		for ev := range s.streamer.Stream(runCtx, conversationID, question, sources) {
			if ev.Type == EventCompleted {
				completed = true
			}
			out <- ev
		}

		if completed && userTurn.SequenceNumber == 1 {
			s.titleConversation(runCtx, conversationID, question)
		}
	}()
	return out, nil
}

// Stop cancels the conversation's in-flight stream, if any, and waits
// for it to finish.
func (s *Session) Stop(conversationID uuid.UUID) {
	s.mu.Lock()
	cur, ok := s.inflight[conversationID]
	s.mu.Unlock()
	if !ok {
		return
	}
	cur.cancel()
	<-cur.done
}

func (s *Session) clear(conversationID uuid.UUID, cur *inflight) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[conversationID] == cur {
		delete(s.inflight, conversationID)
	}
}

// analyze extracts the intent, degrading to the raw question when
// analysis is unavailable. A question never fails here.
func (s *Session) analyze(ctx context.Context, conversationID uuid.UUID, question string, hints []string) query.Intent {
	intent, err := s.analyzer.Analyze(ctx, question, hints)
	if err != nil {
		s.logger.Warn("query analysis unavailable, using degraded intent",
			"conversation_id", conversationID, "error", err)
		return query.Degraded(question)
	}
	return intent
}

// retrieve ranks context for the question. A retrieval failure degrades
// to an uncited answer rather than failing the turn.
func (s *Session) retrieve(ctx context.Context, question string, intent query.Intent) []retrieval.Candidate {
	sources, err := s.retriever.Retrieve(ctx, question, intent)
	if err != nil {
		s.logger.Warn("retrieval failed, answering without context", "error", err)
		return nil
	}
	return sources
}

// rememberAuthors records the handles seen in this turn's context, most
// recent first, bounded to a handful.
func (s *Session) rememberAuthors(conversationID uuid.UUID, sources []retrieval.Candidate) {
	if len(sources) == 0 {
		return
	}

	seen := make(map[string]struct{})
	var authors []string
	for _, c := range sources {
		h := c.Bookmark.AuthorHandle
		if _, ok := seen[h]; ok || h == "" {
			continue
		}
		seen[h] = struct{}{}
		authors = append(authors, h)
		if len(authors) == 8 {
			break
		}
	}

	s.mu.Lock()
	if _, tracked := s.recentAuthors[conversationID]; !tracked {
		if len(s.authorOrder) == maxTrackedConversations {
			delete(s.recentAuthors, s.authorOrder[0])
			s.authorOrder = s.authorOrder[1:]
		}
		s.authorOrder = append(s.authorOrder, conversationID)
	}
	s.recentAuthors[conversationID] = authors
	s.mu.Unlock()
}

// titleConversation names a conversation after its first completed
// exchange. Best effort.
func (s *Session) titleConversation(ctx context.Context, conversationID uuid.UUID, question string) {
	if s.titler == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	title, err := s.titler.Complete(ctx,
		"Write a title of at most five words for a conversation that starts with this question. Respond with the title only.\n\nQuestion: "+question)
	if err != nil {
		s.logger.Debug("titling conversation failed", "conversation_id", conversationID, "error", err)
		return
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return
	}
	if err := s.store.SetConversationTitle(ctx, conversationID, title); err != nil {
		s.logger.Debug("saving conversation title failed", "conversation_id", conversationID, "error", err)
	}
}
