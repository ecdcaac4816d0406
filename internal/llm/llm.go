// Package llm is the language-model collaborator boundary.
//
// It exposes the three calls the pipeline needs — a synchronous
// completion, a token-streaming completion, and batch embedding — and
// maps provider failures onto a small typed taxonomy so callers can
// distinguish retryable conditions from configuration problems.
package llm

import "context"

// Completer performs a single synchronous completion call.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// StreamFunc receives one raw text increment. Returning an error aborts
// the stream.
type StreamFunc func(ctx context.Context, chunk string) error

// Streamer performs a streaming completion call, invoking emit for each
// text increment until end-of-stream or error.
type Streamer interface {
	StreamComplete(ctx context.Context, prompt string, emit StreamFunc) error
}

// Embedder computes embedding vectors for a batch of texts. The result
// has one vector per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Client bundles all three model calls.
type Client interface {
	Completer
	Streamer
	Embedder
}
