// Package embedding maintains the vector index that semantic retrieval
// depends on.
//
// A vector is valid only while its content hash matches the bookmark
// text it was computed from; Ensure and EnsureAll recompute stale or
// missing vectors and skip current ones, so repeated calls on unchanged
// text perform no model calls. Vectors are persisted (PostgreSQL +
// pgvector) with per-item atomic upserts, so a concurrent reader never
// observes a half-written vector and recomputation is never required
// across process restarts.
package embedding

import (
	"crypto/sha256"
	"encoding/hex"
	"math"

	"github.com/koopa0/stash/internal/store"
)

// VectorDimension is the embedding dimensionality of the default
// embedder model; the pgvector column is declared with it.
const VectorDimension = 768

// ContentHash returns the hash that keys a vector to the exact bookmark
// text it was computed from.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Match is a semantic search hit: a bookmark and its cosine similarity
// to the query, in [0, 1] for the similarity range we keep.
type Match struct {
	Bookmark   store.Bookmark
	Similarity float64
}

// CosineSimilarity computes the cosine of the angle between two vectors.
// Returns 0 for mismatched lengths or zero vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
