// Package importer ingests bookmark export files produced by the
// browser-side scraper.
package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/koopa0/stash/internal/store"
)

// Record is the flat export shape. ExternalID is the deduplication key;
// a record whose id is already stored is skipped, not updated.
type Record struct {
	ExternalID        string    `json:"external_id"`
	AuthorHandle      string    `json:"author_handle"`
	AuthorDisplayName string    `json:"author_display_name"`
	AuthorAvatar      string    `json:"author_avatar,omitempty"`
	Text              string    `json:"text"`
	PostedAt          time.Time `json:"posted_at"`
	SavedAt           time.Time `json:"saved_at,omitempty"`
	URL               string    `json:"url"`
	MediaURLs         []string  `json:"media_urls,omitempty"`
}

// Inserter is the storage surface the importer writes through.
type Inserter interface {
	Insert(ctx context.Context, b store.Bookmark) (bool, error)
}

// Stats summarizes one import run.
type Stats struct {
	Read      int
	Imported  int
	Duplicate int
	Invalid   int
}

// Importer decodes export files and writes new bookmarks.
type Importer struct {
	inserter Inserter
	logger   *slog.Logger
}

// New creates an Importer.
func New(inserter Inserter, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{inserter: inserter, logger: logger}
}

// Run imports every record from r, a JSON array of Records. Invalid
// records are counted and skipped; only a decode error of the file
// itself or a storage failure aborts the run.
func (im *Importer) Run(ctx context.Context, r io.Reader) (Stats, error) {
	var records []Record
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return Stats{}, fmt.Errorf("decoding export file: %w", err)
	}

	var stats Stats
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Read++

		if err := rec.validate(); err != nil {
			stats.Invalid++
			im.logger.Warn("skipping invalid record", "external_id", rec.ExternalID, "error", err)
			continue
		}

		inserted, err := im.inserter.Insert(ctx, rec.bookmark())
		if err != nil {
			return stats, fmt.Errorf("importing %q: %w", rec.ExternalID, err)
		}
		if !inserted {
			stats.Duplicate++
			continue
		}
		stats.Imported++
	}

	im.logger.Info("import finished",
		"read", stats.Read, "imported", stats.Imported,
		"duplicate", stats.Duplicate, "invalid", stats.Invalid)
	return stats, nil
}

func (r Record) validate() error {
	switch {
	case r.ExternalID == "":
		return errors.New("missing external_id")
	case r.AuthorHandle == "":
		return errors.New("missing author_handle")
	case r.Text == "":
		return errors.New("missing text")
	case r.PostedAt.IsZero():
		return errors.New("missing posted_at")
	default:
		return nil
	}
}

func (r Record) bookmark() store.Bookmark {
	savedAt := r.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now().UTC()
	}
	return store.Bookmark{
		ID:           r.ExternalID,
		AuthorHandle: r.AuthorHandle,
		AuthorName:   r.AuthorDisplayName,
		Text:         r.Text,
		PostedAt:     r.PostedAt,
		SavedAt:      savedAt,
		URL:          r.URL,
		MediaURLs:    r.MediaURLs,
	}
}
