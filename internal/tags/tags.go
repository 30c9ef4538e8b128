// Package tags edits user tags and caption overrides on indexed
// records. Edits change the text a record embeds as, so they offer an
// immediate re-embed to keep the vector in step with the metadata.
package tags

import (
	"context"
	"fmt"
	"time"

	"github.com/sorenkell/memedb/internal/model"
	"github.com/sorenkell/memedb/internal/store"
	"github.com/sorenkell/memedb/internal/util"
)

// Service applies tag and caption edits to records
type Service struct {
	store *store.Store
}

// New creates a tagging service
func New(s *store.Store) *Service {
	return &Service{store: s}
}

func (s *Service) get(id string) (*store.Record, error) {
	rec, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: record %s", util.ErrNotFound, id)
	}
	return rec, nil
}

// Add attaches user tags to a record. Tags are normalized; adding a tag
// the record already has is a no-op.
func (s *Service) Add(id string, tags []string) (*store.Record, error) {
	rec, err := s.get(id)
	if err != nil {
		return nil, err
	}

	rec.UserTags = model.NormalizeTags(append(rec.UserTags, tags...))
	if err := s.store.Upsert(rec, nil); err != nil {
		return nil, err
	}
	return rec, nil
}

// Remove detaches user tags from a record. Machine tags cannot be
// removed, only out-voted by the user's own caption and tags.
func (s *Service) Remove(id string, tags []string) (*store.Record, error) {
	rec, err := s.get(id)
	if err != nil {
		return nil, err
	}

	drop := make(map[string]bool)
	for _, t := range model.NormalizeTags(tags) {
		drop[t] = true
	}
	kept := rec.UserTags[:0]
	for _, t := range rec.UserTags {
		if !drop[t] {
			kept = append(kept, t)
		}
	}
	rec.UserTags = kept

	if err := s.store.Upsert(rec, nil); err != nil {
		return nil, err
	}
	return rec, nil
}

// SetCaptionOverride replaces the model caption with user text for
// search purposes. An empty override restores the model caption.
func (s *Service) SetCaptionOverride(id, caption string) (*store.Record, error) {
	rec, err := s.get(id)
	if err != nil {
		return nil, err
	}

	rec.CaptionOverride = model.Normalize(caption)
	if err := s.store.Upsert(rec, nil); err != nil {
		return nil, err
	}
	return rec, nil
}

// Reembed re-derives the record's vector from its current effective
// caption and tag set. Call after edits so searches reflect them.
func (s *Service) Reembed(ctx context.Context, gateway model.Gateway, id string) (*store.Record, error) {
	rec, err := s.get(id)
	if err != nil {
		return nil, err
	}

	text := model.EmbeddingText(rec.EffectiveCaption(), rec.Tags())
	if text == "" {
		return nil, fmt.Errorf("record %s has no caption or tags to embed", id)
	}

	vec, err := gateway.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", util.ErrEmbeddingUnavailable, err)
	}

	rec.Status = store.StatusIndexed
	rec.Stage = store.StageIndexed
	rec.Error = ""
	rec.ModelTag = gateway.ModelTag()
	rec.IndexedAt = time.Now().UTC()
	if err := s.store.Upsert(rec, vec); err != nil {
		return nil, err
	}
	util.DebugLog("Re-embedded %s over %q", id, text)
	return rec, nil
}
