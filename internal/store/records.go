package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/sorenkell/memedb/internal/util"
)

// Record statuses
const (
	StatusPending = "pending"
	StatusIndexed = "indexed"
	StatusFailed  = "failed"
)

// Pipeline stages a pending record can be resumed from
const (
	StageHashed    = "hashed"
	StageCaptioned = "captioned"
	StageIndexed   = "indexed"
)

// Record represents one distinct image in the index
type Record struct {
	ID              string
	Path            string
	ContentHash     string
	PerceptualHash  string
	Caption         string
	CaptionOverride string
	AutoTags        []string
	UserTags        []string
	Status          string
	Stage           string
	Error           string
	ModelTag        string
	DuplicateOf     string
	Stale           bool // file confirmed gone at last index run
	IndexedAt       time.Time
	FirstSeenAt     time.Time
	LastUpdate      time.Time
}

// EffectiveCaption returns the user override when set, otherwise the
// model-generated caption
func (r *Record) EffectiveCaption() string {
	if r.CaptionOverride != "" {
		return r.CaptionOverride
	}
	return r.Caption
}

// Tags returns the sorted union of machine and user tags. Both sets are
// normalized before storage, so the union is a plain merge.
func (r *Record) Tags() []string {
	seen := make(map[string]bool, len(r.AutoTags)+len(r.UserTags))
	out := make([]string, 0, len(r.AutoTags)+len(r.UserTags))
	for _, set := range [][]string{r.AutoTags, r.UserTags} {
		for _, t := range set {
			if t == "" || seen[t] {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// HasTags reports whether the record carries every given tag
func (r *Record) HasTags(tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	have := make(map[string]bool)
	for _, t := range r.Tags() {
		have[t] = true
	}
	for _, t := range tags {
		if !have[t] {
			return false
		}
	}
	return true
}

func encodeTags(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeTags(data string) []string {
	var tags []string
	if err := json.Unmarshal([]byte(data), &tags); err != nil {
		return nil
	}
	return tags
}

const recordColumns = `
	id, path, content_hash, perceptual_hash, caption, caption_override,
	auto_tags, user_tags, status, stage, COALESCE(error, ''), model_tag,
	duplicate_of, stale, indexed_at, first_seen_at, last_update_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	r := &Record{}
	var autoTags, userTags string
	var stale int
	var indexedAt sql.NullTime

	err := row.Scan(
		&r.ID, &r.Path, &r.ContentHash, &r.PerceptualHash, &r.Caption, &r.CaptionOverride,
		&autoTags, &userTags, &r.Status, &r.Stage, &r.Error, &r.ModelTag,
		&r.DuplicateOf, &stale, &indexedAt, &r.FirstSeenAt, &r.LastUpdate,
	)
	if err != nil {
		return nil, err
	}

	r.AutoTags = decodeTags(autoTags)
	r.UserTags = decodeTags(userTags)
	r.Stale = stale != 0
	if indexedAt.Valid {
		r.IndexedAt = indexedAt.Time
	}
	return r, nil
}

// Upsert writes a record and its vector as a single logical unit.
// A nil vector leaves any existing vector untouched; a non-nil vector
// replaces it inside the same transaction, so no reader ever observes
// the row without its vector.
func (s *Store) Upsert(rec *Record, vec []float32) error {
	if vec != nil {
		if err := s.checkDim(len(vec)); err != nil {
			return err
		}
	}

	var indexedAt any
	if !rec.IndexedAt.IsZero() {
		indexedAt = rec.IndexedAt.UTC()
	}

	return s.Transaction(func(tx *sql.Tx) error {
		stale := 0
		if rec.Stale {
			stale = 1
		}
		_, err := tx.Exec(`
			INSERT INTO media
				(id, path, content_hash, perceptual_hash, caption, caption_override,
				 auto_tags, user_tags, status, stage, error, model_tag, duplicate_of, stale, indexed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				path = excluded.path,
				perceptual_hash = excluded.perceptual_hash,
				caption = excluded.caption,
				caption_override = excluded.caption_override,
				auto_tags = excluded.auto_tags,
				user_tags = excluded.user_tags,
				status = excluded.status,
				stage = excluded.stage,
				error = excluded.error,
				model_tag = excluded.model_tag,
				duplicate_of = excluded.duplicate_of,
				stale = excluded.stale,
				indexed_at = excluded.indexed_at,
				last_update_at = CURRENT_TIMESTAMP
		`, rec.ID, rec.Path, rec.ContentHash, rec.PerceptualHash, rec.Caption, rec.CaptionOverride,
			encodeTags(rec.AutoTags), encodeTags(rec.UserTags), rec.Status, rec.Stage,
			rec.Error, rec.ModelTag, rec.DuplicateOf, stale, indexedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert record %s: %w", rec.ID, err)
		}

		if vec != nil {
			if _, err := tx.Exec("DELETE FROM vectors WHERE id = ?", rec.ID); err != nil {
				return fmt.Errorf("failed to replace vector %s: %w", rec.ID, err)
			}
			if _, err := tx.Exec(
				"INSERT INTO vectors (id, dim, embedding) VALUES (?, ?, ?)",
				rec.ID, len(vec), EncodeVector(vec)); err != nil {
				return fmt.Errorf("failed to insert vector %s: %w", rec.ID, err)
			}
		}
		return nil
	})
}

// checkDim pins the embedding dimension on first write and rejects
// mismatched vectors afterwards
func (s *Store) checkDim(dim int) error {
	stored, err := s.EmbedDim()
	if err != nil {
		return err
	}
	if stored == 0 {
		return s.setMeta("embed_dim", fmt.Sprintf("%d", dim))
	}
	if stored != dim {
		return fmt.Errorf("%w: vector dimension %d does not match store dimension %d (run check --rebuild after a model change)",
			util.ErrStoreConsistency, dim, stored)
	}
	return nil
}

// Get retrieves a record by ID
func (s *Store) Get(id string) (*Record, error) {
	row := s.db.QueryRow("SELECT "+recordColumns+" FROM media WHERE id = ?", id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s: %w", id, err)
	}
	return rec, nil
}

// GetByContentHash retrieves a record by its exact content hash
func (s *Store) GetByContentHash(hash string) (*Record, error) {
	row := s.db.QueryRow("SELECT "+recordColumns+" FROM media WHERE content_hash = ?", hash)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record by content hash: %w", err)
	}
	return rec, nil
}

// Delete removes a record and its vector atomically
func (s *Store) Delete(id string) error {
	return s.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM vectors WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to delete vector %s: %w", id, err)
		}
		res, err := tx.Exec("DELETE FROM media WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("failed to delete record %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: record %s", util.ErrNotFound, id)
		}
		return nil
	})
}

// Filter narrows List and SimilarityQuery results. All set fields must
// match (AND semantics); tag matching requires every listed tag.
type Filter struct {
	Status       string
	Tags         []string
	PathContains string
}

// List retrieves records matching the filter, ordered by ID for stable
// output
func (s *Store) List(filter Filter) ([]*Record, error) {
	query := "SELECT " + recordColumns + " FROM media WHERE 1=1"
	args := []any{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.PathContains != "" {
		query += " AND path LIKE ?"
		args = append(args, "%"+filter.PathContains+"%")
	}
	query += " ORDER BY id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		// Tag sets live in JSON columns; filter in Go rather than in SQL
		if !rec.HasTags(filter.Tags) {
			continue
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SetStale flags or unflags a record whose source file disappeared.
// The record and its vector are kept; stale is advisory, the user
// decides whether to delete.
func (s *Store) SetStale(id string, stale bool) error {
	value := 0
	if stale {
		value = 1
	}
	_, err := s.db.Exec(`
		UPDATE media SET stale = ?, last_update_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, value, id)
	if err != nil {
		return fmt.Errorf("failed to set stale flag on %s: %w", id, err)
	}
	return nil
}

// CountStale returns the number of records flagged stale
func (s *Store) CountStale() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM media WHERE stale = 1").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count stale records: %w", err)
	}
	return count, nil
}

// MarkFailed transitions a record to failed with the last error recorded
func (s *Store) MarkFailed(id string, reason string) error {
	_, err := s.db.Exec(`
		UPDATE media SET status = ?, error = ?, last_update_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, StatusFailed, reason, id)
	if err != nil {
		return fmt.Errorf("failed to mark record %s failed: %w", id, err)
	}
	return nil
}

// SaveCaption persists the caption stage of a pending record so an
// interrupted run resumes without repeating the caption call
func (s *Store) SaveCaption(id, caption string, autoTags []string, modelTag string) error {
	_, err := s.db.Exec(`
		UPDATE media SET caption = ?, auto_tags = ?, model_tag = ?, stage = ?,
			error = '', last_update_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, caption, encodeTags(autoTags), modelTag, StageCaptioned, id)
	if err != nil {
		return fmt.Errorf("failed to save caption for %s: %w", id, err)
	}
	return nil
}

// CountByStatus returns the number of records with a given status
func (s *Store) CountByStatus(status string) (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM media WHERE status = ?", status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

// CountAll returns the total number of records
func (s *Store) CountAll() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM media").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

// LastIndexedAt returns the most recent successful model pass, or the
// zero time when nothing has been indexed
func (s *Store) LastIndexedAt() (time.Time, error) {
	var indexedAt sql.NullTime
	err := s.db.QueryRow("SELECT MAX(indexed_at) FROM media WHERE status = ?", StatusIndexed).Scan(&indexedAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query last index time: %w", err)
	}
	if !indexedAt.Valid {
		return time.Time{}, nil
	}
	return indexedAt.Time, nil
}
