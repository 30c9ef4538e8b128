package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/sorenkell/memedb/internal/util"
)

// EncodeVector packs a float32 vector into a little-endian blob, the
// same layout sqlite-vec and pgvector use for raw float vectors
func EncodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeVector unpacks a blob produced by EncodeVector
func DecodeVector(data []byte, dim int) ([]float32, error) {
	if len(data) != 4*dim {
		return nil, fmt.Errorf("%w: blob is %d bytes, expected %d for dimension %d",
			util.ErrStoreConsistency, len(data), 4*dim, dim)
	}
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}

// Cosine returns the cosine similarity of two equal-length vectors in
// [-1, 1]; zero vectors score 0
func Cosine(a, b []float32) float64 {
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

// Match is a single similarity query result
type Match struct {
	ID     string
	Score  float64
	Record *Record
}

// SimilarityQuery returns the k nearest indexed records to the query
// vector. Filters are applied before ranking, so k always reflects the
// best k among eligible records. Ordering is deterministic: score
// descending, then indexed_at descending, then id ascending.
func (s *Store) SimilarityQuery(query []float32, k int, filter Filter) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}

	filter.Status = StatusIndexed
	candidates, err := s.List(filter)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	vectors, err := s.loadVectors(len(query))
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(candidates))
	for _, rec := range candidates {
		vec, ok := vectors[rec.ID]
		if !ok {
			// Row without a vector: a consistency violation. Never serve
			// half-valid records; surface it for the repair path instead.
			util.WarnLog("Record %s is indexed but has no vector, skipping (run check to repair)", rec.ID)
			continue
		}
		matches = append(matches, Match{
			ID:     rec.ID,
			Score:  Cosine(query, vec),
			Record: rec,
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if !matches[i].Record.IndexedAt.Equal(matches[j].Record.IndexedAt) {
			return matches[i].Record.IndexedAt.After(matches[j].Record.IndexedAt)
		}
		return matches[i].ID < matches[j].ID
	})

	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// loadVectors reads every stored vector of the expected dimension.
// Vectors with a mismatched dimension are left out; the consistency
// check reports them.
func (s *Store) loadVectors(dim int) (map[string][]float32, error) {
	rows, err := s.db.Query("SELECT id, dim, embedding FROM vectors")
	if err != nil {
		return nil, fmt.Errorf("failed to load vectors: %w", err)
	}
	defer rows.Close()

	vectors := make(map[string][]float32)
	for rows.Next() {
		var id string
		var storedDim int
		var blob []byte
		if err := rows.Scan(&id, &storedDim, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan vector: %w", err)
		}
		if storedDim != dim {
			util.WarnLog("Vector %s has dimension %d, query has %d, skipping", id, storedDim, dim)
			continue
		}
		vec, err := DecodeVector(blob, storedDim)
		if err != nil {
			util.WarnLog("Vector %s is corrupt: %v", id, err)
			continue
		}
		vectors[id] = vec
	}
	return vectors, rows.Err()
}

// GetVector returns the stored vector for a record, or nil when absent
func (s *Store) GetVector(id string) ([]float32, error) {
	var dim int
	var blob []byte
	err := s.db.QueryRow("SELECT dim, embedding FROM vectors WHERE id = ?", id).Scan(&dim, &blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vector %s: %w", id, err)
	}
	return DecodeVector(blob, dim)
}

// ConsistencyReport describes row/vector mismatches found by CheckConsistency
type ConsistencyReport struct {
	MissingVectors []string // indexed rows without a vector entry
	OrphanVectors  []string // vector entries without a media row
	WrongDimension []string // vectors whose dimension disagrees with the store
}

// Clean reports whether no violations were found
func (r *ConsistencyReport) Clean() bool {
	return len(r.MissingVectors) == 0 && len(r.OrphanVectors) == 0 && len(r.WrongDimension) == 0
}

// CheckConsistency detects records whose relational row and vector
// entry have diverged. It never mutates; pair with Repair.
func (s *Store) CheckConsistency() (*ConsistencyReport, error) {
	report := &ConsistencyReport{}

	rows, err := s.db.Query(`
		SELECT m.id FROM media m
		LEFT JOIN vectors v ON v.id = m.id
		WHERE m.status = ? AND v.id IS NULL
		ORDER BY m.id
	`, StatusIndexed)
	if err != nil {
		return nil, fmt.Errorf("failed to query missing vectors: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		report.MissingVectors = append(report.MissingVectors, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	orphans, err := s.db.Query(`
		SELECT v.id FROM vectors v
		LEFT JOIN media m ON m.id = v.id
		WHERE m.id IS NULL
		ORDER BY v.id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query orphan vectors: %w", err)
	}
	defer orphans.Close()
	for orphans.Next() {
		var id string
		if err := orphans.Scan(&id); err != nil {
			return nil, err
		}
		report.OrphanVectors = append(report.OrphanVectors, id)
	}
	if err := orphans.Err(); err != nil {
		return nil, err
	}

	dim, err := s.EmbedDim()
	if err != nil {
		return nil, err
	}
	if dim > 0 {
		wrong, err := s.db.Query("SELECT id FROM vectors WHERE dim != ? ORDER BY id", dim)
		if err != nil {
			return nil, fmt.Errorf("failed to query wrong-dimension vectors: %w", err)
		}
		defer wrong.Close()
		for wrong.Next() {
			var id string
			if err := wrong.Scan(&id); err != nil {
				return nil, err
			}
			report.WrongDimension = append(report.WrongDimension, id)
		}
		if err := wrong.Err(); err != nil {
			return nil, err
		}
	}

	return report, nil
}

// ReembedFunc re-derives the vector for a record, typically by calling
// the model gateway over the record's caption/tag text
type ReembedFunc func(ctx context.Context, rec *Record) ([]float32, error)

// Repair fixes the violations in a consistency report. Orphan vectors
// are deleted (there is no row to re-derive from). Rows missing their
// vector are re-embedded when a reembed function is supplied; otherwise
// they are marked failed so similarity queries stop considering them.
func (s *Store) Repair(ctx context.Context, report *ConsistencyReport, reembed ReembedFunc) error {
	for _, id := range report.OrphanVectors {
		if _, err := s.db.Exec("DELETE FROM vectors WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to delete orphan vector %s: %w", id, err)
		}
		util.InfoLog("Repair: deleted orphan vector %s", id)
	}

	broken := append(append([]string{}, report.MissingVectors...), report.WrongDimension...)
	for _, id := range broken {
		rec, err := s.Get(id)
		if err != nil {
			return err
		}
		if rec == nil {
			continue
		}

		if reembed != nil {
			vec, err := reembed(ctx, rec)
			if err == nil {
				if err := s.Upsert(rec, vec); err != nil {
					return fmt.Errorf("failed to restore vector %s: %w", id, err)
				}
				util.InfoLog("Repair: re-derived vector %s", id)
				continue
			}
			util.WarnLog("Repair: re-embed of %s failed: %v", id, err)
		}

		if err := s.MarkFailed(id, "vector entry missing or invalid"); err != nil {
			return err
		}
		util.InfoLog("Repair: marked %s failed (no vector)", id)
	}

	return nil
}

// ReindexVectors rebuilds the whole vector side from relational rows.
// Used for recovery and for migrating to a different embedding
// dimensionality: the pinned dimension is reset and re-learned from the
// first rebuilt vector.
func (s *Store) ReindexVectors(ctx context.Context, reembed ReembedFunc) (int, error) {
	if reembed == nil {
		return 0, fmt.Errorf("reindex requires a model gateway")
	}

	records, err := s.List(Filter{Status: StatusIndexed})
	if err != nil {
		return 0, err
	}

	if _, err := s.db.Exec("DELETE FROM vectors"); err != nil {
		return 0, fmt.Errorf("failed to clear vectors: %w", err)
	}
	if err := s.setMeta("embed_dim", ""); err != nil {
		return 0, err
	}

	rebuilt := 0
	for _, rec := range records {
		select {
		case <-ctx.Done():
			return rebuilt, ctx.Err()
		default:
		}

		vec, err := reembed(ctx, rec)
		if err != nil {
			util.WarnLog("Reindex: embedding of %s failed: %v", rec.ID, err)
			if err := s.MarkFailed(rec.ID, fmt.Sprintf("reindex failed: %v", err)); err != nil {
				return rebuilt, err
			}
			continue
		}
		if err := s.Upsert(rec, vec); err != nil {
			return rebuilt, err
		}
		rebuilt++
	}
	return rebuilt, nil
}
