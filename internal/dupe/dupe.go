// Package dupe groups records that are visually near-identical by
// perceptual-hash distance. Groups are advisory only: nothing is ever
// merged or deleted, the user decides what to do with them.
package dupe

import (
	"fmt"
	"sort"

	"github.com/sorenkell/memedb/internal/fingerprint"
	"github.com/sorenkell/memedb/internal/store"
	"github.com/sorenkell/memedb/internal/util"
)

// DefaultThreshold is the perceptual distance at or below which two
// images are flagged as near-duplicates. 64-bit pHash distances up to
// ~10 usually mean a re-encode or resize of the same picture.
const DefaultThreshold = 10

// Group is a set of records flagged as visual near-duplicates
type Group struct {
	Records     []*store.Record
	MaxDistance int // largest pairwise distance inside the group
}

// Detector finds advisory duplicate groups in a store
type Detector struct {
	store     *store.Store
	threshold int
}

// Config holds detector configuration
type Config struct {
	Store     *store.Store
	Threshold int // <= 0 uses DefaultThreshold
}

// New creates a new Detector
func New(cfg *Config) *Detector {
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Detector{store: cfg.Store, threshold: threshold}
}

// Find scans all records carrying a perceptual hash and clusters those
// within the distance threshold. Singleton groups are dropped.
func (d *Detector) Find() ([]Group, error) {
	records, err := d.store.List(store.Filter{})
	if err != nil {
		return nil, fmt.Errorf("failed to load records: %w", err)
	}

	var hashed []*store.Record
	for _, rec := range records {
		if rec.PerceptualHash != "" {
			hashed = append(hashed, rec)
		}
	}
	if len(hashed) < 2 {
		return nil, nil
	}

	// Union-find over pairwise distances
	parent := make([]int, len(hashed))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	distances := make(map[[2]int]int)
	for i := 0; i < len(hashed); i++ {
		for j := i + 1; j < len(hashed); j++ {
			dist, err := fingerprint.Distance(hashed[i].PerceptualHash, hashed[j].PerceptualHash)
			if err != nil {
				util.WarnLog("Skipping unreadable perceptual hash pair (%s, %s): %v",
					hashed[i].ID, hashed[j].ID, err)
				continue
			}
			if dist <= d.threshold {
				union(i, j)
				distances[[2]int{i, j}] = dist
			}
		}
	}

	members := make(map[int][]int)
	for i := range hashed {
		root := find(i)
		members[root] = append(members[root], i)
	}

	var groups []Group
	for _, idxs := range members {
		if len(idxs) < 2 {
			continue
		}
		group := Group{}
		for _, i := range idxs {
			group.Records = append(group.Records, hashed[i])
		}
		sort.Slice(group.Records, func(a, b int) bool {
			return group.Records[a].ID < group.Records[b].ID
		})
		for a := 0; a < len(idxs); a++ {
			for b := a + 1; b < len(idxs); b++ {
				i, j := idxs[a], idxs[b]
				if i > j {
					i, j = j, i
				}
				if dist, ok := distances[[2]int{i, j}]; ok && dist > group.MaxDistance {
					group.MaxDistance = dist
				}
			}
		}
		groups = append(groups, group)
	}

	sort.Slice(groups, func(a, b int) bool {
		return groups[a].Records[0].ID < groups[b].Records[0].ID
	})
	return groups, nil
}

// Nearest returns the closest record to the given perceptual hash
// within the threshold, used at index time to set the advisory
// duplicate_of flag. Ties resolve to the lexically smallest ID so
// repeated runs flag the same candidate.
func Nearest(records []*store.Record, phash string, threshold int) (*store.Record, int, bool) {
	if phash == "" {
		return nil, 0, false
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	var best *store.Record
	bestDist := threshold + 1
	for _, rec := range records {
		if rec.PerceptualHash == "" {
			continue
		}
		dist, err := fingerprint.Distance(phash, rec.PerceptualHash)
		if err != nil {
			continue
		}
		if dist < bestDist || (dist == bestDist && best != nil && rec.ID < best.ID) {
			best = rec
			bestDist = dist
		}
	}
	if best == nil {
		return nil, 0, false
	}
	return best, bestDist, true
}
