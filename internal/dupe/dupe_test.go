package dupe

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/sorenkell/memedb/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func putRecord(t *testing.T, s *store.Store, id, phash string) *store.Record {
	t.Helper()
	rec := &store.Record{
		ID:             id,
		Path:           "/memes/" + id + ".png",
		ContentHash:    fmt.Sprintf("%064s", id),
		PerceptualHash: phash,
		Status:         store.StatusIndexed,
		Stage:          store.StageIndexed,
	}
	if err := s.Upsert(rec, nil); err != nil {
		t.Fatalf("failed to upsert %s: %v", id, err)
	}
	return rec
}

func TestFindGroupsNearDuplicates(t *testing.T) {
	s := testStore(t)

	// aaaa/bbbb differ in one bit, cccc is two bits from aaaa, dddd is
	// unrelated, eeee has no perceptual hash at all
	putRecord(t, s, "aaaa", "ff00ff00ff00ff00")
	putRecord(t, s, "bbbb", "ff00ff00ff00ff01")
	putRecord(t, s, "cccc", "ff00ff00ff00ff03")
	putRecord(t, s, "dddd", "00ff00ff00ff00ff")
	putRecord(t, s, "eeee", "")

	det := New(&Config{Store: s, Threshold: 4})
	groups, err := det.Find()
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}

	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	group := groups[0]
	if len(group.Records) != 3 {
		t.Fatalf("expected 3 members, got %d", len(group.Records))
	}
	for i, want := range []string{"aaaa", "bbbb", "cccc"} {
		if group.Records[i].ID != want {
			t.Errorf("member %d = %s, want %s", i, group.Records[i].ID, want)
		}
	}
	if group.MaxDistance != 2 {
		t.Errorf("max distance = %d, want 2", group.MaxDistance)
	}
}

func TestFindIsDeterministic(t *testing.T) {
	s := testStore(t)
	putRecord(t, s, "aaaa", "ff00ff00ff00ff00")
	putRecord(t, s, "bbbb", "ff00ff00ff00ff01")
	putRecord(t, s, "yyyy", "0000000000000000")
	putRecord(t, s, "zzzz", "0000000000000001")

	det := New(&Config{Store: s, Threshold: 4})
	for run := 0; run < 3; run++ {
		groups, err := det.Find()
		if err != nil {
			t.Fatalf("find failed: %v", err)
		}
		if len(groups) != 2 {
			t.Fatalf("run %d: expected 2 groups, got %d", run, len(groups))
		}
		if groups[0].Records[0].ID != "aaaa" || groups[1].Records[0].ID != "yyyy" {
			t.Errorf("run %d: group order changed: %s, %s",
				run, groups[0].Records[0].ID, groups[1].Records[0].ID)
		}
	}
}

func TestFindIgnoresSingletons(t *testing.T) {
	s := testStore(t)
	putRecord(t, s, "aaaa", "ff00ff00ff00ff00")
	putRecord(t, s, "dddd", "00ff00ff00ff00ff")

	det := New(&Config{Store: s})
	groups, err := det.Find()
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if len(groups) != 0 {
		t.Errorf("expected no groups for distant records, got %d", len(groups))
	}
}

func TestNearest(t *testing.T) {
	records := []*store.Record{
		{ID: "aaaa", PerceptualHash: "ff00ff00ff00ff00"},
		{ID: "bbbb", PerceptualHash: "ff00ff00ff00ff03"},
		{ID: "cccc", PerceptualHash: ""},
	}

	near, dist, ok := Nearest(records, "ff00ff00ff00ff01", 4)
	if !ok {
		t.Fatal("expected a match")
	}
	if near.ID != "aaaa" || dist != 1 {
		t.Errorf("nearest = %s at %d, want aaaa at 1", near.ID, dist)
	}

	if _, _, ok := Nearest(records, "0000000000000000", 4); ok {
		t.Error("expected no match beyond threshold")
	}
	if _, _, ok := Nearest(records, "", 4); ok {
		t.Error("expected no match for empty hash")
	}
	if _, _, ok := Nearest(nil, "ff00ff00ff00ff00", 4); ok {
		t.Error("expected no match against empty set")
	}
}

func TestNearestTieBreaksOnID(t *testing.T) {
	records := []*store.Record{
		{ID: "zzzz", PerceptualHash: "ff00ff00ff00ff01"},
		{ID: "aaaa", PerceptualHash: "ff00ff00ff00ff02"},
	}
	// Both candidates are distance 1 from the probe
	near, dist, ok := Nearest(records, "ff00ff00ff00ff00", 4)
	if !ok {
		t.Fatal("expected a match")
	}
	if dist != 1 {
		t.Fatalf("distance = %d, want 1", dist)
	}
	if near.ID != "aaaa" {
		t.Errorf("tie resolved to %s, want aaaa", near.ID)
	}
}
