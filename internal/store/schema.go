package store

// Schema v1 - initial layout. One row per distinct image, one vector
// per indexed row. Foreign keys are documentation only; row+vector
// lifecycle is enforced by transactional writes in records.go.
const schemaV1 = `
-- Schema version tracking
CREATE TABLE IF NOT EXISTS schema_version (
  version INTEGER PRIMARY KEY,
  applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Store-level settings pinned at creation (metric, embedding dimension)
CREATE TABLE IF NOT EXISTS store_meta (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL
);

-- One record per distinct image, keyed by content-derived ID
CREATE TABLE IF NOT EXISTS media (
  id TEXT PRIMARY KEY,
  path TEXT NOT NULL,
  content_hash TEXT UNIQUE NOT NULL,
  perceptual_hash TEXT NOT NULL DEFAULT '',
  caption TEXT NOT NULL DEFAULT '',
  caption_override TEXT NOT NULL DEFAULT '',
  auto_tags TEXT NOT NULL DEFAULT '[]',
  user_tags TEXT NOT NULL DEFAULT '[]',
  status TEXT NOT NULL DEFAULT 'pending',
  stage TEXT NOT NULL DEFAULT 'hashed',
  error TEXT NOT NULL DEFAULT '',
  model_tag TEXT NOT NULL DEFAULT '',
  duplicate_of TEXT NOT NULL DEFAULT '',
  indexed_at DATETIME,
  first_seen_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  last_update_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_media_status ON media(status);
CREATE INDEX IF NOT EXISTS idx_media_content_hash ON media(content_hash);
CREATE INDEX IF NOT EXISTS idx_media_perceptual_hash ON media(perceptual_hash);

-- Embedding vectors, float32 little-endian blobs, 1:1 with media rows
CREATE TABLE IF NOT EXISTS vectors (
  id TEXT PRIMARY KEY REFERENCES media(id),
  dim INTEGER NOT NULL,
  embedding BLOB NOT NULL
);
`

// Schema v2 - stale marker. Set when an indexing run confirms the
// record's file is gone and its content was not seen elsewhere; cleared
// when the content shows up again. Stale records are kept, never
// auto-deleted.
const schemaV2 = `
ALTER TABLE media ADD COLUMN stale INTEGER NOT NULL DEFAULT 0;

CREATE INDEX IF NOT EXISTS idx_media_stale ON media(stale);
`
