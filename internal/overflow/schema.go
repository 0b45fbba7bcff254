package overflow

const schemaDDL = `
CREATE TABLE IF NOT EXISTS overflow_records (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  record_id TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  application TEXT NOT NULL DEFAULT '',
  payload TEXT NOT NULL,
  replayed INTEGER NOT NULL DEFAULT 0,
  replayed_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_overflow_pending ON overflow_records (replayed, created_at);
CREATE INDEX IF NOT EXISTS idx_overflow_record_id ON overflow_records (record_id);
`
