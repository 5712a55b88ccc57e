package state

// schema contains the SQLite table definitions for tracker snapshots.
const schema = `
-- One row per tracker per contest day. data is a zstd-compressed msgpack
-- snapshot of the device association, movements and position history.
CREATE TABLE IF NOT EXISTS tracker_snapshot (
	day        TEXT NOT NULL,
	key        TEXT NOT NULL,
	device_id  TEXT,
	samples    INTEGER NOT NULL DEFAULT 0,
	data       BLOB NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (day, key)
);

CREATE INDEX IF NOT EXISTS idx_tracker_snapshot_day ON tracker_snapshot(day);
`
