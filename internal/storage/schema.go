package storage

const schema = `
-- One row per (identity, logical key) pair. Values are JSON documents.
-- The identity is the authenticated user id, or 'default' while the
-- client is unauthenticated.
CREATE TABLE IF NOT EXISTS kv (
    identity TEXT NOT NULL,
    key TEXT NOT NULL,
    value TEXT NOT NULL,
    updated_at DATETIME NOT NULL,

    PRIMARY KEY (identity, key)
);
`
