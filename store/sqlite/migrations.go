package sqlite

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the backbone store (SQLite).
var Migrations = migrate.NewGroup("backbone")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_backbone_schemas",
			Version: "20250101000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS backbone_schemas (
    id                  TEXT PRIMARY KEY,
    event_type          TEXT NOT NULL,
    version             TEXT NOT NULL,
    body                TEXT NOT NULL,
    compatibility       TEXT NOT NULL DEFAULT 'BACKWARD',
    description         TEXT NOT NULL DEFAULT '',
    fingerprint         TEXT NOT NULL DEFAULT '',
    is_active           INTEGER NOT NULL DEFAULT 0,
    is_deprecated       INTEGER NOT NULL DEFAULT 0,
    deprecated_at       TEXT,
    deprecation_reason  TEXT NOT NULL DEFAULT '',
    created_at          TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at          TEXT NOT NULL DEFAULT (datetime('now')),
    UNIQUE (event_type, version)
);

CREATE INDEX IF NOT EXISTS idx_backbone_schemas_type ON backbone_schemas (event_type, created_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS backbone_schemas`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_backbone_inbox",
			Version: "20250101000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS backbone_inbox (
    event_id                 TEXT PRIMARY KEY,
    event_type               TEXT NOT NULL,
    event_version            TEXT NOT NULL DEFAULT '',
    correlation_id           TEXT NOT NULL DEFAULT '',
    source                   TEXT NOT NULL DEFAULT '',
    payload_hash             TEXT NOT NULL DEFAULT '',
    payload                  TEXT,
    status                   TEXT NOT NULL,
    retry_count              INTEGER NOT NULL DEFAULT 0,
    max_retries              INTEGER NOT NULL DEFAULT 0,
    next_retry_at            TEXT,
    received_at              TEXT NOT NULL DEFAULT (datetime('now')),
    processing_started_at    TEXT,
    processing_completed_at  TEXT,
    error_message            TEXT NOT NULL DEFAULT '',
    idempotency_key          TEXT NOT NULL DEFAULT '',
    result                   TEXT
);

CREATE INDEX IF NOT EXISTS idx_backbone_inbox_due ON backbone_inbox (status, next_retry_at);
CREATE INDEX IF NOT EXISTS idx_backbone_inbox_received ON backbone_inbox (received_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS backbone_inbox`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_backbone_idempotency_keys",
			Version: "20250101000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS backbone_idempotency_keys (
    key         TEXT PRIMARY KEY,
    event_id    TEXT NOT NULL DEFAULT '',
    expires_at  TEXT,
    created_at  TEXT NOT NULL DEFAULT (datetime('now'))
);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS backbone_idempotency_keys`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_backbone_dlq",
			Version: "20250101000004",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS backbone_dlq (
    id              TEXT PRIMARY KEY,
    event_id        TEXT NOT NULL DEFAULT '',
    event_type      TEXT NOT NULL DEFAULT '',
    correlation_id  TEXT NOT NULL DEFAULT '',
    source          TEXT NOT NULL DEFAULT '',
    payload         TEXT,
    error           TEXT NOT NULL DEFAULT '',
    retry_count     INTEGER NOT NULL DEFAULT 0,
    replayed_at     TEXT,
    failed_at       TEXT NOT NULL DEFAULT (datetime('now')),
    created_at      TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at      TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_backbone_dlq_failed ON backbone_dlq (failed_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS backbone_dlq`)
				return err
			},
		},
	)
}
