package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the backbone store.
// It can be registered with a grove orchestrator for locking, version
// tracking and rollback.
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
    body                JSONB NOT NULL,
    compatibility       TEXT NOT NULL DEFAULT 'BACKWARD',
    description         TEXT NOT NULL DEFAULT '',
    fingerprint         TEXT NOT NULL DEFAULT '',
    is_active           BOOLEAN NOT NULL DEFAULT FALSE,
    is_deprecated       BOOLEAN NOT NULL DEFAULT FALSE,
    deprecated_at       TIMESTAMPTZ,
    deprecation_reason  TEXT NOT NULL DEFAULT '',
    created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (event_type, version)
);

CREATE INDEX IF NOT EXISTS idx_backbone_schemas_active ON backbone_schemas (event_type) WHERE is_active;
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
    payload                  JSONB,
    status                   TEXT NOT NULL,
    retry_count              INT NOT NULL DEFAULT 0,
    max_retries              INT NOT NULL DEFAULT 0,
    next_retry_at            TIMESTAMPTZ,
    received_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    processing_started_at    TIMESTAMPTZ,
    processing_completed_at  TIMESTAMPTZ,
    error_message            TEXT NOT NULL DEFAULT '',
    idempotency_key          TEXT NOT NULL DEFAULT '',
    result                   JSONB
);

CREATE INDEX IF NOT EXISTS idx_backbone_inbox_due ON backbone_inbox (next_retry_at) WHERE status = 'RETRY_SCHEDULED';
CREATE INDEX IF NOT EXISTS idx_backbone_inbox_status ON backbone_inbox (status, received_at);
CREATE INDEX IF NOT EXISTS idx_backbone_inbox_type ON backbone_inbox (event_type);
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
    expires_at  TIMESTAMPTZ,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_backbone_keys_expiry ON backbone_idempotency_keys (expires_at);
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
    payload         JSONB,
    error           TEXT NOT NULL DEFAULT '',
    retry_count     INT NOT NULL DEFAULT 0,
    replayed_at     TIMESTAMPTZ,
    failed_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_backbone_dlq_failed ON backbone_dlq (failed_at);
CREATE INDEX IF NOT EXISTS idx_backbone_dlq_type ON backbone_dlq (event_type);
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
