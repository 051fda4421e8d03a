package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied idempotently at process start. Indexes follow the
// read paths: owner listings, queue-age scans, and the retention sweep.
const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id               TEXT PRIMARY KEY,
    owner_id         TEXT NOT NULL,
    operations       JSONB NOT NULL,
    input            TEXT NOT NULL,
    output           TEXT NOT NULL,
    options          JSONB NOT NULL DEFAULT '{}',
    priority         TEXT NOT NULL DEFAULT 'normal',
    webhook_url      TEXT NOT NULL DEFAULT '',
    progress_webhook BOOLEAN NOT NULL DEFAULT FALSE,
    idempotency_key  TEXT,
    status           TEXT NOT NULL DEFAULT 'queued',
    progress         DOUBLE PRECISION NOT NULL DEFAULT 0,
    stage            TEXT NOT NULL DEFAULT '',
    fps              DOUBLE PRECISION NOT NULL DEFAULT 0,
    eta_seconds      BIGINT NOT NULL DEFAULT 0,
    error            JSONB,
    cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
    created_at       TIMESTAMPTZ NOT NULL,
    started_at       TIMESTAMPTZ,
    updated_at       TIMESTAMPTZ NOT NULL,
    finished_at      TIMESTAMPTZ,
    attempt          INT NOT NULL DEFAULT 0,
    worker_id        TEXT NOT NULL DEFAULT '',
    fencing_token    BIGINT NOT NULL DEFAULT 0,
    lock_expiry      TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS jobs_owner_idem
    ON jobs(owner_id, idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS jobs_owner_status ON jobs(owner_id, status);
CREATE INDEX IF NOT EXISTS jobs_status_created ON jobs(status, created_at);
CREATE INDEX IF NOT EXISTS jobs_finished_at ON jobs(finished_at);

CREATE TABLE IF NOT EXISTS owner_quota (
    owner_id  TEXT PRIMARY KEY,
    in_flight INT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
    id           TEXT PRIMARY KEY,
    job_id       TEXT NOT NULL,
    owner_id     TEXT NOT NULL,
    event        TEXT NOT NULL,
    url          TEXT NOT NULL,
    payload      BYTEA NOT NULL,
    attempts     INT NOT NULL DEFAULT 0,
    next_attempt TIMESTAMPTZ NOT NULL,
    last_status  INT NOT NULL DEFAULT 0,
    terminal     BOOLEAN NOT NULL DEFAULT FALSE,
    dead         BOOLEAN NOT NULL DEFAULT FALSE,
    delivered    BOOLEAN NOT NULL DEFAULT FALSE,
    created_at   TIMESTAMPTZ NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS webhook_deliveries_due
    ON webhook_deliveries(next_attempt) WHERE NOT delivered AND NOT dead;
CREATE INDEX IF NOT EXISTS webhook_deliveries_job ON webhook_deliveries(job_id);

CREATE TABLE IF NOT EXISTS api_keys (
    id         TEXT PRIMARY KEY,
    key_hash   TEXT NOT NULL UNIQUE,
    owner      TEXT NOT NULL,
    quota      INT NOT NULL,
    secret     TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// EnsureSchema applies the DDL. Safe to run on every start.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("op=postgres.EnsureSchema: %w", err)
	}
	return nil
}
