package sqldb

import (
	"fmt"
	"strings"
)

// dialect holds the per-database differences of the ledger schema.
type dialect struct {
	name       string
	driverName string
	// maxOpenConns is 0 for unlimited.
	maxOpenConns int
	init         []string
	schema       []string
}

func dialectFor(driver string) (dialect, error) {
	switch strings.ToLower(driver) {
	case "", "sqlite", "sqlite3":
		return sqliteDialect, nil
	case "pgx", "postgres", "postgresql":
		return postgresDialect, nil
	default:
		return dialect{}, fmt.Errorf("sqldb: unsupported driver %q (want sqlite or pgx)", driver)
	}
}

// prepareDSN adds connection-scoped settings that must hold on every pooled
// connection, not only the one the init statements ran on.
func (d dialect) prepareDSN(dsn string) string {
	if d.name != "sqlite" || strings.Contains(dsn, "_pragma=foreign_keys") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// SQLite serialises writers, so the pool is capped at one connection and
// transactions queue instead of failing with SQLITE_BUSY.
var sqliteDialect = dialect{
	name:         "sqlite",
	driverName:   "sqlite",
	maxOpenConns: 1,
	init: []string{
		`PRAGMA journal_mode=WAL`,
	},
	schema: []string{
		`CREATE TABLE IF NOT EXISTS logged_calls (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			requested_at BIGINT NOT NULL,
			cache_hit BOOLEAN NOT NULL DEFAULT 0,
			model TEXT,
			model_response_id TEXT REFERENCES logged_call_model_responses(id),
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS logged_call_model_responses (
			id TEXT PRIMARY KEY,
			original_logged_call_id TEXT NOT NULL REFERENCES logged_calls(id),
			requested_at BIGINT NOT NULL,
			received_at BIGINT NOT NULL,
			duration_ms BIGINT NOT NULL,
			req_payload TEXT NOT NULL,
			resp_payload TEXT,
			status_code INTEGER,
			error_message TEXT,
			input_tokens INTEGER,
			output_tokens INTEGER,
			cost TEXT,
			cache_key TEXT,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS logged_call_tags (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			logged_call_id TEXT NOT NULL REFERENCES logged_calls(id),
			name TEXT NOT NULL,
			value TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS fine_tunes (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			slug TEXT NOT NULL UNIQUE,
			base_model TEXT NOT NULL,
			inference_url TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS pruning_rules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			fine_tune_id TEXT NOT NULL REFERENCES fine_tunes(id),
			text_to_match TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			key_hash TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_responses_cache_key ON logged_call_model_responses(cache_key, requested_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_project_requested ON logged_calls(project_id, requested_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_tags_call ON logged_call_tags(logged_call_id)`,
	},
}

// Postgres rejects forward references in CREATE TABLE, so the call → response
// constraint is added once both tables exist.
var postgresDialect = dialect{
	name:       "postgres",
	driverName: "pgx",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS logged_calls (
			id UUID PRIMARY KEY,
			project_id TEXT NOT NULL,
			requested_at BIGINT NOT NULL,
			cache_hit BOOLEAN NOT NULL DEFAULT FALSE,
			model TEXT,
			model_response_id UUID,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS logged_call_model_responses (
			id UUID PRIMARY KEY,
			original_logged_call_id UUID NOT NULL REFERENCES logged_calls(id),
			requested_at BIGINT NOT NULL,
			received_at BIGINT NOT NULL,
			duration_ms BIGINT NOT NULL,
			req_payload JSONB NOT NULL,
			resp_payload JSONB,
			status_code INTEGER,
			error_message TEXT,
			input_tokens INTEGER,
			output_tokens INTEGER,
			cost NUMERIC(18, 12),
			cache_key TEXT,
			created_at BIGINT NOT NULL
		)`,
		`DO $$ BEGIN
			ALTER TABLE logged_calls ADD CONSTRAINT logged_calls_model_response_fk
				FOREIGN KEY (model_response_id) REFERENCES logged_call_model_responses(id);
		EXCEPTION WHEN duplicate_object THEN NULL;
		END $$`,
		`CREATE TABLE IF NOT EXISTS logged_call_tags (
			id UUID PRIMARY KEY,
			project_id TEXT NOT NULL,
			logged_call_id UUID NOT NULL REFERENCES logged_calls(id),
			name TEXT NOT NULL,
			value TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS fine_tunes (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			slug TEXT NOT NULL UNIQUE,
			base_model TEXT NOT NULL,
			inference_url TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS pruning_rules (
			id BIGSERIAL PRIMARY KEY,
			fine_tune_id TEXT NOT NULL REFERENCES fine_tunes(id),
			text_to_match TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			key_hash TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_responses_cache_key ON logged_call_model_responses(cache_key, requested_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_project_requested ON logged_calls(project_id, requested_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_tags_call ON logged_call_tags(logged_call_id)`,
	},
}
