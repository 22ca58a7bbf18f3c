// Package sqldb implements storage.Store on database/sql through sqlx. SQLite
// (modernc.org/sqlite, pure Go) is the default; Postgres is reached through
// the pgx stdlib driver.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/nulpointcorp/llm-ledger/internal/storage"
)

// Store is the SQL implementation of storage.Store.
type Store struct {
	db      *sqlx.DB
	dialect dialect
}

var _ storage.Store = (*Store)(nil)

// Config holds database connection configuration.
type Config struct {
	Driver string // sqlite or pgx
	DSN    string
}

// New opens the database and creates the schema if it does not exist.
func New(cfg Config) (*Store, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(d.driverName, d.prepareDSN(cfg.DSN))
	if err != nil {
		return nil, fmt.Errorf("sqldb: open: %w", err)
	}
	if d.maxOpenConns > 0 {
		db.SetMaxOpenConns(d.maxOpenConns)
	}

	for _, stmt := range d.init {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqldb: init %q: %w", stmt, err)
		}
	}

	s := &Store{db: db, dialect: d}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqldb: schema: %w", err)
	}
	return s, nil
}

// NewInMemory opens a private in-memory SQLite database. Every call yields a
// fresh, isolated database.
func NewInMemory() (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: "file:" + uuid.NewString() + "?mode=memory&cache=shared"})
}

// DB returns the underlying handle.
func (s *Store) DB() *sqlx.DB { return s.db }

func (s *Store) initSchema() error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// ---- row mapping ----

type callRow struct {
	ID              string         `db:"id"`
	ProjectID       string         `db:"project_id"`
	RequestedAt     int64          `db:"requested_at"`
	CacheHit        bool           `db:"cache_hit"`
	Model           sql.NullString `db:"model"`
	ModelResponseID sql.NullString `db:"model_response_id"`
	CreatedAt       int64          `db:"created_at"`
}

type responseRow struct {
	ID                   string              `db:"id"`
	OriginalLoggedCallID string              `db:"original_logged_call_id"`
	RequestedAt          int64               `db:"requested_at"`
	ReceivedAt           int64               `db:"received_at"`
	DurationMs           int64               `db:"duration_ms"`
	ReqPayload           string              `db:"req_payload"`
	RespPayload          sql.NullString      `db:"resp_payload"`
	StatusCode           sql.NullInt64       `db:"status_code"`
	ErrorMessage         sql.NullString      `db:"error_message"`
	InputTokens          sql.NullInt64       `db:"input_tokens"`
	OutputTokens         sql.NullInt64       `db:"output_tokens"`
	Cost                 decimal.NullDecimal `db:"cost"`
	CacheKey             sql.NullString      `db:"cache_key"`
	CreatedAt            int64               `db:"created_at"`
}

type tagRow struct {
	ID           string `db:"id"`
	ProjectID    string `db:"project_id"`
	LoggedCallID string `db:"logged_call_id"`
	Name         string `db:"name"`
	Value        string `db:"value"`
	CreatedAt    int64  `db:"created_at"`
}

type fineTuneRow struct {
	ID           string         `db:"id"`
	ProjectID    string         `db:"project_id"`
	Slug         string         `db:"slug"`
	BaseModel    string         `db:"base_model"`
	InferenceURL sql.NullString `db:"inference_url"`
}

const (
	callColumns     = `id, project_id, requested_at, cache_hit, model, model_response_id, created_at`
	responseColumns = `id, original_logged_call_id, requested_at, received_at, duration_ms, req_payload,
		resp_payload, status_code, error_message, input_tokens, output_tokens, cost, cache_key, created_at`
)

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullDecimal(p *decimal.Decimal) decimal.NullDecimal {
	if p == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *p, Valid: true}
}

// nullPayload stores an absent or JSON-null payload as SQL NULL.
func nullPayload(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 || string(raw) == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func intPtr(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

func (r callRow) toCall() storage.LoggedCall {
	return storage.LoggedCall{
		ID:              r.ID,
		ProjectID:       r.ProjectID,
		RequestedAt:     fromMillis(r.RequestedAt),
		CacheHit:        r.CacheHit,
		Model:           strPtr(r.Model),
		ModelResponseID: strPtr(r.ModelResponseID),
		CreatedAt:       fromMillis(r.CreatedAt),
	}
}

func (r responseRow) toResponse() *storage.ModelResponse {
	resp := &storage.ModelResponse{
		ID:                   r.ID,
		OriginalLoggedCallID: r.OriginalLoggedCallID,
		RequestedAt:          fromMillis(r.RequestedAt),
		ReceivedAt:           fromMillis(r.ReceivedAt),
		DurationMs:           r.DurationMs,
		ReqPayload:           json.RawMessage(r.ReqPayload),
		StatusCode:           intPtr(r.StatusCode),
		ErrorMessage:         strPtr(r.ErrorMessage),
		InputTokens:          intPtr(r.InputTokens),
		OutputTokens:         intPtr(r.OutputTokens),
		CacheKey:             strPtr(r.CacheKey),
		CreatedAt:            fromMillis(r.CreatedAt),
	}
	if r.RespPayload.Valid {
		resp.RespPayload = json.RawMessage(r.RespPayload.String)
	}
	if r.Cost.Valid {
		c := r.Cost.Decimal
		resp.Cost = &c
	}
	return resp
}

// ---- ledger writes ----

// RecordMiss writes the call, its response and the link between them in one
// transaction.
func (s *Store) RecordMiss(ctx context.Context, call storage.LoggedCall, resp storage.ModelResponse) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqldb: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, s.db.Rebind(`INSERT INTO logged_calls
		(id, project_id, requested_at, cache_hit, model, model_response_id, created_at)
		VALUES (?, ?, ?, ?, ?, NULL, ?)`),
		call.ID, call.ProjectID, toMillis(call.RequestedAt), false,
		nullString(call.Model), toMillis(call.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqldb: insert call: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.db.Rebind(`INSERT INTO logged_call_model_responses
		(`+responseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		resp.ID, call.ID, toMillis(resp.RequestedAt), toMillis(resp.ReceivedAt), resp.DurationMs,
		string(resp.ReqPayload), nullPayload(resp.RespPayload), nullInt(resp.StatusCode),
		nullString(resp.ErrorMessage), nullInt(resp.InputTokens), nullInt(resp.OutputTokens),
		nullDecimal(resp.Cost), nullString(resp.CacheKey), toMillis(resp.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqldb: insert response: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.db.Rebind(`UPDATE logged_calls SET model_response_id = ? WHERE id = ?`),
		resp.ID, call.ID,
	)
	if err != nil {
		return fmt.Errorf("sqldb: link response: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqldb: commit: %w", err)
	}
	return nil
}

// RecordHit writes a cache-hit call referencing an existing response.
func (s *Store) RecordHit(ctx context.Context, call storage.LoggedCall) error {
	if call.ModelResponseID == nil {
		return errors.New("sqldb: cache hit without a response reference")
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO logged_calls
		(`+callColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		call.ID, call.ProjectID, toMillis(call.RequestedAt), true,
		nullString(call.Model), *call.ModelResponseID, toMillis(call.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqldb: insert hit: %w", err)
	}
	return nil
}

// CreateTags inserts all tags with a single multi-row statement.
func (s *Store) CreateTags(ctx context.Context, tags []storage.Tag) error {
	if len(tags) == 0 {
		return nil
	}
	now := toMillis(time.Now())
	rows := make([]tagRow, len(tags))
	for i, t := range tags {
		rows[i] = tagRow{
			ID:           t.ID,
			ProjectID:    t.ProjectID,
			LoggedCallID: t.LoggedCallID,
			Name:         t.Name,
			Value:        t.Value,
			CreatedAt:    now,
		}
	}
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO logged_call_tags
		(id, project_id, logged_call_id, name, value, created_at)
		VALUES (:id, :project_id, :logged_call_id, :name, :value, :created_at)`, rows)
	if err != nil {
		return fmt.Errorf("sqldb: insert tags: %w", err)
	}
	return nil
}

// ---- lookups ----

// FindCachedResponse returns the newest response stored under cacheKey.
func (s *Store) FindCachedResponse(ctx context.Context, cacheKey string) (*storage.ModelResponse, error) {
	var row responseRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+responseColumns+`
		FROM logged_call_model_responses
		WHERE cache_key = ?
		ORDER BY requested_at DESC, created_at DESC
		LIMIT 1`), cacheKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqldb: find cached response: %w", err)
	}
	return row.toResponse(), nil
}

// LatestCall returns the newest call of the project with its response and
// tags.
func (s *Store) LatestCall(ctx context.Context, projectID string) (*storage.CallDetail, error) {
	var call callRow
	err := s.db.GetContext(ctx, &call, s.db.Rebind(`SELECT `+callColumns+`
		FROM logged_calls
		WHERE project_id = ?
		ORDER BY requested_at DESC, created_at DESC
		LIMIT 1`), projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqldb: latest call: %w", err)
	}

	detail := &storage.CallDetail{Call: call.toCall()}

	if call.ModelResponseID.Valid {
		var resp responseRow
		err := s.db.GetContext(ctx, &resp, s.db.Rebind(`SELECT `+responseColumns+`
			FROM logged_call_model_responses WHERE id = ?`), call.ModelResponseID.String)
		switch {
		case err == nil:
			detail.Response = resp.toResponse()
		case !errors.Is(err, sql.ErrNoRows):
			return nil, fmt.Errorf("sqldb: call response: %w", err)
		}
	}

	var tags []tagRow
	err = s.db.SelectContext(ctx, &tags, s.db.Rebind(`SELECT id, project_id, logged_call_id, name, value, created_at
		FROM logged_call_tags
		WHERE logged_call_id = ?
		ORDER BY created_at, id`), call.ID)
	if err != nil {
		return nil, fmt.Errorf("sqldb: call tags: %w", err)
	}
	for _, t := range tags {
		detail.Tags = append(detail.Tags, storage.Tag{
			ID:           t.ID,
			ProjectID:    t.ProjectID,
			LoggedCallID: t.LoggedCallID,
			Name:         t.Name,
			Value:        t.Value,
		})
	}
	return detail, nil
}

// FineTuneBySlug returns the fine-tune and its pruning rules.
func (s *Store) FineTuneBySlug(ctx context.Context, slug string) (*storage.FineTune, error) {
	var row fineTuneRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT id, project_id, slug, base_model, inference_url
		FROM fine_tunes WHERE slug = ?`), slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqldb: fine-tune: %w", err)
	}

	var rules []string
	err = s.db.SelectContext(ctx, &rules, s.db.Rebind(`SELECT text_to_match
		FROM pruning_rules WHERE fine_tune_id = ? ORDER BY id`), row.ID)
	if err != nil {
		return nil, fmt.Errorf("sqldb: pruning rules: %w", err)
	}

	return &storage.FineTune{
		ID:           row.ID,
		ProjectID:    row.ProjectID,
		Slug:         row.Slug,
		BaseModel:    row.BaseModel,
		InferenceURL: strPtr(row.InferenceURL),
		PruningRules: rules,
	}, nil
}

// ProjectForKeyHash resolves a hashed API key to its project.
func (s *Store) ProjectForKeyHash(ctx context.Context, keyHash string) (string, error) {
	var projectID string
	err := s.db.GetContext(ctx, &projectID, s.db.Rebind(`SELECT project_id FROM api_keys WHERE key_hash = ?`), keyHash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("sqldb: api key: %w", err)
	}
	return projectID, nil
}

// ---- administration ----

// CreateFineTune registers a fine-tune with its pruning rules.
func (s *Store) CreateFineTune(ctx context.Context, ft storage.FineTune) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqldb: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, s.db.Rebind(`INSERT INTO fine_tunes
		(id, project_id, slug, base_model, inference_url) VALUES (?, ?, ?, ?, ?)`),
		ft.ID, ft.ProjectID, ft.Slug, ft.BaseModel, nullString(ft.InferenceURL),
	)
	if err != nil {
		return fmt.Errorf("sqldb: insert fine-tune: %w", err)
	}
	for _, rule := range ft.PruningRules {
		_, err = tx.ExecContext(ctx, s.db.Rebind(`INSERT INTO pruning_rules (fine_tune_id, text_to_match) VALUES (?, ?)`),
			ft.ID, rule)
		if err != nil {
			return fmt.Errorf("sqldb: insert pruning rule: %w", err)
		}
	}
	return tx.Commit()
}

// CreateAPIKey stores a hashed project key.
func (s *Store) CreateAPIKey(ctx context.Context, key storage.APIKey) error {
	created := key.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO api_keys
		(key_hash, project_id, description, created_at) VALUES (?, ?, ?, ?)`),
		key.KeyHash, key.ProjectID, key.Description, toMillis(created),
	)
	if err != nil {
		return fmt.Errorf("sqldb: insert api key: %w", err)
	}
	return nil
}
