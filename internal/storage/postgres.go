package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// schema creates the snapshot and audit tables when they do not exist.
const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	content    TEXT NOT NULL,
	version    INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS document_operations (
	id          BIGSERIAL PRIMARY KEY,
	document_id TEXT NOT NULL,
	author_id   TEXT NOT NULL,
	version     INTEGER NOT NULL,
	operation   JSONB NOT NULL,
	applied_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_document_operations_doc
	ON document_operations (document_id, version DESC);
`

// PostgresStore implements SnapshotStore for PostgreSQL
type PostgresStore struct {
	config    *Config
	pool      *pgxpool.Pool
	connected bool
}

// NewPostgresStore creates a new PostgreSQL snapshot store
func NewPostgresStore(config *Config) *PostgresStore {
	if config == nil {
		config = DefaultConfig()
	}
	return &PostgresStore{
		config: config,
	}
}

// Connect establishes the connection pool and ensures the schema exists.
func (p *PostgresStore) Connect(ctx context.Context) error {
	poolConfig, err := pgxpool.ParseConfig(p.config.ConnectionString)
	if err != nil {
		return NewConnectionError("failed to parse connection string", err)
	}

	poolConfig.MinConns = p.config.PoolMinConns
	poolConfig.MaxConns = p.config.PoolMaxConns
	poolConfig.ConnConfig.ConnectTimeout = p.config.ConnectionTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return NewConnectionError("failed to connect to PostgreSQL", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return NewConnectionError("failed to ping PostgreSQL", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return NewQueryError("failed to ensure schema", err)
	}

	p.pool = pool
	p.connected = true
	return nil
}

// Disconnect closes the connection pool
func (p *PostgresStore) Disconnect(ctx context.Context) error {
	if p.pool != nil {
		p.pool.Close()
		p.connected = false
	}
	return nil
}

// IsConnected returns connection status
func (p *PostgresStore) IsConnected() bool {
	return p.connected && p.pool != nil
}

// HealthCheck verifies database connectivity
func (p *PostgresStore) HealthCheck(ctx context.Context) (bool, error) {
	if !p.IsConnected() {
		return false, ErrNotConnected
	}
	err := p.pool.Ping(ctx)
	return err == nil, err
}

// LoadSnapshot fetches a document's content and version. A missing document
// reports found=false with no error, letting callers start a fresh one.
func (p *PostgresStore) LoadSnapshot(ctx context.Context, documentID string) (string, int, bool, error) {
	if !p.IsConnected() {
		return "", 0, false, ErrNotConnected
	}

	query := `SELECT content, version FROM documents WHERE id = $1`
	row := p.pool.QueryRow(ctx, query, documentID)

	var content string
	var version int
	if err := row.Scan(&content, &version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", 0, false, nil
		}
		return "", 0, false, NewQueryError("failed to load snapshot", err)
	}
	return content, version, true, nil
}

// SaveSnapshot upserts a document's content at a version. Out-of-date writes
// are dropped so a lagging server cannot roll a document back.
func (p *PostgresStore) SaveSnapshot(ctx context.Context, documentID, content string, version int) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}

	query := `
		INSERT INTO documents (id, content, version)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET content = $2, version = $3, updated_at = NOW()
		WHERE documents.version <= $3
	`
	if _, err := p.pool.Exec(ctx, query, documentID, content, version); err != nil {
		return NewQueryError("failed to save snapshot", err)
	}
	return nil
}

// GetSnapshot retrieves the full stored record for a document.
func (p *PostgresStore) GetSnapshot(ctx context.Context, documentID string) (*DocumentSnapshot, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}

	query := `SELECT id, content, version, created_at, updated_at FROM documents WHERE id = $1`
	row := p.pool.QueryRow(ctx, query, documentID)

	var snap DocumentSnapshot
	err := row.Scan(&snap.DocumentID, &snap.Content, &snap.Version, &snap.CreatedAt, &snap.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("document %s: %w", documentID, ErrNotFound)
		}
		return nil, NewQueryError("failed to get snapshot", err)
	}
	return &snap, nil
}

// DeleteSnapshot removes a document and its audit trail.
func (p *PostgresStore) DeleteSnapshot(ctx context.Context, documentID string) (bool, error) {
	if !p.IsConnected() {
		return false, ErrNotConnected
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return false, NewQueryError("failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM document_operations WHERE document_id = $1`, documentID); err != nil {
		return false, NewQueryError("failed to delete operations", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM documents WHERE id = $1`, documentID)
	if err != nil {
		return false, NewQueryError("failed to delete snapshot", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, NewQueryError("failed to commit delete", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListSnapshots returns stored documents ordered by last update.
func (p *PostgresStore) ListSnapshots(ctx context.Context, limit, offset int) ([]*DocumentSnapshot, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, content, version, created_at, updated_at
		FROM documents
		ORDER BY updated_at DESC
		LIMIT $1 OFFSET $2
	`
	rows, err := p.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, NewQueryError("failed to list snapshots", err)
	}
	defer rows.Close()

	var snaps []*DocumentSnapshot
	for rows.Next() {
		var snap DocumentSnapshot
		if err := rows.Scan(&snap.DocumentID, &snap.Content, &snap.Version, &snap.CreatedAt, &snap.UpdatedAt); err != nil {
			return nil, NewQueryError("failed to scan snapshot", err)
		}
		snaps = append(snaps, &snap)
	}
	return snaps, rows.Err()
}

// AppendOperation records one applied operation in the audit trail.
func (p *PostgresStore) AppendOperation(ctx context.Context, record *OperationRecord) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}

	query := `
		INSERT INTO document_operations (document_id, author_id, version, operation)
		VALUES ($1, $2, $3, $4)
	`
	_, err := p.pool.Exec(ctx, query, record.DocumentID, record.AuthorID, record.Version, record.Operation)
	if err != nil {
		return NewQueryError("failed to append operation", err)
	}
	return nil
}

// RecordOperation is the session.Persistence audit hook. It wraps
// AppendOperation so the session package gets one flat call per applied
// operation.
func (p *PostgresStore) RecordOperation(ctx context.Context, documentID, authorID string, version int, operation []byte) error {
	return p.AppendOperation(ctx, &OperationRecord{
		DocumentID: documentID,
		AuthorID:   authorID,
		Version:    version,
		Operation:  operation,
	})
}

// RecentOperations returns the latest audit entries for a document, newest
// first.
func (p *PostgresStore) RecentOperations(ctx context.Context, documentID string, limit int) ([]*OperationRecord, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, document_id, author_id, version, operation, applied_at
		FROM document_operations
		WHERE document_id = $1
		ORDER BY version DESC
		LIMIT $2
	`
	rows, err := p.pool.Query(ctx, query, documentID, limit)
	if err != nil {
		return nil, NewQueryError("failed to query operations", err)
	}
	defer rows.Close()

	var records []*OperationRecord
	for rows.Next() {
		var rec OperationRecord
		if err := rows.Scan(&rec.ID, &rec.DocumentID, &rec.AuthorID, &rec.Version, &rec.Operation, &rec.AppliedAt); err != nil {
			return nil, NewQueryError("failed to scan operation", err)
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// PruneOperations deletes audit entries beyond the newest keep rows and
// returns how many were removed.
func (p *PostgresStore) PruneOperations(ctx context.Context, documentID string, keep int) (int, error) {
	if !p.IsConnected() {
		return 0, ErrNotConnected
	}
	if keep < 0 {
		keep = 0
	}

	query := `
		DELETE FROM document_operations
		WHERE document_id = $1
		AND id NOT IN (
			SELECT id FROM document_operations
			WHERE document_id = $1
			ORDER BY version DESC
			LIMIT $2
		)
	`
	tag, err := p.pool.Exec(ctx, query, documentID, keep)
	if err != nil {
		return 0, NewQueryError("failed to prune operations", err)
	}
	return int(tag.RowsAffected()), nil
}
