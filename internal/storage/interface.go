// Package storage provides the database and pub/sub adapters behind the
// collaboration server: PostgreSQL for document snapshots and the operation
// audit trail, Redis for cross-server broadcast fan-out.
package storage

import (
	"context"
	"time"
)

// DocumentSnapshot is a stored document at a specific version.
type DocumentSnapshot struct {
	DocumentID string    `json:"documentId"`
	Content    string    `json:"content"`
	Version    int       `json:"version"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// OperationRecord is one applied operation in the audit trail.
type OperationRecord struct {
	ID         int64     `json:"id"`
	DocumentID string    `json:"documentId"`
	AuthorID   string    `json:"authorId"`
	Version    int       `json:"version"`
	Operation  []byte    `json:"operation"`
	AppliedAt  time.Time `json:"appliedAt"`
}

// SnapshotStore persists document snapshots and their audit trail.
type SnapshotStore interface {
	// Connection lifecycle
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	HealthCheck(ctx context.Context) (bool, error)

	// Snapshot operations
	LoadSnapshot(ctx context.Context, documentID string) (content string, version int, found bool, err error)
	SaveSnapshot(ctx context.Context, documentID, content string, version int) error
	GetSnapshot(ctx context.Context, documentID string) (*DocumentSnapshot, error)
	DeleteSnapshot(ctx context.Context, documentID string) (bool, error)
	ListSnapshots(ctx context.Context, limit, offset int) ([]*DocumentSnapshot, error)

	// Audit trail
	AppendOperation(ctx context.Context, record *OperationRecord) error
	RecordOperation(ctx context.Context, documentID, authorID string, version int, operation []byte) error
	RecentOperations(ctx context.Context, documentID string, limit int) ([]*OperationRecord, error)
	PruneOperations(ctx context.Context, documentID string, keep int) (int, error)
}

// Config holds configuration for the PostgreSQL store.
type Config struct {
	ConnectionString  string
	PoolMinConns      int32
	PoolMaxConns      int32
	ConnectionTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		PoolMinConns:      2,
		PoolMaxConns:      10,
		ConnectionTimeout: 5 * time.Second,
	}
}
