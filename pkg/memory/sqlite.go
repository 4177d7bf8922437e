package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SQLiteStore implements Store on a database handle shared with the graph store.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates the memories table if needed and returns the store.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			topic TEXT NOT NULL,
			context TEXT NOT NULL,
			decisions_json TEXT,
			rationale_json TEXT,
			metadata_json TEXT,
			source TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			version INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_memories_updated_at ON memories(updated_at);
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create memories table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Database returns the underlying database connection.
func (s *SQLiteStore) Database() *sql.DB {
	return s.db
}

const memoryColumns = `id, topic, context, decisions_json, rationale_json, metadata_json,
	source, status, version, created_at, updated_at`

// AddMemory creates a new memory record.
func (s *SQLiteStore) AddMemory(ctx context.Context, m *Memory) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = now
	}
	if m.Version == 0 {
		m.Version = 1
	}
	if m.Status == "" {
		m.Status = StatusPending
	}

	decisionsJSON, rationaleJSON, metadataJSON, err := marshalFields(m)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (`+memoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Topic, m.Context, decisionsJSON, rationaleJSON, metadataJSON,
		m.Source, m.Status, m.Version, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert memory: %w", err)
	}
	return nil
}

// GetMemory retrieves a memory by ID.
func (s *SQLiteStore) GetMemory(ctx context.Context, id string) (*Memory, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMemoryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get memory: %w", err)
	}
	return m, nil
}

// Update represents partial updates to a memory. Nil fields are left unchanged.
type Update struct {
	Topic     *string
	Context   *string
	Decisions *[]string
	Rationale *[]string
	Metadata  *map[string]interface{}
	Status    *string
}

// UpdateMemory applies partial updates to a memory and bumps its version.
func (s *SQLiteStore) UpdateMemory(ctx context.Context, id string, updates Update) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanMemory(tx.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ErrMemoryNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get memory: %w", err)
	}

	if updates.Topic != nil {
		existing.Topic = *updates.Topic
	}
	if updates.Context != nil {
		existing.Context = *updates.Context
	}
	if updates.Decisions != nil {
		existing.Decisions = *updates.Decisions
	}
	if updates.Rationale != nil {
		existing.Rationale = *updates.Rationale
	}
	if updates.Metadata != nil {
		existing.Metadata = *updates.Metadata
	}
	if updates.Status != nil {
		existing.Status = *updates.Status
	}
	existing.UpdatedAt = time.Now().UTC()
	existing.Version++

	decisionsJSON, rationaleJSON, metadataJSON, err := marshalFields(existing)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE memories
		SET topic = ?, context = ?, decisions_json = ?, rationale_json = ?, metadata_json = ?,
			status = ?, version = ?, updated_at = ?
		WHERE id = ?`,
		existing.Topic, existing.Context, decisionsJSON, rationaleJSON, metadataJSON,
		existing.Status, existing.Version, existing.UpdatedAt, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update memory: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DeleteMemory removes a memory. Its graph attribution is retired by the next full build.
func (s *SQLiteStore) DeleteMemory(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM memories WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete memory: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrMemoryNotFound
	}
	return nil
}

// ListMemories returns every memory ordered by id.
func (s *SQLiteStore) ListMemories(ctx context.Context) ([]*Memory, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+memoryColumns+` FROM memories ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list memories: %w", err)
	}
	return collectMemories(rows)
}

// GetMemoriesByIDs returns the memories among ids that exist, ordered by id.
func (s *SQLiteStore) GetMemoriesByIDs(ctx context.Context, ids []string) ([]*Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id IN (`+marks+`) ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get memories: %w", err)
	}
	return collectMemories(rows)
}

// CountMemories returns the total number of memories in the store.
func (s *SQLiteStore) CountMemories(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count memories: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(row rowScanner) (*Memory, error) {
	var (
		m                                          Memory
		decisionsJSON, rationaleJSON, metadataJSON sql.NullString
		source                                     sql.NullString
	)
	err := row.Scan(&m.ID, &m.Topic, &m.Context, &decisionsJSON, &rationaleJSON, &metadataJSON,
		&source, &m.Status, &m.Version, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.Source = source.String

	if decisionsJSON.String != "" {
		if err := json.Unmarshal([]byte(decisionsJSON.String), &m.Decisions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal decisions: %w", err)
		}
	}
	if rationaleJSON.String != "" {
		if err := json.Unmarshal([]byte(rationaleJSON.String), &m.Rationale); err != nil {
			return nil, fmt.Errorf("failed to unmarshal rationale: %w", err)
		}
	}
	if metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &m.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &m, nil
}

func collectMemories(rows *sql.Rows) ([]*Memory, error) {
	defer rows.Close()
	var out []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating memories: %w", err)
	}
	return out, nil
}

func marshalFields(m *Memory) (decisions, rationale, metadata string, err error) {
	d, err := json.Marshal(m.Decisions)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal decisions: %w", err)
	}
	r, err := json.Marshal(m.Rationale)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal rationale: %w", err)
	}
	md, err := json.Marshal(m.Metadata)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(d), string(r), string(md), nil
}
