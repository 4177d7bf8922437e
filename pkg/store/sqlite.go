package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver
)

// DefaultDriver is the pure-Go SQLite driver. Builds with cgo can also use "sqlite3".
const DefaultDriver = "sqlite"

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// graph implements Graph on top of a querier. It is embedded by both the store and Tx
// so that the same code runs inside and outside transactions.
type graph struct {
	q querier
}

// SQLiteGraphStore implements Graph using SQLite as the backend.
//
// The store holds a single connection: SQLite allows one writer at a time and
// ":memory:" databases are per-connection. Callers must not issue store calls while
// iterating rows or while a transaction from WithTx is open on the same goroutine.
type SQLiteGraphStore struct {
	graph
	db *sql.DB
}

// Tx is a graph transaction opened by WithTx.
type Tx struct {
	graph
	tx *sql.Tx
}

var (
	_ Graph = (*SQLiteGraphStore)(nil)
	_ Graph = (*Tx)(nil)
)

// NewSQLiteGraphStore creates a new SQLite-backed graph store with the default driver.
// The dbPath can be a file path or ":memory:" for an in-memory database.
func NewSQLiteGraphStore(dbPath string) (*SQLiteGraphStore, error) {
	return OpenSQLiteGraphStore(DefaultDriver, dbPath)
}

// OpenSQLiteGraphStore opens the store with an explicit database/sql driver name.
func OpenSQLiteGraphStore(driver, dbPath string) (*SQLiteGraphStore, error) {
	if driver == "" {
		driver = DefaultDriver
	}
	db, err := sql.Open(driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteGraphStore{graph: graph{q: db}, db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// DB returns the underlying database handle so collaborators (memory store, sqlite
// vector store) can share the connection.
func (s *SQLiteGraphStore) DB() *sql.DB {
	return s.db
}

// Close releases database resources.
func (s *SQLiteGraphStore) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a single transaction. The transaction commits when fn returns
// nil and rolls back otherwise, so no partial state from fn is ever visible.
func (s *SQLiteGraphStore) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{graph: graph{q: sqlTx}, tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteGraphStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		canonical_name TEXT NOT NULL,
		name_key TEXT NOT NULL UNIQUE,
		entity_type TEXT NOT NULL,
		description TEXT,
		mention_count INTEGER NOT NULL DEFAULT 1,
		extraction_confidence REAL NOT NULL DEFAULT 0,
		extraction_version TEXT,
		first_seen_at DATETIME NOT NULL,
		last_seen_at DATETIME NOT NULL,
		embedding_id TEXT,
		metadata TEXT
	);

	CREATE TABLE IF NOT EXISTS relationships (
		id TEXT PRIMARY KEY,
		source_entity_id TEXT NOT NULL,
		target_entity_id TEXT NOT NULL,
		relationship_type TEXT NOT NULL,
		description TEXT,
		strength REAL NOT NULL DEFAULT 1.0,
		created_at DATETIME NOT NULL,
		UNIQUE (source_entity_id, target_entity_id, relationship_type),
		FOREIGN KEY (source_entity_id) REFERENCES entities(id) ON DELETE CASCADE,
		FOREIGN KEY (target_entity_id) REFERENCES entities(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_relationships_source ON relationships(source_entity_id);
	CREATE INDEX IF NOT EXISTS idx_relationships_target ON relationships(target_entity_id);

	CREATE TABLE IF NOT EXISTS communities (
		id TEXT PRIMARY KEY,
		level INTEGER NOT NULL,
		parent_id TEXT,
		entity_count INTEGER NOT NULL,
		resolution REAL NOT NULL,
		modularity REAL NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (parent_id) REFERENCES communities(id) ON DELETE SET NULL
	);

	CREATE INDEX IF NOT EXISTS idx_communities_level ON communities(level);

	CREATE TABLE IF NOT EXISTS community_members (
		community_id TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		level INTEGER NOT NULL,
		PRIMARY KEY (level, entity_id),
		FOREIGN KEY (community_id) REFERENCES communities(id) ON DELETE CASCADE,
		FOREIGN KEY (entity_id) REFERENCES entities(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_community_members_community ON community_members(community_id);

	CREATE TABLE IF NOT EXISTS community_reports (
		id TEXT PRIMARY KEY,
		community_id TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL,
		summary TEXT,
		full_content TEXT,
		key_findings TEXT NOT NULL DEFAULT '[]',
		rating REAL NOT NULL DEFAULT 0,
		rating_explanation TEXT,
		prompt_version TEXT,
		embedding_id TEXT,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (community_id) REFERENCES communities(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS memory_entities (
		memory_id TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (memory_id, entity_id),
		FOREIGN KEY (entity_id) REFERENCES entities(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_memory_entities_entity ON memory_entities(entity_id);

	CREATE TABLE IF NOT EXISTS memory_relationships (
		memory_id TEXT NOT NULL,
		relationship_id TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (memory_id, relationship_id),
		FOREIGN KEY (relationship_id) REFERENCES relationships(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_memory_relationships_rel ON memory_relationships(relationship_id);

	CREATE TABLE IF NOT EXISTS processed_memories (
		memory_id TEXT PRIMARY KEY,
		fingerprint TEXT NOT NULL,
		extraction_version TEXT,
		processed_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pending_vector_deletes (
		kind TEXT NOT NULL,
		node_id TEXT NOT NULL,
		queued_at DATETIME NOT NULL,
		PRIMARY KEY (kind, node_id)
	);

	CREATE TABLE IF NOT EXISTS build_locks (
		name TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		acquired_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	);
	`

	if _, err := s.db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	_, err := s.db.Exec(schema)
	return err
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint failure.
// Both supported drivers surface it in the message text.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// placeholders returns "?,?,?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// scanStrings drains a single-column result set.
func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
