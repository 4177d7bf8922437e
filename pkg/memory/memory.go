// Package memory holds the free-text memory records that the graph is built from,
// plus a SQLite reference store that shares its connection with the graph store.
package memory

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Memory statuses.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusArchived = "archived"
)

// ErrMemoryNotFound is returned when a memory does not exist.
var ErrMemoryNotFound = errors.New("memory not found")

// Memory is a stored free-text knowledge record: a decision, pattern or note.
type Memory struct {
	ID        string                 `json:"id"`
	Topic     string                 `json:"topic"`
	Context   string                 `json:"context"`
	Decisions []string               `json:"decisions,omitempty"`
	Rationale []string               `json:"rationale,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Source    string                 `json:"source,omitempty"`
	Status    string                 `json:"status"`
	Version   int                    `json:"version"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Text renders the memory as the plain text handed to extraction.
func (m *Memory) Text() string {
	var b strings.Builder
	if topic := strings.TrimSpace(m.Topic); topic != "" {
		b.WriteString(topic)
		b.WriteString("\n\n")
	}
	b.WriteString(strings.TrimSpace(m.Context))
	if len(m.Decisions) > 0 {
		b.WriteString("\n\nDecisions:\n")
		for _, d := range m.Decisions {
			b.WriteString("- ")
			b.WriteString(strings.TrimSpace(d))
			b.WriteString("\n")
		}
	}
	if len(m.Rationale) > 0 {
		b.WriteString("\nRationale:\n")
		for _, r := range m.Rationale {
			b.WriteString("- ")
			b.WriteString(strings.TrimSpace(r))
			b.WriteString("\n")
		}
	}
	return strings.TrimSpace(b.String())
}

// Fingerprint hashes the memory's content together with the extraction version.
// Metadata, status and timestamps do not contribute, so only content edits or an
// extraction upgrade cause reprocessing.
func Fingerprint(m *Memory, extractionVersion string) string {
	decisions := trimAll(m.Decisions)
	rationale := trimAll(m.Rationale)

	// encoding/json sorts map keys, which makes this canonical.
	canonical := map[string]interface{}{
		"context":            strings.TrimSpace(m.Context),
		"decisions":          decisions,
		"extraction_version": extractionVersion,
		"rationale":          rationale,
		"topic":              strings.TrimSpace(m.Topic),
	}
	jsonBytes, err := json.Marshal(canonical)
	if err != nil {
		panic(fmt.Sprintf("failed to marshal canonical JSON: %v", err))
	}
	hash := sha256.Sum256(jsonBytes)
	return fmt.Sprintf("%x", hash)
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Store is what the build engine needs from memory persistence.
type Store interface {
	// ListMemories returns every memory, ordered by id.
	ListMemories(ctx context.Context) ([]*Memory, error)
	// GetMemoriesByIDs returns the memories that exist among ids, ordered by id.
	GetMemoriesByIDs(ctx context.Context, ids []string) ([]*Memory, error)
	// Database exposes the shared transactional handle.
	Database() *sql.DB
}
