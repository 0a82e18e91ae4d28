package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/polisai/polis-flow/pkg/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps definitions as JSON documents in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ DefinitionStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens dsn (a file path or "file:name?mode=memory&cache=shared")
// and creates the schema if needed.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite store requires a dsn")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			body TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pipelines (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			body TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_name ON nodes(name)`,
		`CREATE INDEX IF NOT EXISTS idx_pipelines_name ON pipelines(name)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// GetNode loads a node definition.
func (s *SQLiteStore) GetNode(ctx context.Context, id string) (domain.NodeDefinition, error) {
	var def domain.NodeDefinition
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM nodes WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nodeNotFound(id)
	}
	if err != nil {
		return def, fmt.Errorf("failed to get node: %w", err)
	}
	if err := json.Unmarshal([]byte(body), &def); err != nil {
		return def, fmt.Errorf("failed to decode node %q: %w", id, err)
	}
	return def, nil
}

// SaveNode inserts or replaces a node definition.
func (s *SQLiteStore) SaveNode(ctx context.Context, def domain.NodeDefinition) (domain.NodeDefinition, error) {
	def.UUID = ensureID(def.UUID)
	body, err := json.Marshal(def)
	if err != nil {
		return def, fmt.Errorf("failed to encode node: %w", err)
	}

	query := `INSERT INTO nodes (id, name, body, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, body = excluded.body, updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, query, def.UUID, def.Name, string(body), time.Now().UTC()); err != nil {
		return def, fmt.Errorf("failed to save node: %w", err)
	}
	return s.GetNode(ctx, def.UUID)
}

// ListNodes returns every node ordered by name then id.
func (s *SQLiteStore) ListNodes(ctx context.Context) ([]domain.NodeDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, body FROM nodes ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var out []domain.NodeDefinition
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		var def domain.NodeDefinition
		if err := json.Unmarshal([]byte(body), &def); err != nil {
			return nil, fmt.Errorf("failed to decode node %q: %w", id, err)
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

// GetPipeline loads a pipeline definition.
func (s *SQLiteStore) GetPipeline(ctx context.Context, id string) (domain.PipelineDefinition, error) {
	var def domain.PipelineDefinition
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM pipelines WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return def, pipelineNotFound(id)
	}
	if err != nil {
		return def, fmt.Errorf("failed to get pipeline: %w", err)
	}
	if err := json.Unmarshal([]byte(body), &def); err != nil {
		return def, fmt.Errorf("failed to decode pipeline %q: %w", id, err)
	}
	return def, nil
}

// SavePipeline inserts or replaces a pipeline definition.
func (s *SQLiteStore) SavePipeline(ctx context.Context, def domain.PipelineDefinition) (domain.PipelineDefinition, error) {
	def.UUID = ensureID(def.UUID)
	body, err := json.Marshal(def)
	if err != nil {
		return def, fmt.Errorf("failed to encode pipeline: %w", err)
	}

	query := `INSERT INTO pipelines (id, name, status, body, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, status = excluded.status,
			body = excluded.body, updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, query, def.UUID, def.Name, def.Status, string(body), time.Now().UTC()); err != nil {
		return def, fmt.Errorf("failed to save pipeline: %w", err)
	}
	return s.GetPipeline(ctx, def.UUID)
}

// ListPipelines returns every pipeline ordered by name then id.
func (s *SQLiteStore) ListPipelines(ctx context.Context) ([]domain.PipelineDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, body FROM pipelines ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}
	defer rows.Close()

	var out []domain.PipelineDefinition
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("failed to scan pipeline: %w", err)
		}
		var def domain.PipelineDefinition
		if err := json.Unmarshal([]byte(body), &def); err != nil {
			return nil, fmt.Errorf("failed to decode pipeline %q: %w", id, err)
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
