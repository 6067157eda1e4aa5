// Package sqlite implements storage.Storage on an embedded SQLite database.
//
// The database runs in embedded mode (no CGO, wasm-compiled engine) with WAL
// journaling so readers are never blocked by the sync engine's replay writes.
//
// Layout:
//   - Database file: <base>/lorekeep.db
//   - Tables: realms, lores, relations
//   - Relations carry a composite primary key (from_id, to_id, type)
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/lorekeep/lorekeep/internal/storage"
)

// Store wraps the SQLite connection and implements storage.Storage.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates (or opens) the database at path and prepares the schema.
//
// The caller MUST call Close() when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	// WAL mode for concurrent reads during replay writes
	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := s.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := s.initSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS realms (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		name TEXT NOT NULL,
		path TEXT,
		provinces TEXT,  -- JSON array
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS lores (
		id TEXT PRIMARY KEY,
		realm_id TEXT NOT NULL,
		content TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		FOREIGN KEY (realm_id) REFERENCES realms(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS relations (
		from_id TEXT NOT NULL,
		to_id TEXT NOT NULL,
		type TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (from_id, to_id, type),
		FOREIGN KEY (from_id) REFERENCES lores(id) ON DELETE CASCADE,
		FOREIGN KEY (to_id) REFERENCES lores(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_realms_workspace ON realms(workspace_id);
	CREATE INDEX IF NOT EXISTS idx_lores_realm ON lores(realm_id);
	CREATE INDEX IF NOT EXISTS idx_lores_status ON lores(status);
	CREATE INDEX IF NOT EXISTS idx_relations_to ON relations(to_id);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// FindLore returns the lore with the given id.
func (s *Store) FindLore(ctx context.Context, id string) (*storage.Lore, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, realm_id, content, type, status, created_at, updated_at
		FROM lores WHERE id = ?`, id)

	lore, err := scanLore(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("lore %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query lore %s: %w", id, err)
	}
	return lore, nil
}

// CreateLore inserts a new lore.
func (s *Store) CreateLore(ctx context.Context, input storage.LoreInput) (*storage.Lore, error) {
	if input.RealmID == "" {
		return nil, fmt.Errorf("realmId is required")
	}
	if input.Content == "" {
		return nil, fmt.Errorf("content is required")
	}

	lore := &storage.Lore{
		ID:        input.ID,
		RealmID:   input.RealmID,
		Content:   input.Content,
		Type:      input.Type,
		Status:    storage.StatusActive,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if lore.ID == "" {
		lore.ID = uuid.NewString()
	}
	if lore.Type == "" {
		lore.Type = storage.TypeInsight
	}

	res, err := s.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO lores (id, realm_id, content, type, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		lore.ID, lore.RealmID, lore.Content, lore.Type, lore.Status,
		lore.CreatedAt.Format(time.RFC3339), lore.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to insert lore %s: %w", lore.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check insert result: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("lore %s: %w", lore.ID, storage.ErrDuplicate)
	}

	return lore, nil
}

// UpdateLore applies a patch to an existing lore.
func (s *Store) UpdateLore(ctx context.Context, id string, patch storage.LorePatch) (*storage.Lore, error) {
	sets := []string{"updated_at = ?"}
	args := []interface{}{time.Now().UTC().Format(time.RFC3339)}

	if patch.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *patch.Content)
	}
	if patch.Type != nil {
		sets = append(sets, "type = ?")
		args = append(args, *patch.Type)
	}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *patch.Status)
	}

	args = append(args, id)
	query := "UPDATE lores SET " + strings.Join(sets, ", ") + " WHERE id = ?"

	res, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update lore %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check update result: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("lore %s: %w", id, storage.ErrNotFound)
	}

	return s.FindLore(ctx, id)
}

// DeleteLore removes a lore. Relations cascade via foreign keys.
func (s *Store) DeleteLore(ctx context.Context, id string) error {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM lores WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete lore %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("lore %s: %w", id, storage.ErrNotFound)
	}

	return nil
}

// ArchiveLore soft-deletes a lore.
func (s *Store) ArchiveLore(ctx context.Context, id string) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE lores SET status = ?, updated_at = ? WHERE id = ?`,
		storage.StatusArchived, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to archive lore %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check archive result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("lore %s: %w", id, storage.ErrNotFound)
	}

	return nil
}

// FindRealm returns the realm with the given id.
func (s *Store) FindRealm(ctx context.Context, id string) (*storage.Realm, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, workspace_id, name, path, provinces, created_at, updated_at
		FROM realms WHERE id = ?`, id)

	realm, err := scanRealm(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("realm %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query realm %s: %w", id, err)
	}
	return realm, nil
}

// CreateRealm inserts a new realm.
func (s *Store) CreateRealm(ctx context.Context, input storage.RealmInput) (*storage.Realm, error) {
	if input.Name == "" {
		return nil, fmt.Errorf("name is required")
	}

	realm := &storage.Realm{
		ID:          input.ID,
		WorkspaceID: input.WorkspaceID,
		Name:        input.Name,
		Path:        input.Path,
		Provinces:   input.Provinces,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if realm.ID == "" {
		realm.ID = uuid.NewString()
	}

	provincesJSON, err := json.Marshal(realm.Provinces)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal provinces: %w", err)
	}

	res, err := s.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO realms (id, workspace_id, name, path, provinces, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		realm.ID, realm.WorkspaceID, realm.Name, realm.Path, string(provincesJSON),
		realm.CreatedAt.Format(time.RFC3339), realm.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to insert realm %s: %w", realm.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check insert result: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("realm %s: %w", realm.ID, storage.ErrDuplicate)
	}

	return realm, nil
}

// CreateRelation links two lores after verifying both exist in the same realm.
func (s *Store) CreateRelation(ctx context.Context, input storage.RelationInput) error {
	fromRealm, err := s.loreRealm(ctx, input.FromID)
	if err != nil {
		return err
	}
	toRealm, err := s.loreRealm(ctx, input.ToID)
	if err != nil {
		return err
	}
	if fromRealm != toRealm {
		return fmt.Errorf("relation %s -> %s: %w", input.FromID, input.ToID, storage.ErrCrossRealm)
	}

	res, err := s.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO relations (from_id, to_id, type, created_at)
		VALUES (?, ?, ?, ?)`,
		input.FromID, input.ToID, input.Type, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to insert relation %s--%s--%s: %w",
			input.FromID, input.Type, input.ToID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check insert result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("relation %s--%s--%s: %w",
			input.FromID, input.Type, input.ToID, storage.ErrDuplicate)
	}

	return nil
}

// DeleteRelation removes a relation by composite key. Absent rows are not an
// error.
func (s *Store) DeleteRelation(ctx context.Context, from, to, relType string) error {
	_, err := s.conn.ExecContext(ctx, `
		DELETE FROM relations WHERE from_id = ? AND to_id = ? AND type = ?`,
		from, to, relType)
	if err != nil {
		return fmt.Errorf("failed to delete relation %s--%s--%s: %w", from, relType, to, err)
	}
	return nil
}

// ListLoresByRealm returns all lores in a realm, active first.
func (s *Store) ListLoresByRealm(ctx context.Context, realmID string) ([]*storage.Lore, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, realm_id, content, type, status, created_at, updated_at
		FROM lores WHERE realm_id = ?
		ORDER BY status ASC, created_at ASC`, realmID)
	if err != nil {
		return nil, fmt.Errorf("failed to list lores for realm %s: %w", realmID, err)
	}
	defer rows.Close()

	var lores []*storage.Lore
	for rows.Next() {
		lore, err := scanLore(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lore: %w", err)
		}
		lores = append(lores, lore)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating lores: %w", err)
	}

	return lores, nil
}

// ListRelationsByLore returns relations where the lore is either endpoint.
func (s *Store) ListRelationsByLore(ctx context.Context, loreID string) ([]*storage.Relation, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT from_id, to_id, type, created_at
		FROM relations WHERE from_id = ? OR to_id = ?
		ORDER BY created_at ASC`, loreID, loreID)
	if err != nil {
		return nil, fmt.Errorf("failed to list relations for lore %s: %w", loreID, err)
	}
	defer rows.Close()

	var relations []*storage.Relation
	for rows.Next() {
		var rel storage.Relation
		var createdAt string
		if err := rows.Scan(&rel.FromID, &rel.ToID, &rel.Type, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan relation: %w", err)
		}
		rel.CreatedAt = parseTime(createdAt)
		relations = append(relations, &rel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating relations: %w", err)
	}

	return relations, nil
}

// WorkspaceRealms returns all realms registered to a workspace.
func (s *Store) WorkspaceRealms(ctx context.Context, workspaceID string) ([]*storage.Realm, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, workspace_id, name, path, provinces, created_at, updated_at
		FROM realms WHERE workspace_id = ?
		ORDER BY created_at ASC`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list realms for workspace %s: %w", workspaceID, err)
	}
	defer rows.Close()

	var realms []*storage.Realm
	for rows.Next() {
		realm, err := scanRealm(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan realm: %w", err)
		}
		realms = append(realms, realm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating realms: %w", err)
	}

	return realms, nil
}

// loreRealm returns the realm id of a lore, or ErrNotFound.
func (s *Store) loreRealm(ctx context.Context, loreID string) (string, error) {
	var realmID string
	err := s.conn.QueryRowContext(ctx,
		`SELECT realm_id FROM lores WHERE id = ?`, loreID).Scan(&realmID)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("lore %s: %w", loreID, storage.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to query lore %s: %w", loreID, err)
	}
	return realmID, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanLore(row scanner) (*storage.Lore, error) {
	var lore storage.Lore
	var createdAt, updatedAt string

	err := row.Scan(&lore.ID, &lore.RealmID, &lore.Content, &lore.Type,
		&lore.Status, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	lore.CreatedAt = parseTime(createdAt)
	lore.UpdatedAt = parseTime(updatedAt)
	return &lore, nil
}

func scanRealm(row scanner) (*storage.Realm, error) {
	var realm storage.Realm
	var path, provincesJSON sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&realm.ID, &realm.WorkspaceID, &realm.Name, &path,
		&provincesJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	realm.Path = path.String
	if provincesJSON.Valid && provincesJSON.String != "" && provincesJSON.String != "null" {
		if err := json.Unmarshal([]byte(provincesJSON.String), &realm.Provinces); err != nil {
			return nil, fmt.Errorf("failed to unmarshal provinces: %w", err)
		}
	}
	realm.CreatedAt = parseTime(createdAt)
	realm.UpdatedAt = parseTime(updatedAt)
	return &realm, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
