package rules

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresDefinitionStore implements DefinitionStore backed by PostgreSQL,
// scoped to one namespace
type PostgresDefinitionStore struct {
	db          *sql.DB
	namespaceID string
}

// NewPostgresDefinitionStore creates a PostgreSQL-backed DefinitionStore for a namespace
func NewPostgresDefinitionStore(db *sql.DB, namespaceID string) *PostgresDefinitionStore {
	return &PostgresDefinitionStore{
		db:          db,
		namespaceID: namespaceID,
	}
}

const definitionColumns = `id, group_name, name, expression, phase, position, active, created_at, updated_at`

// Add inserts a new definition
func (s *PostgresDefinitionStore) Add(def *Definition) error {
	var exists bool
	err := s.db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM rule_definitions WHERE id = $1 AND namespace_id = $2)
	`, def.ID, s.namespaceID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check rule existence: %w", err)
	}
	if exists {
		return fmt.Errorf("rule with ID %s already exists", def.ID)
	}

	normalize(def)
	now := time.Now()
	def.CreatedAt = now
	def.UpdatedAt = now

	_, err = s.db.Exec(`
		INSERT INTO rule_definitions (id, namespace_id, group_name, name, expression, phase, position, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, def.ID, s.namespaceID, def.Group, def.Name, def.Expression, string(def.Phase),
		def.Position, def.Active, def.CreatedAt, def.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	return nil
}

// Get retrieves a definition by ID
func (s *PostgresDefinitionStore) Get(id string) (*Definition, error) {
	row := s.db.QueryRow(`
		SELECT `+definitionColumns+`
		FROM rule_definitions
		WHERE id = $1 AND namespace_id = $2
	`, id, s.namespaceID)

	def, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}

	return def, nil
}

// List returns every definition of the namespace, active or not
func (s *PostgresDefinitionStore) List() ([]*Definition, error) {
	return s.query(`
		SELECT `+definitionColumns+`
		FROM rule_definitions
		WHERE namespace_id = $1
		ORDER BY group_name ASC, position ASC, created_at ASC, id ASC
	`)
}

// ListActive returns the active definitions of the namespace
func (s *PostgresDefinitionStore) ListActive() ([]*Definition, error) {
	return s.query(`
		SELECT `+definitionColumns+`
		FROM rule_definitions
		WHERE namespace_id = $1 AND active = true
		ORDER BY group_name ASC, position ASC, created_at ASC, id ASC
	`)
}

func (s *PostgresDefinitionStore) query(q string) ([]*Definition, error) {
	rows, err := s.db.Query(q, s.namespaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var defs []*Definition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		defs = append(defs, def)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return defs, nil
}

// Update modifies an existing definition
func (s *PostgresDefinitionStore) Update(def *Definition) error {
	normalize(def)
	def.UpdatedAt = time.Now()

	result, err := s.db.Exec(`
		UPDATE rule_definitions
		SET group_name = $1, name = $2, expression = $3, phase = $4, position = $5, active = $6, updated_at = $7
		WHERE id = $8 AND namespace_id = $9
	`, def.Group, def.Name, def.Expression, string(def.Phase), def.Position, def.Active,
		def.UpdatedAt, def.ID, s.namespaceID)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %s not found", def.ID)
	}

	return nil
}

// Delete removes a definition
func (s *PostgresDefinitionStore) Delete(id string) error {
	result, err := s.db.Exec(`
		DELETE FROM rule_definitions
		WHERE id = $1 AND namespace_id = $2
	`, id, s.namespaceID)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %s not found", id)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (*Definition, error) {
	var def Definition
	var phase string
	if err := row.Scan(&def.ID, &def.Group, &def.Name, &def.Expression, &phase,
		&def.Position, &def.Active, &def.CreatedAt, &def.UpdatedAt); err != nil {
		return nil, err
	}
	def.Phase = Phase(phase)
	return &def, nil
}
