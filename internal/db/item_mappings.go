package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wesm/ado-asana-sync/internal/models"
)

const taskMappingColumns = `source_id, source_rev, project, counterpart_id, counterpart_updated_at,
	title, item_type, state, assigned_user_email, assignee_id, due_date, url,
	closed_since, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTaskMapping(row rowScanner) (*models.TaskMapping, error) {
	var m models.TaskMapping
	var counterpartUpdated, closedSince sql.NullTime
	err := row.Scan(
		&m.SourceID,
		&m.SourceRev,
		&m.Project,
		&m.CounterpartID,
		&counterpartUpdated,
		&m.Title,
		&m.ItemType,
		&m.State,
		&m.AssignedUserEmail,
		&m.AssigneeID,
		&m.DueDate,
		&m.URL,
		&closedSince,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if counterpartUpdated.Valid {
		m.CounterpartUpdatedAt = counterpartUpdated.Time.UTC()
	}
	m.ClosedSince = timePtr(closedSince)
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return &m, nil
}

func (db *DB) queryTaskMappings(query string, args ...any) ([]*models.TaskMapping, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query item mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*models.TaskMapping
	for rows.Next() {
		m, err := scanTaskMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item mapping: %w", err)
		}
		mappings = append(mappings, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate item mappings: %w", err)
	}
	return mappings, nil
}

func (db *DB) findTaskMapping(query string, args ...any) (*models.TaskMapping, error) {
	m, err := scanTaskMapping(db.QueryRow(query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get item mapping: %w", err)
	}
	return m, nil
}

// FindTaskMapping gets the mapping for an ADO work item, or nil if none exists
func (db *DB) FindTaskMapping(sourceID int) (*models.TaskMapping, error) {
	return db.findTaskMapping(`SELECT `+taskMappingColumns+` FROM item_mappings WHERE source_id = ?`, sourceID)
}

// FindTaskMappingByCounterpart gets the mapping that owns an Asana task, or nil
func (db *DB) FindTaskMappingByCounterpart(gid string) (*models.TaskMapping, error) {
	return db.findTaskMapping(`SELECT `+taskMappingColumns+` FROM item_mappings WHERE counterpart_id = ?`, gid)
}

// TaskMappings returns every item mapping ordered by source id
func (db *DB) TaskMappings() ([]*models.TaskMapping, error) {
	return db.queryTaskMappings(`SELECT ` + taskMappingColumns + ` FROM item_mappings ORDER BY source_id`)
}

// TaskMappingsForProject returns the item mappings belonging to one ADO project
func (db *DB) TaskMappingsForProject(project string) ([]*models.TaskMapping, error) {
	return db.queryTaskMappings(`SELECT `+taskMappingColumns+` FROM item_mappings WHERE project = ? ORDER BY source_id`, project)
}

// InsertTaskMapping stores a new item mapping
func (db *DB) InsertTaskMapping(m *models.TaskMapping) error {
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	query := `INSERT INTO item_mappings (` + taskMappingColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.exec(
		query,
		m.SourceID,
		m.SourceRev,
		m.Project,
		m.CounterpartID,
		nullTime(&m.CounterpartUpdatedAt),
		m.Title,
		m.ItemType,
		m.State,
		m.AssignedUserEmail,
		m.AssigneeID,
		m.DueDate,
		m.URL,
		nullTime(m.ClosedSince),
		m.CreatedAt,
		m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert item mapping %d: %w", m.SourceID, err)
	}
	return nil
}

// UpdateTaskMapping rewrites the mutable snapshot of an item mapping.
// source_id, counterpart_id, url and due_date are never changed.
func (db *DB) UpdateTaskMapping(m *models.TaskMapping) error {
	m.UpdatedAt = time.Now().UTC()

	query := `
	UPDATE item_mappings SET
		source_rev = ?,
		counterpart_updated_at = ?,
		title = ?,
		item_type = ?,
		state = ?,
		assigned_user_email = ?,
		assignee_id = ?,
		closed_since = ?,
		updated_at = ?
	WHERE source_id = ?
	`

	res, err := db.exec(
		query,
		m.SourceRev,
		nullTime(&m.CounterpartUpdatedAt),
		m.Title,
		m.ItemType,
		m.State,
		m.AssignedUserEmail,
		m.AssigneeID,
		nullTime(m.ClosedSince),
		m.UpdatedAt,
		m.SourceID,
	)
	if err != nil {
		return fmt.Errorf("failed to update item mapping %d: %w", m.SourceID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("failed to update item mapping %d: no such mapping", m.SourceID)
	}
	return nil
}

// RemoveTaskMapping deletes the mapping for an ADO work item
func (db *DB) RemoveTaskMapping(sourceID int) error {
	_, err := db.exec(`DELETE FROM item_mappings WHERE source_id = ?`, sourceID)
	if err != nil {
		return fmt.Errorf("failed to remove item mapping %d: %w", sourceID, err)
	}
	return nil
}
