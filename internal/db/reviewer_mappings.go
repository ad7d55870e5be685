package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wesm/ado-asana-sync/internal/models"
)

const reviewerMappingColumns = `request_id, reviewer_email, repository_id, project, reviewer_name,
	counterpart_id, counterpart_updated_at, vote_state, request_title, request_status,
	url, created_at, updated_at`

func scanReviewerMapping(row rowScanner) (*models.ReviewerMapping, error) {
	var m models.ReviewerMapping
	var counterpartUpdated sql.NullTime
	var vote string
	err := row.Scan(
		&m.RequestID,
		&m.ReviewerEmail,
		&m.RepositoryID,
		&m.Project,
		&m.ReviewerName,
		&m.CounterpartID,
		&counterpartUpdated,
		&vote,
		&m.RequestTitle,
		&m.RequestStatus,
		&m.URL,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.VoteState = models.Vote(vote)
	if counterpartUpdated.Valid {
		m.CounterpartUpdatedAt = counterpartUpdated.Time.UTC()
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return &m, nil
}

func (db *DB) queryReviewerMappings(query string, args ...any) ([]*models.ReviewerMapping, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reviewer mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*models.ReviewerMapping
	for rows.Next() {
		m, err := scanReviewerMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reviewer mapping: %w", err)
		}
		mappings = append(mappings, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate reviewer mappings: %w", err)
	}
	return mappings, nil
}

// FindReviewerMapping gets the mapping for one reviewer on a pull request, or nil
func (db *DB) FindReviewerMapping(requestID int, email string) (*models.ReviewerMapping, error) {
	query := `SELECT ` + reviewerMappingColumns + ` FROM reviewer_mappings WHERE request_id = ? AND reviewer_email = ?`
	m, err := scanReviewerMapping(db.QueryRow(query, requestID, strings.ToLower(email)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get reviewer mapping: %w", err)
	}
	return m, nil
}

// FindReviewerMappingByCounterpart gets the reviewer mapping that owns an Asana task, or nil
func (db *DB) FindReviewerMappingByCounterpart(gid string) (*models.ReviewerMapping, error) {
	query := `SELECT ` + reviewerMappingColumns + ` FROM reviewer_mappings WHERE counterpart_id = ?`
	m, err := scanReviewerMapping(db.QueryRow(query, gid))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get reviewer mapping for task %s: %w", gid, err)
	}
	return m, nil
}

// ReviewerMappingsForRequest returns all reviewer mappings of a pull request
func (db *DB) ReviewerMappingsForRequest(requestID int) ([]*models.ReviewerMapping, error) {
	return db.queryReviewerMappings(`SELECT `+reviewerMappingColumns+` FROM reviewer_mappings
		WHERE request_id = ? ORDER BY reviewer_email`, requestID)
}

// ReviewerMappings returns every reviewer mapping
func (db *DB) ReviewerMappings() ([]*models.ReviewerMapping, error) {
	return db.queryReviewerMappings(`SELECT ` + reviewerMappingColumns + ` FROM reviewer_mappings
		ORDER BY request_id, reviewer_email`)
}

// ActiveReviewerMappingsForProject returns the mappings of a project whose
// last seen request status was active
func (db *DB) ActiveReviewerMappingsForProject(project string) ([]*models.ReviewerMapping, error) {
	return db.queryReviewerMappings(`SELECT `+reviewerMappingColumns+` FROM reviewer_mappings
		WHERE project = ? AND request_status = ? ORDER BY request_id, reviewer_email`,
		project, models.PRStatusActive)
}

// InsertReviewerMapping stores a new reviewer mapping
func (db *DB) InsertReviewerMapping(m *models.ReviewerMapping) error {
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	m.ReviewerEmail = strings.ToLower(m.ReviewerEmail)

	query := `INSERT INTO reviewer_mappings (` + reviewerMappingColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.exec(
		query,
		m.RequestID,
		m.ReviewerEmail,
		m.RepositoryID,
		m.Project,
		m.ReviewerName,
		m.CounterpartID,
		nullTime(&m.CounterpartUpdatedAt),
		string(m.VoteState),
		m.RequestTitle,
		m.RequestStatus,
		m.URL,
		m.CreatedAt,
		m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert reviewer mapping %d/%s: %w", m.RequestID, m.ReviewerEmail, err)
	}
	return nil
}

// UpdateReviewerMapping rewrites the snapshot fields of a reviewer mapping
func (db *DB) UpdateReviewerMapping(m *models.ReviewerMapping) error {
	m.UpdatedAt = time.Now().UTC()

	query := `
	UPDATE reviewer_mappings SET
		reviewer_name = ?,
		counterpart_updated_at = ?,
		vote_state = ?,
		request_title = ?,
		request_status = ?,
		updated_at = ?
	WHERE request_id = ? AND reviewer_email = ?
	`

	res, err := db.exec(
		query,
		m.ReviewerName,
		nullTime(&m.CounterpartUpdatedAt),
		string(m.VoteState),
		m.RequestTitle,
		m.RequestStatus,
		m.UpdatedAt,
		m.RequestID,
		strings.ToLower(m.ReviewerEmail),
	)
	if err != nil {
		return fmt.Errorf("failed to update reviewer mapping %d/%s: %w", m.RequestID, m.ReviewerEmail, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("failed to update reviewer mapping %d/%s: no such mapping", m.RequestID, m.ReviewerEmail)
	}
	return nil
}

// RemoveReviewerMapping deletes the mapping of one reviewer on a pull request
func (db *DB) RemoveReviewerMapping(requestID int, email string) error {
	_, err := db.exec(`DELETE FROM reviewer_mappings WHERE request_id = ? AND reviewer_email = ?`,
		requestID, strings.ToLower(email))
	if err != nil {
		return fmt.Errorf("failed to remove reviewer mapping %d/%s: %w", requestID, email, err)
	}
	return nil
}
