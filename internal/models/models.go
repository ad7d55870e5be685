package models

import (
	"fmt"
	"html"
	"time"
)

// Project is one configured ADO project/team to Asana project pairing
type Project struct {
	ADOProjectName   string `json:"adoProjectName"`
	ADOTeamName      string `json:"adoTeamName"`
	AsanaProjectName string `json:"asanaProjectName"`
}

// WorkItem represents an ADO work item as seen by the synchronizer
type WorkItem struct {
	ID       int
	Rev      int
	Title    string
	Type     string
	State    string
	URL      string
	Assignee *Identity
	// DueDateRaw is the unparsed Microsoft.VSTS.Scheduling.DueDate value
	DueDateRaw string
}

// Identity is a user reference on the ADO side
type Identity struct {
	DisplayName string
	Email       string
}

// Repository represents an ADO Git repository
type Repository struct {
	ID      string
	Name    string
	Project string
}

// PullRequest represents an ADO pull request and its reviewers
type PullRequest struct {
	ID           int
	RepositoryID string
	Project      string
	Title        string
	Status       string
	URL          string
	Reviewers    []Reviewer
}

// Reviewer is one reviewer on a pull request with the raw ADO vote code
type Reviewer struct {
	DisplayName string
	Email       string
	VoteCode    int
}

// Pull request statuses as reported by ADO
const (
	PRStatusActive    = "active"
	PRStatusCompleted = "completed"
	PRStatusAbandoned = "abandoned"
)

// IsTerminalPRStatus reports whether a pull request status is completed or abandoned
func IsTerminalPRStatus(status string) bool {
	return status == PRStatusCompleted || status == PRStatusAbandoned
}

// User represents an Asana user
type User struct {
	GID   string
	Name  string
	Email string
}

// Task represents an Asana task
type Task struct {
	GID        string
	Name       string
	Completed  bool
	DueOn      string
	AssigneeID string
	TagIDs     []string
	ModifiedAt time.Time
}

// HasTag reports whether the task carries the given tag
func (t *Task) HasTag(gid string) bool {
	for _, id := range t.TagIDs {
		if id == gid {
			return true
		}
	}
	return false
}

// TaskMapping correlates an ADO work item with its Asana task
type TaskMapping struct {
	SourceID             int
	SourceRev            int
	Project              string
	CounterpartID        string
	CounterpartUpdatedAt time.Time
	Title                string
	ItemType             string
	State                string
	AssignedUserEmail    string
	AssigneeID           string
	// DueDate is written on creation only, YYYY-MM-DD or empty
	DueDate     string
	URL         string
	ClosedSince *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AsanaTitle is the deterministic task name for a work item
func (m *TaskMapping) AsanaTitle() string {
	return ItemTaskTitle(m.ItemType, m.SourceID, m.Title)
}

// ItemTaskTitle formats the Asana task name of a work item
func ItemTaskTitle(itemType string, id int, title string) string {
	return fmt.Sprintf("%s %d: %s", itemType, id, title)
}

// ItemTaskNotes formats the Asana task notes of a work item
func ItemTaskNotes(itemType string, id int, title, url string) string {
	return fmt.Sprintf(`<body><a href="%s">%s %d</a>: %s</body>`, url, itemType, id, html.EscapeString(title))
}

// ReviewerMapping correlates one reviewer on a pull request with an Asana task
type ReviewerMapping struct {
	RequestID            int
	RepositoryID         string
	Project              string
	ReviewerEmail        string
	ReviewerName         string
	CounterpartID        string
	CounterpartUpdatedAt time.Time
	VoteState            Vote
	RequestTitle         string
	RequestStatus        string
	URL                  string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// AsanaTitle is the deterministic task name for a reviewer task
func (m *ReviewerMapping) AsanaTitle() string {
	return ReviewerTaskTitle(m.RequestID, m.RequestTitle, m.ReviewerName)
}

// ReviewerTaskTitle formats the Asana task name of a reviewer task
func ReviewerTaskTitle(requestID int, title, reviewer string) string {
	if reviewer == "" {
		return fmt.Sprintf("Pull Request %d: %s", requestID, title)
	}
	return fmt.Sprintf("Pull Request %d: %s (%s)", requestID, title, reviewer)
}

// ReviewerTaskNotes formats the Asana task notes of a reviewer task
func ReviewerTaskNotes(requestID int, title, url string) string {
	return fmt.Sprintf(`<body><a href="%s">Pull Request %d</a>: %s</body>`, url, requestID, html.EscapeString(title))
}

// SyncMetadata tracks the last successful sync for a project
type SyncMetadata struct {
	Project      string
	LastSyncTime time.Time
}
