package sync

import (
	"context"
	"time"

	"github.com/wesm/ado-asana-sync/internal/models"
)

// Source is the ADO side: backlog items and pull requests
type Source interface {
	ListBacklogItems(ctx context.Context, project, team string) ([]*models.WorkItem, error)
	GetWorkItems(ctx context.Context, project string, ids []int) ([]*models.WorkItem, error)
	ListRepositories(ctx context.Context, project string) ([]*models.Repository, error)
	ListActivePullRequests(ctx context.Context, project, repoID string) ([]*models.PullRequest, error)
	GetPullRequest(ctx context.Context, project, repoID string, id int) (*models.PullRequest, error)
}

// Tasks is the Asana side
type Tasks interface {
	ProjectGID(ctx context.Context, workspaceGID, name string) (string, error)
	EnsureTag(ctx context.Context, workspaceGID, name string) (string, error)
	ListProjectTasks(ctx context.Context, projectGID string) ([]*models.Task, error)
	GetTask(ctx context.Context, gid string) (*models.Task, error)
	CreateTask(ctx context.Context, payload *models.TaskCreate) (*models.Task, error)
	UpdateTask(ctx context.Context, gid string, payload *models.TaskUpdate) (*models.Task, error)
	AddTag(ctx context.Context, taskGID, tagGID string) error
}

// Resolver maps an email to an Asana user, nil when nobody matches
type Resolver interface {
	Resolve(ctx context.Context, email string) (*models.User, error)
}

// Store is the mapping store
type Store interface {
	FindTaskMapping(sourceID int) (*models.TaskMapping, error)
	FindTaskMappingByCounterpart(gid string) (*models.TaskMapping, error)
	TaskMappingsForProject(project string) ([]*models.TaskMapping, error)
	InsertTaskMapping(m *models.TaskMapping) error
	UpdateTaskMapping(m *models.TaskMapping) error
	RemoveTaskMapping(sourceID int) error

	FindReviewerMapping(requestID int, email string) (*models.ReviewerMapping, error)
	FindReviewerMappingByCounterpart(gid string) (*models.ReviewerMapping, error)
	ReviewerMappingsForRequest(requestID int) ([]*models.ReviewerMapping, error)
	ActiveReviewerMappingsForProject(project string) ([]*models.ReviewerMapping, error)
	InsertReviewerMapping(m *models.ReviewerMapping) error
	UpdateReviewerMapping(m *models.ReviewerMapping) error
	RemoveReviewerMapping(requestID int, email string) error

	GetLastSyncTime(project string) (time.Time, error)
	UpdateLastSyncTime(project string, syncTime time.Time) error
}

// Target is the resolved Asana side of one configured project
type Target struct {
	Project    models.Project
	ProjectGID string
	TagGID     string
	Workspace  string
}

// Name is the ADO project name, which scopes mapping rows
func (t *Target) Name() string {
	return t.Project.ADOProjectName
}

func (t *Target) tags() []string {
	if t.TagGID == "" {
		return nil
	}
	return []string{t.TagGID}
}
