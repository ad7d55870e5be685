package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wesm/ado-asana-sync/internal/models"
	"golang.org/x/oauth2"
)

// AsanaBaseURL is the public Asana REST endpoint
const AsanaBaseURL = "https://app.asana.com/api/1.0"

const (
	asanaPageSize   = "100"
	asanaTaskFields = "name,completed,due_on,assignee,tags,modified_at"
)

// AsanaClient represents a client for the Asana REST API
type AsanaClient struct {
	rest *restClient
}

// NewAsanaClient creates an Asana client authenticated with a personal access token
func NewAsanaClient(baseURL, token string) *AsanaClient {
	if baseURL == "" {
		baseURL = AsanaBaseURL
	}

	var tc *http.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: token},
		)
		tc = oauth2.NewClient(context.Background(), ts)
	}

	return &AsanaClient{rest: newRESTClient("asana", baseURL, tc)}
}

type asanaRef struct {
	GID  string `json:"gid"`
	Name string `json:"name"`
}

type asanaUser struct {
	GID   string `json:"gid"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type asanaTask struct {
	GID        string     `json:"gid"`
	Name       string     `json:"name"`
	Completed  bool       `json:"completed"`
	DueOn      string     `json:"due_on"`
	Assignee   *asanaRef  `json:"assignee"`
	Tags       []asanaRef `json:"tags"`
	ModifiedAt time.Time  `json:"modified_at"`
}

type asanaPage[T any] struct {
	Data     []T `json:"data"`
	NextPage *struct {
		Offset string `json:"offset"`
	} `json:"next_page"`
}

type asanaEnvelope[T any] struct {
	Data T `json:"data"`
}

// listAll walks Asana offset pagination
func listAll[T any](ctx context.Context, c *restClient, path string, query url.Values) ([]T, error) {
	query.Set("limit", asanaPageSize)

	var all []T
	for {
		var page asanaPage[T]
		if err := c.do(ctx, http.MethodGet, path, query, nil, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Data...)

		if page.NextPage == nil || page.NextPage.Offset == "" {
			break
		}
		query.Set("offset", page.NextPage.Offset)
	}
	return all, nil
}

// WorkspaceGID resolves a workspace by name
func (c *AsanaClient) WorkspaceGID(ctx context.Context, name string) (string, error) {
	refs, err := listAll[asanaRef](ctx, c.rest, "/workspaces", url.Values{})
	if err != nil {
		return "", fmt.Errorf("failed to list workspaces: %w", err)
	}
	for _, ref := range refs {
		if ref.Name == name {
			return ref.GID, nil
		}
	}
	return "", fmt.Errorf("workspace %q not found", name)
}

// ListUsers lists every user of a workspace with name and email
func (c *AsanaClient) ListUsers(ctx context.Context, workspaceGID string) ([]*models.User, error) {
	query := url.Values{"workspace": {workspaceGID}, "opt_fields": {"email,name"}}
	users, err := listAll[asanaUser](ctx, c.rest, "/users", query)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	out := make([]*models.User, 0, len(users))
	for _, u := range users {
		out = append(out, &models.User{GID: u.GID, Name: u.Name, Email: u.Email})
	}
	return out, nil
}

// ProjectGID resolves a project of the workspace by name
func (c *AsanaClient) ProjectGID(ctx context.Context, workspaceGID, name string) (string, error) {
	query := url.Values{"workspace": {workspaceGID}, "archived": {"false"}, "opt_fields": {"name"}}
	refs, err := listAll[asanaRef](ctx, c.rest, "/projects", query)
	if err != nil {
		return "", fmt.Errorf("failed to list projects: %w", err)
	}
	for _, ref := range refs {
		if ref.Name == name {
			return ref.GID, nil
		}
	}
	return "", fmt.Errorf("asana project %q not found", name)
}

// EnsureTag returns the gid of the named tag, creating it when missing
func (c *AsanaClient) EnsureTag(ctx context.Context, workspaceGID, name string) (string, error) {
	query := url.Values{"opt_fields": {"name"}}
	refs, err := listAll[asanaRef](ctx, c.rest, "/workspaces/"+url.PathEscape(workspaceGID)+"/tags", query)
	if err != nil {
		return "", fmt.Errorf("failed to list tags: %w", err)
	}
	for _, ref := range refs {
		if strings.EqualFold(ref.Name, name) {
			return ref.GID, nil
		}
	}

	body := asanaEnvelope[map[string]string]{Data: map[string]string{"name": name, "workspace": workspaceGID}}
	var created asanaEnvelope[asanaRef]
	if err := c.rest.do(ctx, http.MethodPost, "/tags", nil, body, &created); err != nil {
		return "", fmt.Errorf("failed to create tag %q: %w", name, err)
	}
	return created.Data.GID, nil
}

// ListProjectTasks lists every task of a project
func (c *AsanaClient) ListProjectTasks(ctx context.Context, projectGID string) ([]*models.Task, error) {
	query := url.Values{"opt_fields": {asanaTaskFields}}
	tasks, err := listAll[asanaTask](ctx, c.rest, "/projects/"+url.PathEscape(projectGID)+"/tasks", query)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks of project %s: %w", projectGID, err)
	}

	out := make([]*models.Task, 0, len(tasks))
	for i := range tasks {
		out = append(out, convertTask(&tasks[i]))
	}
	return out, nil
}

// GetTask fetches one task
func (c *AsanaClient) GetTask(ctx context.Context, gid string) (*models.Task, error) {
	var resp asanaEnvelope[asanaTask]
	query := url.Values{"opt_fields": {asanaTaskFields}}
	if err := c.rest.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(gid), query, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", gid, err)
	}
	return convertTask(&resp.Data), nil
}

// CreateTask creates a task and returns it as stored by Asana
func (c *AsanaClient) CreateTask(ctx context.Context, payload *models.TaskCreate) (*models.Task, error) {
	var resp asanaEnvelope[asanaTask]
	query := url.Values{"opt_fields": {asanaTaskFields}}
	body := asanaEnvelope[*models.TaskCreate]{Data: payload}
	if err := c.rest.do(ctx, http.MethodPost, "/tasks", query, body, &resp); err != nil {
		return nil, fmt.Errorf("failed to create task %q: %w", payload.Name, err)
	}
	return convertTask(&resp.Data), nil
}

// UpdateTask applies a partial update and returns the task as stored by Asana
func (c *AsanaClient) UpdateTask(ctx context.Context, gid string, payload *models.TaskUpdate) (*models.Task, error) {
	var resp asanaEnvelope[asanaTask]
	query := url.Values{"opt_fields": {asanaTaskFields}}
	body := asanaEnvelope[*models.TaskUpdate]{Data: payload}
	if err := c.rest.do(ctx, http.MethodPut, "/tasks/"+url.PathEscape(gid), query, body, &resp); err != nil {
		return nil, fmt.Errorf("failed to update task %s: %w", gid, err)
	}
	return convertTask(&resp.Data), nil
}

// AddTag attaches a tag to a task
func (c *AsanaClient) AddTag(ctx context.Context, taskGID, tagGID string) error {
	body := asanaEnvelope[map[string]string]{Data: map[string]string{"tag": tagGID}}
	if err := c.rest.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskGID)+"/addTag", nil, body, nil); err != nil {
		return fmt.Errorf("failed to tag task %s: %w", taskGID, err)
	}
	return nil
}

func convertTask(t *asanaTask) *models.Task {
	task := &models.Task{
		GID:        t.GID,
		Name:       t.Name,
		Completed:  t.Completed,
		DueOn:      t.DueOn,
		ModifiedAt: t.ModifiedAt.UTC(),
	}
	if t.Assignee != nil {
		task.AssigneeID = t.Assignee.GID
	}
	for _, tag := range t.Tags {
		task.TagIDs = append(task.TagIDs, tag.GID)
	}
	return task
}
