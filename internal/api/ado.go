package api

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/wesm/ado-asana-sync/internal/models"
)

const (
	adoAPIVersion = "7.0"
	// the work items endpoint accepts at most 200 ids per call
	adoBatchSize = 200
	adoPageSize  = 100
)

// ADOClient represents a client for the Azure DevOps REST API
type ADOClient struct {
	rest *restClient
}

// NewADOClient creates a client for an organisation URL such as
// https://dev.azure.com/myorg, authenticated with a personal access token
func NewADOClient(orgURL, pat string) *ADOClient {
	rest := newRESTClient("ado", orgURL, nil)
	if pat != "" {
		token := base64.StdEncoding.EncodeToString([]byte(":" + pat))
		rest.authorize = func(req *http.Request) {
			req.Header.Set("Authorization", "Basic "+token)
		}
	}
	return &ADOClient{rest: rest}
}

type adoIdentityRef struct {
	DisplayName string `json:"displayName"`
	UniqueName  string `json:"uniqueName"`
	IsContainer bool   `json:"isContainer"`
	Vote        int    `json:"vote"`
}

type adoWorkItem struct {
	ID     int            `json:"id"`
	Rev    int            `json:"rev"`
	Fields map[string]any `json:"fields"`
	Links  struct {
		HTML struct {
			Href string `json:"href"`
		} `json:"html"`
	} `json:"_links"`
}

type adoPullRequest struct {
	PullRequestID int    `json:"pullRequestId"`
	Title         string `json:"title"`
	Status        string `json:"status"`
	Repository    struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		WebURL  string `json:"webUrl"`
		Project struct {
			Name string `json:"name"`
		} `json:"project"`
	} `json:"repository"`
	Reviewers []adoIdentityRef `json:"reviewers"`
}

type adoRepository struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Project struct {
		Name string `json:"name"`
	} `json:"project"`
}

func adoPath(segments ...string) string {
	var b strings.Builder
	for _, s := range segments {
		b.WriteString("/")
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

func adoQuery(kv ...string) url.Values {
	q := url.Values{"api-version": []string{adoAPIVersion}}
	for i := 0; i+1 < len(kv); i += 2 {
		q.Set(kv[i], kv[i+1])
	}
	return q
}

// ListBacklogItems lists the requirement-level backlog of a team, in backlog order
func (c *ADOClient) ListBacklogItems(ctx context.Context, project, team string) ([]*models.WorkItem, error) {
	var backlog struct {
		WorkItems []struct {
			Target struct {
				ID int `json:"id"`
			} `json:"target"`
		} `json:"workItems"`
	}

	path := adoPath(project, team) + "/_apis/work/backlogs/Microsoft.RequirementCategory/workItems"
	if err := c.rest.do(ctx, http.MethodGet, path, adoQuery(), nil, &backlog); err != nil {
		return nil, fmt.Errorf("failed to list backlog of %s/%s: %w", project, team, err)
	}

	ids := make([]int, 0, len(backlog.WorkItems))
	for _, wi := range backlog.WorkItems {
		ids = append(ids, wi.Target.ID)
	}
	return c.GetWorkItems(ctx, project, ids)
}

// GetWorkItems fetches work items by id, preserving the order of ids.
// Ids that no longer exist are omitted from the result.
func (c *ADOClient) GetWorkItems(ctx context.Context, project string, ids []int) ([]*models.WorkItem, error) {
	items := make([]*models.WorkItem, 0, len(ids))

	for start := 0; start < len(ids); start += adoBatchSize {
		end := min(start+adoBatchSize, len(ids))

		parts := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			parts = append(parts, strconv.Itoa(id))
		}

		var resp struct {
			Value []*adoWorkItem `json:"value"`
		}
		query := adoQuery("ids", strings.Join(parts, ","), "$expand", "links", "errorPolicy", "omit")
		if err := c.rest.do(ctx, http.MethodGet, adoPath(project)+"/_apis/wit/workitems", query, nil, &resp); err != nil {
			return nil, fmt.Errorf("failed to get work items: %w", err)
		}

		for _, wi := range resp.Value {
			if wi == nil {
				continue
			}
			items = append(items, convertWorkItem(wi))
		}
	}

	return items, nil
}

// ListRepositories lists the Git repositories of a project
func (c *ADOClient) ListRepositories(ctx context.Context, project string) ([]*models.Repository, error) {
	var resp struct {
		Value []adoRepository `json:"value"`
	}
	if err := c.rest.do(ctx, http.MethodGet, adoPath(project)+"/_apis/git/repositories", adoQuery(), nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list repositories of %s: %w", project, err)
	}

	repos := make([]*models.Repository, 0, len(resp.Value))
	for _, r := range resp.Value {
		repos = append(repos, &models.Repository{ID: r.ID, Name: r.Name, Project: r.Project.Name})
	}
	return repos, nil
}

// ListActivePullRequests lists the active pull requests of a repository,
// following $top/$skip paging until a short page comes back
func (c *ADOClient) ListActivePullRequests(ctx context.Context, project, repoID string) ([]*models.PullRequest, error) {
	path := adoPath(project) + "/_apis/git/repositories" + adoPath(repoID) + "/pullrequests"

	var prs []*models.PullRequest
	for skip := 0; ; skip += adoPageSize {
		var resp struct {
			Value []*adoPullRequest `json:"value"`
		}
		query := adoQuery(
			"searchCriteria.status", models.PRStatusActive,
			"$top", strconv.Itoa(adoPageSize),
			"$skip", strconv.Itoa(skip),
		)
		if err := c.rest.do(ctx, http.MethodGet, path, query, nil, &resp); err != nil {
			return nil, fmt.Errorf("failed to list pull requests of %s: %w", repoID, err)
		}

		for _, pr := range resp.Value {
			prs = append(prs, convertPullRequest(pr))
		}
		if len(resp.Value) < adoPageSize {
			break
		}
	}
	return prs, nil
}

// GetPullRequest fetches one pull request with its current status
func (c *ADOClient) GetPullRequest(ctx context.Context, project, repoID string, id int) (*models.PullRequest, error) {
	var pr adoPullRequest
	path := adoPath(project) + "/_apis/git/repositories" + adoPath(repoID) + "/pullrequests/" + strconv.Itoa(id)
	if err := c.rest.do(ctx, http.MethodGet, path, adoQuery(), nil, &pr); err != nil {
		return nil, fmt.Errorf("failed to get pull request %d: %w", id, err)
	}
	return convertPullRequest(&pr), nil
}

// convertWorkItem converts an ADO work item to our model
func convertWorkItem(wi *adoWorkItem) *models.WorkItem {
	item := &models.WorkItem{
		ID:         wi.ID,
		Rev:        wi.Rev,
		Title:      stringField(wi.Fields, "System.Title"),
		Type:       stringField(wi.Fields, "System.WorkItemType"),
		State:      stringField(wi.Fields, "System.State"),
		URL:        wi.Links.HTML.Href,
		DueDateRaw: stringField(wi.Fields, "Microsoft.VSTS.Scheduling.DueDate"),
	}

	if assigned, ok := wi.Fields["System.AssignedTo"].(map[string]any); ok {
		email, _ := assigned["uniqueName"].(string)
		name, _ := assigned["displayName"].(string)
		if email != "" || name != "" {
			item.Assignee = &models.Identity{DisplayName: name, Email: email}
		}
	}

	return item
}

// convertPullRequest converts an ADO pull request to our model.
// Group reviewers are dropped since they have no mailbox to match.
func convertPullRequest(pr *adoPullRequest) *models.PullRequest {
	out := &models.PullRequest{
		ID:           pr.PullRequestID,
		RepositoryID: pr.Repository.ID,
		Project:      pr.Repository.Project.Name,
		Title:        pr.Title,
		Status:       pr.Status,
	}
	if pr.Repository.WebURL != "" {
		out.URL = fmt.Sprintf("%s/pullrequest/%d", pr.Repository.WebURL, pr.PullRequestID)
	}

	for _, r := range pr.Reviewers {
		if r.IsContainer {
			continue
		}
		out.Reviewers = append(out.Reviewers, models.Reviewer{
			DisplayName: r.DisplayName,
			Email:       r.UniqueName,
			VoteCode:    r.Vote,
		})
	}
	return out
}

func stringField(fields map[string]any, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}
