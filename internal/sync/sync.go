package sync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wesm/ado-asana-sync/internal/models"
	"github.com/wesm/ado-asana-sync/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Options configures a Syncer
type Options struct {
	WorkspaceGID  string
	TagName       string
	ClosedStates  []string
	RetentionDays int
	Workers       int
}

// Syncer runs the ADO to Asana reconciliation for all configured projects
type Syncer struct {
	source    Source
	tasks     Tasks
	store     Store
	items     *ItemSyncer
	reviewers *ReviewerSyncer
	projects  []models.Project
	opts      Options
	// Number of projects processed in parallel
	workers int
	now     func() time.Time
}

// New creates a new syncer
func New(source Source, tasks Tasks, store Store, users Resolver, projects []models.Project, opts Options) *Syncer {
	s := &Syncer{
		source:    source,
		tasks:     tasks,
		store:     store,
		items:     NewItemSyncer(tasks, store, users, opts.ClosedStates, opts.RetentionDays),
		reviewers: NewReviewerSyncer(source, tasks, store, users),
		projects:  projects,
		opts:      opts,
		now:       time.Now,
	}
	s.SetWorkers(opts.Workers)
	return s
}

// SetWorkers sets the number of parallel project workers
func (s *Syncer) SetWorkers(workers int) {
	if workers < 1 {
		workers = 1
	}
	s.workers = workers
}

// ProjectStats is the outcome of one project pass
type ProjectStats struct {
	Project string
	Stats
	Err      error
	Duration time.Duration
}

// Summary is the outcome of one run
type Summary struct {
	Started  time.Time
	Finished time.Time
	Projects []ProjectStats
}

// Totals adds up the counters of every project
func (s Summary) Totals() Stats {
	var total Stats
	for _, p := range s.Projects {
		total.add(p.Stats)
	}
	return total
}

// Failed lists the projects whose pass aborted
func (s Summary) Failed() []ProjectStats {
	var failed []ProjectStats
	for _, p := range s.Projects {
		if p.Err != nil {
			failed = append(failed, p)
		}
	}
	return failed
}

// RunOnce attempts every configured project once. Project failures are
// logged and reported in the summary, never returned.
func (s *Syncer) RunOnce(ctx context.Context) Summary {
	summary := Summary{Started: s.now()}

	ctx, span := telemetry.StartSpan(ctx, "sync.run", trace.WithAttributes(
		attribute.Int("projects", len(s.projects)),
	))
	defer span.End()

	total := len(s.projects)
	results := make([]ProjectStats, total)

	tagGID, err := s.tasks.EnsureTag(ctx, s.opts.WorkspaceGID, s.opts.TagName)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to resolve marker tag, skipping run", "tag", s.opts.TagName, "error", err)
		span.RecordError(err)
		for i, p := range s.projects {
			results[i] = ProjectStats{Project: p.ADOProjectName, Err: err}
		}
		summary.Projects = results
		summary.Finished = s.now()
		return summary
	}

	slog.InfoContext(ctx, "Starting sync run", "projects", total, "workers", s.workers)

	// Indexes of projects to process
	jobs := make(chan int, total)

	var wg sync.WaitGroup

	var progressMutex sync.Mutex
	processed := 0

	for i := 0; i < min(s.workers, max(total, 1)); i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			for idx := range jobs {
				project := s.projects[idx]
				if ctx.Err() != nil {
					results[idx] = ProjectStats{Project: project.ADOProjectName, Err: ctx.Err()}
					continue
				}

				results[idx] = s.syncProject(ctx, project, tagGID)

				progressMutex.Lock()
				processed++
				slog.DebugContext(ctx, "Project finished", "worker", workerID, "progress", fmt.Sprintf("%d/%d", processed, total))
				progressMutex.Unlock()
			}
		}(i)
	}

	for i := range s.projects {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	summary.Projects = results
	summary.Finished = s.now()

	totals := summary.Totals()
	failed := summary.Failed()
	slog.InfoContext(ctx, "Sync run complete",
		"created", totals.Created,
		"updated", totals.Updated,
		"skipped", totals.Skipped,
		"errored", totals.Errored,
		"removed", totals.Removed,
		"failed_projects", len(failed),
		"duration", summary.Finished.Sub(summary.Started).Round(time.Millisecond),
	)
	return summary
}

// syncProject processes one project sequentially: backlog items, mapped
// items that left the backlog, retention, then pull request reviewers
func (s *Syncer) syncProject(ctx context.Context, project models.Project, tagGID string) ProjectStats {
	started := s.now()
	result := ProjectStats{Project: project.ADOProjectName}

	ctx = telemetry.WithLogFields(ctx, telemetry.LogFields{Project: project.ADOProjectName, Component: "sync.project"})
	ctx, span := telemetry.StartSpan(ctx, "sync.project", trace.WithAttributes(
		attribute.String("project", project.ADOProjectName),
		attribute.String("team", project.ADOTeamName),
		attribute.String("asana_project", project.AsanaProjectName),
	))
	defer span.End()

	fail := func(err error) ProjectStats {
		span.RecordError(err)
		slog.ErrorContext(ctx, "Project sync failed", "error", err)
		result.Err = err
		result.Duration = s.now().Sub(started)
		return result
	}

	lastSync, err := s.store.GetLastSyncTime(project.ADOProjectName)
	if err != nil {
		return fail(fmt.Errorf("failed to get last sync time: %w", err))
	}
	slog.InfoContext(ctx, "Syncing project", "team", project.ADOTeamName, "asana_project", project.AsanaProjectName, "last_sync", lastSync)

	projectGID, err := s.tasks.ProjectGID(ctx, s.opts.WorkspaceGID, project.AsanaProjectName)
	if err != nil {
		return fail(err)
	}
	target := &Target{
		Project:    project,
		ProjectGID: projectGID,
		TagGID:     tagGID,
		Workspace:  s.opts.WorkspaceGID,
	}

	items, err := s.source.ListBacklogItems(ctx, project.ADOProjectName, project.ADOTeamName)
	if err != nil {
		return fail(err)
	}
	slog.InfoContext(ctx, "Fetched backlog", "items", len(items))

	candidates := ProjectCandidates(s.tasks, target)

	inBacklog := make(map[int]bool, len(items))
	for _, item := range items {
		if ctx.Err() != nil {
			return fail(ctx.Err())
		}
		inBacklog[item.ID] = true
		s.syncItem(ctx, target, item, candidates, &result.Stats)
	}

	s.syncDetached(ctx, target, inBacklog, candidates, &result.Stats)

	removed, err := s.items.Sweep(ctx, target, s.now())
	if err != nil {
		slog.ErrorContext(ctx, "Retention sweep failed", "error", err)
		result.Errored++
	}
	result.Removed += removed

	seen := make(map[int]bool)
	repos, err := s.source.ListRepositories(ctx, project.ADOProjectName)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to list repositories", "error", err)
		result.Errored++
	}
	for _, repo := range repos {
		if ctx.Err() != nil {
			return fail(ctx.Err())
		}
		stats, err := s.reviewers.SyncRepository(ctx, target, repo, candidates, seen)
		result.add(stats)
		if err != nil {
			slog.ErrorContext(ctx, "Pull request sync failed", "repository", repo.Name, "error", err)
			result.Errored++
		}
	}
	result.add(s.reviewers.SweepClosed(ctx, target, seen))

	if err := s.store.UpdateLastSyncTime(project.ADOProjectName, started); err != nil {
		slog.ErrorContext(ctx, "Failed to update last sync time", "error", err)
	}

	result.Duration = s.now().Sub(started)
	slog.InfoContext(ctx, "Project synced",
		"created", result.Created,
		"updated", result.Updated,
		"skipped", result.Skipped,
		"errored", result.Errored,
		"removed", result.Removed,
	)
	return result
}

func (s *Syncer) syncItem(ctx context.Context, target *Target, item *models.WorkItem, candidates *Candidates, stats *Stats) {
	outcome, err := s.items.Sync(ctx, target, item, candidates)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to sync work item", "work_item_id", item.ID, "error", err)
	}
	stats.record(outcome, err)
}

// syncDetached reconciles mapped items of the project that the backlog no
// longer lists, which is how their move into a closed state is observed.
// Items deleted in ADO are forgotten.
func (s *Syncer) syncDetached(ctx context.Context, target *Target, inBacklog map[int]bool, candidates *Candidates, stats *Stats) {
	mappings, err := s.store.TaskMappingsForProject(target.Name())
	if err != nil {
		slog.ErrorContext(ctx, "Failed to load project mappings", "error", err)
		stats.Errored++
		return
	}

	var ids []int
	for _, m := range mappings {
		if !inBacklog[m.SourceID] {
			ids = append(ids, m.SourceID)
		}
	}
	if len(ids) == 0 {
		return
	}

	items, err := s.source.GetWorkItems(ctx, target.Name(), ids)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to fetch work items outside the backlog", "items", len(ids), "error", err)
		stats.Errored++
		return
	}

	found := make(map[int]bool, len(items))
	for _, item := range items {
		found[item.ID] = true
		s.syncItem(ctx, target, item, candidates, stats)
	}

	for _, id := range ids {
		if found[id] {
			continue
		}
		if err := s.store.RemoveTaskMapping(id); err != nil {
			slog.ErrorContext(ctx, "Failed to forget deleted work item", "work_item_id", id, "error", err)
			stats.Errored++
			continue
		}
		slog.WarnContext(ctx, "Work item no longer exists in ADO, mapping forgotten", "work_item_id", id)
		stats.Removed++
	}
}
