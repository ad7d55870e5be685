package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wesm/ado-asana-sync/internal/api"
	"github.com/wesm/ado-asana-sync/internal/identity"
	"github.com/wesm/ado-asana-sync/internal/models"
	"github.com/wesm/ado-asana-sync/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ReviewerSyncer keeps one Asana task per (pull request, reviewer) whose
// completion mirrors the reviewer's vote
type ReviewerSyncer struct {
	source Source
	tasks  Tasks
	store  Store
	users  Resolver
}

// NewReviewerSyncer creates a reviewer synchronizer
func NewReviewerSyncer(source Source, tasks Tasks, store Store, users Resolver) *ReviewerSyncer {
	return &ReviewerSyncer{source: source, tasks: tasks, store: store, users: users}
}

// Stats counts reviewer task outcomes
type Stats struct {
	Created int
	Updated int
	Skipped int
	Errored int
	Removed int
}

func (s *Stats) add(o Stats) {
	s.Created += o.Created
	s.Updated += o.Updated
	s.Skipped += o.Skipped
	s.Errored += o.Errored
	s.Removed += o.Removed
}

func (s *Stats) record(o Outcome, err error) {
	if err != nil {
		s.Errored++
		return
	}
	switch o {
	case OutcomeCreated:
		s.Created++
	case OutcomeUpdated:
		s.Updated++
	case OutcomeRemoved:
		s.Removed++
	default:
		s.Skipped++
	}
}

// SyncRepository reconciles every active pull request of a repository and
// records the ids it saw in seen
func (s *ReviewerSyncer) SyncRepository(ctx context.Context, target *Target, repo *models.Repository, candidates *Candidates, seen map[int]bool) (Stats, error) {
	var stats Stats

	ctx, span := telemetry.StartSpan(ctx, "sync.pull_requests", trace.WithAttributes(
		attribute.String("project", target.Name()),
		attribute.String("repository", repo.Name),
	))
	defer span.End()

	prs, err := s.source.ListActivePullRequests(ctx, target.Name(), repo.ID)
	if err != nil {
		span.RecordError(err)
		return stats, fmt.Errorf("failed to list pull requests of %s: %w", repo.Name, err)
	}

	for _, pr := range prs {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		seen[pr.ID] = true
		stats.add(s.syncPullRequest(ctx, target, pr, candidates))
	}
	return stats, nil
}

func (s *ReviewerSyncer) syncPullRequest(ctx context.Context, target *Target, pr *models.PullRequest, candidates *Candidates) Stats {
	ctx = telemetry.WithLogFields(ctx, telemetry.LogFields{Component: "sync.reviewers", PullRequestID: telemetry.Ptr(pr.ID)})
	ctx, span := telemetry.StartSpan(ctx, "sync.pull_request", trace.WithAttributes(
		attribute.Int("pull_request.id", pr.ID),
		attribute.String("pull_request.status", pr.Status),
	))
	defer span.End()

	if models.IsTerminalPRStatus(pr.Status) {
		return s.cleanupRequest(ctx, pr.ID, pr.Status)
	}

	var stats Stats
	if len(pr.Reviewers) == 0 {
		slog.InfoContext(ctx, "Pull request has no reviewers", "title", pr.Title)
	}

	current := make(map[string]bool, len(pr.Reviewers))
	for _, reviewer := range pr.Reviewers {
		email := identity.Normalize(reviewer.Email)
		if email == "" {
			slog.InfoContext(ctx, "Reviewer has no email, skipping", "reviewer", reviewer.DisplayName)
			stats.Skipped++
			continue
		}
		if current[email] {
			continue
		}
		current[email] = true

		rctx := telemetry.WithLogFields(ctx, telemetry.LogFields{Reviewer: email})
		outcome, err := s.syncReviewer(rctx, target, pr, reviewer, email, candidates)
		if err != nil {
			slog.ErrorContext(rctx, "Failed to sync reviewer task", "error", err)
		}
		stats.record(outcome, err)
	}

	stats.add(s.removeDeparted(ctx, pr.ID, current))
	return stats
}

func (s *ReviewerSyncer) syncReviewer(ctx context.Context, target *Target, pr *models.PullRequest, reviewer models.Reviewer, email string, candidates *Candidates) (Outcome, error) {
	vote, known := models.VoteFromCode(reviewer.VoteCode)
	if !known {
		slog.WarnContext(ctx, "Unknown vote code, treating as no vote", "vote", reviewer.VoteCode)
	}

	mapping, err := s.store.FindReviewerMapping(pr.ID, email)
	if err != nil {
		return OutcomeSkipped, err
	}
	if mapping == nil {
		return s.createReviewerTask(ctx, target, pr, reviewer, email, vote, candidates)
	}

	update := &models.TaskUpdate{}
	if pr.Title != mapping.RequestTitle || reviewer.DisplayName != mapping.ReviewerName {
		name := models.ReviewerTaskTitle(pr.ID, pr.Title, reviewer.DisplayName)
		notes := models.ReviewerTaskNotes(pr.ID, pr.Title, mapping.URL)
		update.Name = &name
		update.HTMLNotes = &notes
	}
	if vote.Approved() != mapping.VoteState.Approved() {
		done := vote.Approved()
		update.Completed = &done
	}

	if update.Empty() && vote == mapping.VoteState && pr.Status == mapping.RequestStatus {
		return OutcomeSkipped, nil
	}

	if !update.Empty() {
		task, err := s.tasks.UpdateTask(ctx, mapping.CounterpartID, update)
		if api.IsNotFound(err) {
			slog.WarnContext(ctx, "Reviewer task was deleted, recreating", "task", mapping.CounterpartID)
			if err := s.store.RemoveReviewerMapping(mapping.RequestID, mapping.ReviewerEmail); err != nil {
				return OutcomeSkipped, err
			}
			return s.createReviewerTask(ctx, target, pr, reviewer, email, vote, candidates)
		}
		if err != nil {
			return OutcomeSkipped, err
		}
		mapping.CounterpartUpdatedAt = task.ModifiedAt
		if update.Completed != nil {
			if *update.Completed {
				slog.InfoContext(ctx, "Reviewer approved, closing task", "task", task.GID, "vote", vote)
			} else {
				slog.InfoContext(ctx, "Reviewer vote reset, reopening task", "task", task.GID, "vote", vote)
			}
		}
	}

	mapping.VoteState = vote
	mapping.RequestTitle = pr.Title
	mapping.RequestStatus = pr.Status
	mapping.ReviewerName = reviewer.DisplayName
	if err := s.store.UpdateReviewerMapping(mapping); err != nil {
		return OutcomeSkipped, err
	}
	return OutcomeUpdated, nil
}

func (s *ReviewerSyncer) createReviewerTask(ctx context.Context, target *Target, pr *models.PullRequest, reviewer models.Reviewer, email string, vote models.Vote, candidates *Candidates) (Outcome, error) {
	user, err := s.users.Resolve(ctx, email)
	if err != nil {
		return OutcomeSkipped, err
	}
	if user == nil {
		slog.InfoContext(ctx, "No Asana user matches reviewer, skipping")
		return OutcomeSkipped, nil
	}

	title := models.ReviewerTaskTitle(pr.ID, pr.Title, reviewer.DisplayName)
	notes := models.ReviewerTaskNotes(pr.ID, pr.Title, pr.URL)
	done := vote.Approved()

	task, err := s.adopt(ctx, title, candidates)
	if err != nil {
		return OutcomeSkipped, err
	}

	if task != nil {
		if target.TagGID != "" && !task.HasTag(target.TagGID) {
			if err := s.tasks.AddTag(ctx, task.GID, target.TagGID); err != nil {
				slog.WarnContext(ctx, "Failed to tag adopted reviewer task", "task", task.GID, "error", err)
			}
		}
		task, err = s.tasks.UpdateTask(ctx, task.GID, &models.TaskUpdate{
			HTMLNotes: &notes,
			Assignee:  &user.GID,
			Completed: &done,
		})
		if err != nil {
			return OutcomeSkipped, err
		}
		slog.InfoContext(ctx, "Linked existing reviewer task", "task", task.GID)
	} else {
		task, err = s.tasks.CreateTask(ctx, &models.TaskCreate{
			Name:      title,
			HTMLNotes: notes,
			Assignee:  user.GID,
			Completed: done,
			Workspace: target.Workspace,
			Projects:  []string{target.ProjectGID},
			Tags:      target.tags(),
		})
		if err != nil {
			return OutcomeSkipped, err
		}
		slog.InfoContext(ctx, "Created reviewer task", "task", task.GID, "vote", vote)
	}
	candidates.Claim(task)

	mapping := &models.ReviewerMapping{
		RequestID:            pr.ID,
		RepositoryID:         pr.RepositoryID,
		Project:              target.Name(),
		ReviewerEmail:        email,
		ReviewerName:         reviewer.DisplayName,
		CounterpartID:        task.GID,
		CounterpartUpdatedAt: task.ModifiedAt,
		VoteState:            vote,
		RequestTitle:         pr.Title,
		RequestStatus:        pr.Status,
		URL:                  pr.URL,
	}
	if err := s.store.InsertReviewerMapping(mapping); err != nil {
		return OutcomeSkipped, err
	}
	return OutcomeCreated, nil
}

// adopt finds a task in the Asana project with the reviewer title that no
// mapping owns yet
func (s *ReviewerSyncer) adopt(ctx context.Context, title string, candidates *Candidates) (*models.Task, error) {
	if candidates == nil {
		return nil, nil
	}
	task, err := candidates.Find(ctx, title)
	if err != nil || task == nil {
		return nil, err
	}
	owner, err := s.store.FindReviewerMappingByCounterpart(task.GID)
	if err != nil {
		return nil, err
	}
	if owner != nil {
		candidates.Claim(task)
		return nil, nil
	}
	return task, nil
}

// removeDeparted closes and forgets tasks of reviewers no longer on the request
func (s *ReviewerSyncer) removeDeparted(ctx context.Context, requestID int, current map[string]bool) Stats {
	var stats Stats

	mappings, err := s.store.ReviewerMappingsForRequest(requestID)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to load reviewer mappings", "error", err)
		stats.Errored++
		return stats
	}

	for _, m := range mappings {
		if current[m.ReviewerEmail] {
			continue
		}
		rctx := telemetry.WithLogFields(ctx, telemetry.LogFields{Reviewer: m.ReviewerEmail})
		if err := s.retire(rctx, m); err != nil {
			slog.ErrorContext(rctx, "Failed to retire removed reviewer", "error", err)
			stats.Errored++
			continue
		}
		slog.InfoContext(rctx, "Reviewer removed from pull request, task closed", "task", m.CounterpartID)
		stats.Removed++
	}
	return stats
}

// cleanupRequest closes every reviewer task of a finished request and
// forgets its mappings, whatever the individual votes were
func (s *ReviewerSyncer) cleanupRequest(ctx context.Context, requestID int, status string) Stats {
	var stats Stats

	mappings, err := s.store.ReviewerMappingsForRequest(requestID)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to load reviewer mappings", "error", err)
		stats.Errored++
		return stats
	}

	for _, m := range mappings {
		rctx := telemetry.WithLogFields(ctx, telemetry.LogFields{Reviewer: m.ReviewerEmail})
		if err := s.retire(rctx, m); err != nil {
			slog.ErrorContext(rctx, "Failed to clean up reviewer task", "error", err)
			stats.Errored++
			continue
		}
		stats.Removed++
	}
	if len(mappings) > 0 {
		slog.InfoContext(ctx, "Pull request finished, reviewer tasks closed", "status", status, "tasks", stats.Removed)
	}
	return stats
}

// retire completes the task and drops the mapping. A task already deleted
// in Asana only needs its mapping dropped.
func (s *ReviewerSyncer) retire(ctx context.Context, m *models.ReviewerMapping) error {
	done := true
	if _, err := s.tasks.UpdateTask(ctx, m.CounterpartID, &models.TaskUpdate{Completed: &done}); err != nil && !api.IsNotFound(err) {
		return err
	}
	return s.store.RemoveReviewerMapping(m.RequestID, m.ReviewerEmail)
}

// SweepClosed re-checks requests that still have active mappings but were
// not returned by this run's listings, cleaning up the ones that finished
// in between
func (s *ReviewerSyncer) SweepClosed(ctx context.Context, target *Target, seen map[int]bool) Stats {
	var stats Stats
	ctx = telemetry.WithLogFields(ctx, telemetry.LogFields{Component: "sync.reviewers"})

	mappings, err := s.store.ActiveReviewerMappingsForProject(target.Name())
	if err != nil {
		slog.ErrorContext(ctx, "Failed to load active reviewer mappings", "error", err)
		stats.Errored++
		return stats
	}

	checked := make(map[int]bool)
	for _, m := range mappings {
		if seen[m.RequestID] || checked[m.RequestID] {
			continue
		}
		checked[m.RequestID] = true

		pctx := telemetry.WithLogFields(ctx, telemetry.LogFields{PullRequestID: telemetry.Ptr(m.RequestID)})
		pr, err := s.source.GetPullRequest(pctx, target.Name(), m.RepositoryID, m.RequestID)
		switch {
		case api.IsNotFound(err):
			slog.InfoContext(pctx, "Pull request no longer exists, cleaning up")
			stats.add(s.cleanupRequest(pctx, m.RequestID, "deleted"))
		case err != nil:
			slog.ErrorContext(pctx, "Failed to check pull request status", "error", err)
			stats.Errored++
		case models.IsTerminalPRStatus(pr.Status):
			stats.add(s.cleanupRequest(pctx, m.RequestID, pr.Status))
		}
	}
	return stats
}
