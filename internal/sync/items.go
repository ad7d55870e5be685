package sync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wesm/ado-asana-sync/internal/api"
	"github.com/wesm/ado-asana-sync/internal/identity"
	"github.com/wesm/ado-asana-sync/internal/models"
	"github.com/wesm/ado-asana-sync/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Outcome is what one reconciliation did
type Outcome int

const (
	OutcomeSkipped Outcome = iota // nothing to do, or not eligible
	OutcomeCreated                // counterpart created or adopted
	OutcomeUpdated                // drift pushed or snapshot refreshed
	OutcomeRemoved                // mapping forgotten
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeUpdated:
		return "updated"
	case OutcomeRemoved:
		return "removed"
	default:
		return "skipped"
	}
}

// ItemSyncer reconciles ADO work items with Asana tasks
type ItemSyncer struct {
	tasks     Tasks
	store     Store
	users     Resolver
	closed    map[string]bool
	retention time.Duration
	now       func() time.Time
}

// NewItemSyncer creates an item synchronizer. closedStates are compared
// case-insensitively; retentionDays below zero are treated as zero.
func NewItemSyncer(tasks Tasks, store Store, users Resolver, closedStates []string, retentionDays int) *ItemSyncer {
	closed := make(map[string]bool, len(closedStates))
	for _, s := range closedStates {
		closed[strings.ToLower(strings.TrimSpace(s))] = true
	}
	if retentionDays < 0 {
		retentionDays = 0
	}
	return &ItemSyncer{
		tasks:     tasks,
		store:     store,
		users:     users,
		closed:    closed,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		now:       time.Now,
	}
}

// IsClosed reports whether a source state is in the closed set
func (s *ItemSyncer) IsClosed(state string) bool {
	return s.closed[strings.ToLower(strings.TrimSpace(state))]
}

// Sync reconciles one work item. The absence of a mapping row means the
// item has never been synced.
func (s *ItemSyncer) Sync(ctx context.Context, target *Target, item *models.WorkItem, candidates *Candidates) (Outcome, error) {
	ctx = telemetry.WithLogFields(ctx, telemetry.LogFields{Component: "sync.items", WorkItemID: telemetry.Ptr(item.ID)})
	ctx, span := telemetry.StartSpan(ctx, "sync.item", trace.WithAttributes(
		attribute.String("project", target.Name()),
		attribute.Int("work_item.id", item.ID),
		attribute.Int("work_item.rev", item.Rev),
	))
	defer span.End()

	mapping, err := s.store.FindTaskMapping(item.ID)
	if err != nil {
		span.RecordError(err)
		return OutcomeSkipped, err
	}

	var outcome Outcome
	if mapping == nil {
		outcome, err = s.initialSync(ctx, target, item, candidates)
	} else {
		outcome, err = s.reconcile(ctx, target, item, mapping, candidates)
	}
	if err != nil {
		span.RecordError(err)
	}
	span.SetAttributes(attribute.String("outcome", outcome.String()))
	return outcome, err
}

func (s *ItemSyncer) initialSync(ctx context.Context, target *Target, item *models.WorkItem, candidates *Candidates) (Outcome, error) {
	if item.Assignee == nil || identity.Normalize(item.Assignee.Email) == "" {
		slog.InfoContext(ctx, "Work item has no assignee, not syncing", "title", item.Title)
		return OutcomeSkipped, nil
	}

	email := identity.Normalize(item.Assignee.Email)
	user, err := s.users.Resolve(ctx, email)
	if err != nil {
		return OutcomeSkipped, err
	}
	if user == nil {
		slog.InfoContext(ctx, "No Asana user matches assignee, not syncing", "email", email)
		return OutcomeSkipped, nil
	}

	title := models.ItemTaskTitle(item.Type, item.ID, item.Title)
	notes := models.ItemTaskNotes(item.Type, item.ID, item.Title, item.URL)
	completed := s.IsClosed(item.State)
	dueDate := ParseDueDate(ctx, item.DueDateRaw)

	task, err := s.adopt(ctx, target, title, candidates)
	if err != nil {
		return OutcomeSkipped, err
	}

	if task != nil {
		// adopted tasks keep whatever due date they already carry
		dueDate = ""
		if target.TagGID != "" && !task.HasTag(target.TagGID) {
			if err := s.tasks.AddTag(ctx, task.GID, target.TagGID); err != nil {
				slog.WarnContext(ctx, "Failed to tag adopted task", "task", task.GID, "error", err)
			}
		}
		task, err = s.tasks.UpdateTask(ctx, task.GID, &models.TaskUpdate{
			HTMLNotes: &notes,
			Assignee:  &user.GID,
			Completed: &completed,
		})
		if err != nil {
			return OutcomeSkipped, err
		}
		slog.InfoContext(ctx, "Linked existing Asana task", "task", task.GID, "title", title)
	} else {
		task, dueDate, err = s.create(ctx, target, &models.TaskCreate{
			Name:      title,
			HTMLNotes: notes,
			Assignee:  user.GID,
			DueOn:     dueDate,
			Completed: completed,
			Workspace: target.Workspace,
			Projects:  []string{target.ProjectGID},
			Tags:      target.tags(),
		})
		if err != nil {
			return OutcomeSkipped, err
		}
		slog.InfoContext(ctx, "Created Asana task", "task", task.GID, "title", title)
	}
	candidates.Claim(task)

	mapping := &models.TaskMapping{
		SourceID:             item.ID,
		SourceRev:            item.Rev,
		Project:              target.Name(),
		CounterpartID:        task.GID,
		CounterpartUpdatedAt: task.ModifiedAt,
		Title:                item.Title,
		ItemType:             item.Type,
		State:                item.State,
		AssignedUserEmail:    email,
		AssigneeID:           user.GID,
		DueDate:              dueDate,
		URL:                  item.URL,
	}
	if completed {
		now := s.now().UTC()
		mapping.ClosedSince = &now
	}
	if err := s.store.InsertTaskMapping(mapping); err != nil {
		return OutcomeSkipped, err
	}
	return OutcomeCreated, nil
}

// adopt finds an unowned task in the Asana project with the expected title
func (s *ItemSyncer) adopt(ctx context.Context, target *Target, title string, candidates *Candidates) (*models.Task, error) {
	if candidates == nil {
		return nil, nil
	}
	task, err := candidates.Find(ctx, title)
	if err != nil || task == nil {
		return nil, err
	}
	owner, err := s.store.FindTaskMappingByCounterpart(task.GID)
	if err != nil {
		return nil, err
	}
	if owner != nil {
		candidates.Claim(task)
		return nil, nil
	}
	return task, nil
}

// create creates the task, dropping the due date once if Asana rejects the
// payload. It returns the due date actually written.
func (s *ItemSyncer) create(ctx context.Context, target *Target, payload *models.TaskCreate) (*models.Task, string, error) {
	task, err := s.tasks.CreateTask(ctx, payload)
	if err != nil && payload.DueOn != "" && api.IsValidation(err) {
		slog.WarnContext(ctx, "Asana rejected due date, creating task without it", "due_date", payload.DueOn, "error", err)
		payload.DueOn = ""
		task, err = s.tasks.CreateTask(ctx, payload)
	}
	if err != nil {
		return nil, "", err
	}

	if target.TagGID != "" && !task.HasTag(target.TagGID) {
		if err := s.tasks.AddTag(ctx, task.GID, target.TagGID); err != nil {
			slog.WarnContext(ctx, "Failed to tag created task", "task", task.GID, "error", err)
		} else if refreshed, err := s.tasks.GetTask(ctx, task.GID); err == nil {
			task = refreshed
		}
	}
	return task, payload.DueOn, nil
}

func (s *ItemSyncer) reconcile(ctx context.Context, target *Target, item *models.WorkItem, mapping *models.TaskMapping, candidates *Candidates) (Outcome, error) {
	task, err := s.tasks.GetTask(ctx, mapping.CounterpartID)
	if err != nil {
		if api.IsNotFound(err) {
			slog.WarnContext(ctx, "Asana task was deleted, recreating", "task", mapping.CounterpartID)
			if err := s.store.RemoveTaskMapping(item.ID); err != nil {
				return OutcomeSkipped, err
			}
			return s.initialSync(ctx, target, item, candidates)
		}
		return OutcomeSkipped, err
	}

	sourceChanged := item.Rev != mapping.SourceRev
	counterpartChanged := !task.ModifiedAt.Equal(mapping.CounterpartUpdatedAt)
	if !sourceChanged && !counterpartChanged {
		slog.DebugContext(ctx, "Work item is current")
		return OutcomeSkipped, nil
	}

	update := &models.TaskUpdate{}
	assigneeEmail, assigneeID := mapping.AssignedUserEmail, mapping.AssigneeID

	if sourceChanged {
		title := models.ItemTaskTitle(item.Type, item.ID, item.Title)
		if task.Name != title {
			notes := models.ItemTaskNotes(item.Type, item.ID, item.Title, mapping.URL)
			update.Name = &title
			update.HTMLNotes = &notes
		}

		assigneeEmail, assigneeID, err = s.resolveAssignee(ctx, item)
		if err != nil {
			return OutcomeSkipped, err
		}
		if assigneeID == "" && task.AssigneeID != "" {
			update.ClearAssignee = true
		} else if assigneeID != "" && task.AssigneeID != assigneeID {
			update.Assignee = &assigneeID
		}
	}

	closed := s.IsClosed(item.State)
	if task.Completed != closed {
		update.Completed = &closed
	}

	pushed := false
	if target.TagGID != "" && !task.HasTag(target.TagGID) {
		if err := s.tasks.AddTag(ctx, task.GID, target.TagGID); err != nil {
			slog.WarnContext(ctx, "Failed to re-apply marker tag", "task", task.GID, "error", err)
		} else {
			pushed = true
		}
	}

	if !update.Empty() {
		task, err = s.tasks.UpdateTask(ctx, task.GID, update)
		if err != nil {
			return OutcomeSkipped, err
		}
		pushed = true
		slog.InfoContext(ctx, "Updated Asana task", "task", task.GID, "state", item.State)
	} else if pushed {
		if refreshed, err := s.tasks.GetTask(ctx, task.GID); err == nil {
			task = refreshed
		} else {
			slog.WarnContext(ctx, "Failed to re-read tagged task", "task", task.GID, "error", err)
		}
	}

	mapping.SourceRev = item.Rev
	mapping.CounterpartUpdatedAt = task.ModifiedAt
	mapping.Title = item.Title
	mapping.ItemType = item.Type
	mapping.State = item.State
	mapping.AssignedUserEmail = assigneeEmail
	mapping.AssigneeID = assigneeID
	switch {
	case closed && mapping.ClosedSince == nil:
		now := s.now().UTC()
		mapping.ClosedSince = &now
	case !closed:
		mapping.ClosedSince = nil
	}

	if err := s.store.UpdateTaskMapping(mapping); err != nil {
		return OutcomeSkipped, err
	}

	if pushed || sourceChanged {
		return OutcomeUpdated, nil
	}
	return OutcomeSkipped, nil
}

// resolveAssignee returns the normalized email and Asana gid of the item's
// assignee; both are empty when there is none, the gid alone when unmatched
func (s *ItemSyncer) resolveAssignee(ctx context.Context, item *models.WorkItem) (string, string, error) {
	if item.Assignee == nil {
		return "", "", nil
	}
	email := identity.Normalize(item.Assignee.Email)
	if email == "" {
		return "", "", nil
	}
	user, err := s.users.Resolve(ctx, email)
	if err != nil {
		return "", "", err
	}
	if user == nil {
		slog.InfoContext(ctx, "No Asana user matches assignee, clearing", "email", email)
		return email, "", nil
	}
	return email, user.GID, nil
}

// Sweep forgets mappings of the project whose item has been closed for
// longer than the retention window. The Asana task is left alone.
func (s *ItemSyncer) Sweep(ctx context.Context, target *Target, now time.Time) (int, error) {
	ctx = telemetry.WithLogFields(ctx, telemetry.LogFields{Component: "sync.retention"})

	mappings, err := s.store.TaskMappingsForProject(target.Name())
	if err != nil {
		return 0, fmt.Errorf("failed to load mappings for sweep: %w", err)
	}

	removed := 0
	for _, m := range mappings {
		if !s.IsClosed(m.State) {
			continue
		}
		if m.ClosedSince == nil {
			// closed before closed_since was tracked; start the clock now
			ts := now.UTC()
			m.ClosedSince = &ts
			if err := s.store.UpdateTaskMapping(m); err != nil {
				slog.ErrorContext(ctx, "Failed to stamp closed mapping", "work_item_id", m.SourceID, "error", err)
			}
			continue
		}
		if now.Sub(*m.ClosedSince) <= s.retention {
			continue
		}
		if err := s.store.RemoveTaskMapping(m.SourceID); err != nil {
			slog.ErrorContext(ctx, "Failed to remove expired mapping", "work_item_id", m.SourceID, "error", err)
			continue
		}
		removed++
		slog.InfoContext(ctx, "Forgot closed work item", "work_item_id", m.SourceID, "closed_since", m.ClosedSince.Format(time.RFC3339))
	}
	return removed, nil
}
