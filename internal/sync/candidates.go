package sync

import (
	"context"
	"fmt"
	"sync"

	"github.com/wesm/ado-asana-sync/internal/models"
)

// Candidates indexes the tasks of an Asana project by name so an initial
// sync can adopt an existing task instead of creating a duplicate. The
// project listing is fetched on first use only.
type Candidates struct {
	load func(ctx context.Context) ([]*models.Task, error)

	mu     sync.Mutex
	loaded bool
	byName map[string]*models.Task
}

// NewCandidates creates an index backed by load
func NewCandidates(load func(ctx context.Context) ([]*models.Task, error)) *Candidates {
	return &Candidates{load: load, byName: make(map[string]*models.Task)}
}

// ProjectCandidates indexes the tasks of the target's Asana project
func ProjectCandidates(tasks Tasks, target *Target) *Candidates {
	return NewCandidates(func(ctx context.Context) ([]*models.Task, error) {
		return tasks.ListProjectTasks(ctx, target.ProjectGID)
	})
}

// Find returns the first unclaimed task with the given name, or nil
func (c *Candidates) Find(ctx context.Context, name string) (*models.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded {
		tasks, err := c.load(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list candidate tasks: %w", err)
		}
		for _, t := range tasks {
			if _, ok := c.byName[t.Name]; !ok {
				c.byName[t.Name] = t
			}
		}
		c.loaded = true
	}
	return c.byName[name], nil
}

// Claim removes a task from the index once a mapping owns it
func (c *Candidates) Claim(task *models.Task) {
	if c == nil || task == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.byName[task.Name]; ok && cur.GID == task.GID {
		delete(c.byName, task.Name)
	}
}
