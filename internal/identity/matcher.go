// Package identity resolves ADO identities to Asana users by email.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/wesm/ado-asana-sync/internal/models"
)

// initialCacheSize is the roster cache capacity; larger rosters grow it
const initialCacheSize = 10000

// Roster lists the users of an Asana workspace
type Roster interface {
	ListUsers(ctx context.Context, workspaceGID string) ([]*models.User, error)
}

// Matcher resolves emails against a workspace roster. Entries expire after
// the configured TTL; a missing email does not refetch the roster until the
// current one has expired.
type Matcher struct {
	roster    Roster
	workspace string
	ttl       time.Duration
	users     *expirable.LRU[string, *models.User]
	size      int

	mu        sync.Mutex
	fetchedAt time.Time
	now       func() time.Time
}

// NewMatcher creates a matcher. A non-positive ttl keeps entries for the
// process lifetime.
func NewMatcher(roster Roster, workspaceGID string, ttl time.Duration) *Matcher {
	if ttl < 0 {
		ttl = 0
	}
	return &Matcher{
		roster:    roster,
		workspace: workspaceGID,
		ttl:       ttl,
		users:     expirable.NewLRU[string, *models.User](initialCacheSize, nil, ttl),
		size:      initialCacheSize,
		now:       time.Now,
	}
}

// Normalize lowercases and trims an email address
func Normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Resolve returns the Asana user with the given email, or nil when no user matches
func (m *Matcher) Resolve(ctx context.Context, email string) (*models.User, error) {
	key := Normalize(email)
	if key == "" {
		return nil, nil
	}
	if u, ok := m.users.Get(key); ok {
		return u, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if u, ok := m.users.Get(key); ok {
		return u, nil
	}
	if m.fresh() {
		slog.DebugContext(ctx, "No Asana user for email", "email", key)
		return nil, nil
	}

	if err := m.refresh(ctx); err != nil {
		return nil, err
	}

	u, _ := m.users.Get(key)
	return u, nil
}

// Refresh drops the cached roster and fetches it again
func (m *Matcher) Refresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refresh(ctx)
}

func (m *Matcher) fresh() bool {
	if m.fetchedAt.IsZero() {
		return false
	}
	if m.ttl == 0 {
		return true
	}
	return m.now().Sub(m.fetchedAt) < m.ttl
}

func (m *Matcher) refresh(ctx context.Context) error {
	users, err := m.roster.ListUsers(ctx, m.workspace)
	if err != nil {
		return fmt.Errorf("failed to load user roster: %w", err)
	}

	if len(users) > m.size {
		m.users.Resize(len(users))
		m.size = len(users)
		slog.InfoContext(ctx, "Grew user cache to fit roster", "users", len(users))
	}

	m.users.Purge()
	for _, u := range users {
		key := Normalize(u.Email)
		if key == "" {
			continue
		}
		// first match wins
		if _, exists := m.users.Peek(key); exists {
			continue
		}
		m.users.Add(key, u)
	}
	m.fetchedAt = m.now()

	slog.DebugContext(ctx, "Loaded user roster", "users", len(users))
	return nil
}

// RosterIssue describes a roster entry that cannot be matched reliably
type RosterIssue struct {
	User   *models.User
	Reason string
}

// Audit reports users without an email and emails shared by several users
func Audit(users []*models.User) []RosterIssue {
	var issues []RosterIssue
	seen := make(map[string]*models.User)

	for _, u := range users {
		key := Normalize(u.Email)
		if key == "" {
			issues = append(issues, RosterIssue{User: u, Reason: "missing email"})
			continue
		}
		if first, ok := seen[key]; ok {
			issues = append(issues, RosterIssue{
				User:   u,
				Reason: fmt.Sprintf("email %s also used by %s (%s)", key, first.Name, first.GID),
			})
			continue
		}
		seen[key] = u
	}
	return issues
}
