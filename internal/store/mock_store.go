// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu     sync.RWMutex
	groups map[int64]*Group
	chat   []*ChatRecord
	turns  []*Turn
	nextID int64
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		groups: make(map[int64]*Group),
	}
}

func copyGroup(g *Group) *Group {
	c := *g
	c.Features = slices.Clone(g.Features)
	return &c
}

// GetGroup retrieves a group by id.
func (m *MockStore) GetGroup(ctx context.Context, groupID int64) (*Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.groups[groupID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyGroup(g), nil
}

// EnsureGroup creates a default group row if missing.
func (m *MockStore) EnsureGroup(ctx context.Context, groupID int64, name string) (*Group, error) {
	m.mu.Lock()
	if _, ok := m.groups[groupID]; !ok {
		m.groups[groupID] = &Group{GroupID: groupID, Name: name, UpdatedAt: time.Now()}
	}
	m.mu.Unlock()
	return m.GetGroup(ctx, groupID)
}

// SaveGroup inserts or replaces a group.
func (m *MockStore) SaveGroup(ctx context.Context, g *Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if g.UpdatedAt.IsZero() {
		g.UpdatedAt = time.Now()
	}
	m.groups[g.GroupID] = copyGroup(g)
	return nil
}

// ListGroups returns every group ordered by id.
func (m *MockStore) ListGroups(ctx context.Context) ([]*Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	groups := make([]*Group, 0, len(m.groups))
	for _, g := range m.groups {
		groups = append(groups, copyGroup(g))
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].GroupID < groups[j].GroupID })
	return groups, nil
}

// DeleteGroup removes a group.
func (m *MockStore) DeleteGroup(ctx context.Context, groupID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.groups, groupID)
	return nil
}

// SaveChat appends a chat record.
func (m *MockStore) SaveChat(ctx context.Context, rec *ChatRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	m.nextID++
	rec.ID = m.nextID
	c := *rec
	m.chat = append(m.chat, &c)
	return nil
}

// GroupHistory returns the newest limit records of a group, oldest first.
func (m *MockStore) GroupHistory(ctx context.Context, groupID int64, limit int) ([]*ChatRecord, error) {
	return m.chatWhere(limit, func(r *ChatRecord) bool { return r.GroupID == groupID }), nil
}

// UserHistory returns the newest limit records of a user in a group.
func (m *MockStore) UserHistory(ctx context.Context, groupID, userID int64, limit int) ([]*ChatRecord, error) {
	return m.chatWhere(limit, func(r *ChatRecord) bool { return r.GroupID == groupID && r.UserID == userID }), nil
}

func (m *MockStore) chatWhere(limit int, match func(*ChatRecord) bool) []*ChatRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ChatRecord
	for _, r := range m.chat {
		if match(r) {
			c := *r
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// SaveTurn appends a conversation turn.
func (m *MockStore) SaveTurn(ctx context.Context, turn *Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if turn.Time.IsZero() {
		turn.Time = time.Now()
	}
	m.nextID++
	turn.ID = m.nextID
	c := *turn
	m.turns = append(m.turns, &c)
	return nil
}

// RecentTurns returns the newest limit turns of a conversation, oldest first.
func (m *MockStore) RecentTurns(ctx context.Context, groupID, userID int64, limit int) ([]*Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Turn
	for _, t := range m.turns {
		if t.GroupID == groupID && t.UserID == userID {
			c := *t
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Close is a no-op.
func (m *MockStore) Close() error { return nil }

var _ Store = (*MockStore)(nil)
