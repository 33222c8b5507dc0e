// ABOUTME: Store interface and data models for groups, chat history and conversations
// ABOUTME: Groups carry the feature flags that enable commands per group

package store

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Group is the per-group configuration row.
type Group struct {
	GroupID     int64
	Name        string
	VoiceChat   bool
	Blacklisted bool
	Credits     int
	Features    []string
	UpdatedAt   time.Time
}

// HasFeature reports whether name is enabled for the group.
func (g *Group) HasFeature(name string) bool {
	return slices.Contains(g.Features, name)
}

// ParseFeatures splits a comma-separated feature list, dropping blanks.
func ParseFeatures(csv string) []string {
	var out []string
	for _, f := range strings.Split(csv, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// ChatRecord is one group message as seen by the bot.
type ChatRecord struct {
	ID      int64
	GroupID int64
	UserID  int64
	Message string
	Time    time.Time
}

// Turn is one message of a conversation between a user and the chat
// backend.
type Turn struct {
	ID      int64
	GroupID int64
	UserID  int64
	Role    string
	Message string
	Time    time.Time
}

// Store defines the persistence operations the bot needs.
type Store interface {
	// GetGroup returns ErrNotFound when the group has no row.
	GetGroup(ctx context.Context, groupID int64) (*Group, error)
	// EnsureGroup returns the group, creating a default row first if
	// needed.
	EnsureGroup(ctx context.Context, groupID int64, name string) (*Group, error)
	SaveGroup(ctx context.Context, g *Group) error
	ListGroups(ctx context.Context) ([]*Group, error)
	DeleteGroup(ctx context.Context, groupID int64) error

	SaveChat(ctx context.Context, rec *ChatRecord) error
	// GroupHistory and UserHistory return the newest limit records, oldest
	// first.
	GroupHistory(ctx context.Context, groupID int64, limit int) ([]*ChatRecord, error)
	UserHistory(ctx context.Context, groupID, userID int64, limit int) ([]*ChatRecord, error)

	SaveTurn(ctx context.Context, turn *Turn) error
	// RecentTurns returns the newest limit turns of a conversation, oldest
	// first.
	RecentTurns(ctx context.Context, groupID, userID int64, limit int) ([]*Turn, error)

	Close() error
}
