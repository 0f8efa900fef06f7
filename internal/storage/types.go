package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"legendalf/internal/schedule"
)

var (
	// ErrStoreCorrupt means the backing data could not be parsed. Nothing
	// from a corrupt load is applied.
	ErrStoreCorrupt = errors.New("store corrupt")
	ErrNotFound     = errors.New("not found")
	// ErrMigrationFailed is wrapped by *MigrationError.
	ErrMigrationFailed = errors.New("legacy migration failed")
	ErrClosed          = errors.New("store closed")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): SQLite database file
//   - "file": snapshot + journal next to Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleAllowed Role = "allowed"
	RolePending Role = "pending"
	RoleDenied  Role = "denied"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleAllowed, RolePending, RoleDenied:
		return true
	}
	return false
}

// Grant is the access state of one Telegram user.
type Grant struct {
	UserID      int64     `json:"user_id"`
	Role        Role      `json:"role"`
	Username    string    `json:"username,omitempty"`
	FirstName   string    `json:"first_name,omitempty"`
	LastName    string    `json:"last_name,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
	GrantedAt   time.Time `json:"granted_at"`
	GrantedBy   int64     `json:"granted_by,omitempty"`
}

// DisplayName renders "@username" or the first/last name pair.
func (g Grant) DisplayName() string {
	if u := strings.TrimSpace(g.Username); u != "" {
		return "@" + u
	}
	name := strings.TrimSpace(strings.TrimSpace(g.FirstName) + " " + strings.TrimSpace(g.LastName))
	if name == "" {
		return fmt.Sprintf("id%d", g.UserID)
	}
	return name
}

// Store is the persistence API used by the scheduler loop and admin
// operations. Writes to one id are serialized; Update is an atomic
// read-modify-write.
type Store interface {
	Load(ctx context.Context) ([]schedule.Schedule, error)
	Get(ctx context.Context, id string) (schedule.Schedule, error)
	Save(ctx context.Context, s schedule.Schedule) error
	// Update applies fn to the stored record and persists the result. An
	// error from fn aborts the write and is returned as is.
	Update(ctx context.Context, id string, fn func(*schedule.Schedule) error) (schedule.Schedule, error)
	// Delete is a no-op when id is absent.
	Delete(ctx context.Context, id string) error
	ListByChat(ctx context.Context, chatID int64) ([]schedule.Schedule, error)

	PutGrant(ctx context.Context, g Grant) error
	GetGrant(ctx context.Context, userID int64) (Grant, error)
	// ListGrants returns grants with the given role, or all when role is empty.
	ListGrants(ctx context.Context, role Role) ([]Grant, error)

	GetMeta(ctx context.Context, key string) (value string, ok bool, err error)
	PutMeta(ctx context.Context, key, value string) error

	Close() error
}

func sortSchedules(out []schedule.Schedule) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
}

func sortGrants(out []Grant) {
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
}

func corrupt(what string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreCorrupt, what, err)
}
