package admin

import (
	"context"
	"errors"
	"fmt"

	"legendalf/internal/eventbus"
	"legendalf/internal/storage"
	logx "legendalf/pkg/logx"
)

// User is the identity a request arrives with.
type User struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
}

// IsAdmin reports whether id is an owner or holds an admin grant.
func (s *Service) IsAdmin(ctx context.Context, id int64) bool {
	if s.isOwner(id) {
		return true
	}
	g, err := s.store.GetGrant(ctx, id)
	return err == nil && g.Role == storage.RoleAdmin
}

// IsAllowed reports whether id may use the bot.
func (s *Service) IsAllowed(ctx context.Context, id int64) bool {
	if s.isOwner(id) {
		return true
	}
	g, err := s.store.GetGrant(ctx, id)
	return err == nil && (g.Role == storage.RoleAdmin || g.Role == storage.RoleAllowed)
}

// RequestAccess records a pending request for u. It reports created=false
// when u already has a grant of any kind, including a denial; admins are
// only notified of new requests.
func (s *Service) RequestAccess(ctx context.Context, u User) (g storage.Grant, created bool, err error) {
	if s.isOwner(u.ID) {
		return storage.Grant{UserID: u.ID, Role: storage.RoleAdmin, Username: u.Username, FirstName: u.FirstName, LastName: u.LastName}, false, nil
	}
	existing, err := s.store.GetGrant(ctx, u.ID)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, storage.ErrNotFound):
		return storage.Grant{}, false, err
	}

	g = storage.Grant{
		UserID:      u.ID,
		Role:        storage.RolePending,
		Username:    u.Username,
		FirstName:   u.FirstName,
		LastName:    u.LastName,
		RequestedAt: s.now(),
	}
	if err := s.store.PutGrant(ctx, g); err != nil {
		return storage.Grant{}, false, fmt.Errorf("store request: %w", err)
	}
	s.publish(eventbus.TypeAccessRequested, g)
	if s.reporter != nil {
		s.reporter.AccessRequested(g)
	}
	s.log.Info("access requested", logx.Int64("user", u.ID), logx.String("name", g.DisplayName()))
	return g, true, nil
}

// GrantAccess gives uid the role (allowed or admin). Names recorded with
// a pending request are kept.
func (s *Service) GrantAccess(ctx context.Context, by, uid int64, role storage.Role) (storage.Grant, error) {
	if role != storage.RoleAllowed && role != storage.RoleAdmin {
		return storage.Grant{}, fmt.Errorf("grant: role %q cannot be granted", role)
	}
	return s.setRole(ctx, by, uid, role)
}

// DenyAccess marks uid denied. Later requests from uid are ignored.
func (s *Service) DenyAccess(ctx context.Context, by, uid int64) (storage.Grant, error) {
	if s.isOwner(uid) {
		return storage.Grant{}, errors.New("deny: cannot deny an owner")
	}
	return s.setRole(ctx, by, uid, storage.RoleDenied)
}

func (s *Service) setRole(ctx context.Context, by, uid int64, role storage.Role) (storage.Grant, error) {
	if uid == 0 {
		return storage.Grant{}, errors.New("user id is required")
	}
	g, err := s.store.GetGrant(ctx, uid)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return storage.Grant{}, err
	}
	g.UserID = uid
	g.Role = role
	g.GrantedAt = s.now()
	g.GrantedBy = by
	if err := s.store.PutGrant(ctx, g); err != nil {
		return storage.Grant{}, fmt.Errorf("store grant: %w", err)
	}
	s.log.Info("access changed", logx.Int64("user", uid), logx.String("role", string(role)), logx.Int64("by", by))
	return g, nil
}

// PendingRequests lists users waiting for approval, by user id.
func (s *Service) PendingRequests(ctx context.Context) ([]storage.Grant, error) {
	return s.store.ListGrants(ctx, storage.RolePending)
}
