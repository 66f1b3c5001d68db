// Package store persists users, files, grants and share links.
//
// Postgres is the production store. Memory backs tests and local runs
// without a database; it honors the same atomicity and uniqueness rules.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"secure-file-share/internal/access"
)

// Memory is an in-process store guarded by one mutex.
type Memory struct {
	mu      sync.RWMutex
	users   map[string]access.User
	byEmail map[string]string
	files   map[string]*access.File
	tokens  map[string]string // share token -> file id
}

func NewMemory() *Memory {
	return &Memory{
		users:   make(map[string]access.User),
		byEmail: make(map[string]string),
		files:   make(map[string]*access.File),
		tokens:  make(map[string]string),
	}
}

var _ access.Store = (*Memory)(nil)

func (m *Memory) CreateUser(_ context.Context, u access.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[u.Email]; ok {
		return fmt.Errorf("create user %s: %w", u.Email, access.ErrConflict)
	}
	if _, ok := m.users[u.ID]; ok {
		return fmt.Errorf("create user %s: %w", u.ID, access.ErrConflict)
	}
	m.users[u.ID] = u
	m.byEmail[u.Email] = u.ID
	return nil
}

func (m *Memory) UserByID(_ context.Context, id string) (access.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return access.User{}, access.ErrNotFound
	}
	return u, nil
}

func (m *Memory) UserByEmail(_ context.Context, email string) (access.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[email]
	if !ok {
		return access.User{}, access.ErrNotFound
	}
	return m.users[id], nil
}

func (m *Memory) UsersByEmails(_ context.Context, emails []string) ([]access.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool, len(emails))
	var out []access.User
	for _, e := range emails {
		id, ok := m.byEmail[e]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, m.users[id])
	}
	return out, nil
}

func (m *Memory) CreateFile(_ context.Context, f access.File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[f.ID]; ok {
		return fmt.Errorf("create file %s: %w", f.ID, access.ErrConflict)
	}
	if _, ok := m.users[f.OwnerID]; !ok {
		return fmt.Errorf("create file: owner %s: %w", f.OwnerID, access.ErrNotFound)
	}
	cp := cloneFile(f)
	cp.Grants = make(map[string]access.Grant)
	cp.Link = nil
	m.files[f.ID] = &cp
	return nil
}

func (m *Memory) FileByID(_ context.Context, id string) (access.File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.files[id]
	if !ok {
		return access.File{}, access.ErrNotFound
	}
	return cloneFile(*f), nil
}

func (m *Memory) FileByShareToken(_ context.Context, token string) (access.File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.tokens[token]
	if !ok {
		return access.File{}, access.ErrNotFound
	}
	return cloneFile(*m.files[id]), nil
}

func (m *Memory) FilesVisibleTo(_ context.Context, userID string, at time.Time) ([]access.File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []access.File
	for _, f := range m.files {
		if f.OwnerID == userID || access.IsGranted(*f, userID, at) {
			out = append(out, cloneFile(*f))
		}
	}
	return out, nil
}

func (m *Memory) UpsertGrants(_ context.Context, fileID string, grants []access.Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[fileID]
	if !ok {
		return access.ErrNotFound
	}
	for _, g := range grants {
		if _, ok := m.users[g.GranteeID]; !ok {
			return fmt.Errorf("grantee %s: %w", g.GranteeID, access.ErrNotFound)
		}
	}
	for _, g := range grants {
		if old, ok := f.Grants[g.GranteeID]; ok {
			g.ExpiresAt = access.LaterExpiry(old.ExpiresAt, g.ExpiresAt)
		}
		f.Grants[g.GranteeID] = cloneGrant(g)
	}
	return nil
}

func (m *Memory) SetShareLink(_ context.Context, fileID string, link access.ShareLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[fileID]
	if !ok {
		return access.ErrNotFound
	}
	if owner, ok := m.tokens[link.Token]; ok && owner != fileID {
		return access.ErrTokenTaken
	}
	if f.Link != nil {
		delete(m.tokens, f.Link.Token)
	}
	l := access.ShareLink{Token: link.Token, ExpiresAt: cloneTime(link.ExpiresAt)}
	f.Link = &l
	m.tokens[link.Token] = fileID
	return nil
}

func cloneFile(f access.File) access.File {
	cp := f
	cp.Grants = make(map[string]access.Grant, len(f.Grants))
	for k, g := range f.Grants {
		cp.Grants[k] = cloneGrant(g)
	}
	if f.Link != nil {
		l := access.ShareLink{Token: f.Link.Token, ExpiresAt: cloneTime(f.Link.ExpiresAt)}
		cp.Link = &l
	}
	return cp
}

func cloneGrant(g access.Grant) access.Grant {
	return access.Grant{GranteeID: g.GranteeID, ExpiresAt: cloneTime(g.ExpiresAt)}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
