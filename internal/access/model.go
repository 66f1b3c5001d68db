package access

import (
	"context"
	"errors"
	"io"
	"time"

	"secure-file-share/internal/audit"
)

// User is a registered identity. ID never changes once assigned.
type User struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Grant authorizes one user to read one file. A nil ExpiresAt never
// expires.
type Grant struct {
	GranteeID string     `json:"userId"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

// LiveAt reports whether the grant still authorizes access at t.
func (g Grant) LiveAt(t time.Time) bool {
	return g.ExpiresAt == nil || g.ExpiresAt.After(t)
}

// ShareLink is the bearer token bound to a file together with its expiry.
// Token and ExpiresAt are always persisted together.
type ShareLink struct {
	Token     string
	ExpiresAt *time.Time
}

// ExpiredAt reports whether the link no longer admits requests at t.
func (l ShareLink) ExpiredAt(t time.Time) bool {
	return l.ExpiresAt != nil && !l.ExpiresAt.After(t)
}

// File is one uploaded artifact together with its sharing state.
type File struct {
	ID          string
	OwnerID     string
	Filename    string
	ContentType string
	SizeBytes   int64
	StorageRef  string
	CreatedAt   time.Time

	// Grants is keyed by grantee id; a re-share refreshes the entry.
	Grants map[string]Grant
	Link   *ShareLink
}

// Role tags a successful access decision.
type Role string

const (
	RoleOwner  Role = "Owner"
	RoleViewer Role = "Viewer"
)

// Path is how the requester reached the file.
type Path int

const (
	PathDirect Path = iota
	PathShareLink
)

func (p Path) String() string {
	if p == PathShareLink {
		return "link"
	}
	return "direct"
}

// ErrTokenTaken is returned by FileStore.SetShareLink when the token is
// already bound to another file.
var ErrTokenTaken = errors.New("share token already in use")

// UserStore persists identities. CreateUser returns an error matching
// ErrConflict on a duplicate email; lookups return ErrNotFound.
type UserStore interface {
	CreateUser(ctx context.Context, u User) error
	UserByID(ctx context.Context, id string) (User, error)
	UserByEmail(ctx context.Context, email string) (User, error)
	UsersByEmails(ctx context.Context, emails []string) ([]User, error)
}

// FileStore persists files, grants and share links.
type FileStore interface {
	CreateFile(ctx context.Context, f File) error
	FileByID(ctx context.Context, id string) (File, error)
	FileByShareToken(ctx context.Context, token string) (File, error)
	// FilesVisibleTo returns files owned by userID plus files carrying a
	// grant for userID that is live at the given instant.
	FilesVisibleTo(ctx context.Context, userID string, at time.Time) ([]File, error)
	// UpsertGrants stores each grant, keeping the later of the old and new
	// expiry. A non-expiring grant stays non-expiring. All grants are
	// applied atomically.
	UpsertGrants(ctx context.Context, fileID string, grants []Grant) error
	// SetShareLink replaces the token and expiry in a single write.
	SetShareLink(ctx context.Context, fileID string, link ShareLink) error
}

// Store is the persistence surface the service needs.
type Store interface {
	UserStore
	FileStore
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Ref         string
	SizeBytes   int64
	ContentType string
}

// ObjectStore holds file content. Refs are opaque to this package.
type ObjectStore interface {
	Put(ctx context.Context, body io.Reader, size int64, contentType string) (ObjectInfo, error)
	// Open must surface missing-object and credential failures before
	// returning, so that callers can still report them.
	Open(ctx context.Context, ref string) (io.ReadCloser, ObjectInfo, error)
	Remove(ctx context.Context, ref string) error
}

// Auditor records events. Record must not block the caller on a slow sink
// and has no failure mode visible to the caller.
type Auditor interface {
	Record(ctx context.Context, e audit.Event)
}
