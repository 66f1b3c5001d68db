// Package access owns the access-control rules of the file share: who may
// read a file, how grants and share links are issued, and the identity
// checks that produce a requester id.
package access

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"secure-file-share/internal/audit"
)

// Service exposes the operations callers use. It is safe for concurrent
// use.
type Service struct {
	store   Store
	objects ObjectStore
	auditor Auditor
	log     *zap.Logger
	now     func() time.Time

	baseURL    string
	bcryptCost int

	ledger *Ledger
	links  *LinkIssuer

	dummyOnce sync.Once
	dummy     []byte
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now. Expiry checks use this clock exclusively.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithBaseURL sets the public origin used to build share-link URLs.
func WithBaseURL(u string) Option {
	return func(s *Service) { s.baseURL = strings.TrimRight(u, "/") }
}

func WithBcryptCost(cost int) Option {
	return func(s *Service) { s.bcryptCost = cost }
}

// WithTokenSource replaces the share-token generator.
func WithTokenSource(fn func() (string, error)) Option {
	return func(s *Service) { s.links.newToken = fn }
}

func NewService(store Store, objects ObjectStore, auditor Auditor, opts ...Option) *Service {
	if auditor == nil {
		auditor = nopAuditor{}
	}
	s := &Service{
		store:      store,
		objects:    objects,
		auditor:    auditor,
		log:        zap.NewNop(),
		now:        time.Now,
		bcryptCost: DefaultBcryptCost,
	}
	// The ledger and issuer read the clock through s so that WithClock
	// applies regardless of option order.
	clock := func() time.Time { return s.now() }
	s.ledger = NewLedger(store, auditor, clock)
	s.links = NewLinkIssuer(store, auditor, clock)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type nopAuditor struct{}

func (nopAuditor) Record(context.Context, audit.Event) {}

// SharePath is the URL path prefix under which share links are served.
const SharePath = "/api/share/"

func (s *Service) linkURL(token string) string {
	return s.baseURL + SharePath + token
}

// FileView is the listing form of a file. It never carries share-link
// fields.
type FileView struct {
	ID              string    `json:"id"`
	Filename        string    `json:"filename"`
	ContentType     string    `json:"fileType"`
	SizeBytes       int64     `json:"fileSize"`
	OwnerID         string    `json:"ownerId"`
	CreatedAt       time.Time `json:"createdAt"`
	Role            Role      `json:"role"`
	AuthorizedUsers []Grant   `json:"authorizedUsers"`
}

// ListAccessibleFiles returns files the requester owns plus files shared
// with them through a grant that is live now.
func (s *Service) ListAccessibleFiles(ctx context.Context, requesterID string) ([]FileView, error) {
	now := s.now()
	files, err := s.store.FilesVisibleTo(ctx, requesterID, now)
	if err != nil {
		return nil, passthrough("list files", err)
	}

	out := make([]FileView, 0, len(files))
	for _, f := range files {
		v := FileView{
			ID:          f.ID,
			Filename:    f.Filename,
			ContentType: f.ContentType,
			SizeBytes:   f.SizeBytes,
			OwnerID:     f.OwnerID,
			CreatedAt:   f.CreatedAt,
		}
		switch {
		case f.OwnerID == requesterID:
			v.Role = RoleOwner
			v.AuthorizedUsers = liveGrants(f, now)
		case IsGranted(f, requesterID, now):
			v.Role = RoleViewer
			v.AuthorizedUsers = []Grant{f.Grants[requesterID]}
		default:
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func liveGrants(f File, now time.Time) []Grant {
	gs := make([]Grant, 0, len(f.Grants))
	for _, g := range f.Grants {
		if g.LiveAt(now) {
			gs = append(gs, g)
		}
	}
	sort.Slice(gs, func(i, j int) bool { return gs[i].GranteeID < gs[j].GranteeID })
	return gs
}

// Download is an authorized read of one file. The caller must Close Body.
type Download struct {
	FileID      string
	Filename    string
	ContentType string
	SizeBytes   int64
	Role        Role
	Body        io.ReadCloser
}

// RequestDownload opens a file the requester reaches directly.
func (s *Service) RequestDownload(ctx context.Context, requesterID, fileID string) (*Download, error) {
	f, err := s.fileByID(ctx, fileID)
	if err != nil {
		return nil, err
	}
	return s.open(ctx, f, requesterID, PathDirect)
}

// AccessViaLink opens the file bound to a share-link token.
func (s *Service) AccessViaLink(ctx context.Context, token, requesterID string) (*Download, error) {
	f, err := s.links.Resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.open(ctx, f, requesterID, PathShareLink)
}

func (s *Service) open(ctx context.Context, f File, requesterID string, path Path) (*Download, error) {
	role, err := Decide(f, requesterID, path, s.now())
	if err != nil {
		return nil, err
	}

	via := "Dashboard"
	if path == PathShareLink {
		via = "Shared Link"
	}
	s.auditor.Record(ctx, audit.Event{
		Timestamp: s.now(),
		UserID:    requesterID,
		FileID:    f.ID,
		Action:    audit.ActionDownload,
		Details:   fmt.Sprintf("Downloaded via %s by %s.", via, role),
	})

	body, info, err := s.objects.Open(ctx, f.StorageRef)
	if err != nil {
		return nil, upstream("failed to retrieve file from storage", err)
	}

	d := &Download{
		FileID:      f.ID,
		Filename:    f.Filename,
		ContentType: f.ContentType,
		SizeBytes:   f.SizeBytes,
		Role:        role,
		Body:        body,
	}
	if d.ContentType == "" {
		d.ContentType = info.ContentType
	}
	if info.SizeBytes > 0 {
		d.SizeBytes = info.SizeBytes
	}
	return d, nil
}

// ShareWithUsers grants every registered user among emails access for
// ttl. Unknown addresses are dropped.
func (s *Service) ShareWithUsers(ctx context.Context, requesterID, fileID string, emails []string, ttl time.Duration) (GrantResult, error) {
	f, err := s.fileByID(ctx, fileID)
	if err != nil {
		return GrantResult{}, err
	}
	// Ownership is checked before anything about the grantees is revealed.
	if f.OwnerID != requesterID {
		return GrantResult{}, forbidden("only the file owner can share it")
	}

	normalized := make([]string, 0, len(emails))
	for _, e := range emails {
		if e = NormalizeEmail(e); e != "" {
			normalized = append(normalized, e)
		}
	}
	if len(normalized) == 0 {
		return GrantResult{}, invalid("targetEmails must list at least one address")
	}

	users, err := s.store.UsersByEmails(ctx, normalized)
	if err != nil {
		return GrantResult{}, passthrough("look up grantees", err)
	}
	ids := make([]string, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	return s.ledger.Grant(ctx, f, requesterID, ids, ttl)
}

// IssueShareLink returns the file's live share link, creating or rotating
// it as needed.
func (s *Service) IssueShareLink(ctx context.Context, requesterID, fileID string, ttl time.Duration) (LinkResult, error) {
	f, err := s.fileByID(ctx, fileID)
	if err != nil {
		return LinkResult{}, err
	}
	res, err := s.links.IssueOrRotate(ctx, f, requesterID, ttl)
	if err != nil {
		return LinkResult{}, err
	}
	res.URL = s.linkURL(res.Token)
	return res, nil
}

// UploadInput describes one file to store.
type UploadInput struct {
	Filename    string
	ContentType string
	// SizeBytes is -1 when unknown.
	SizeBytes int64
	Body      io.Reader
}

// Upload stores content and records ownerID as the owner. If the record
// cannot be written the stored object is removed.
func (s *Service) Upload(ctx context.Context, ownerID string, in UploadInput) (File, error) {
	if ownerID == "" {
		return File{}, ErrUnauthenticated
	}
	info, err := s.objects.Put(ctx, in.Body, in.SizeBytes, in.ContentType)
	if err != nil {
		return File{}, passthrough("failed to store file", err)
	}

	f := File{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Filename:    in.Filename,
		ContentType: in.ContentType,
		SizeBytes:   info.SizeBytes,
		StorageRef:  info.Ref,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.CreateFile(ctx, f); err != nil {
		if rmErr := s.objects.Remove(context.WithoutCancel(ctx), info.Ref); rmErr != nil {
			s.log.Warn("orphaned object after failed insert",
				zap.String("storage_ref", info.Ref), zap.Error(rmErr))
		}
		return File{}, passthrough("save file metadata", err)
	}
	return f, nil
}

func (s *Service) fileByID(ctx context.Context, id string) (File, error) {
	if _, err := uuid.Parse(id); err != nil {
		return File{}, notFound("invalid file id")
	}
	f, err := s.store.FileByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return File{}, notFound("file not found")
		}
		return File{}, passthrough("load file", err)
	}
	return f, nil
}
