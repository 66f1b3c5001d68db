package access_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"secure-file-share/internal/access"
	"secure-file-share/internal/audit"
	"secure-file-share/internal/storage"
	"secure-file-share/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type auditLog struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *auditLog) Record(_ context.Context, e audit.Event) {
	a.mu.Lock()
	a.events = append(a.events, e)
	a.mu.Unlock()
}

func (a *auditLog) actions() []audit.Action {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]audit.Action, len(a.events))
	for i, e := range a.events {
		out[i] = e.Action
	}
	return out
}

func (a *auditLog) last() audit.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.events[len(a.events)-1]
}

type harness struct {
	svc     *access.Service
	store   *store.Memory
	objects *storage.Memory
	clock   *fakeClock
	audit   *auditLog
}

func newHarness(t *testing.T, opts ...access.Option) *harness {
	t.Helper()
	h := &harness{
		store:   store.NewMemory(),
		objects: storage.NewMemory(),
		clock:   &fakeClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)},
		audit:   &auditLog{},
	}
	base := []access.Option{
		access.WithClock(h.clock.Now),
		access.WithBcryptCost(bcrypt.MinCost),
		access.WithBaseURL("https://files.example.com/"),
	}
	h.svc = access.NewService(h.store, h.objects, h.audit, append(base, opts...)...)
	return h
}

func (h *harness) register(t *testing.T, name, email string) access.User {
	t.Helper()
	u, err := h.svc.Register(context.Background(), access.RegisterInput{Name: name, Email: email, Password: "s3cretpass"})
	require.NoError(t, err)
	return u
}

func (h *harness) upload(t *testing.T, owner access.User, content string) access.File {
	t.Helper()
	f, err := h.svc.Upload(context.Background(), owner.ID, access.UploadInput{
		Filename:    "report.pdf",
		ContentType: "application/pdf",
		SizeBytes:   int64(len(content)),
		Body:        strings.NewReader(content),
	})
	require.NoError(t, err)
	return f
}

func readAll(t *testing.T, d *access.Download) string {
	t.Helper()
	defer d.Body.Close()
	b, err := io.ReadAll(d.Body)
	require.NoError(t, err)
	return string(b)
}

func TestViewerLosesAccessAfterGrantExpires(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.register(t, "Owner", "owner@example.com")
	viewer := h.register(t, "Viewer", "viewer@example.com")
	f := h.upload(t, owner, "quarterly numbers")

	res, err := h.svc.ShareWithUsers(ctx, owner.ID, f.ID, []string{"viewer@example.com"}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Granted)

	h.clock.Advance(30 * time.Minute)
	d, err := h.svc.RequestDownload(ctx, viewer.ID, f.ID)
	require.NoError(t, err)
	assert.Equal(t, access.RoleViewer, d.Role)
	assert.Equal(t, "quarterly numbers", readAll(t, d))

	h.clock.Advance(31 * time.Minute)
	_, err = h.svc.RequestDownload(ctx, viewer.ID, f.ID)
	assert.ErrorIs(t, err, access.ErrForbidden)

	// The owner is unaffected.
	d, err = h.svc.RequestDownload(ctx, owner.ID, f.ID)
	require.NoError(t, err)
	assert.Equal(t, access.RoleOwner, d.Role)
	_ = d.Body.Close()
}

func TestShareLinkAdmitsThirdPartyUntilExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.register(t, "Owner", "owner@example.com")
	h.register(t, "Viewer", "viewer@example.com")
	holder := h.register(t, "Holder", "holder@example.com")
	f := h.upload(t, owner, "public-ish")

	link, err := h.svc.IssueShareLink(ctx, owner.ID, f.ID, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, access.LinkCreated, link.Outcome)
	assert.Equal(t, "https://files.example.com/api/share/"+link.Token, link.URL)
	assert.Equal(t, h.clock.Now().Add(24*time.Hour), link.ExpiresAt)

	// The holder has no grant; only the link admits them.
	_, err = h.svc.RequestDownload(ctx, holder.ID, f.ID)
	require.ErrorIs(t, err, access.ErrForbidden)

	d, err := h.svc.AccessViaLink(ctx, link.Token, holder.ID)
	require.NoError(t, err)
	assert.Equal(t, "public-ish", readAll(t, d))
	assert.Equal(t, access.RoleViewer, d.Role)

	h.clock.Advance(24 * time.Hour)
	_, err = h.svc.AccessViaLink(ctx, link.Token, holder.ID)
	require.ErrorIs(t, err, access.ErrForbidden)
	assert.Equal(t, "link expired", access.ReasonOf(err))

	_, err = h.svc.AccessViaLink(ctx, link.Token, "")
	assert.ErrorIs(t, err, access.ErrUnauthenticated)
}

func TestLinkExpiryGatesOnlyLinkPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.register(t, "Owner", "owner@example.com")
	viewer := h.register(t, "Viewer", "viewer@example.com")
	f := h.upload(t, owner, "x")

	_, err := h.svc.ShareWithUsers(ctx, owner.ID, f.ID, []string{viewer.Email}, 72*time.Hour)
	require.NoError(t, err)
	link, err := h.svc.IssueShareLink(ctx, owner.ID, f.ID, time.Hour)
	require.NoError(t, err)

	h.clock.Advance(2 * time.Hour)

	_, err = h.svc.AccessViaLink(ctx, link.Token, viewer.ID)
	assert.ErrorIs(t, err, access.ErrForbidden, "expired link denies even a grantee")
	_, err = h.svc.AccessViaLink(ctx, link.Token, owner.ID)
	assert.ErrorIs(t, err, access.ErrForbidden, "expired link denies even the owner")

	d, err := h.svc.RequestDownload(ctx, viewer.ID, f.ID)
	require.NoError(t, err, "the grantee's own grant still works directly")
	_ = d.Body.Close()
}

func TestRegrantNeverShortensAccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.register(t, "Owner", "owner@example.com")
	viewer := h.register(t, "Viewer", "viewer@example.com")
	f := h.upload(t, owner, "x")

	_, err := h.svc.ShareWithUsers(ctx, owner.ID, f.ID, []string{viewer.Email}, 10*time.Hour)
	require.NoError(t, err)
	_, err = h.svc.ShareWithUsers(ctx, owner.ID, f.ID, []string{viewer.Email}, time.Hour)
	require.NoError(t, err)

	h.clock.Advance(5 * time.Hour)
	d, err := h.svc.RequestDownload(ctx, viewer.ID, f.ID)
	require.NoError(t, err)
	_ = d.Body.Close()

	stored, err := h.store.FileByID(ctx, f.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Grants, 1)
}

func TestRotationInvalidatesOldToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.register(t, "Owner", "owner@example.com")
	holder := h.register(t, "Holder", "holder@example.com")
	f := h.upload(t, owner, "x")

	first, err := h.svc.IssueShareLink(ctx, owner.ID, f.ID, time.Hour)
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	second, err := h.svc.IssueShareLink(ctx, owner.ID, f.ID, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, access.LinkRotated, second.Outcome)
	assert.NotEqual(t, first.Token, second.Token)

	_, err = h.svc.AccessViaLink(ctx, first.Token, holder.ID)
	assert.ErrorIs(t, err, access.ErrNotFound)

	d, err := h.svc.AccessViaLink(ctx, second.Token, holder.ID)
	require.NoError(t, err)
	_ = d.Body.Close()
}

func TestLiveLinkIsReusedAndNeverShortened(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.register(t, "Owner", "owner@example.com")
	f := h.upload(t, owner, "x")

	first, err := h.svc.IssueShareLink(ctx, owner.ID, f.ID, 24*time.Hour)
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	again, err := h.svc.IssueShareLink(ctx, owner.ID, f.ID, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, access.LinkReused, again.Outcome)
	assert.Equal(t, first.Token, again.Token)
	assert.Equal(t, first.ExpiresAt, again.ExpiresAt, "a shorter request keeps the later expiry")

	longer, err := h.svc.IssueShareLink(ctx, owner.ID, f.ID, 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, first.Token, longer.Token)
	assert.Equal(t, h.clock.Now().Add(48*time.Hour), longer.ExpiresAt)
}

func TestTokensAreDistinctAcrossFiles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.register(t, "Owner", "owner@example.com")

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		f := h.upload(t, owner, "x")
		link, err := h.svc.IssueShareLink(ctx, owner.ID, f.ID, 0)
		require.NoError(t, err)
		assert.Len(t, link.Token, 64, "256-bit hex token")
		assert.False(t, seen[link.Token])
		seen[link.Token] = true
	}
}

func TestTokenCollisionIsRetried(t *testing.T) {
	tokens := []string{"dup", "dup", "fresh"}
	var mu sync.Mutex
	src := func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		tok := tokens[0]
		tokens = tokens[1:]
		return tok, nil
	}
	h := newHarness(t, access.WithTokenSource(src))
	ctx := context.Background()
	owner := h.register(t, "Owner", "owner@example.com")
	a := h.upload(t, owner, "a")
	b := h.upload(t, owner, "b")

	la, err := h.svc.IssueShareLink(ctx, owner.ID, a.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, "dup", la.Token)

	lb, err := h.svc.IssueShareLink(ctx, owner.ID, b.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, "fresh", lb.Token)
}

func TestOwnerOnlyOperations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.register(t, "Owner", "owner@example.com")
	other := h.register(t, "Other", "other@example.com")
	f := h.upload(t, owner, "x")

	_, err := h.svc.ShareWithUsers(ctx, other.ID, f.ID, []string{other.Email}, 0)
	assert.ErrorIs(t, err, access.ErrForbidden)

	_, err = h.svc.IssueShareLink(ctx, other.ID, f.ID, 0)
	assert.ErrorIs(t, err, access.ErrForbidden)

	_, err = h.svc.IssueShareLink(ctx, owner.ID, "00000000-0000-0000-0000-000000000000", 0)
	assert.ErrorIs(t, err, access.ErrNotFound)

	_, err = h.svc.RequestDownload(ctx, owner.ID, "not-a-uuid")
	assert.ErrorIs(t, err, access.ErrNotFound)

	_, err = h.svc.AccessViaLink(ctx, "no-such-token", owner.ID)
	assert.ErrorIs(t, err, access.ErrNotFound)
}

func TestShareWithUsersResolvesEmails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.register(t, "Owner", "owner@example.com")
	viewer := h.register(t, "Viewer", "viewer@example.com")
	f := h.upload(t, owner, "x")

	_, err := h.svc.ShareWithUsers(ctx, owner.ID, f.ID, []string{"nobody@example.com"}, 0)
	assert.ErrorIs(t, err, access.ErrNotFound)

	_, err = h.svc.ShareWithUsers(ctx, owner.ID, f.ID, nil, 0)
	assert.ErrorIs(t, err, access.ErrInvalid)

	res, err := h.svc.ShareWithUsers(ctx, owner.ID, f.ID,
		[]string{" VIEWER@example.com ", "nobody@example.com", "owner@example.com"}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Granted)
	assert.Equal(t, []string{viewer.ID}, res.GranteeIDs)
	assert.Equal(t, h.clock.Now().Add(access.DefaultGrantTTL), res.ExpiresAt)

	ev := h.audit.last()
	assert.Equal(t, audit.ActionSharedWithUser, ev.Action)
	assert.Contains(t, ev.Details, viewer.ID)
	assert.Contains(t, ev.Details, "72h")
}

func TestListAccessibleFiles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.register(t, "Owner", "owner@example.com")
	viewer := h.register(t, "Viewer", "viewer@example.com")
	stranger := h.register(t, "Stranger", "stranger@example.com")

	shortLived := h.upload(t, owner, "a")
	h.clock.Advance(time.Minute)
	longLived := h.upload(t, owner, "b")

	_, err := h.svc.ShareWithUsers(ctx, owner.ID, shortLived.ID, []string{viewer.Email}, time.Hour)
	require.NoError(t, err)
	_, err = h.svc.ShareWithUsers(ctx, owner.ID, longLived.ID, []string{viewer.Email}, 10*time.Hour)
	require.NoError(t, err)
	_, err = h.svc.IssueShareLink(ctx, owner.ID, longLived.ID, 0)
	require.NoError(t, err)

	files, err := h.svc.ListAccessibleFiles(ctx, viewer.ID)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, longLived.ID, files[0].ID, "newest first")

	h.clock.Advance(2 * time.Hour)
	files, err = h.svc.ListAccessibleFiles(ctx, viewer.ID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, longLived.ID, files[0].ID)
	assert.Equal(t, access.RoleViewer, files[0].Role)

	files, err = h.svc.ListAccessibleFiles(ctx, owner.ID)
	require.NoError(t, err)
	require.Len(t, files, 2)
	for _, f := range files {
		assert.Equal(t, access.RoleOwner, f.Role)
	}

	raw, err := json.Marshal(files)
	require.NoError(t, err)
	assert.NotContains(t, strings.ToLower(string(raw)), "token")
	assert.NotContains(t, string(raw), "storage")

	files, err = h.svc.ListAccessibleFiles(ctx, stranger.ID)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestDownloadAuditTagsRole(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.register(t, "Owner", "owner@example.com")
	holder := h.register(t, "Holder", "holder@example.com")
	f := h.upload(t, owner, "x")

	d, err := h.svc.RequestDownload(ctx, owner.ID, f.ID)
	require.NoError(t, err)
	_ = d.Body.Close()
	ev := h.audit.last()
	assert.Equal(t, audit.ActionDownload, ev.Action)
	assert.Equal(t, "Downloaded via Dashboard by Owner.", ev.Details)

	link, err := h.svc.IssueShareLink(ctx, owner.ID, f.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, audit.ActionLinkIssued, h.audit.last().Action)

	d, err = h.svc.AccessViaLink(ctx, link.Token, holder.ID)
	require.NoError(t, err)
	_ = d.Body.Close()
	ev = h.audit.last()
	assert.Equal(t, holder.ID, ev.UserID)
	assert.Equal(t, "Downloaded via Shared Link by Viewer.", ev.Details)

	before := len(h.audit.actions())
	_, err = h.svc.RequestDownload(ctx, holder.ID, f.ID)
	require.ErrorIs(t, err, access.ErrForbidden)
	assert.Len(t, h.audit.actions(), before, "denials are not recorded as downloads")
}

func TestDownloadReportsStorageFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.register(t, "Owner", "owner@example.com")
	f := h.upload(t, owner, "x")

	stored, err := h.store.FileByID(ctx, f.ID)
	require.NoError(t, err)
	require.NoError(t, h.objects.Remove(ctx, stored.StorageRef))

	_, err = h.svc.RequestDownload(ctx, owner.ID, f.ID)
	assert.ErrorIs(t, err, access.ErrUpstream)
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
}

type failingCreate struct {
	*store.Memory
}

func (failingCreate) CreateFile(context.Context, access.File) error {
	return errors.New("connection reset")
}

func TestUploadRemovesObjectWhenInsertFails(t *testing.T) {
	mem := store.NewMemory()
	objects := storage.NewMemory()
	svc := access.NewService(failingCreate{mem}, objects, nil, access.WithBcryptCost(bcrypt.MinCost))

	u, err := svc.Register(context.Background(), access.RegisterInput{Name: "O", Email: "o@example.com", Password: "s3cretpass"})
	require.NoError(t, err)

	_, err = svc.Upload(context.Background(), u.ID, access.UploadInput{Filename: "a.csv", ContentType: "text/csv", SizeBytes: -1, Body: strings.NewReader("a,b")})
	assert.ErrorIs(t, err, access.ErrUpstream)
	assert.Zero(t, objects.Len())
}

func TestRegisterAndAuthenticate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	u := h.register(t, "Ada", "Ada@Example.com")
	assert.Equal(t, "ada@example.com", u.Email)
	assert.NotEqual(t, "s3cretpass", u.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte("s3cretpass")))

	_, err := h.svc.Register(ctx, access.RegisterInput{Name: "Ada 2", Email: "ada@example.com", Password: "s3cretpass"})
	assert.ErrorIs(t, err, access.ErrConflict)

	got, err := h.svc.Authenticate(ctx, "ADA@example.com", "s3cretpass")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = h.svc.Authenticate(ctx, "ada@example.com", "wrongpass1")
	assert.ErrorIs(t, err, access.ErrUnauthenticated)
	assert.Equal(t, "invalid credentials", access.ReasonOf(err))

	_, err = h.svc.Authenticate(ctx, "nobody@example.com", "s3cretpass")
	assert.ErrorIs(t, err, access.ErrUnauthenticated)

	_, err = h.svc.UserByID(ctx, "missing")
	assert.ErrorIs(t, err, access.ErrUnauthenticated)
}

func TestRegisterValidation(t *testing.T) {
	h := newHarness(t)
	cases := []access.RegisterInput{
		{Name: "", Email: "a@example.com", Password: "s3cretpass"},
		{Name: "A", Email: "not-an-email", Password: "s3cretpass"},
		{Name: "A", Email: "a@example.com", Password: "short1"},
		{Name: "A", Email: "a@example.com", Password: "lettersonly"},
		{Name: "A", Email: "a@example.com", Password: strings.Repeat("a1", 40)},
	}
	for _, in := range cases {
		_, err := h.svc.Register(context.Background(), in)
		assert.ErrorIs(t, err, access.ErrInvalid, "%+v", in)
	}
}
