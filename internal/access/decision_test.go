package access

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func ptr(t time.Time) *time.Time { return &t }

func fileWith(grants map[string]Grant, link *ShareLink) File {
	return File{ID: "f", OwnerID: "owner", Grants: grants, Link: link}
}

func TestDecide(t *testing.T) {
	live := &ShareLink{Token: "tok", ExpiresAt: ptr(t0.Add(time.Hour))}
	dead := &ShareLink{Token: "tok", ExpiresAt: ptr(t0)}
	grants := map[string]Grant{
		"viewer":  {GranteeID: "viewer", ExpiresAt: ptr(t0.Add(time.Minute))},
		"expired": {GranteeID: "expired", ExpiresAt: ptr(t0.Add(-time.Second))},
		"forever": {GranteeID: "forever"},
	}

	cases := []struct {
		name      string
		requester string
		path      Path
		link      *ShareLink
		wantRole  Role
		wantErr   error
		reason    string
	}{
		{"owner direct", "owner", PathDirect, nil, RoleOwner, nil, ""},
		{"live grant direct", "viewer", PathDirect, nil, RoleViewer, nil, ""},
		{"non-expiring grant", "forever", PathDirect, nil, RoleViewer, nil, ""},
		{"expired grant direct", "expired", PathDirect, nil, "", ErrForbidden, ""},
		{"stranger direct", "stranger", PathDirect, nil, "", ErrForbidden, ""},
		{"no requester", "", PathDirect, nil, "", ErrUnauthenticated, ""},
		{"stranger live link", "stranger", PathShareLink, live, RoleViewer, nil, ""},
		{"owner live link", "owner", PathShareLink, live, RoleOwner, nil, ""},
		{"owner expired link", "owner", PathShareLink, dead, "", ErrForbidden, "link expired"},
		{"grantee expired link", "viewer", PathShareLink, dead, "", ErrForbidden, "link expired"},
		{"link path without link", "owner", PathShareLink, nil, "", ErrNotFound, ""},
		{"direct ignores dead link", "viewer", PathDirect, dead, RoleViewer, nil, ""},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			role, err := Decide(fileWith(grants, c.link), c.requester, c.path, t0)
			if c.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, c.wantErr), "got %v", err)
				if c.reason != "" {
					assert.Equal(t, c.reason, ReasonOf(err))
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.wantRole, role)
		})
	}
}

func TestIsGrantedBoundary(t *testing.T) {
	f := fileWith(map[string]Grant{"v": {GranteeID: "v", ExpiresAt: ptr(t0)}}, nil)
	assert.True(t, IsGranted(f, "v", t0.Add(-time.Nanosecond)))
	assert.False(t, IsGranted(f, "v", t0), "expiresAt must be strictly after the check time")
	assert.False(t, IsGranted(f, "owner", t0), "ownership is not a grant")
	assert.False(t, IsGranted(File{}, "v", t0))
}

func TestLaterExpiry(t *testing.T) {
	a, b := ptr(t0), ptr(t0.Add(time.Hour))
	assert.Equal(t, b, LaterExpiry(a, b))
	assert.Equal(t, b, LaterExpiry(b, a))
	assert.Nil(t, LaterExpiry(nil, a))
	assert.Nil(t, LaterExpiry(a, nil))
}

func TestTTLFromHours(t *testing.T) {
	cases := []struct {
		in   float64
		def  time.Duration
		want time.Duration
	}{
		{0, DefaultGrantTTL, 72 * time.Hour},
		{-3, DefaultLinkTTL, 24 * time.Hour},
		{1, DefaultGrantTTL, time.Hour},
		{0.5, DefaultLinkTTL, 30 * time.Minute},
		{1e9, DefaultGrantTTL, MaxTTL},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, TTLFromHours(c.in, c.def), "TTLFromHours(%v)", c.in)
	}
}

func TestErrorKinds(t *testing.T) {
	err := forbidden("nope")
	assert.ErrorIs(t, err, ErrForbidden)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Equal(t, KindForbidden, KindOf(err))
	assert.Equal(t, "nope", ReasonOf(err))

	cause := errors.New("dial tcp: refused")
	up := upstream("storage", cause)
	assert.ErrorIs(t, up, ErrUpstream)
	assert.ErrorIs(t, up, cause)

	assert.Equal(t, Kind(0), KindOf(cause))
	assert.Equal(t, KindNotFound, KindOf(passthrough("x", notFound("y"))))
	assert.Equal(t, KindUpstream, KindOf(passthrough("x", cause)))
}
