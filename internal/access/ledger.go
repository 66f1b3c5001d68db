package access

import (
	"context"
	"fmt"
	"strings"
	"time"

	"secure-file-share/internal/audit"
)

const (
	DefaultGrantTTL = 72 * time.Hour
	DefaultLinkTTL  = 24 * time.Hour
	// MaxTTL caps any requested grant or link lifetime.
	MaxTTL = 365 * 24 * time.Hour
)

// TTLFromHours converts a requested lifetime in hours. Zero or negative
// selects def; anything above MaxTTL is capped.
func TTLFromHours(hours float64, def time.Duration) time.Duration {
	if hours <= 0 {
		return def
	}
	if hours >= MaxTTL.Hours() {
		return MaxTTL
	}
	return time.Duration(hours * float64(time.Hour))
}

// IsGranted reports whether userID holds a grant on f that is live at t.
// It never consults ownership.
func IsGranted(f File, userID string, at time.Time) bool {
	g, ok := f.Grants[userID]
	return ok && g.LiveAt(at)
}

// LaterExpiry merges two grant expiries. Nil means never, so it wins.
func LaterExpiry(old, next *time.Time) *time.Time {
	if old == nil || next == nil {
		return nil
	}
	if next.After(*old) {
		return next
	}
	return old
}

// GrantResult reports the outcome of a share operation.
type GrantResult struct {
	Granted    int       `json:"granted"`
	GranteeIDs []string  `json:"granteeIds"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Ledger maintains per-file grants.
type Ledger struct {
	store   FileStore
	auditor Auditor
	now     func() time.Time
}

func NewLedger(store FileStore, auditor Auditor, now func() time.Time) *Ledger {
	return &Ledger{store: store, auditor: auditor, now: now}
}

// Grant gives each grantee access to f until now+ttl. Only the owner may
// grant. The owner and repeated ids are skipped; a grantee who already
// holds a longer grant keeps it.
func (l *Ledger) Grant(ctx context.Context, f File, requesterID string, granteeIDs []string, ttl time.Duration) (GrantResult, error) {
	if f.OwnerID != requesterID {
		return GrantResult{}, forbidden("only the file owner can share it")
	}
	if ttl <= 0 {
		ttl = DefaultGrantTTL
	}

	expiresAt := l.now().UTC().Add(ttl)
	seen := make(map[string]bool, len(granteeIDs))
	var grants []Grant
	var ids []string
	for _, id := range granteeIDs {
		if id == "" || id == f.OwnerID || seen[id] {
			continue
		}
		seen[id] = true
		exp := expiresAt
		grants = append(grants, Grant{GranteeID: id, ExpiresAt: &exp})
		ids = append(ids, id)
	}
	if len(grants) == 0 {
		return GrantResult{}, notFound("no valid users found to share with")
	}

	if err := l.store.UpsertGrants(ctx, f.ID, grants); err != nil {
		return GrantResult{}, passthrough("store grants", err)
	}

	l.auditor.Record(ctx, audit.Event{
		Timestamp: l.now(),
		UserID:    requesterID,
		FileID:    f.ID,
		Action:    audit.ActionSharedWithUser,
		Details:   fmt.Sprintf("Shared with users: %s. Expires in %s.", strings.Join(ids, ", "), formatTTL(ttl)),
	})

	return GrantResult{Granted: len(ids), GranteeIDs: ids, ExpiresAt: expiresAt}, nil
}

func formatTTL(d time.Duration) string {
	if d%time.Hour == 0 {
		return fmt.Sprintf("%dh", int64(d/time.Hour))
	}
	return d.String()
}
