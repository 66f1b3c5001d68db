package access

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"secure-file-share/internal/audit"
)

// tokenBytes is the entropy of a share token: 256 bits.
const tokenBytes = 32

// maxTokenAttempts bounds retries when a fresh token collides with one
// already stored.
const maxTokenAttempts = 3

// LinkOutcome says what IssueOrRotate did to the file's link.
type LinkOutcome string

const (
	LinkCreated LinkOutcome = "created"
	LinkReused  LinkOutcome = "reused"
	LinkRotated LinkOutcome = "rotated"
)

// LinkResult is returned by IssueOrRotate.
type LinkResult struct {
	Token     string      `json:"-"`
	URL       string      `json:"shareLink"`
	ExpiresAt time.Time   `json:"expiresAt"`
	Outcome   LinkOutcome `json:"outcome"`
}

func newShareToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// LinkIssuer creates, rotates and resolves share-link tokens.
type LinkIssuer struct {
	store    FileStore
	auditor  Auditor
	now      func() time.Time
	newToken func() (string, error)
}

func NewLinkIssuer(store FileStore, auditor Auditor, now func() time.Time) *LinkIssuer {
	return &LinkIssuer{store: store, auditor: auditor, now: now, newToken: newShareToken}
}

// IssueOrRotate returns a live link for f. When f has no link, or its link
// has expired, a new token is generated with expiry now+ttl. A live link
// keeps its token and its expiry is extended to now+ttl if that is later;
// a re-issue never shortens a link.
func (li *LinkIssuer) IssueOrRotate(ctx context.Context, f File, requesterID string, ttl time.Duration) (LinkResult, error) {
	if f.OwnerID != requesterID {
		return LinkResult{}, forbidden("only the file owner can generate a share link")
	}
	if ttl <= 0 {
		ttl = DefaultLinkTTL
	}

	now := li.now().UTC()
	wanted := now.Add(ttl)

	var (
		res LinkResult
		err error
	)
	switch {
	case f.Link == nil || f.Link.Token == "":
		res, err = li.writeFresh(ctx, f.ID, wanted, LinkCreated)
	case f.Link.ExpiredAt(now):
		res, err = li.writeFresh(ctx, f.ID, wanted, LinkRotated)
	default:
		exp := LaterExpiry(f.Link.ExpiresAt, &wanted)
		link := ShareLink{Token: f.Link.Token, ExpiresAt: exp}
		if err = li.store.SetShareLink(ctx, f.ID, link); err != nil {
			return LinkResult{}, passthrough("store share link", err)
		}
		res = LinkResult{Token: link.Token, Outcome: LinkReused}
		if exp != nil {
			res.ExpiresAt = *exp
		}
	}
	if err != nil {
		return LinkResult{}, err
	}

	li.auditor.Record(ctx, audit.Event{
		Timestamp: li.now(),
		UserID:    requesterID,
		FileID:    f.ID,
		Action:    audit.ActionLinkIssued,
		Details:   fmt.Sprintf("Share link %s. Expires at %s.", res.Outcome, res.ExpiresAt.Format(time.RFC3339)),
	})
	return res, nil
}

func (li *LinkIssuer) writeFresh(ctx context.Context, fileID string, expiresAt time.Time, outcome LinkOutcome) (LinkResult, error) {
	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		token, err := li.newToken()
		if err != nil {
			return LinkResult{}, upstream("generate share token", err)
		}
		exp := expiresAt
		err = li.store.SetShareLink(ctx, fileID, ShareLink{Token: token, ExpiresAt: &exp})
		if errors.Is(err, ErrTokenTaken) {
			continue
		}
		if err != nil {
			return LinkResult{}, passthrough("store share link", err)
		}
		return LinkResult{Token: token, ExpiresAt: expiresAt, Outcome: outcome}, nil
	}
	return LinkResult{}, upstream("store share link", ErrTokenTaken)
}

// Resolve finds the file bound to token. It does not check expiry.
func (li *LinkIssuer) Resolve(ctx context.Context, token string) (File, error) {
	if token == "" {
		return File{}, notFound("file not found or link is invalid")
	}
	f, err := li.store.FileByShareToken(ctx, token)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return File{}, notFound("file not found or link is invalid")
		}
		return File{}, passthrough("resolve share link", err)
	}
	return f, nil
}
