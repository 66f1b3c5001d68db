package access

import "time"

// Decide is the access verdict for requesterID reaching f by path at now.
// It is a pure function of its arguments; nothing is cached between calls.
//
// On the link path an expired link denies before ownership or grants are
// looked at. A live link admits any authenticated holder. On the direct
// path only the owner and holders of a live grant are admitted.
func Decide(f File, requesterID string, path Path, now time.Time) (Role, error) {
	if requesterID == "" {
		return "", ErrUnauthenticated
	}

	if path == PathShareLink {
		if f.Link == nil {
			return "", notFound("file not found or link is invalid")
		}
		if f.Link.ExpiredAt(now) {
			return "", forbidden("link expired")
		}
	}

	if f.OwnerID == requesterID {
		return RoleOwner, nil
	}
	if IsGranted(f, requesterID, now) {
		return RoleViewer, nil
	}
	if path == PathShareLink {
		return RoleViewer, nil
	}
	return "", forbidden("your authorization has expired or you are not permitted")
}
