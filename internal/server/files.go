package server

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"secure-file-share/internal/access"
)

// uploadedFile is the metadata returned for each stored upload.
type uploadedFile struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"fileType"`
	SizeBytes   int64     `json:"fileSize"`
	OwnerID     string    `json:"ownerId"`
	CreatedAt   time.Time `json:"createdAt"`
}

type uploadResp struct {
	Message string         `json:"message"`
	Files   []uploadedFile `json:"files"`
}

// errFileTooLarge is returned by cappedReader once its budget is spent.
var errFileTooLarge = errors.New("file exceeds the upload size limit")

// cappedReader fails the read that would take it past limit bytes.
type cappedReader struct {
	r        io.Reader
	limit    int64
	n        int64
	exceeded bool
}

func (c *cappedReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.n > c.limit {
		c.exceeded = true
		return n, errFileTooLarge
	}
	return n, err
}

// handleUpload handles POST /api/files/upload. Each part named "files" is
// streamed to storage and recorded with the caller as owner.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())

	// Overall cap: every allowed file at full size plus form overhead.
	r.Body = http.MaxBytesReader(w, r.Body, int64(s.cfg.MaxUploadFiles)*s.cfg.MaxUploadBytes+1<<20)
	mr, err := r.MultipartReader()
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "expected multipart/form-data")
		return
	}

	var stored []uploadedFile
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.uploadFailed(w, r, http.StatusBadRequest, "malformed multipart body", err)
			return
		}
		if part.FormName() != "files" || part.FileName() == "" {
			_ = part.Close()
			continue
		}
		if len(stored) == s.cfg.MaxUploadFiles {
			_ = part.Close()
			s.uploadFailed(w, r, http.StatusBadRequest,
				fmt.Sprintf("at most %d files per upload", s.cfg.MaxUploadFiles), nil)
			return
		}

		f, status, err := s.storePart(r, userID, part)
		_ = part.Close()
		if err != nil {
			if status == 0 {
				s.metrics.RecordUploadError()
				s.writeError(w, r, err)
				return
			}
			s.uploadFailed(w, r, status, err.Error(), nil)
			return
		}
		stored = append(stored, f)
	}

	if len(stored) == 0 {
		writeMessage(w, http.StatusBadRequest, "no files uploaded")
		return
	}
	writeJSON(w, http.StatusCreated, uploadResp{
		Message: fmt.Sprintf("%d file(s) uploaded", len(stored)),
		Files:   stored,
	})
}

// storePart uploads one part. A non-zero status marks a client error
// whose message is err's text; otherwise err is an access error.
func (s *Server) storePart(r *http.Request, userID string, part *multipart.Part) (uploadedFile, int, error) {
	name := SanitizeFilename(part.FileName())
	ct, err := ResolveUploadType(name, part.Header.Get("Content-Type"))
	if err != nil {
		return uploadedFile{}, http.StatusUnsupportedMediaType, err
	}

	body := &cappedReader{r: part, limit: s.cfg.MaxUploadBytes}
	f, err := s.svc.Upload(r.Context(), userID, access.UploadInput{
		Filename:    name,
		ContentType: ct,
		SizeBytes:   -1,
		Body:        body,
	})
	if body.exceeded {
		return uploadedFile{}, http.StatusRequestEntityTooLarge,
			fmt.Errorf("%s exceeds the %d byte limit", name, s.cfg.MaxUploadBytes)
	}
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return uploadedFile{}, http.StatusRequestEntityTooLarge, errors.New("request body too large")
	}
	if err != nil {
		return uploadedFile{}, 0, err
	}

	s.metrics.RecordUpload(f.SizeBytes)
	s.log.Info("file uploaded",
		zap.String("rid", RequestIDFromContext(r.Context())),
		zap.String("file_id", f.ID),
		zap.String("owner_id", userID),
		zap.Int64("size_bytes", f.SizeBytes))
	return uploadedFile{
		ID:          f.ID,
		Filename:    f.Filename,
		ContentType: f.ContentType,
		SizeBytes:   f.SizeBytes,
		OwnerID:     f.OwnerID,
		CreatedAt:   f.CreatedAt,
	}, 0, nil
}

func (s *Server) uploadFailed(w http.ResponseWriter, r *http.Request, status int, msg string, err error) {
	s.metrics.RecordUploadError()
	if err != nil {
		s.log.Warn("upload rejected",
			zap.String("rid", RequestIDFromContext(r.Context())), zap.Error(err))
	}
	writeMessage(w, status, msg)
}

// handleListFiles handles GET /api/files/my-files.
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.svc.ListAccessibleFiles(r.Context(), userIDFromContext(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

// handleDownload handles GET /api/files/{id}/download.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.RequestDownload(r.Context(), userIDFromContext(r.Context()), r.PathValue("id"))
	s.recordVerdict(access.PathDirect, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.stream(w, r, d, access.PathDirect)
}

// handleAccessViaLink handles GET /api/share/{token}.
func (s *Server) handleAccessViaLink(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.AccessViaLink(r.Context(), r.PathValue("token"), userIDFromContext(r.Context()))
	s.recordVerdict(access.PathShareLink, err)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.stream(w, r, d, access.PathShareLink)
}

func (s *Server) recordVerdict(path access.Path, err error) {
	switch {
	case err == nil:
		s.metrics.RecordVerdict(path.String(), "allow")
	case errors.Is(err, access.ErrUpstream):
		s.metrics.RecordDownloadError()
	default:
		s.metrics.RecordVerdict(path.String(), access.KindOf(err).String())
	}
}

// stream copies an authorized download to the client. Once the body has
// started a failure can only abort the connection.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, d *access.Download, path access.Path) {
	defer d.Body.Close()

	ct := d.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", contentDisposition(d.Filename))
	w.Header().Set("Cache-Control", "no-store")
	if d.SizeBytes > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(d.SizeBytes, 10))
	}
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, d.Body)
	if err != nil {
		s.metrics.RecordDownloadError()
		s.log.Error("download interrupted",
			zap.String("rid", RequestIDFromContext(r.Context())),
			zap.String("file_id", d.FileID),
			zap.Int64("bytes_sent", n),
			zap.Error(err))
		panic(http.ErrAbortHandler)
	}
	s.metrics.RecordDownload(path.String(), string(d.Role), n)
}

type shareUsersReq struct {
	TargetEmails   []string `json:"targetEmails"`
	ExpiresInHours float64  `json:"expiresInHours"`
}

type shareUsersResp struct {
	Message   string    `json:"message"`
	Granted   int       `json:"granted"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// handleShareWithUsers handles POST /api/files/{id}/share/user.
func (s *Server) handleShareWithUsers(w http.ResponseWriter, r *http.Request) {
	var req shareUsersReq
	if err := decodeJSON(w, r, 64<<10, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ttl := access.TTLFromHours(req.ExpiresInHours, access.DefaultGrantTTL)

	res, err := s.svc.ShareWithUsers(r.Context(), userIDFromContext(r.Context()), r.PathValue("id"), req.TargetEmails, ttl)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.metrics.RecordGrants(res.Granted)
	writeJSON(w, http.StatusOK, shareUsersResp{
		Message:   fmt.Sprintf("File shared with %d user(s)", res.Granted),
		Granted:   res.Granted,
		ExpiresAt: res.ExpiresAt,
	})
}

type issueLinkReq struct {
	ExpiresInHours float64 `json:"expiresInHours"`
}

// handleIssueLink handles POST /api/files/{id}/share/link. The body is
// optional.
func (s *Server) handleIssueLink(w http.ResponseWriter, r *http.Request) {
	var req issueLinkReq
	if err := decodeJSON(w, r, 16<<10, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ttl := access.TTLFromHours(req.ExpiresInHours, access.DefaultLinkTTL)

	res, err := s.svc.IssueShareLink(r.Context(), userIDFromContext(r.Context()), r.PathValue("id"), ttl)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.cfg.BaseURL == "" {
		res.URL = requestOrigin(r) + access.SharePath + res.Token
	}
	s.metrics.RecordLink(string(res.Outcome))
	writeJSON(w, http.StatusOK, res)
}
