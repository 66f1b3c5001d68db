package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"secure-file-share/internal/access"
)

// RegisterRequest is the JSON payload for user registration.
type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResponse is returned by register and login.
type AuthResponse struct {
	User      access.User `json:"user"`
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expiresAt"`
}

// maxAuthBody bounds register and login bodies.
const maxAuthBody = 16 << 10

// handleRegister handles POST /api/auth/register. The new user is signed
// in immediately.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decodeJSON(w, r, maxAuthBody, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	u, err := s.svc.Register(r.Context(), access.RegisterInput{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	tok, exp, err := s.tokens.issue(u.ID)
	if err != nil {
		s.log.Error("issue token", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.log.Info("user registered", zap.String("user_id", u.ID))
	writeJSON(w, http.StatusCreated, AuthResponse{User: u, Token: tok, ExpiresAt: exp})
}

// handleLogin handles POST /api/auth/login. Repeated failures for one
// email lock it out for a while.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, maxAuthBody, &req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	key := access.NormalizeEmail(req.Email)

	if locked, until, _ := s.lockout.IsLocked(key); locked {
		s.metrics.RecordLogin("locked")
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(until.Sub(s.now()).Seconds())+1))
		writeMessage(w, http.StatusTooManyRequests, "too many failed attempts, try again later")
		return
	}

	u, err := s.svc.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, access.ErrUnauthenticated) {
			s.metrics.RecordLogin("failure")
			if locked, _ := s.lockout.RecordFailedAttempt(key); locked {
				s.log.Warn("account locked", zap.String("ip", s.ips.clientIP(r)))
			}
		}
		s.writeError(w, r, err)
		return
	}
	s.lockout.RecordSuccessfulLogin(key)
	s.metrics.RecordLogin("success")

	tok, exp, err := s.tokens.issue(u.ID)
	if err != nil {
		s.log.Error("issue token", zap.Error(err))
		writeMessage(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, AuthResponse{User: u, Token: tok, ExpiresAt: exp})
}

// decodeJSON reads one JSON object of at most limit bytes into v. An empty
// body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}
