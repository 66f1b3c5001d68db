package access

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// DefaultBcryptCost is used for every stored password hash.
const DefaultBcryptCost = 12

var (
	emailRegex  = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	digitRegex  = regexp.MustCompile(`[0-9]`)
	letterRegex = regexp.MustCompile(`[a-zA-Z]`)
)

// NormalizeEmail lower-cases and trims an address for storage and lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateEmail(email string) bool {
	return emailRegex.MatchString(email)
}

func validatePassword(password string) (bool, string) {
	if len(password) < 8 {
		return false, "password must be at least 8 characters long"
	}
	// bcrypt ignores everything past 72 bytes.
	if len(password) > 72 {
		return false, "password must be at most 72 characters long"
	}
	if !digitRegex.MatchString(password) || !letterRegex.MatchString(password) {
		return false, "password must contain both letters and numbers"
	}
	return true, ""
}

func validateName(name string) (bool, string) {
	if name == "" {
		return false, "name is required"
	}
	if len(name) > 100 {
		return false, "name must be at most 100 characters long"
	}
	return true, ""
}

// RegisterInput is the payload of a registration.
type RegisterInput struct {
	Name     string
	Email    string
	Password string
}

// Register creates a user. Only a bcrypt hash of the password is kept.
func (s *Service) Register(ctx context.Context, in RegisterInput) (User, error) {
	name := strings.TrimSpace(in.Name)
	email := NormalizeEmail(in.Email)

	if ok, msg := validateName(name); !ok {
		return User{}, invalid(msg)
	}
	if !validateEmail(email) {
		return User{}, invalid("invalid email address")
	}
	if ok, msg := validatePassword(in.Password); !ok {
		return User{}, invalid(msg)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.bcryptCost)
	if err != nil {
		return User{}, upstream("hash password", err)
	}

	u := User{
		ID:           uuid.NewString(),
		Name:         name,
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, ErrConflict) {
			return User{}, &Error{Kind: KindConflict, Reason: "user already exists"}
		}
		return User{}, passthrough("create user", err)
	}
	return u, nil
}

// Authenticate checks an email and password pair. Every mismatch yields
// the same Unauthenticated error.
func (s *Service) Authenticate(ctx context.Context, email, password string) (User, error) {
	bad := &Error{Kind: KindUnauthenticated, Reason: "invalid credentials"}

	u, err := s.store.UserByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Spend comparable time on unknown accounts.
			_ = bcrypt.CompareHashAndPassword(s.dummyHash(), []byte(password))
			return User{}, bad
		}
		return User{}, passthrough("load user", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return User{}, bad
	}
	return u, nil
}

// UserByID returns the user behind a verified bearer credential. A
// credential for a user that no longer exists is Unauthenticated.
func (s *Service) UserByID(ctx context.Context, id string) (User, error) {
	u, err := s.store.UserByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return User{}, ErrUnauthenticated
		}
		return User{}, passthrough("load user", err)
	}
	return u, nil
}

func (s *Service) dummyHash() []byte {
	s.dummyOnce.Do(func() {
		h, err := bcrypt.GenerateFromPassword([]byte("placeholder-password-0"), s.bcryptCost)
		if err == nil {
			s.dummy = h
		}
	})
	return s.dummy
}
