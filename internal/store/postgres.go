package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"secure-file-share/internal/access"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Postgres implements access.Store over database/sql. It works with both
// the pgx stdlib driver and lib/pq.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

var _ access.Store = (*Postgres)(nil)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

func isUniqueViolation(err error) bool { return pgCode(err) == pgUniqueViolation }

func isForeignKeyViolation(err error) bool { return pgCode(err) == pgForeignKeyViolation }

// validID filters ids that would make Postgres reject the query with a
// type error instead of returning no rows.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// placeholders returns "$start, $start+1, ..." for n arguments.
func placeholders(start, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("$")
		b.WriteString(strconv.Itoa(start + i))
	}
	return b.String()
}

func (p *Postgres) CreateUser(ctx context.Context, u access.User) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO users (id, name, email, password_hash, created_at) VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Name, u.Email, u.PasswordHash, u.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("create user %s: %w", u.Email, access.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

const userColumns = `id, name, email, password_hash, created_at`

func scanUser(row interface{ Scan(...any) error }) (access.User, error) {
	var u access.User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.PasswordHash, &u.CreatedAt)
	return u, err
}

func (p *Postgres) UserByID(ctx context.Context, id string) (access.User, error) {
	if !validID(id) {
		return access.User{}, access.ErrNotFound
	}
	u, err := scanUser(p.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return access.User{}, access.ErrNotFound
	}
	if err != nil {
		return access.User{}, fmt.Errorf("load user: %w", err)
	}
	return u, nil
}

func (p *Postgres) UserByEmail(ctx context.Context, email string) (access.User, error) {
	u, err := scanUser(p.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
	if errors.Is(err, sql.ErrNoRows) {
		return access.User{}, access.ErrNotFound
	}
	if err != nil {
		return access.User{}, fmt.Errorf("load user by email: %w", err)
	}
	return u, nil
}

func (p *Postgres) UsersByEmails(ctx context.Context, emails []string) ([]access.User, error) {
	if len(emails) == 0 {
		return nil, nil
	}
	args := make([]any, len(emails))
	for i, e := range emails {
		args[i] = e
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email IN (`+placeholders(1, len(emails))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("load users by email: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []access.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateFile(ctx context.Context, f access.File) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO files (id, owner_id, filename, content_type, size_bytes, storage_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		f.ID, f.OwnerID, f.Filename, f.ContentType, f.SizeBytes, f.StorageRef, f.CreatedAt,
	)
	switch {
	case isUniqueViolation(err):
		return fmt.Errorf("create file %s: %w", f.ID, access.ErrConflict)
	case isForeignKeyViolation(err):
		return fmt.Errorf("create file: owner %s: %w", f.OwnerID, access.ErrNotFound)
	case err != nil:
		return fmt.Errorf("create file: %w", err)
	}
	return nil
}

const fileColumns = `id, owner_id, filename, content_type, size_bytes, storage_ref, created_at, share_token, share_expires_at`

func scanFile(row interface{ Scan(...any) error }) (access.File, error) {
	var (
		f       access.File
		token   sql.NullString
		expires sql.NullTime
	)
	err := row.Scan(&f.ID, &f.OwnerID, &f.Filename, &f.ContentType, &f.SizeBytes, &f.StorageRef, &f.CreatedAt, &token, &expires)
	if err != nil {
		return f, err
	}
	if token.Valid {
		link := access.ShareLink{Token: token.String}
		if expires.Valid {
			t := expires.Time
			link.ExpiresAt = &t
		}
		f.Link = &link
	}
	f.Grants = make(map[string]access.Grant)
	return f, nil
}

func (p *Postgres) FileByID(ctx context.Context, id string) (access.File, error) {
	if !validID(id) {
		return access.File{}, access.ErrNotFound
	}
	return p.loadOne(ctx, `SELECT `+fileColumns+` FROM files WHERE id = $1`, id)
}

func (p *Postgres) FileByShareToken(ctx context.Context, token string) (access.File, error) {
	return p.loadOne(ctx, `SELECT `+fileColumns+` FROM files WHERE share_token = $1`, token)
}

func (p *Postgres) loadOne(ctx context.Context, query string, arg string) (access.File, error) {
	f, err := scanFile(p.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return access.File{}, access.ErrNotFound
	}
	if err != nil {
		return access.File{}, fmt.Errorf("load file: %w", err)
	}
	files := []access.File{f}
	if err := p.attachGrants(ctx, files); err != nil {
		return access.File{}, err
	}
	return files[0], nil
}

func (p *Postgres) FilesVisibleTo(ctx context.Context, userID string, at time.Time) ([]access.File, error) {
	if !validID(userID) {
		return nil, nil
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+fileColumns+`
		FROM files f
		WHERE f.owner_id = $1
		   OR EXISTS (
		        SELECT 1 FROM file_grants g
		        WHERE g.file_id = f.id
		          AND g.grantee_id = $1
		          AND (g.expires_at IS NULL OR g.expires_at > $2))
		ORDER BY f.created_at DESC`,
		userID, at.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var files []access.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := p.attachGrants(ctx, files); err != nil {
		return nil, err
	}
	return files, nil
}

func (p *Postgres) attachGrants(ctx context.Context, files []access.File) error {
	if len(files) == 0 {
		return nil
	}
	index := make(map[string]int, len(files))
	args := make([]any, len(files))
	for i, f := range files {
		index[f.ID] = i
		args[i] = f.ID
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT file_id, grantee_id, expires_at FROM file_grants WHERE file_id IN (`+placeholders(1, len(files))+`)`,
		args...)
	if err != nil {
		return fmt.Errorf("load grants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			fileID, granteeID string
			expires           sql.NullTime
		)
		if err := rows.Scan(&fileID, &granteeID, &expires); err != nil {
			return err
		}
		g := access.Grant{GranteeID: granteeID}
		if expires.Valid {
			t := expires.Time
			g.ExpiresAt = &t
		}
		if i, ok := index[fileID]; ok {
			files[i].Grants[granteeID] = g
		}
	}
	return rows.Err()
}

// upsertGrant keeps the later expiry; NULL means never and is never
// replaced by a timestamp.
const upsertGrant = `
	INSERT INTO file_grants (file_id, grantee_id, expires_at)
	VALUES ($1, $2, $3)
	ON CONFLICT (file_id, grantee_id) DO UPDATE SET
		expires_at = CASE
			WHEN file_grants.expires_at IS NULL OR EXCLUDED.expires_at IS NULL THEN NULL
			ELSE GREATEST(file_grants.expires_at, EXCLUDED.expires_at)
		END,
		granted_at = now()`

func (p *Postgres) UpsertGrants(ctx context.Context, fileID string, grants []access.Grant) (err error) {
	if !validID(fileID) {
		return access.ErrNotFound
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin grant tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, upsertGrant)
	if err != nil {
		return fmt.Errorf("prepare grant upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, g := range grants {
		var exp any
		if g.ExpiresAt != nil {
			exp = g.ExpiresAt.UTC()
		}
		if _, err = stmt.ExecContext(ctx, fileID, g.GranteeID, exp); err != nil {
			if isForeignKeyViolation(err) {
				return fmt.Errorf("grant %s on %s: %w", g.GranteeID, fileID, access.ErrNotFound)
			}
			return fmt.Errorf("upsert grant: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit grants: %w", err)
	}
	return nil
}

func (p *Postgres) SetShareLink(ctx context.Context, fileID string, link access.ShareLink) error {
	if !validID(fileID) {
		return access.ErrNotFound
	}
	var exp any
	if link.ExpiresAt != nil {
		exp = link.ExpiresAt.UTC()
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE files SET share_token = $2, share_expires_at = $3 WHERE id = $1`,
		fileID, link.Token, exp,
	)
	if isUniqueViolation(err) {
		return access.ErrTokenTaken
	}
	if err != nil {
		return fmt.Errorf("set share link: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set share link: %w", err)
	}
	if n == 0 {
		return access.ErrNotFound
	}
	return nil
}
