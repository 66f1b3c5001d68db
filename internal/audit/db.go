package audit

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
)

// DBSink inserts events into the audit_logs table.
type DBSink struct {
	db *sql.DB
}

func NewDBSink(db *sql.DB) *DBSink {
	return &DBSink{db: db}
}

func (s *DBSink) Write(ctx context.Context, e Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, occurred_at, user_id, file_id, action, details)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.NewString(),
		e.Timestamp.UTC(),
		nullString(e.UserID),
		nullString(e.FileID),
		string(e.Action),
		e.Details,
	)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
