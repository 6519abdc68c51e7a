package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func scanNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func scanNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// isUniqueConstraintErr reports whether err came from a violated UNIQUE
// index, used to translate INSERT conflicts into ErrDuplicate.
func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// inClauseQuery expands a "%s" placeholder in query into a (?, ?, ...) list
// sized to len(ids), and appends trailingArgs (e.g. a LIMIT value) after the
// id placeholders.
func inClauseQuery(query string, ids []string, idArgs []any, trailingArgs ...any) (string, []any) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	full := fmt.Sprintf(query, placeholders)
	args := append(append([]any{}, idArgs...), trailingArgs...)
	return full, args
}

func anySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
