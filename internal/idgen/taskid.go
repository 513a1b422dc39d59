package idgen

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
)

var taskIDPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9_-]*[a-z0-9])?$`)

// ValidateTaskID checks that id is a valid caller-provided task ID.
// Rules: lowercase letters, digits, dashes and underscores; must start and
// end with a letter or digit; max 64 characters.
func ValidateTaskID(id string) error {
	if len(id) > 64 {
		return fmt.Errorf("task id too long (max 64 characters)")
	}
	if !taskIDPattern.MatchString(id) {
		return fmt.Errorf("task id %q is invalid: must match %s", id, taskIDPattern.String())
	}
	return nil
}

// Querier is the subset of *sql.DB / *sql.Conn used for id allocation.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TaskID generates a human-readable task ID like "task-1", "task-2".
// It queries the tasks table for the highest existing sequence number with
// the given prefix and returns prefix-(max+1).
func TaskID(ctx context.Context, q Querier, prefix string) string {
	var maxN sql.NullInt64
	// SUBSTR offset is 1-based: skip prefix + dash
	offset := len(prefix) + 2
	err := q.QueryRowContext(ctx,
		`SELECT MAX(CAST(SUBSTR(id, ?) AS INTEGER)) FROM tasks WHERE id LIKE ?`,
		offset, prefix+"-%",
	).Scan(&maxN)
	if err != nil || !maxN.Valid {
		return fmt.Sprintf("%s-%d", prefix, 1)
	}
	return fmt.Sprintf("%s-%d", prefix, maxN.Int64+1)
}
