package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Activity statuses written by the session core.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusInfo    = "info"
	StatusSent    = "sent"
	StatusTimeout = "timeout"
)

// List limits.
const (
	DefaultDeviceLimit = 50
	DefaultFleetLimit  = 100
	MaxLimit           = 500
)

// ErrInvalidEntry is returned when an entry has no device or action.
var ErrInvalidEntry = errors.New("audit: invalid entry")

// Entry is a single activity log row.
type Entry struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"device_id"`
	DeviceName string    `json:"device_name,omitempty"`
	Action     string    `json:"action"`
	Status     string    `json:"status"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}

// Repository defines the interface for activity log operations.
type Repository interface {
	// Append writes one entry and returns it with ID and timestamp set.
	Append(ctx context.Context, deviceID, action, status, message string) (*Entry, error)

	// List returns entries newest first. An empty deviceID lists the whole
	// fleet. A non-positive limit selects the default for the scope.
	List(ctx context.Context, deviceID string, limit int) ([]Entry, error)
}

// SQLiteRepository stores activity logs in SQLite.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates a new activity log repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Append inserts a new entry. seq gives a total order independent of
// clock resolution.
func (r *SQLiteRepository) Append(ctx context.Context, deviceID, action, status, message string) (*Entry, error) {
	if deviceID == "" || action == "" {
		return nil, ErrInvalidEntry
	}

	e := &Entry{
		ID:        "act-" + uuid.NewString(),
		DeviceID:  deviceID,
		Action:    action,
		Status:    status,
		Message:   message,
		CreatedAt: r.now(),
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO activity_logs (id, seq, device_id, action, status, message, created_at)
		 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM activity_logs), ?, ?, ?, ?, ?)`,
		e.ID, e.DeviceID, e.Action, e.Status, e.Message,
		e.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting activity log: %w", err)
	}
	return e, nil
}

// List returns entries newest first.
func (r *SQLiteRepository) List(ctx context.Context, deviceID string, limit int) ([]Entry, error) {
	limit = clampLimit(deviceID, limit)

	var (
		where string
		args  []any
	)
	if deviceID != "" {
		where = "WHERE a.device_id = ?"
		args = append(args, deviceID)
	}
	args = append(args, limit)

	query := `SELECT a.id, a.device_id, COALESCE(d.device_name, ''), a.action, a.status, a.message, a.created_at
		FROM activity_logs a
		LEFT JOIN devices d ON d.device_id = a.device_id
		` + where + `
		ORDER BY a.seq DESC
		LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying activity logs: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.DeviceName, &e.Action, &e.Status, &e.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning activity log: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing activity log timestamp %q: %w", createdAt, err)
		}
		e.CreatedAt = t
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating activity logs: %w", err)
	}
	return entries, nil
}

func clampLimit(deviceID string, limit int) int {
	if limit <= 0 {
		if strings.TrimSpace(deviceID) != "" {
			return DefaultDeviceLimit
		}
		return DefaultFleetLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
