package notification

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// List limits.
const (
	DefaultDeviceLimit = 50
	DefaultFleetLimit  = 100
	MaxLimit           = 500
)

// Filter selects notifications. Empty fields do not filter.
type Filter struct {
	DeviceID    string
	PackageName string
	Limit       int
}

// Repository defines notification persistence.
type Repository interface {
	Append(ctx context.Context, n *Notification) error
	List(ctx context.Context, filter Filter) ([]Notification, error)
	Delete(ctx context.Context, id int64) error
	ClearDevice(ctx context.Context, deviceID string) (int64, error)
}

// SQLiteRepository stores notifications in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new notification repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Append inserts n and sets its ID.
func (r *SQLiteRepository) Append(ctx context.Context, n *Notification) error {
	if n.DeviceID == "" {
		return fmt.Errorf("%w: missing device id", ErrInvalidPayload)
	}
	if n.ReceivedAt.IsZero() {
		n.ReceivedAt = time.Now().UTC()
	}
	extraData := string(n.Extra)
	if extraData == "" {
		extraData = "{}"
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO device_notifications (
			device_id, package_name, notification_id, notification_key, title, text,
			big_text, post_time, is_ongoing, is_clearable, channel_id, extra_data, received_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.DeviceID, n.PackageName, n.NotificationID, n.Key, n.Title, n.Text,
		n.BigText, n.PostTime, n.Ongoing, n.Clearable, n.ChannelID, extraData,
		n.ReceivedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting notification: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading notification id: %w", err)
	}
	n.ID = id
	return nil
}

// List returns notifications newest first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) ([]Notification, error) {
	var (
		conditions []string
		args       []any
	)
	if filter.DeviceID != "" {
		conditions = append(conditions, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.PackageName != "" {
		conditions = append(conditions, "package_name = ?")
		args = append(args, filter.PackageName)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, clampLimit(filter))

	query := `SELECT id, device_id, package_name, notification_id, notification_key, title, text,
			big_text, post_time, is_ongoing, is_clearable, channel_id, extra_data, received_at
		FROM device_notifications ` + where + ` ORDER BY id DESC LIMIT ?` //nolint:gosec // WHERE built from parameterised conditions

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying notifications: %w", err)
	}
	defer rows.Close()

	out := []Notification{}
	for rows.Next() {
		var (
			n          Notification
			extraData  string
			receivedAt string
		)
		if err := rows.Scan(&n.ID, &n.DeviceID, &n.PackageName, &n.NotificationID, &n.Key,
			&n.Title, &n.Text, &n.BigText, &n.PostTime, &n.Ongoing, &n.Clearable,
			&n.ChannelID, &extraData, &receivedAt); err != nil {
			return nil, fmt.Errorf("scanning notification: %w", err)
		}
		n.Extra = json.RawMessage(extraData)
		n.ReceivedAt, _ = time.Parse(time.RFC3339Nano, receivedAt) //nolint:errcheck // Written by Append
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating notifications: %w", err)
	}
	return out, nil
}

// Delete removes one notification.
// Returns ErrNotFound if the ID does not exist.
func (r *SQLiteRepository) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM device_notifications WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting notification: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearDevice removes every notification of a device and returns the count.
func (r *SQLiteRepository) ClearDevice(ctx context.Context, deviceID string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM device_notifications WHERE device_id = ?`, deviceID)
	if err != nil {
		return 0, fmt.Errorf("clearing notifications: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

func clampLimit(f Filter) int {
	switch {
	case f.Limit <= 0 && f.DeviceID != "":
		return DefaultDeviceLimit
	case f.Limit <= 0:
		return DefaultFleetLimit
	case f.Limit > MaxLimit:
		return MaxLimit
	default:
		return f.Limit
	}
}
