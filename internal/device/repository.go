package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Repository defines the interface for device persistence operations.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// UpsertDevice creates the device or refreshes its descriptive fields.
	// Presence is left untouched.
	UpsertDevice(ctx context.Context, identity Identity) error

	// SetDeviceOnline records presence and stamps last_seen.
	// Returns ErrDeviceNotFound if the device was never upserted.
	SetDeviceOnline(ctx context.Context, id string, online bool) error

	// GetDevice retrieves a device by ID.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetDevice(ctx context.Context, id string) (*Device, error)

	// ListDevices returns every known device, most recently updated first.
	ListDevices(ctx context.Context) ([]Device, error)

	// MarkAllOffline clears presence for every device. Called at startup,
	// when no connection can be live yet.
	MarkAllOffline(ctx context.Context) (int64, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open, migrated SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

const deviceColumns = `device_id, device_name, device_model, os_version,
	is_online, last_seen, created_at, updated_at`

// UpsertDevice creates the device or refreshes its descriptive fields.
func (r *SQLiteRepository) UpsertDevice(ctx context.Context, identity Identity) error {
	if err := identity.Validate(); err != nil {
		return err
	}

	now := r.now().Format(timeFormat)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (device_id, device_name, device_model, os_version, is_online, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name = excluded.device_name,
			device_model = excluded.device_model,
			os_version = excluded.os_version,
			updated_at = excluded.updated_at`,
		identity.ID, identity.Name, identity.Model, identity.OSVersion, now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting device: %w", err)
	}
	return nil
}

// SetDeviceOnline records presence and stamps last_seen.
func (r *SQLiteRepository) SetDeviceOnline(ctx context.Context, id string, online bool) error {
	now := r.now().Format(timeFormat)
	result, err := r.db.ExecContext(ctx,
		`UPDATE devices SET is_online = ?, last_seen = ?, updated_at = ? WHERE device_id = ?`,
		boolToInt(online), now, now, id,
	)
	if err != nil {
		return fmt.Errorf("updating device presence: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// GetDevice retrieves a device by ID.
func (r *SQLiteRepository) GetDevice(ctx context.Context, id string) (*Device, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE device_id = ?`, id)

	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return d, nil
}

// ListDevices returns every known device, most recently updated first.
func (r *SQLiteRepository) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices ORDER BY updated_at DESC, device_id`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	devices := []Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// MarkAllOffline clears presence for every device.
func (r *SQLiteRepository) MarkAllOffline(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE devices SET is_online = 0, updated_at = ? WHERE is_online = 1`,
		r.now().Format(timeFormat),
	)
	if err != nil {
		return 0, fmt.Errorf("resetting device presence: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var (
		d         Device
		online    int
		lastSeen  sql.NullString
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&d.ID, &d.Name, &d.Model, &d.OSVersion,
		&online, &lastSeen, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	d.Online = online != 0
	d.CreatedAt = parseTime(createdAt)
	d.UpdatedAt = parseTime(updatedAt)
	if lastSeen.Valid && lastSeen.String != "" {
		t := parseTime(lastSeen.String)
		d.LastSeen = &t
	}
	return &d, nil
}

// parseTime reads timestamps written by this package. Unparseable values
// become the zero time rather than failing the whole query.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
