// Package device persists device identity and presence for the fleet.
//
// A device row is created the first time a phone registers and is updated
// on every re-registration (name, model and OS version may change). Rows
// are never deleted by the session core; the is_online flag mirrors the
// live connection registry and is reset at startup.
//
// # Key Types
//
//   - Identity: the stable id plus descriptive metadata sent at registration
//   - Device: a persisted Identity with presence and timestamps
//   - Repository: persistence contract, implemented by SQLiteRepository
//
// # Usage
//
//	repo := device.NewSQLiteRepository(db.DB)
//	if err := repo.UpsertDevice(ctx, device.Identity{ID: "pixel-7", Name: "Pixel"}); err != nil {
//	    return err
//	}
//	if err := repo.SetDeviceOnline(ctx, "pixel-7", true); err != nil {
//	    return err
//	}
package device
