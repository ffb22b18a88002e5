package device

import (
	"strings"
	"time"
)

// Identity is the stable identifier and descriptive metadata of a device.
type Identity struct {
	ID        string `json:"device_id"`
	Name      string `json:"device_name"`
	Model     string `json:"device_model"`
	OSVersion string `json:"os_version"`
}

// Validate checks that the identity carries a usable ID.
func (i Identity) Validate() error {
	if strings.TrimSpace(i.ID) == "" {
		return ErrInvalidIdentity
	}
	return nil
}

// Device is a persisted Identity with presence information.
type Device struct {
	Identity
	Online    bool       `json:"is_online"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
