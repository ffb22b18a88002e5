// Package migrations embeds the fleet store schema into the binary.
//
// Importing this package for side effects registers the SQL files with
// the database package so Migrate needs nothing on the filesystem.
package migrations

import (
	"embed"

	"github.com/nerrad567/fleet-core/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
