// Package migrations embeds the SQL migration files into the binary so the
// journal schema can be created without the files on disk.
package migrations

import (
	"embed"

	"github.com/nerrad567/gray-logic-udpbridge/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

// Source returns the embedded migrations for database.DB.Migrate.
func Source() database.Source {
	return database.Source{FS: migrationsFS, Dir: "."}
}
