package migrate

import (
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var embedded embed.FS

// Migrations returns the embedded migration set for a gorm dialector name.
func Migrations(dialect string) (fs.FS, goose.Dialect, error) {
	switch dialect {
	case "postgres":
		sub, err := fs.Sub(embedded, "migrations/postgres")
		return sub, goose.DialectPostgres, err
	case "sqlite", "sqlite3":
		sub, err := fs.Sub(embedded, "migrations/sqlite")
		return sub, goose.DialectSQLite3, err
	default:
		return nil, "", fmt.Errorf("unsupported migration dialect %q", dialect)
	}
}
