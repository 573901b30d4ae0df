package migrate

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// dialectDirs lists the per-dialect subdirectories every migration is
// written to. Both sets must carry the same versions.
var dialectDirs = []string{"postgres", "sqlite"}

var (
	nameSanitizeRe = regexp.MustCompile(`[^a-z0-9_]+`)

	timeNow = func() time.Time { return time.Now().UTC() }
)

const migrationTemplate = `-- +goose Up
-- +goose StatementBegin
-- %[1]s (%[2]s)
-- +goose StatementEnd

-- +goose Down
-- +goose StatementBegin
-- rollback %[1]s (%[2]s)
-- +goose StatementEnd
`

// CreateSQLMigration writes one goose SQL file per dialect under root with a
// shared version:
//
//	<root>/postgres/<YYYYMMDDHHMMSS>_<name>.sql
//	<root>/sqlite/<YYYYMMDDHHMMSS>_<name>.sql
func CreateSQLMigration(root string, name string) ([]string, error) {
	if root == "" {
		return nil, fmt.Errorf("dir is required")
	}
	safe, err := sanitizeName(name)
	if err != nil {
		return nil, err
	}

	version := timeNow().Format("20060102150405")
	filename := fmt.Sprintf("%s_%s.sql", version, safe)

	paths := make([]string, 0, len(dialectDirs))
	for _, dialect := range dialectDirs {
		path := filepath.Join(root, dialect, filename)
		if _, err := os.Stat(path); err == nil {
			return nil, fmt.Errorf("migration already exists: %s", path)
		}
		paths = append(paths, path)
	}

	for i, dialect := range dialectDirs {
		if err := os.MkdirAll(filepath.Dir(paths[i]), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir %q: %w", filepath.Dir(paths[i]), err)
		}
		body := fmt.Sprintf(migrationTemplate, safe, dialect)
		if err := os.WriteFile(paths[i], []byte(body), 0o644); err != nil {
			return nil, fmt.Errorf("write migration %q: %w", paths[i], err)
		}
	}
	return paths, nil
}

func sanitizeName(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("name is required")
	}
	safe := strings.ToLower(strings.TrimSpace(name))
	safe = nameSanitizeRe.ReplaceAllString(safe, "_")
	safe = strings.Trim(safe, "_")
	if safe == "" {
		return "", fmt.Errorf("name %q results in empty sanitized filename", name)
	}
	return safe, nil
}
