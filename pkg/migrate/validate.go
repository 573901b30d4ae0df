package migrate

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
)

var sqlFileRe = regexp.MustCompile(`^(\d{14})_[a-z0-9_]+\.sql$`)

// ValidateDir checks every dialect set under root and that the sets carry
// identical filenames.
func ValidateDir(root string) error {
	if root == "" {
		return fmt.Errorf("dir is required")
	}
	var reference []string
	for _, dialect := range dialectDirs {
		dir := filepath.Join(root, dialect)
		names, err := validateSet(os.DirFS(dir))
		if err != nil {
			return fmt.Errorf("%s: %w", dialect, err)
		}
		if reference == nil {
			reference = names
			continue
		}
		if !slices.Equal(reference, names) {
			return fmt.Errorf("%s migrations diverge from %s: %v vs %v", dialect, dialectDirs[0], names, reference)
		}
	}
	return nil
}

// ValidateFS runs the filename and header checks over a single dialect set
// such as the embedded one.
func ValidateFS(fsys fs.FS) error {
	_, err := validateSet(fsys)
	return err
}

func validateSet(fsys fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	seen := map[string]string{}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		name := e.Name()

		m := sqlFileRe.FindStringSubmatch(name)
		if m == nil {
			return nil, fmt.Errorf("invalid migration filename %q (expected YYYYMMDDHHMMSS_name.sql)", name)
		}
		if prev, ok := seen[m[1]]; ok {
			return nil, fmt.Errorf("duplicate migration version %s in %q and %q", m[1], prev, name)
		}
		seen[m[1]] = name

		b, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read file %q: %w", name, err)
		}
		for _, marker := range []string{"-- +goose Up", "-- +goose Down"} {
			if !strings.Contains(string(b), marker) {
				return nil, fmt.Errorf("migration %q missing %q", name, marker)
			}
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}
