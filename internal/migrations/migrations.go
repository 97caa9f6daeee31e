package migrations

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed sql/*.sql
var embedded embed.FS

const initialSchemaFile = "001_initial_schema.sql"

var (
	// MigrationsDir can be set to load schema files from disk instead of the
	// copies compiled into the binary.
	MigrationsDir = ""
)

// GetInitialSchema returns the initial database schema
func GetInitialSchema() (string, error) {
	if MigrationsDir != "" {
		content, err := os.ReadFile(filepath.Join(MigrationsDir, initialSchemaFile)) // #nosec G304 - operator supplied directory
		if err != nil {
			return "", fmt.Errorf("could not read schema file from %s: %w", MigrationsDir, err)
		}
		return string(content), nil
	}

	content, err := embedded.ReadFile("sql/" + initialSchemaFile)
	if err != nil {
		return "", fmt.Errorf("could not find embedded schema: %w", err)
	}
	return string(content), nil
}
