package main

import (
	"context"
	"flag"
	"os"

	"chatsync/internal/database"
	"chatsync/internal/migrations"

	"github.com/sirupsen/logrus"
)

func main() {
	dbPath := flag.String("db", "./chatsync.db", "Path to the database file")
	owner := flag.String("owner", "", "Account address the timeline belongs to")
	schemaDir := flag.String("schema-dir", "", "Load schema files from this directory instead of the embedded copies")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	if err := migrate(context.Background(), *dbPath, *owner, *schemaDir, logger); err != nil {
		logger.Fatalf("Migration failed: %v", err)
	}
}

// migrate applies the schema to dbPath. The schema is idempotent, so running
// it against an existing timeline only adds what is missing.
func migrate(ctx context.Context, dbPath, owner, schemaDir string, logger *logrus.Logger) error {
	if schemaDir != "" {
		if _, err := os.Stat(schemaDir); err != nil {
			return err
		}
		migrations.MigrationsDir = schemaDir
	}

	logger.WithField("path", dbPath).Info("Applying schema")
	db, err := database.New(dbPath, owner)
	if err != nil {
		return err
	}
	defer db.Close()

	conversations, err := db.Store().ListConversations(ctx)
	if err != nil {
		return err
	}
	logger.WithField("conversations", len(conversations)).Info("Schema up to date")
	return nil
}
