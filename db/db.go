package db

import "embed"

// Migrations holds the schema for every SQL backend, one directory per dialect.
//
//go:embed migrations
var Migrations embed.FS

const (
	PostgresMigrationsDir = "migrations/postgres"
	SQLiteMigrationsDir   = "migrations/sqlite"
)
