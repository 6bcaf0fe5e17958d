package store

import "embed"

// Migrations is the postgres schema for the container and session
// repositories. The migrate job applies it at deploy time; integration
// tests reuse it through testpg.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the subdirectory within Migrations holding the files.
const MigrationsDir = "migrations"
