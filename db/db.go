// Package db embeds the goose SQL migrations.
package db

import "embed"

// Migrations holds the SQL files under migrations/.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsRoot is the directory inside Migrations that goose reads.
const MigrationsRoot = "migrations"
