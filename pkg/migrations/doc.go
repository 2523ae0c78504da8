// Package migrations writes SQL migration files for the buildcoord record
// store. It generates the schema for masters, builders, build requests and
// claims, builds, steps and logs across PostgreSQL, MySQL/MariaDB, and SQLite
// databases.
package migrations
