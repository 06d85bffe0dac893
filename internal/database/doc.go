// Package database opens the PostgreSQL pool used by the trade journal.
package database
