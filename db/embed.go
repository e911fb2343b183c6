// Package db provides the embedded database schema.
package db

import _ "embed"

// Schema contains the DDL statements for catalogs, price records, overrides,
// price rules and the rule usage ledger.
//
//go:embed migrations/001_schema.sql
var Schema string
