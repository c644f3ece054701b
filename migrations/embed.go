// Package migrations embeds the Postgres schema of the push decision runtime.
//
// Files run in name order and each runs once (see storage.DB.RunMigrations):
// 001_initial creates goals, matches, runs, the audit tables, decisions, the
// budget ledger and the delivery outbox; 002_coalesce_recovery marks
// coalesced decisions so lost coalescing entries can be re-flushed.
package migrations

import "embed"

// FS is the embedded migrations filesystem.
//
//go:embed *.sql
var FS embed.FS
