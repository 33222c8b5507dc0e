// Package store persists bot state in SQLite.
//
// # Data Models
//
//   - Group: per-group settings, including the comma-separated feature list
//     that gates commands
//   - ChatRecord: every group message seen, for history lookups
//   - Turn: one side of a (group, user) conversation with the chat backend
//
// SQLiteStore implements Store using modernc.org/sqlite with WAL mode.
// MockStore is an in-memory Store for tests.
//
// # Error Handling
//
//   - ErrNotFound: requested group does not exist
//
// All methods accept context.Context for cancellation support.
package store
