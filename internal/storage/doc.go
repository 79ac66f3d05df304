// Package storage persists engage messages, the mutation audit trail, and
// notifier dedup state.
//
// Drivers: "memory" (default, nothing survives a restart), "file" (JSON
// snapshot plus JSON Lines journals), "sqlite" (modernc.org/sqlite, pure Go),
// and "mongo" (MongoDB, the document layout the CRM uses).
package storage
