// Package storage defines the task history repository written by execution
// contexts when they are torn down. MemoryRepository keeps an append-only
// JSON lines file; the mysql subpackage provides the SQL implementation.
package storage
