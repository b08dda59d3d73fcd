// Package storage is the system of record for scheduled messages.
//
// Drivers:
//   - "memory": in-process map, for tests and throwaway runs
//   - "sqlite": single-file database (modernc.org/sqlite, no cgo)
//   - "postgres": shared database through a pgx pool
//
// Legality of status transitions is decided by the callers; the store only
// offers unconditional writes (UpdateStatus) and compare-and-set writes
// (TransitionStatus, UpdateContent).
package storage
