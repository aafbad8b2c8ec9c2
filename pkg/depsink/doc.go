// Package depsink implements the optional external persistence sink: it
// serializes a shmstore dependency table to a relational file and reads it
// back, bypassing the in-memory deptbl (e.g. to warm a fresh region, or to
// inspect dependencies offline).
//
// The sink is not durability for the region itself — shared-memory state is
// always volatile. It is a deliberate, explicit save/load step, backed by
// SQLite with the same pragma set a WAL-backed on-disk index would use.
package depsink
