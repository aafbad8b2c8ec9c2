package depsink

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

// Magic is the fixed 64-bit header constant every sink file is stamped
// with. SQLite has no unsigned 64-bit column type, so it is stored as the
// equivalent signed bit pattern and reinterpreted on load.
const Magic uint64 = 0xFACEFACEFACEB000

// EnvPathVar selects the relational file used by the sink; empty (unset)
// means the sink is disabled.
const EnvPathVar = "FILE_INFO_ON_DISK_PATH"

var (
	// ErrMagicMismatch indicates the file's header magic does not match
	// Magic — almost always means the path points at an unrelated file.
	ErrMagicMismatch = errors.New("depsink: magic mismatch")
	// ErrBuildRevMismatch indicates the header's build revision differs
	// from the caller's, and IgnoreBuildRevision was not set.
	ErrBuildRevMismatch = errors.New("depsink: build revision mismatch")
)

// Sink is an open handle to the persistence file.
type Sink struct {
	db *sql.DB
}

// OpenFromEnv opens the sink named by EnvPathVar, or returns (nil, nil) if
// the variable is unset/empty — the sink is simply disabled, not an error.
func OpenFromEnv(ctx context.Context) (*Sink, error) {
	path := os.Getenv(EnvPathVar)
	if path == "" {
		return nil, nil
	}
	return Open(ctx, path)
}

// Open opens or creates the sink file at path, applying a WAL/synchronous
// pragma set tuned for a single writer with many concurrent readers, then
// ensures the header/deptable schema exists.
func Open(ctx context.Context, path string) (*Sink, error) {
	if path == "" {
		return nil, errors.New("depsink: open: path is empty")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("depsink: open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("depsink: ping sqlite: %w", err)
	}
	if err := applyPragmas(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := ensureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Sink{db: db}, nil
}

func (s *Sink) Close() error { return s.db.Close() }

func applyPragmas(ctx context.Context, db *sql.DB) error {
	statements := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA mmap_size = 268435456",
		"PRAGMA cache_size = -20000",
		"PRAGMA temp_store = MEMORY",
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("depsink: apply pragma %q: %w", stmt, err)
		}
	}
	return nil
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS header (
			magic     INTEGER NOT NULL,
			build_rev TEXT    NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS deptable (
			key_vertex   INTEGER NOT NULL PRIMARY KEY,
			value_vertex BLOB    NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("depsink: create schema: %w", err)
		}
	}
	return nil
}

// encodeValues concatenates value IDs as little-endian uint32s, the wire
// format stored in the deptable's value_vertex column.
func encodeValues(vals []uint32) []byte {
	out := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], v)
	}
	return out
}

func decodeValues(blob []byte) []uint32 {
	out := make([]uint32, len(blob)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(blob[i*4:])
	}
	return out
}

func dedupUnion(a, b []uint32) []uint32 {
	seen := make(map[uint32]struct{}, len(a)+len(b))
	out := make([]uint32, 0, len(a)+len(b))
	for _, v := range append(append([]uint32{}, a...), b...) {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Save writes deps to the file. In overwrite mode, the header row and every
// deptable row are replaced outright. In update mode, each key's row is
// merged with whatever is already stored there: no in-place BLOB splicing,
// merge is a read-modify-write of one row at a time.
func (s *Sink) Save(ctx context.Context, deps map[uint32][]uint32, buildRev string, update bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("depsink: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if !update {
		if _, err := tx.ExecContext(ctx, "DELETE FROM deptable"); err != nil {
			return fmt.Errorf("depsink: clear deptable: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM header"); err != nil {
		return fmt.Errorf("depsink: clear header: %w", err)
	}
	magic := Magic
	if _, err := tx.ExecContext(ctx, "INSERT INTO header (magic, build_rev) VALUES (?, ?)", int64(magic), buildRev); err != nil {
		return fmt.Errorf("depsink: write header: %w", err)
	}

	for key, vals := range deps {
		toWrite := vals
		if update {
			var existing []byte
			row := tx.QueryRowContext(ctx, "SELECT value_vertex FROM deptable WHERE key_vertex = ?", key)
			switch err := row.Scan(&existing); {
			case err == nil:
				toWrite = dedupUnion(decodeValues(existing), vals)
			case errors.Is(err, sql.ErrNoRows):
				// No existing row: nothing to merge.
			default:
				return fmt.Errorf("depsink: read existing row for merge: %w", err)
			}
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO deptable (key_vertex, value_vertex) VALUES (?, ?)
			 ON CONFLICT(key_vertex) DO UPDATE SET value_vertex = excluded.value_vertex`,
			key, encodeValues(toWrite))
		if err != nil {
			return fmt.Errorf("depsink: write deptable row %d: %w", key, err)
		}
	}

	return tx.Commit()
}

// Load reads every key's edge set back. ignoreBuildRev permits loading a
// file written by a different build revision instead of failing closed on
// ErrBuildRevMismatch.
func (s *Sink) Load(ctx context.Context, expectBuildRev string, ignoreBuildRev bool) (map[uint32][]uint32, error) {
	var magic int64
	var buildRev string
	row := s.db.QueryRowContext(ctx, "SELECT magic, build_rev FROM header LIMIT 1")
	if err := row.Scan(&magic, &buildRev); err != nil {
		return nil, fmt.Errorf("depsink: read header: %w", err)
	}
	if uint64(magic) != Magic {
		return nil, ErrMagicMismatch
	}
	if !ignoreBuildRev && buildRev != expectBuildRev {
		return nil, ErrBuildRevMismatch
	}

	rows, err := s.db.QueryContext(ctx, "SELECT key_vertex, value_vertex FROM deptable")
	if err != nil {
		return nil, fmt.Errorf("depsink: query deptable: %w", err)
	}
	defer rows.Close()

	out := make(map[uint32][]uint32)
	for rows.Next() {
		var key uint32
		var blob []byte
		if err := rows.Scan(&key, &blob); err != nil {
			return nil, fmt.Errorf("depsink: scan deptable row: %w", err)
		}
		out[key] = decodeValues(blob)
	}
	return out, rows.Err()
}

// GetDep loads a single key's edge set directly from the file, bypassing
// the in-memory deptbl entirely.
func (s *Sink) GetDep(ctx context.Context, key uint32) ([]uint32, error) {
	var blob []byte
	row := s.db.QueryRowContext(ctx, "SELECT value_vertex FROM deptable WHERE key_vertex = ?", key)
	switch err := row.Scan(&blob); {
	case err == nil:
		return decodeValues(blob), nil
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	default:
		return nil, fmt.Errorf("depsink: get_dep %d: %w", key, err)
	}
}
