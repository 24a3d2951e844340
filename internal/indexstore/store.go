// Package indexstore implements C10: a restart-time cache of the file
// reader's frame-offset index, keyed by path + size + mtime. Grounded on
// the teacher's internal/repository.Connect (sqlite3 via sqlx + sqlhooks)
// and internal/memorystore's avroCheckpoint.go (offset data snapshotted to
// an Avro object container file rather than stored directly in sqlite).
//
// The broker writes checkpoints through Save; nothing in this repository
// calls Lookup, so filereader.Index always performs a full scan whether or
// not a matching entry exists.
package indexstore

import (
	"database/sql"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/qustavo/sqlhooks/v2"
)

var driverRegisterOnce sync.Once

const driverName = "sqlite3_indexstore_hooked"

// Store is a handle to the index cache's sqlite database plus the
// directory its Avro checkpoint files live in.
type Store struct {
	db       *sqlx.DB
	avroDir  string
	builder  sq.StatementBuilderType
}

// Open creates (or reuses) sqlitePath and applies pending migrations.
// avroDir holds one checkpoint file per indexed path's offsets.
func Open(sqlitePath, avroDir string) (*Store, error) {
	driverRegisterOnce.Do(func() {
		sql.Register(driverName, sqlhooks.Wrap(&sqlite3.SQLiteDriver{}, &hooks{}))
	})

	db, err := sqlx.Open(driverName, fmt.Sprintf("%s?_foreign_keys=on", sqlitePath))
	if err != nil {
		return nil, fmt.Errorf("indexstore: open %s: %w", sqlitePath, err)
	}
	// sqlite does not multithread; one connection avoids lock contention,
	// matching the teacher's repository.Connect.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:      db,
		avroDir: avroDir,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}, nil
}

// Close releases the sqlite handle.
func (s *Store) Close() error { return s.db.Close() }

type indexedFileRow struct {
	Path       string `db:"path"`
	Size       int64  `db:"size"`
	MtimeUnix  int64  `db:"mtime_unix"`
	FrameCount int64  `db:"frame_count"`
	AvroPath   string `db:"avro_path"`
}

// Lookup returns the cached frame offsets for path if a row matches its
// current size and mtime exactly; a mismatch (file truncated, rewritten, or
// never indexed) reports ok=false so the caller rescans.
func (s *Store) Lookup(path string, size int64, mtimeUnix int64) (offsets []int64, ok bool, err error) {
	query, args, err := s.builder.
		Select("path", "size", "mtime_unix", "frame_count", "avro_path").
		From("indexed_files").
		Where(sq.Eq{"path": path}).
		ToSql()
	if err != nil {
		return nil, false, fmt.Errorf("indexstore: build lookup query: %w", err)
	}

	var row indexedFileRow
	if err := s.db.Get(&row, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("indexstore: lookup %s: %w", path, err)
	}
	if row.Size != size || row.MtimeUnix != mtimeUnix {
		return nil, false, nil
	}

	offsets, err = readOffsets(row.AvroPath)
	if err != nil {
		return nil, false, nil // checkpoint file missing/corrupt: treat as a cache miss
	}
	return offsets, true, nil
}

// Save snapshots offsets to an Avro checkpoint file and upserts the
// path's sqlite row to point at it.
func (s *Store) Save(path string, size int64, mtimeUnix int64, offsets []int64) error {
	avroPath := filepath.Join(s.avroDir, checkpointFileName(path))
	if err := writeOffsets(avroPath, path, offsets); err != nil {
		return err
	}

	_, err := s.db.Exec(
		`INSERT INTO indexed_files (path, size, mtime_unix, frame_count, avro_path, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
		   size = excluded.size,
		   mtime_unix = excluded.mtime_unix,
		   frame_count = excluded.frame_count,
		   avro_path = excluded.avro_path,
		   updated_at = excluded.updated_at`,
		path, size, mtimeUnix, len(offsets), avroPath, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("indexstore: save %s: %w", path, err)
	}
	return nil
}

func checkpointFileName(path string) string {
	h := fnv.New32a()
	h.Write([]byte(path))
	return fmt.Sprintf("%08x.avro", h.Sum32())
}
