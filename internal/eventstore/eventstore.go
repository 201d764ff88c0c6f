// Package eventstore implements the append-only, ordered, partitioned
// event log described in spec.md §4.7, backed by a CGO-free SQLite
// database (glebarez/go-sqlite) so the proxy ships as a single static
// binary. Stored events are immutable; the only mutation the schema
// allows is appending a new (stream_id, version) row and bumping the
// owning stream's next_version counter, both inside one transaction.
package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/glebarez/go-sqlite"
	"github.com/klauspost/compress/zstd"

	"github.com/unionsquare/unionsquare/internal/ids"
	"github.com/unionsquare/unionsquare/internal/model"
)

// ErrVersionConflict is returned when expectedVersion doesn't match the
// stream's current version at append time — spec.md §4.7's
// VersionConflict outcome.
var ErrVersionConflict = errors.New("eventstore: version conflict")

// AppendEvent is one event to persist, prior to being assigned a
// version and global sequence number.
type AppendEvent struct {
	Kind          string
	SchemaVersion int
	Payload       []byte
	Metadata      model.EventMetadata
}

// StreamAppend groups events targeted at one stream with the caller's
// expected current version, for use in AppendMulti.
type StreamAppend struct {
	StreamId        ids.StreamId
	ExpectedVersion uint64
	Events          []AppendEvent
}

// Store is a transactional append log over a SQL database.
type Store struct {
	db                *sql.DB
	compressThreshold int
	encoder           *zstd.Encoder
	decoder           *zstd.Decoder
}

// Config configures the store's persistence knobs, mirroring spec.md
// §6's event_store.* configuration surface.
type Config struct {
	Path string
	// CompressThresholdBytes is the payload size at or above which a payload
	// is zstd-compressed before storage (supplemented behavior, see
	// DESIGN.md — grounded on nishisan-dev-n-backup's use of
	// klauspost/compress for body compression).
	CompressThresholdBytes int
}

// Open opens (creating if absent) the SQLite-backed event store at
// cfg.Path and ensures its schema exists.
func Open(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite: one writer; serializes all transactions safely

	if _, err := db.Exec(schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventstore: migrate: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("eventstore: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("eventstore: zstd decoder: %w", err)
	}

	threshold := cfg.CompressThresholdBytes
	if threshold <= 0 {
		threshold = 8192
	}

	return &Store{db: db, compressThreshold: threshold, encoder: enc, decoder: dec}, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS streams (
	stream_id TEXT PRIMARY KEY,
	next_version INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS events (
	global_seq INTEGER PRIMARY KEY AUTOINCREMENT,
	stream_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	kind TEXT NOT NULL,
	schema_version INTEGER NOT NULL,
	payload BLOB NOT NULL,
	compressed INTEGER NOT NULL DEFAULT 0,
	correlation_id TEXT,
	causation_id TEXT,
	wall_clock_unix_nano INTEGER,
	source_component TEXT,
	UNIQUE(stream_id, version)
);
CREATE TABLE IF NOT EXISTS dead_letters (
	global_seq INTEGER PRIMARY KEY AUTOINCREMENT,
	stream_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	payload BLOB NOT NULL,
	reason TEXT NOT NULL
);
`

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) maybeCompress(payload []byte) ([]byte, bool) {
	if len(payload) < s.compressThreshold {
		return payload, false
	}
	return s.encoder.EncodeAll(payload, nil), true
}

func (s *Store) maybeDecompress(payload []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return payload, nil
	}
	return s.decoder.DecodeAll(payload, nil)
}

// Append writes events to a single stream, requiring the stream's
// current version to equal expectedVersion (0 meaning "stream must not
// exist yet"). On success it returns the stream's new version.
func (s *Store) Append(ctx context.Context, streamID ids.StreamId, expectedVersion uint64, events []AppendEvent) (uint64, error) {
	var newVersion uint64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		v, err := s.appendLocked(ctx, tx, streamID, expectedVersion, events)
		newVersion = v
		return err
	})
	return newVersion, err
}

// AppendMulti atomically appends to every listed stream: either every
// stream observes its new events, or none does (spec.md §4.7).
func (s *Store) AppendMulti(ctx context.Context, appends []StreamAppend) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, a := range appends {
			if _, err := s.appendLocked(ctx, tx, a.StreamId, a.ExpectedVersion, a.Events); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("eventstore: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("eventstore: commit: %w", err)
	}
	return nil
}

func (s *Store) appendLocked(ctx context.Context, tx *sql.Tx, streamID ids.StreamId, expectedVersion uint64, events []AppendEvent) (uint64, error) {
	var current uint64
	row := tx.QueryRowContext(ctx, `SELECT next_version - 1 FROM streams WHERE stream_id = ?`, string(streamID))
	err := row.Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		current = 0
		if expectedVersion != 0 {
			return 0, ErrVersionConflict
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO streams(stream_id, next_version) VALUES (?, 1)`, string(streamID)); err != nil {
			return 0, fmt.Errorf("eventstore: create stream: %w", err)
		}
	case err != nil:
		return 0, fmt.Errorf("eventstore: read stream version: %w", err)
	default:
		if current != expectedVersion {
			return 0, ErrVersionConflict
		}
	}

	version := current
	for _, e := range events {
		version++
		payload, compressed := s.maybeCompress(e.Payload)
		_, err := tx.ExecContext(ctx, `
			INSERT INTO events(stream_id, version, kind, schema_version, payload, compressed,
				correlation_id, causation_id, wall_clock_unix_nano, source_component)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(streamID), version, e.Kind, e.SchemaVersion, payload, compressed,
			string(e.Metadata.CorrelationId), e.Metadata.CausationId,
			e.Metadata.WallClock.UnixNano(), e.Metadata.SourceComponent,
		)
		if err != nil {
			return 0, fmt.Errorf("eventstore: insert event: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE streams SET next_version = ? WHERE stream_id = ?`, version+1, string(streamID)); err != nil {
		return 0, fmt.Errorf("eventstore: bump stream version: %w", err)
	}

	return version, nil
}

// Read returns up to max events from streamID starting at version
// fromVersion (inclusive), in version order.
func (s *Store) Read(ctx context.Context, streamID ids.StreamId, fromVersion uint64, max int) ([]model.StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT global_seq, version, kind, schema_version, payload, compressed,
			correlation_id, causation_id, wall_clock_unix_nano, source_component
		FROM events WHERE stream_id = ? AND version >= ? ORDER BY version ASC LIMIT ?`,
		string(streamID), fromVersion, max,
	)
	if err != nil {
		return nil, fmt.Errorf("eventstore: read: %w", err)
	}
	defer rows.Close()
	return s.scanEvents(rows, streamID)
}

// ReadGlobal returns up to max events across all streams starting at
// global sequence fromSequence (inclusive), in commit order.
func (s *Store) ReadGlobal(ctx context.Context, fromSequence uint64, max int) ([]model.StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT global_seq, stream_id, version, kind, schema_version, payload, compressed,
			correlation_id, causation_id, wall_clock_unix_nano, source_component
		FROM events WHERE global_seq >= ? ORDER BY global_seq ASC LIMIT ?`,
		fromSequence, max,
	)
	if err != nil {
		return nil, fmt.Errorf("eventstore: read global: %w", err)
	}
	defer rows.Close()

	var out []model.StoredEvent
	for rows.Next() {
		var (
			e                                model.StoredEvent
			streamID                         string
			compressed                       bool
			correlationID, causationID, src  string
			wallClockNano                    int64
		)
		if err := rows.Scan(&e.GlobalSeq, &streamID, &e.Version, &e.Kind, &e.SchemaVersion,
			&e.Payload, &compressed, &correlationID, &causationID, &wallClockNano, &src); err != nil {
			return nil, fmt.Errorf("eventstore: scan: %w", err)
		}
		payload, err := s.maybeDecompress(e.Payload, compressed)
		if err != nil {
			return nil, fmt.Errorf("eventstore: decompress: %w", err)
		}
		e.Payload = payload
		e.StreamId = ids.StreamId(streamID)
		e.Metadata = model.EventMetadata{
			CorrelationId:   ids.CorrelationId(correlationID),
			CausationId:     causationID,
			SourceComponent: src,
			Compressed:      false,
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) scanEvents(rows *sql.Rows, streamID ids.StreamId) ([]model.StoredEvent, error) {
	var out []model.StoredEvent
	for rows.Next() {
		var (
			e                               model.StoredEvent
			compressed                      bool
			correlationID, causationID, src string
			wallClockNano                   int64
		)
		if err := rows.Scan(&e.GlobalSeq, &e.Version, &e.Kind, &e.SchemaVersion,
			&e.Payload, &compressed, &correlationID, &causationID, &wallClockNano, &src); err != nil {
			return nil, fmt.Errorf("eventstore: scan: %w", err)
		}
		payload, err := s.maybeDecompress(e.Payload, compressed)
		if err != nil {
			return nil, fmt.Errorf("eventstore: decompress: %w", err)
		}
		e.Payload = payload
		e.StreamId = streamID
		e.Metadata = model.EventMetadata{
			CorrelationId:   ids.CorrelationId(correlationID),
			CausationId:     causationID,
			SourceComponent: src,
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeadLetter parks an event that exhausted its VersionConflict retry
// budget, per spec.md §4.8, in the dead_letters table, which Read and
// ReadGlobal do not return. A write failure is returned to the caller;
// the Stream Router passes it on as Route's error.
func (s *Store) DeadLetter(ctx context.Context, streamID ids.StreamId, kind string, payload []byte, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters(stream_id, kind, payload, reason) VALUES (?, ?, ?, ?)`,
		string(streamID), kind, payload, reason,
	)
	return err
}

// StreamVersion returns a stream's current version (0 if it doesn't
// exist yet), used by the Stream Router to recompute expected_version
// on a VersionConflict retry.
func (s *Store) StreamVersion(ctx context.Context, streamID ids.StreamId) (uint64, error) {
	var current uint64
	row := s.db.QueryRowContext(ctx, `SELECT next_version - 1 FROM streams WHERE stream_id = ?`, string(streamID))
	err := row.Scan(&current)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("eventstore: stream version: %w", err)
	}
	return current, nil
}
