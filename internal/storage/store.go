package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/runnerr0/beacon/internal/models"
)

// ErrNotConfigured is returned by every operation of the store used when
// no database URL was supplied. It marks a deliberate stateless deployment,
// not a fault.
var ErrNotConfigured = errors.New("database not configured")

// Store is the append-only record store behind the ingestion endpoints.
type Store interface {
	InsertDebugRecord(ctx context.Context, record *models.DebugRecord) error
	InsertEvent(ctx context.Context, event *models.Event) error
	Ping(ctx context.Context) error
	Close() error
}

// SQLStore implements Store on a migrated SQLite or PostgreSQL database.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an already-opened and migrated database. The *sql.DB
// stays owned by the caller.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// InsertDebugRecord appends one debug record and sets its ID.
func (s *SQLStore) InsertDebugRecord(ctx context.Context, record *models.DebugRecord) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO debug_data (ip, browser_info, performance_data, fingerprints, errors,
		                        network, battery, benchmarks, client_timestamp,
		                        visitor_id, session_id, pageview_id, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`,
		nullString(record.IP),
		document(record.BrowserInfo, "{}"),
		document(record.PerformanceData, "{}"),
		document(record.Fingerprints, "{}"),
		document(record.Errors, "[]"),
		optionalDocument(record.Network),
		optionalDocument(record.Battery),
		optionalDocument(record.Benchmarks),
		record.ClientTimestamp,
		record.VisitorID,
		record.SessionID,
		record.PageviewID,
		record.Timestamp,
	).Scan(&record.ID)
	if err != nil {
		return fmt.Errorf("insert debug record: %w", err)
	}
	return nil
}

// InsertEvent appends one event and sets its ID.
func (s *SQLStore) InsertEvent(ctx context.Context, event *models.Event) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO events (visitor_id, session_id, pageview_id, event_type, seq,
		                    path, referrer, ip_hash, user_agent, payload,
		                    client_timestamp, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		event.VisitorID,
		event.SessionID,
		event.PageviewID,
		event.EventType,
		event.Seq,
		event.Path,
		event.Referrer,
		event.IPHash,
		event.UserAgent,
		document(event.Payload, "{}"),
		event.ClientTimestamp,
		event.Timestamp,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close is a no-op: the *sql.DB is closed by whoever opened it.
func (s *SQLStore) Close() error {
	return nil
}

// NotConfigured returns the Store used when persistence is switched off.
func NotConfigured() Store {
	return unconfiguredStore{}
}

type unconfiguredStore struct{}

func (unconfiguredStore) InsertDebugRecord(context.Context, *models.DebugRecord) error {
	return ErrNotConfigured
}

func (unconfiguredStore) InsertEvent(context.Context, *models.Event) error {
	return ErrNotConfigured
}

func (unconfiguredStore) Ping(context.Context) error { return ErrNotConfigured }

func (unconfiguredStore) Close() error { return nil }

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func document(raw json.RawMessage, fallback string) string {
	if len(raw) == 0 {
		return fallback
	}
	return string(raw)
}

func optionalDocument(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
