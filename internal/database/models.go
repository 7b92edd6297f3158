package database

import (
	"crypto/rand"
	"database/sql/driver"
	"fmt"
	"os"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"

	"github.com/opensensor/nvrcore/internal/nvr"
)

// ULID wraps ulid.ULID for use as a sortable, externally-stable database
// primary key, down to the Value/Scan/JSON methods GORM and the status
// API actually exercise.
type ULID ulid.ULID

// NewULID generates a new time-sortable ULID.
func NewULID() ULID {
	return ULID(ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader))
}

// String returns the canonical ULID string encoding.
func (u ULID) String() string {
	return ulid.ULID(u).String()
}

// IsZero reports whether u is the zero ULID.
func (u ULID) IsZero() bool {
	return ulid.ULID(u).Compare(ulid.ULID{}) == 0
}

// Value implements driver.Valuer for database storage.
func (u ULID) Value() (driver.Value, error) {
	if u.IsZero() {
		return nil, nil
	}
	return ulid.ULID(u).String(), nil
}

// Scan implements sql.Scanner for database retrieval.
func (u *ULID) Scan(value any) error {
	if value == nil {
		*u = ULID{}
		return nil
	}
	switch v := value.(type) {
	case string:
		if v == "" {
			*u = ULID{}
			return nil
		}
		id, err := ulid.Parse(v)
		if err != nil {
			return fmt.Errorf("scanning ULID: %w", err)
		}
		*u = ULID(id)
	case []byte:
		if len(v) == 0 {
			*u = ULID{}
			return nil
		}
		id, err := ulid.Parse(string(v))
		if err != nil {
			return fmt.Errorf("scanning ULID: %w", err)
		}
		*u = ULID(id)
	default:
		return fmt.Errorf("unsupported type for ULID: %T", value)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (u ULID) MarshalJSON() ([]byte, error) {
	if u.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + u.String() + `"`), nil
}

// GormDataType returns the GORM column type for ULID.
func (ULID) GormDataType() string {
	return "varchar(26)"
}

// fileSize returns path's on-disk byte count, or 0 if it cannot be stat'd
// (e.g. the segment was aborted before any bytes were flushed).
func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Recording is one closed MP4 segment (recording_stop event,
// materialized as the row the HTTP API's recording-list endpoint reads).
// Its ID is a ULID rather than an auto-increment integer so it stays stable
// and externally referenceable across a database migration or restore.
type Recording struct {
	ID         ULID      `gorm:"primarykey;type:varchar(26)" json:"id"`
	StreamName string    `gorm:"index;size:63;not null" json:"stream_name"`
	Path       string    `gorm:"not null" json:"path"`
	StartedAt  time.Time `json:"started_at"`
	ClosedAt   time.Time `json:"closed_at"`
	ByteSize   int64     `json:"byte_size"`
	Trigger    string    `gorm:"size:32" json:"trigger"`
	CreatedAt  time.Time `json:"created_at"`
}

// BeforeCreate assigns a ULID if the caller left ID unset.
func (r *Recording) BeforeCreate(_ *gorm.DB) error {
	if r.ID.IsZero() {
		r.ID = NewULID()
	}
	return nil
}

// StreamEvent is an append-only log entry for a stream lifecycle event
// (connect, reconnect, error) — the non-recording half of event
// sink, useful for the status API's "last observed error category".
type StreamEvent struct {
	ID         ULID      `gorm:"primarykey;type:varchar(26)" json:"id"`
	StreamName string    `gorm:"index;size:63;not null" json:"stream_name"`
	Kind       string    `gorm:"size:32;not null" json:"kind"`
	Detail     string    `json:"detail"`
	OccurredAt time.Time `json:"occurred_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// BeforeCreate assigns a ULID if the caller left ID unset.
func (e *StreamEvent) BeforeCreate(_ *gorm.DB) error {
	if e.ID.IsZero() {
		e.ID = NewULID()
	}
	return nil
}

// AutoMigrate creates/updates the Recording and StreamEvent tables.
func (db *DB) AutoMigrate() error {
	return db.DB.AutoMigrate(&Recording{}, &StreamEvent{})
}

// EventSink is a GORM-backed implementation of nvr.EventSink. It stats the
// closed file itself (the Supervisor only carries the path, not the final
// size) so Recording rows always reflect actual on-disk bytes, matching
// "segment files truncated by a crash ... surfaced with their
// actual on-disk byte count".
type EventSink struct {
	db *DB
}

// NewEventSink wraps db as an nvr.EventSink.
func NewEventSink(db *DB) *EventSink {
	return &EventSink{db: db}
}

var _ nvr.EventSink = (*EventSink)(nil)

// RecordingStopped implements nvr.EventSink: inserts one Recording row
// for the finalized segment at path. Never blocks the caller on more than
// one INSERT; GORM's own connection pool bounds concurrency.
func (s *EventSink) RecordingStopped(streamName, path string) error {
	rec := Recording{
		StreamName: streamName,
		Path:       path,
		ClosedAt:   time.Now(),
		ByteSize:   fileSize(path),
	}
	return s.db.DB.Create(&rec).Error
}

// RecordEvent appends a StreamEvent row (connect/reconnect/error) for
// streamName. It is not part of nvr.EventSink, whose surface is the one
// method the engine needs; neither the engine nor cmd/nvrcore calls it.
func (s *EventSink) RecordEvent(streamName, kind, detail string) error {
	ev := StreamEvent{
		StreamName: streamName,
		Kind:       kind,
		Detail:     detail,
		OccurredAt: time.Now(),
	}
	return s.db.DB.Create(&ev).Error
}

// RecordingsForStream returns the most recent recordings for streamName,
// newest first, bounded by limit.
func (s *EventSink) RecordingsForStream(streamName string, limit int) ([]Recording, error) {
	var recs []Recording
	q := s.db.DB.Where("stream_name = ?", streamName).Order("closed_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&recs).Error
	return recs, err
}
