package storage

// pairing_events.go contains SQLiteStore methods for the pairing audit log.
// Every pairing state change is appended so operators can see which devices
// asked for access, which were approved, and when tokens were rejected.
// Action calls are not recorded.

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Pairing event kinds.
const (
	EventRequested       = "requested"       // New pending pairing minted
	EventRefreshed       = "refreshed"       // Existing pending pairing rebound to a new socket
	EventApproved        = "approved"        // Operator approved the code
	EventExpired         = "expired"         // Pending pairing pruned (TTL or socket closed)
	EventReauthenticated = "reauthenticated" // Known device presented a valid token
	EventRejected        = "rejected"        // Token presented but did not match
	EventRevoked         = "revoked"         // Device removed from the trust store
)

// PairingEvent is one audit log row.
type PairingEvent struct {
	ID         string
	Event      string
	DeviceID   string
	DeviceName string
	Code       string
	RemoteAddr string
	Detail     string
	OccurredAt time.Time
}

// SavePairingEvent appends an event. ID and OccurredAt are filled if empty.
func (s *SQLiteStore) SavePairingEvent(ev *PairingEvent) error {
	if ev == nil {
		return errors.New("pairing event cannot be nil")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
		INSERT INTO pairing_events
			(id, event, device_id, device_name, code, remote_addr, detail, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query,
		ev.ID,
		ev.Event,
		ev.DeviceID,
		ev.DeviceName,
		ev.Code,
		ev.RemoteAddr,
		ev.Detail,
		ev.OccurredAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save pairing event: %w", err)
	}
	return nil
}

// ListPairingEvents returns events newest first.
// If deviceID is non-empty only that device's events are returned.
// Use limit <= 0 to return all entries.
func (s *SQLiteStore) ListPairingEvents(deviceID string, limit int) ([]*PairingEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, event, device_id, device_name, code, remote_addr, detail, occurred_at
		FROM pairing_events
	`
	var args []interface{}
	if deviceID != "" {
		query += " WHERE device_id = ?"
		args = append(args, deviceID)
	}
	query += " ORDER BY occurred_at DESC, rowid DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pairing events: %w", err)
	}
	defer rows.Close()

	var events []*PairingEvent
	for rows.Next() {
		ev, err := scanPairingEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pairing events: %w", err)
	}
	return events, nil
}

func scanPairingEvent(rows *sql.Rows) (*PairingEvent, error) {
	var (
		ev         PairingEvent
		occurredAt string
	)
	err := rows.Scan(
		&ev.ID,
		&ev.Event,
		&ev.DeviceID,
		&ev.DeviceName,
		&ev.Code,
		&ev.RemoteAddr,
		&ev.Detail,
		&occurredAt,
	)
	if err != nil {
		return nil, err
	}

	t, err := time.Parse(time.RFC3339Nano, occurredAt)
	if err != nil {
		return nil, fmt.Errorf("parse occurred_at: %w", err)
	}
	ev.OccurredAt = t
	return &ev, nil
}
