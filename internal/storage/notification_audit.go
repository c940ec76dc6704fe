package storage

// notification_audit.go records every attempt to deliver a notification to
// the UI process, delivered or dropped.

import (
	"fmt"
	"time"
)

// NotificationAuditEntry is one delivery attempt.
type NotificationAuditEntry struct {
	ID             int64
	DeliveryID     string
	NotificationID int
	SessionID      string
	Delivered      bool
	Relaunched     bool
	Error          string
	At             time.Time
}

// RecordNotification appends an entry and prunes beyond the retention limit.
func (s *SQLiteStore) RecordNotification(entry *NotificationAuditEntry) error {
	if entry == nil {
		return fmt.Errorf("notification audit entry cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO notification_audit
			(delivery_id, notification_id, session_id, delivered, relaunched, error, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		entry.DeliveryID,
		entry.NotificationID,
		entry.SessionID,
		boolToInt(entry.Delivered),
		boolToInt(entry.Relaunched),
		entry.Error,
		entry.At.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert notification audit: %w", err)
	}

	if s.maxRows > 0 {
		const pruneQuery = `
			DELETE FROM notification_audit
			WHERE id NOT IN (SELECT id FROM notification_audit ORDER BY id DESC LIMIT ?)
		`
		if _, err := tx.Exec(pruneQuery, s.maxRows); err != nil {
			return fmt.Errorf("prune notification audit: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit notification audit: %w", err)
	}
	return nil
}

// ListNotifications returns entries newest first; limit <= 0 means all.
func (s *SQLiteStore) ListNotifications(limit int) ([]*NotificationAuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, delivery_id, notification_id, session_id, delivered, relaunched, error, at
		FROM notification_audit
		ORDER BY id DESC
	`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query notification audit: %w", err)
	}
	defer rows.Close()

	var entries []*NotificationAuditEntry
	for rows.Next() {
		var (
			entry                 NotificationAuditEntry
			delivered, relaunched int
			atStr                 string
		)
		err := rows.Scan(
			&entry.ID,
			&entry.DeliveryID,
			&entry.NotificationID,
			&entry.SessionID,
			&delivered,
			&relaunched,
			&entry.Error,
			&atStr,
		)
		if err != nil {
			return nil, fmt.Errorf("scan notification audit row: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, atStr)
		if err != nil {
			return nil, fmt.Errorf("parse notification audit at: %w", err)
		}
		entry.Delivered = delivered != 0
		entry.Relaunched = relaunched != 0
		entry.At = t
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notification audit rows: %w", err)
	}
	return entries, nil
}
