package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RejectedObservation is an observation that failed validation.
type RejectedObservation struct {
	Raw        string
	Source     string // transport: "http", "dtls"
	RemoteAddr string
	Reason     string
	RejectedAt time.Time
}

// RejectWriter stores rejected observations for later review.
type RejectWriter struct {
	client *ClickHouseClient
}

// NewRejectWriter creates a RejectWriter.
func NewRejectWriter(client *ClickHouseClient) *RejectWriter {
	return &RejectWriter{client: client}
}

// Write stores a single rejected observation.
func (rw *RejectWriter) Write(ctx context.Context, r *RejectedObservation) error {
	at := r.RejectedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	err := rw.client.Exec(ctx, `
		INSERT INTO rejected_observations (
			reject_id, rejected_at, raw, source, remote_addr, reason
		) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), at, r.Raw, r.Source, r.RemoteAddr, r.Reason,
	)
	if err != nil {
		return &StorageError{Op: "Insert", Table: rejectsTable, Err: err}
	}
	return nil
}

// Count returns the number of rejected observations since the given time.
func (rw *RejectWriter) Count(ctx context.Context, since time.Time) (uint64, error) {
	rows, err := rw.client.Query(ctx,
		"SELECT count() FROM rejected_observations WHERE rejected_at >= ?", since)
	if err != nil {
		return 0, fmt.Errorf("failed to count rejects: %w", err)
	}
	defer rows.Close()

	var count uint64
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return 0, err
		}
	}
	return count, rows.Err()
}
