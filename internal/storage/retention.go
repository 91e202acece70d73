package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ttlColumns maps each retained table to the column its TTL is based on.
var ttlColumns = []struct{ table, column string }{
	{eventsTable, "timestamp"},
	{alertsTable, "timestamp"},
	{rejectsTable, "rejected_at"},
}

// RetentionManager keeps ClickHouse TTLs in line with the in-memory
// retention window, so stored rows age out on the same schedule.
type RetentionManager struct {
	client *ClickHouseClient
	maxAge time.Duration
}

func NewRetentionManager(client *ClickHouseClient, maxAge time.Duration) *RetentionManager {
	return &RetentionManager{client: client, maxAge: maxAge}
}

// TTLDays is the window in whole days, never less than one.
func (r *RetentionManager) TTLDays() int {
	return max(int(r.maxAge/(24*time.Hour)), 1)
}

func ttlStatement(table, column string, days int) string {
	return fmt.Sprintf("ALTER TABLE %s MODIFY TTL toDateTime(%s) + INTERVAL %d DAY DELETE", table, column, days)
}

// ApplyTTLs sets every table's TTL to the window. It runs after migrations
// and tries every table; failures are returned joined. A zero window leaves
// TTLs untouched.
func (r *RetentionManager) ApplyTTLs(ctx context.Context) error {
	if r.maxAge <= 0 {
		return nil
	}
	days := r.TTLDays()

	var errs []error
	for _, tc := range ttlColumns {
		if err := r.client.Exec(ctx, ttlStatement(tc.table, tc.column, days)); err != nil {
			errs = append(errs, &StorageError{Op: "SetTTL", Table: tc.table, Err: err})
			continue
		}
		slog.Info("applied retention policy", "table", tc.table, "ttl_days", days)
	}
	return errors.Join(errs...)
}
