package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahump20/blaze-intelligence-sub001/internal/connector"
	"github.com/ahump20/blaze-intelligence-sub001/internal/database"
)

// Snapshots are retained well past the entry TTL: a restarted process
// serving day-old data still beats serving nothing.
const snapshotRetention = 24 * time.Hour

// SnapshotService write-throughs last-known-good source entries to Redis
// so a restarted process can warm-start before its first upstream fetch.
// The in-memory cache stays authoritative; this is purely a backstop.
type SnapshotService struct {
	client *database.RedisClient
}

func NewSnapshotService(client *database.RedisClient) *SnapshotService {
	return &SnapshotService{client: client}
}

func snapshotKey(source string) string {
	return fmt.Sprintf("source:%s:snapshot", source)
}

func (s *SnapshotService) Save(ctx context.Context, entry connector.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	if err := s.client.GetClient().Set(ctx, snapshotKey(entry.Key), data, snapshotRetention).Err(); err != nil {
		slog.Error("Failed to persist snapshot", "source", entry.Key, "error", err)
		return err
	}

	slog.Debug("Snapshot persisted", "source", entry.Key, "fetchedAt", entry.FetchedAt)
	return nil
}

func (s *SnapshotService) Load(ctx context.Context, key string) (connector.Entry, error) {
	data, err := s.client.GetClient().Get(ctx, snapshotKey(key)).Bytes()
	if err != nil {
		// A missing snapshot is the normal cold-start case.
		return connector.Entry{}, connector.ErrNotYetFetched
	}

	var entry connector.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		slog.Warn("Discarding corrupt snapshot", "source", key, "error", err)
		return connector.Entry{}, connector.ErrNotYetFetched
	}
	return entry, nil
}
