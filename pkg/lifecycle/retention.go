package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"chronik/pkg/config"
	"chronik/pkg/logger"
	"chronik/pkg/models"
	"chronik/pkg/store"
)

// StartRetention starts the retention scheduler if enabled. Returns a cancel
// func. Retention trims old backward history: a chunk is purged when every
// event it holds is older than the configured max age. The forward-most
// chunk of a room is never purged, whatever its age.
func StartRetention(ctx context.Context, cfg *config.Config) (context.CancelFunc, error) {
	ret := cfg.Retention
	if !ret.Enabled {
		logger.Info("retention_disabled")
		return func() {}, nil
	}

	cronExpr := ret.Cron
	if cronExpr == "" {
		cronExpr = "0 2 * * *"
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("retention_invalid_cron", "cron", ret.Cron)
		return nil, fmt.Errorf("invalid retention cron expression: %s", ret.Cron)
	}

	logger.Info("retention_enabled", "cron", cronExpr, "max_age", ret.MaxAge.String())
	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, cronExpr, ret.MaxAge)
	return cancel, nil
}

// runScheduler computes the next cron tick with gronx and sleeps until it.
func runScheduler(ctx context.Context, cronExpr string, maxAge time.Duration) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("retention_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
			if err := RunRetentionOnce(maxAge); err != nil {
				logger.Error("retention_run_error", "error", err)
			}
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		}
	}
}

// RunRetentionOnce performs a single retention sweep over every known room.
func RunRetentionOnce(maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	rooms, err := knownRooms()
	if err != nil {
		return err
	}
	for _, roomID := range rooms {
		if err := purgeRoom(roomID, cutoff); err != nil {
			logger.Error("retention_room_failed", "room", roomID, "error", err)
		}
	}
	return nil
}

// purgeRoom deletes every expired chunk of one room, oldest first.
func purgeRoom(roomID string, cutoff int64) error {
	var expired []string
	err := store.View(func(s *store.Snap) error {
		chunks, err := roomChunks(s, roomID)
		if err != nil {
			return err
		}
		for i := range chunks {
			c := &chunks[i]
			if c.IsLastForward || c.IsLastForwardThread {
				continue
			}
			old, err := chunkExpired(s, c, cutoff)
			if err != nil {
				return err
			}
			if old {
				expired = append(expired, c.ChunkID)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, chunkID := range expired {
		if err := DeleteChunk(roomID, chunkID, DeleteOptions{CanDeleteRoot: true}); err != nil {
			return err
		}
	}
	if len(expired) > 0 {
		logger.Info("retention_chunks_purged", "room", roomID, "chunks", len(expired))
	}
	return nil
}

// chunkExpired reports whether every event of the chunk is older than the
// cutoff. A chunk with an undated event is kept.
func chunkExpired(r store.Reader, c *models.Chunk, cutoff int64) (bool, error) {
	if len(c.TimelineEvents) == 0 {
		return true, nil
	}
	for _, te := range c.TimelineEvents {
		ev, err := store.GetEvent(r, te.EventID)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return false, err
		}
		if ev.OriginServerTS == 0 || ev.OriginServerTS >= cutoff {
			return false, nil
		}
	}
	return true, nil
}

func knownRooms() ([]string, error) {
	var rooms []string
	err := store.View(func(s *store.Snap) error {
		return s.Prefix("room:", func(_ string, val []byte) error {
			var meta models.RoomMeta
			if err := json.Unmarshal(val, &meta); err != nil || meta.RoomID == "" {
				return nil
			}
			rooms = append(rooms, meta.RoomID)
			return nil
		})
	})
	return rooms, err
}
