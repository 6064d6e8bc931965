package lifecycle

import (
	"encoding/json"

	"chronik/pkg/aggregation"
	"chronik/pkg/logger"
	"chronik/pkg/models"
	"chronik/pkg/store"
	"chronik/pkg/telemetry"
)

// DeleteOptions controls how far a chunk deletion cascades.
type DeleteOptions struct {
	// DeleteStateEvents also removes state event records owned exclusively
	// by the deleted chunk. State shared with another chunk always survives.
	DeleteStateEvents bool
	// CanDeleteRoot permits deleting the underlying event records, not just
	// the positioned timeline entries.
	CanDeleteRoot bool
}

// DeleteChunk removes a chunk and everything it exclusively owns in one
// transaction: timeline entries, their index records, annotation summaries,
// thread summaries and (per options) the event records themselves. The
// chunk's neighbors are relinked so the room's list stays walkable, and the
// forward extremity is handed to the predecessor when the deleted chunk
// held it.
func DeleteChunk(roomID, chunkID string, opts DeleteOptions) error {
	return store.Update(roomID, func(tx *store.Txn) error {
		c, err := loadChunk(tx, roomID, chunkID)
		if err != nil {
			return err
		}
		if c == nil {
			return store.ErrNotFound
		}
		c.State = models.ChunkDeleting
		if err := saveChunk(tx, c); err != nil {
			return err
		}

		others, err := otherChunks(tx, roomID, chunkID)
		if err != nil {
			return err
		}

		if opts.DeleteStateEvents {
			for _, id := range c.StateEventIDs {
				if stateSharedElsewhere(others, id) {
					continue
				}
				if err := store.DeleteEvent(tx, id); err != nil {
					return err
				}
			}
		}

		for _, te := range c.TimelineEvents {
			if err := deleteTimelineEvent(tx, c, te, opts); err != nil {
				return err
			}
		}

		if err := relinkNeighbors(tx, c, others); err != nil {
			return err
		}
		if err := tx.Delete(store.ChunkKey(roomID, chunkID)); err != nil {
			return err
		}
		telemetry.CascadeDeletes.Inc()
		logger.Info("chunk_deleted", "room", roomID, "chunk", chunkID,
			"events", len(c.TimelineEvents), "state_events", opts.DeleteStateEvents)
		return nil
	})
}

// deleteTimelineEvent cascades one positioned entry: index record, thread
// summary (before its root), annotations, then the event record itself when
// permitted.
func deleteTimelineEvent(tx *store.Txn, c *models.Chunk, te models.TimelineEvent, opts DeleteOptions) error {
	idxKey := store.EventChunkKey(c.RoomID, te.EventID)
	if c.IsThread() {
		idxKey = store.EventThreadChunkKey(c.RoomID, te.EventID)
	}
	if err := tx.Delete(idxKey); err != nil {
		return err
	}
	if err := tx.Delete(store.ThreadSummaryKey(c.RoomID, te.EventID)); err != nil {
		return err
	}
	if err := aggregation.DeleteSummary(tx, c.RoomID, te.EventID); err != nil {
		return err
	}
	if err := tx.Delete(store.ReceiptsKey(c.RoomID, te.EventID)); err != nil {
		return err
	}

	if !opts.CanDeleteRoot {
		return nil
	}
	ev, err := store.GetEvent(tx, te.EventID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if ev.IsState() && !opts.DeleteStateEvents {
		return nil
	}
	return store.DeleteEvent(tx, te.EventID)
}

// relinkNeighbors splices the deleted chunk out of the room's linked list.
func relinkNeighbors(tx *store.Txn, c *models.Chunk, others []models.Chunk) error {
	var prev, next *models.Chunk
	for i := range others {
		switch others[i].ChunkID {
		case c.PrevChunkID:
			prev = &others[i]
		case c.NextChunkID:
			next = &others[i]
		}
	}
	if prev != nil {
		prev.NextChunkID = c.NextChunkID
		if c.IsLastForward && !c.IsThread() {
			prev.IsLastForward = true
			prev.NextToken = c.NextToken
			logger.Info("forward_extremity_promoted", "room", c.RoomID, "chunk", prev.ChunkID)
		}
		if err := saveChunk(tx, prev); err != nil {
			return err
		}
	}
	if next != nil {
		next.PrevChunkID = c.PrevChunkID
		if c.IsLastBackward {
			next.IsLastBackward = true
			next.PrevToken = c.PrevToken
		}
		if err := saveChunk(tx, next); err != nil {
			return err
		}
	}
	return nil
}

// PruneThreadChunks removes a root event's thread-scoped history without
// touching the room's main timeline: only entries owned by thread chunks,
// their index records and the thread summary go.
func PruneThreadChunks(roomID, rootEventID string) error {
	return store.Update(roomID, func(tx *store.Txn) error {
		chunks, err := roomChunks(tx, roomID)
		if err != nil {
			return err
		}
		pruned := 0
		for i := range chunks {
			c := &chunks[i]
			if c.RootThreadEventID != rootEventID {
				continue
			}
			for _, te := range c.TimelineEvents {
				if err := tx.Delete(store.EventThreadChunkKey(roomID, te.EventID)); err != nil {
					return err
				}
				if !te.OwnedByThreadChunk {
					continue
				}
				if err := aggregation.DeleteSummary(tx, roomID, te.EventID); err != nil {
					return err
				}
				if err := store.DeleteEvent(tx, te.EventID); err != nil {
					return err
				}
			}
			if err := tx.Delete(store.ChunkKey(roomID, c.ChunkID)); err != nil {
				return err
			}
			pruned++
		}
		if err := tx.Delete(store.ThreadSummaryKey(roomID, rootEventID)); err != nil {
			return err
		}
		if pruned > 0 {
			telemetry.CascadeDeletes.Inc()
			logger.Info("thread_chunks_pruned", "room", roomID, "root", rootEventID, "chunks", pruned)
		}
		return nil
	})
}

func stateSharedElsewhere(others []models.Chunk, eventID string) bool {
	for i := range others {
		if others[i].HasStateEvent(eventID) {
			return true
		}
	}
	return false
}

func loadChunk(r store.Reader, roomID, chunkID string) (*models.Chunk, error) {
	var c models.Chunk
	ok, err := r.GetJSON(store.ChunkKey(roomID, chunkID), &c)
	if err != nil || !ok {
		return nil, err
	}
	return &c, nil
}

func saveChunk(tx *store.Txn, c *models.Chunk) error {
	return tx.SetJSON(store.ChunkKey(c.RoomID, c.ChunkID), c)
}

func roomChunks(r store.Reader, roomID string) ([]models.Chunk, error) {
	var out []models.Chunk
	err := r.Prefix(store.ChunkPrefix(roomID), func(_ string, val []byte) error {
		var c models.Chunk
		if err := json.Unmarshal(val, &c); err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	return out, err
}

func otherChunks(r store.Reader, roomID, excludeID string) ([]models.Chunk, error) {
	chunks, err := roomChunks(r, roomID)
	if err != nil {
		return nil, err
	}
	out := chunks[:0]
	for _, c := range chunks {
		if c.ChunkID != excludeID {
			out = append(out, c)
		}
	}
	return out, nil
}
