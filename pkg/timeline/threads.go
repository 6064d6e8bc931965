package timeline

import (
	"encoding/json"

	"chronik/pkg/logger"
	"chronik/pkg/models"
	"chronik/pkg/store"
	"chronik/pkg/telemetry"
	"chronik/pkg/validation"
)

// threadRootOf extracts the thread root referenced by an event, if any.
func threadRootOf(ev *models.Event) (string, bool) {
	if len(ev.Content) == 0 {
		return "", false
	}
	var c struct {
		RelatesTo *models.RelatesTo `json:"m.relates_to"`
	}
	if json.Unmarshal(ev.Content, &c) != nil || c.RelatesTo == nil {
		return "", false
	}
	if c.RelatesTo.Type != models.RelThread || c.RelatesTo.EventID == "" {
		return "", false
	}
	return c.RelatesTo.EventID, true
}

// bumpThreadSummary updates the root-side rollup when a thread event lands.
func bumpThreadSummary(tx *store.Txn, roomID, rootEventID string, ev *models.Event) error {
	key := store.ThreadSummaryKey(roomID, rootEventID)
	sum := models.ThreadSummary{RoomID: roomID, RootEventID: rootEventID}
	if _, err := tx.GetJSON(key, &sum); err != nil {
		return err
	}
	sum.NumberOfThreads++
	if ev.OriginServerTS >= sum.LatestEventTS {
		sum.LatestEventTS = ev.OriginServerTS
		sum.LatestEventID = ev.EventID
		sum.LatestEventSender = ev.Sender
	}
	return tx.SetJSON(key, sum)
}

// GetThreadSummary returns the rollup for a thread root, or ErrNotFound.
func GetThreadSummary(r store.Reader, roomID, rootEventID string) (*models.ThreadSummary, error) {
	var sum models.ThreadSummary
	ok, err := r.GetJSON(store.ThreadSummaryKey(roomID, rootEventID), &sum)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, store.ErrNotFound
	}
	return &sum, nil
}

// AddThreadEvents stores a page of thread-scoped history for one root
// event. Thread chunks form a linked list parallel to the room's main one;
// their timeline events are flagged so they can be pruned independently.
// events must be ordered oldest to newest.
func AddThreadEvents(roomID, rootEventID string, events []models.Event, nextToken string) error {
	return store.Update(roomID, func(tx *store.Txn) error {
		c, err := findLastForwardThread(tx, roomID, rootEventID)
		if err != nil {
			return err
		}
		if c == nil {
			c = newChunk(roomID)
			c.RootThreadEventID = rootEventID
			c.IsLastForwardThread = true
			telemetry.ChunksCreated.Inc()
			logger.Debug("thread_chunk_created", "room", roomID, "root", rootEventID, "chunk", c.ChunkID)
		}
		if nextToken != "" {
			c.NextToken = nextToken
		}
		for i := range events {
			if err := insertThreadEvent(tx, c, &events[i]); err != nil {
				return err
			}
		}
		return saveChunk(tx, c)
	})
}

func insertThreadEvent(tx *store.Txn, c *models.Chunk, ev *models.Event) error {
	if err := validation.ValidateEvent(c.RoomID, ev); err != nil {
		telemetry.EventsSkipped.Inc()
		logger.Warn("thread_event_skipped", "room", c.RoomID, "error", err)
		return nil
	}
	if ev.RoomID == "" {
		ev.RoomID = c.RoomID
	}
	if ev.SendState == "" {
		ev.SendState = models.SendStateSynced
	}
	if err := store.PutEvent(tx, ev); err != nil {
		return err
	}
	telemetry.EventsIngested.Inc()

	// thread lists keep their own dedup index, separate from the main
	// list: the same event may legitimately appear in both.
	idxKey := store.EventThreadChunkKey(c.RoomID, ev.EventID)
	if _, ok, err := tx.Get(idxKey); err != nil {
		return err
	} else if ok {
		telemetry.EventsDeduplicated.Inc()
		return nil
	}

	ordinal, err := store.NextOrdinal(tx, c.RoomID)
	if err != nil {
		return err
	}
	te := models.TimelineEvent{
		LocalID:            ordinal,
		EventID:            ev.EventID,
		OwnedByThreadChunk: true,
	}
	te.SenderName, te.SenderAvatar = senderSnapshot(tx, c, ev.Sender)
	placeTimelineEvent(c, te, false)

	if err := bumpThreadSummary(tx, c.RoomID, c.RootThreadEventID, ev); err != nil {
		return err
	}
	return tx.Set(idxKey, []byte(c.ChunkID))
}

func findLastForwardThread(r store.Reader, roomID, rootEventID string) (*models.Chunk, error) {
	chunks, err := RoomChunks(r, roomID)
	if err != nil {
		return nil, err
	}
	for i := range chunks {
		if chunks[i].RootThreadEventID == rootEventID && chunks[i].IsLastForwardThread {
			return &chunks[i], nil
		}
	}
	return nil, nil
}
