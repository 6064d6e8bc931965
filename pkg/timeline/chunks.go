package timeline

import (
	"encoding/json"
	"fmt"

	"chronik/pkg/logger"
	"chronik/pkg/models"
	"chronik/pkg/store"
	"chronik/pkg/telemetry"
	"chronik/pkg/utils"
	"chronik/pkg/validation"
)

// AppendForward extends the room's forward-most chunk with a batch of new
// events, or opens a new forward chunk when the batch does not touch the
// current boundary (a sync gap). events must be ordered oldest to newest.
// prevToken is the token the batch was fetched from, nextToken the new
// forward boundary.
func AppendForward(roomID string, events []models.Event, prevToken, nextToken string) error {
	return store.Update(roomID, func(tx *store.Txn) error {
		return appendForward(tx, roomID, events, prevToken, nextToken)
	})
}

func appendForward(tx *store.Txn, roomID string, events []models.Event, prevToken, nextToken string) error {
	last, err := findLastForward(tx, roomID)
	if err != nil {
		return err
	}

	var target *models.Chunk
	switch {
	case last == nil:
		any, err := roomHasChunks(tx, roomID)
		if err != nil {
			return err
		}
		target = newChunk(roomID)
		target.IsLastForward = true
		target.IsLastBackward = !any
		target.PrevToken = prevToken
		target.NextToken = nextToken
		telemetry.ChunksCreated.Inc()
		logger.Debug("forward_chunk_created", "room", roomID, "chunk", target.ChunkID)
	case last.NextToken == "" || prevToken == "" || last.NextToken == prevToken:
		// batch continues the current boundary: append in place
		target = last
		if nextToken != "" {
			target.NextToken = nextToken
		}
	default:
		// gap: the old forward chunk is superseded
		last.IsLastForward = false
		last.HasBeenLastForward = true
		if err := saveChunk(tx, last); err != nil {
			return err
		}
		target = newChunk(roomID)
		target.IsLastForward = true
		target.PrevToken = prevToken
		target.NextToken = nextToken
		telemetry.ChunksCreated.Inc()
		logger.Info("forward_chunk_superseded", "room", roomID, "old", last.ChunkID, "new", target.ChunkID)
	}

	for i := range events {
		if err := insertEvent(tx, target, &events[i], false); err != nil {
			return err
		}
	}
	return saveChunk(tx, target)
}

// PrependBackward integrates a backward pagination page. nextToken is the
// token that was paginated from (it matches the extended chunk's
// prevToken); prevToken is the new, older boundary. events must be ordered
// oldest to newest. When the new boundary matches another chunk's
// nextToken the two chunks are linked instead of duplicating history.
func PrependBackward(roomID string, events []models.Event, prevToken, nextToken string) error {
	return store.Update(roomID, func(tx *store.Txn) error {
		return prependBackward(tx, roomID, events, prevToken, nextToken)
	})
}

func prependBackward(tx *store.Txn, roomID string, events []models.Event, prevToken, nextToken string) error {
	succ, err := chunkByPrevToken(tx, roomID, nextToken)
	if err != nil {
		return err
	}

	var target *models.Chunk
	if succ != nil {
		target = succ
		target.PrevToken = prevToken
	} else {
		target = newChunk(roomID)
		target.PrevToken = prevToken
		target.NextToken = nextToken
		telemetry.ChunksCreated.Inc()
		logger.Debug("backward_chunk_created", "room", roomID, "chunk", target.ChunkID)
	}
	if prevToken == "" {
		target.IsLastBackward = true
	}

	// prepend the page preserving order
	for i := len(events) - 1; i >= 0; i-- {
		if err := insertEvent(tx, target, &events[i], true); err != nil {
			return err
		}
	}

	if prevToken != "" {
		pred, err := chunkByNextToken(tx, roomID, prevToken)
		if err != nil {
			return err
		}
		if pred != nil && pred.ChunkID != target.ChunkID {
			pred.NextChunkID = target.ChunkID
			target.PrevChunkID = pred.ChunkID
			if err := saveChunk(tx, pred); err != nil {
				return err
			}
			telemetry.ChunksLinked.Inc()
			logger.Info("chunks_linked", "room", roomID, "prev", pred.ChunkID, "next", target.ChunkID)
		}
	}
	return saveChunk(tx, target)
}

// CreateLocalChunk seeds a room created locally, before the server has
// assigned real pagination tokens. The produced chunk is both the backward
// and forward extremity of the room.
func CreateLocalChunk(roomID string, events []models.Event) error {
	return store.Update(roomID, func(tx *store.Txn) error {
		c := newChunk(roomID)
		c.IsLastForward = true
		c.IsLastBackward = true
		telemetry.ChunksCreated.Inc()
		for i := range events {
			if err := insertEvent(tx, c, &events[i], false); err != nil {
				return err
			}
		}
		meta, err := store.GetRoomMeta(tx, roomID)
		if err != nil {
			return err
		}
		meta.LocalCreate = true
		if meta.Membership == "" {
			meta.Membership = "join"
		}
		if err := store.PutRoomMeta(tx, meta); err != nil {
			return err
		}
		return saveChunk(tx, c)
	})
}

// SetRoomMembership records a membership transition supplied by the sync
// client.
func SetRoomMembership(roomID, membership string) error {
	return store.Update(roomID, func(tx *store.Txn) error {
		meta, err := store.GetRoomMeta(tx, roomID)
		if err != nil {
			return err
		}
		meta.Membership = membership
		return store.PutRoomMeta(tx, meta)
	})
}

// insertEvent validates, records and surfaces one event into a chunk.
// Malformed events are skipped without aborting the batch. prepend places
// the event at the start of the chunk's timeline.
func insertEvent(tx *store.Txn, c *models.Chunk, ev *models.Event, prepend bool) error {
	if err := validation.ValidateEvent(c.RoomID, ev); err != nil {
		telemetry.EventsSkipped.Inc()
		logger.Warn("event_skipped", "room", c.RoomID, "error", err)
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

	if ev.IsState() && !c.HasStateEvent(ev.EventID) {
		c.StateEventIDs = append(c.StateEventIDs, ev.EventID)
	}

	// dedup: an event id present anywhere in the room's main list is
	// never inserted twice; it moves chunks instead.
	idxKey := store.EventChunkKey(c.RoomID, ev.EventID)
	if raw, ok, err := tx.Get(idxKey); err != nil {
		return err
	} else if ok {
		ownerID := string(raw)
		if ownerID == c.ChunkID {
			telemetry.EventsDeduplicated.Inc()
			return nil
		}
		return moveTimelineEvent(tx, c, ev, ownerID, prepend)
	}

	if ev.IsUseless() {
		// recorded but not surfaced: nothing changed for display
		return nil
	}

	ordinal, err := store.NextOrdinal(tx, c.RoomID)
	if err != nil {
		return err
	}
	te := models.TimelineEvent{
		LocalID: ordinal,
		EventID: ev.EventID,
	}
	te.SenderName, te.SenderAvatar = senderSnapshot(tx, c, ev.Sender)
	placeTimelineEvent(c, te, prepend)

	if root, ok := threadRootOf(ev); ok {
		if err := bumpThreadSummary(tx, c.RoomID, root, ev); err != nil {
			return err
		}
	}
	return tx.Set(idxKey, []byte(c.ChunkID))
}

// moveTimelineEvent re-homes an already known event into a new chunk,
// keeping its ordinal so local-echo ordering survives server confirmation.
func moveTimelineEvent(tx *store.Txn, dst *models.Chunk, ev *models.Event, ownerID string, prepend bool) error {
	telemetry.EventsDeduplicated.Inc()
	owner, err := loadChunk(tx, dst.RoomID, ownerID)
	if err != nil {
		return err
	}
	var te models.TimelineEvent
	if owner != nil {
		if i := owner.FindTimelineEvent(ev.EventID); i >= 0 {
			te = owner.TimelineEvents[i]
			owner.TimelineEvents = append(owner.TimelineEvents[:i], owner.TimelineEvents[i+1:]...)
			owner.Renumber()
			if err := saveChunk(tx, owner); err != nil {
				return err
			}
		}
	}
	if te.EventID == "" {
		ordinal, err := store.NextOrdinal(tx, dst.RoomID)
		if err != nil {
			return err
		}
		te = models.TimelineEvent{LocalID: ordinal, EventID: ev.EventID}
	}
	te.SenderName, te.SenderAvatar = senderSnapshot(tx, dst, ev.Sender)
	placeTimelineEvent(dst, te, prepend)
	logger.Debug("timeline_event_moved", "room", dst.RoomID, "event", ev.EventID, "from", ownerID, "to", dst.ChunkID)
	return tx.Set(store.EventChunkKey(dst.RoomID, ev.EventID), []byte(dst.ChunkID))
}

func placeTimelineEvent(c *models.Chunk, te models.TimelineEvent, prepend bool) {
	if prepend {
		c.TimelineEvents = append([]models.TimelineEvent{te}, c.TimelineEvents...)
	} else {
		c.TimelineEvents = append(c.TimelineEvents, te)
	}
	c.Renumber()
}

// senderSnapshot resolves the display name and avatar of a sender from the
// membership state carried by the chunk, frozen at insert time.
func senderSnapshot(tx *store.Txn, c *models.Chunk, sender string) (string, string) {
	for _, id := range c.StateEventIDs {
		sev, err := store.GetEvent(tx, id)
		if err != nil || sev.Type != models.TypeMember || sev.StateKey == nil || *sev.StateKey != sender {
			continue
		}
		var content struct {
			DisplayName string `json:"displayname"`
			AvatarURL   string `json:"avatar_url"`
		}
		if json.Unmarshal(sev.Content, &content) == nil {
			return content.DisplayName, content.AvatarURL
		}
	}
	return "", ""
}

func newChunk(roomID string) *models.Chunk {
	return &models.Chunk{
		ChunkID: utils.GenChunkID(),
		RoomID:  roomID,
		State:   models.ChunkActive,
	}
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

// RoomChunks loads every chunk of a room, thread chunks included.
func RoomChunks(r store.Reader, roomID string) ([]models.Chunk, error) {
	var out []models.Chunk
	err := r.Prefix(store.ChunkPrefix(roomID), func(_ string, val []byte) error {
		var c models.Chunk
		if err := json.Unmarshal(val, &c); err != nil {
			return fmt.Errorf("corrupt chunk record: %w", err)
		}
		out = append(out, c)
		return nil
	})
	return out, err
}

func roomHasChunks(r store.Reader, roomID string) (bool, error) {
	chunks, err := RoomChunks(r, roomID)
	return len(chunks) > 0, err
}

// findLastForward returns the room's forward-most non-thread chunk, nil
// when the room has none.
func findLastForward(r store.Reader, roomID string) (*models.Chunk, error) {
	chunks, err := RoomChunks(r, roomID)
	if err != nil {
		return nil, err
	}
	for i := range chunks {
		if chunks[i].IsLastForward && !chunks[i].IsThread() {
			return &chunks[i], nil
		}
	}
	return nil, nil
}

func chunkByPrevToken(r store.Reader, roomID, token string) (*models.Chunk, error) {
	if token == "" {
		return nil, nil
	}
	chunks, err := RoomChunks(r, roomID)
	if err != nil {
		return nil, err
	}
	for i := range chunks {
		if !chunks[i].IsThread() && chunks[i].PrevToken == token {
			return &chunks[i], nil
		}
	}
	return nil, nil
}

func chunkByNextToken(r store.Reader, roomID, token string) (*models.Chunk, error) {
	if token == "" {
		return nil, nil
	}
	chunks, err := RoomChunks(r, roomID)
	if err != nil {
		return nil, err
	}
	for i := range chunks {
		if !chunks[i].IsThread() && chunks[i].NextToken == token {
			return &chunks[i], nil
		}
	}
	return nil, nil
}
