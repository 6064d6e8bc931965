package timeline

import (
	"chronik/pkg/logger"
	"chronik/pkg/store"
)

// AddReadReceipt records that a user has read up to the given event. The
// receipt list lives both as its own record and denormalized onto the
// timeline entry the assembler serves.
func AddReadReceipt(roomID, eventID, userID string) error {
	return store.Update(roomID, func(tx *store.Txn) error {
		var users []string
		if _, err := tx.GetJSON(store.ReceiptsKey(roomID, eventID), &users); err != nil {
			return err
		}
		for _, u := range users {
			if u == userID {
				return nil
			}
		}
		users = append(users, userID)
		if err := tx.SetJSON(store.ReceiptsKey(roomID, eventID), users); err != nil {
			return err
		}

		raw, ok, err := tx.Get(store.EventChunkKey(roomID, eventID))
		if err != nil || !ok {
			if !ok {
				logger.Debug("receipt_for_unpositioned_event", "room", roomID, "event", eventID)
			}
			return err
		}
		c, err := loadChunk(tx, roomID, string(raw))
		if err != nil || c == nil {
			return err
		}
		if i := c.FindTimelineEvent(eventID); i >= 0 {
			c.TimelineEvents[i].ReadReceipts = users
			return saveChunk(tx, c)
		}
		return nil
	})
}
