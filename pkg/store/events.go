package store

import (
	"encoding/json"
	"fmt"

	"chronik/pkg/logger"
	"chronik/pkg/models"
)

// PutEvent inserts or overwrites an event record by id. Idempotent on
// re-delivery.
func PutEvent(tx *Txn, ev *models.Event) error {
	if ev.EventID == "" {
		return fmt.Errorf("event without id")
	}
	return tx.SetJSON(EventKey(ev.EventID), ev)
}

// GetEvent loads an event record. Returns ErrNotFound when absent.
func GetEvent(r Reader, eventID string) (*models.Event, error) {
	var ev models.Event
	ok, err := r.GetJSON(EventKey(eventID), &ev)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return &ev, nil
}

// DeleteEvent removes an event record.
func DeleteEvent(tx *Txn, eventID string) error {
	return tx.Delete(EventKey(eventID))
}

// MarkRedacted empties an event's content while preserving its metadata.
func MarkRedacted(tx *Txn, eventID string) error {
	ev, err := GetEvent(tx, eventID)
	if err != nil {
		return err
	}
	ev.Content = json.RawMessage(`{}`)
	ev.PrevContent = nil
	ev.Decryption = nil
	logger.Debug("event_redacted", "event_id", eventID)
	return PutEvent(tx, ev)
}

// SetDecryptionResult attaches a decryption outcome to an already stored
// event. The result is opaque to aggregation: a stored error is never
// surfaced as a failure, the event is simply treated as undecryptable.
func SetDecryptionResult(tx *Txn, eventID string, res models.DecryptionResult) error {
	ev, err := GetEvent(tx, eventID)
	if err != nil {
		return err
	}
	ev.Decryption = &res
	return PutEvent(tx, ev)
}

// GetRoomMeta loads room metadata, returning a zero-valued record when the
// room is unknown.
func GetRoomMeta(r Reader, roomID string) (models.RoomMeta, error) {
	meta := models.RoomMeta{RoomID: roomID}
	if _, err := r.GetJSON(RoomMetaKey(roomID), &meta); err != nil {
		return meta, err
	}
	return meta, nil
}

// PutRoomMeta stores room metadata.
func PutRoomMeta(tx *Txn, meta models.RoomMeta) error {
	return tx.SetJSON(RoomMetaKey(meta.RoomID), meta)
}

// NextOrdinal reserves and returns the next per-room ordinal used for
// TimelineEvent.LocalID. Must be called inside the room's write txn.
func NextOrdinal(tx *Txn, roomID string) (int64, error) {
	meta, err := GetRoomMeta(tx, roomID)
	if err != nil {
		return 0, err
	}
	meta.LastOrdinal++
	if err := PutRoomMeta(tx, meta); err != nil {
		return 0, err
	}
	return meta.LastOrdinal, nil
}
