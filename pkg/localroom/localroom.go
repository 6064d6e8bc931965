package localroom

import (
	"context"
	"encoding/json"
	"time"

	"chronik/pkg/logger"
	"chronik/pkg/models"
	"chronik/pkg/store"
	"chronik/pkg/timeline"
	"chronik/pkg/utils"
)

// DefaultReadyTimeout bounds how long WaitForRoomReady blocks before
// reporting that the room was created but is not observable yet.
const DefaultReadyTimeout = time.Minute

// CreateParams describes a locally created room, before any server
// round-trip.
type CreateParams struct {
	Creator    string
	Name       string
	Topic      string
	InviteIDs  []string
	Visibility string // history visibility, defaults to "shared"
}

// CreateLocalRoom synthesizes the initial state of a room entirely on the
// client and seeds its first chunk. The returned room id carries the local
// prefix until the server assigns a real one.
func CreateLocalRoom(p CreateParams) (string, error) {
	roomID := utils.GenLocalRoomID()
	now := time.Now().UnixMilli()

	events := []models.Event{
		stateEvent(roomID, models.TypeCreate, p.Creator, "", now, map[string]any{
			"creator": p.Creator,
		}),
		memberEvent(roomID, p.Creator, p.Creator, "join", now+1),
		stateEvent(roomID, models.TypePowerLevels, p.Creator, "", now+2, defaultPowerLevels(p.Creator)),
		stateEvent(roomID, models.TypeJoinRules, p.Creator, "", now+3, map[string]any{
			"join_rule": "invite",
		}),
		stateEvent(roomID, models.TypeHistoryVisibility, p.Creator, "", now+4, map[string]any{
			"history_visibility": visibilityOrDefault(p.Visibility),
		}),
		stateEvent(roomID, models.TypeGuestAccess, p.Creator, "", now+5, map[string]any{
			"guest_access": "can_join",
		}),
	}
	if p.Name != "" {
		events = append(events, stateEvent(roomID, models.TypeName, p.Creator, "", now+6, map[string]any{
			"name": p.Name,
		}))
	}
	if p.Topic != "" {
		events = append(events, stateEvent(roomID, models.TypeTopic, p.Creator, "", now+7, map[string]any{
			"topic": p.Topic,
		}))
	}
	for i, invited := range p.InviteIDs {
		events = append(events, memberEvent(roomID, p.Creator, invited, "invite", now+8+int64(i)))
	}

	if err := timeline.CreateLocalChunk(roomID, events); err != nil {
		return "", err
	}
	logger.Info("local_room_created", "room", roomID, "creator", p.Creator, "invites", len(p.InviteIDs))
	return roomID, nil
}

// WaitForRoomReady blocks until the room's seed chunk is observable by
// readers, or the timeout elapses with ErrAwaitTimeout. A zero timeout uses
// the default.
func WaitForRoomReady(ctx context.Context, roomID string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	return store.AwaitCondition(ctx, timeout, func(s *store.Snap) bool {
		chunks, err := timeline.RoomChunks(s, roomID)
		return err == nil && len(chunks) > 0
	})
}

// WaitForMembership blocks until the room's metadata reports the given
// membership.
func WaitForMembership(ctx context.Context, roomID, membership string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	return store.AwaitCondition(ctx, timeout, func(s *store.Snap) bool {
		meta, err := store.GetRoomMeta(s, roomID)
		return err == nil && meta.Membership == membership
	})
}

func stateEvent(roomID, evType, sender, stateKey string, ts int64, content map[string]any) models.Event {
	raw, _ := json.Marshal(content)
	return models.Event{
		EventID:        utils.GenLocalEventID(),
		RoomID:         roomID,
		Type:           evType,
		StateKey:       &stateKey,
		Sender:         sender,
		OriginServerTS: ts,
		Content:        raw,
		SendState:      models.SendStateSynced,
		// transaction id lets the server echo of each seed event be
		// reconciled with the synthesized one
		Unsigned: &models.UnsignedData{TransactionID: utils.GenTransactionID()},
	}
}

func memberEvent(roomID, sender, target, membership string, ts int64) models.Event {
	ev := stateEvent(roomID, models.TypeMember, sender, target, ts, map[string]any{
		"membership": membership,
	})
	return ev
}

func defaultPowerLevels(creator string) map[string]any {
	return map[string]any{
		"users":          map[string]any{creator: 100},
		"users_default":  0,
		"events_default": 0,
		"state_default":  50,
		"ban":            50,
		"kick":           50,
		"redact":         50,
		"invite":         0,
	}
}

func visibilityOrDefault(v string) string {
	if v == "" {
		return "shared"
	}
	return v
}
