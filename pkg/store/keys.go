package store

// Key namespaces. Room and event ids may themselves contain colons, so
// nothing ever parses ids back out of keys; records carry their own ids.
//
//	event:<eventID>                    raw event record
//	chunk:<roomID>:<chunkID>           chunk record (timeline + state ids)
//	evchunk:<roomID>:<eventID>         event id -> owning chunk id
//	ann:<eventID>                      annotations summary for a target
//	annroom:<roomID>:<eventID>         per-room annotations index
//	room:<roomID>:meta                 room metadata / ordinal counter
//	threadsum:<roomID>:<rootEventID>   thread summary for a root event
//	receipts:<roomID>:<eventID>        read receipt list for an event

func EventKey(eventID string) string { return "event:" + eventID }

func ChunkKey(roomID, chunkID string) string { return "chunk:" + roomID + ":" + chunkID }

func ChunkPrefix(roomID string) string { return "chunk:" + roomID + ":" }

func EventChunkKey(roomID, eventID string) string { return "evchunk:" + roomID + ":" + eventID }

func EventThreadChunkKey(roomID, eventID string) string { return "evtchunk:" + roomID + ":" + eventID }

func AnnKey(eventID string) string { return "ann:" + eventID }

func AnnRoomKey(roomID, eventID string) string { return "annroom:" + roomID + ":" + eventID }

func AnnRoomPrefix(roomID string) string { return "annroom:" + roomID + ":" }

func RoomMetaKey(roomID string) string { return "room:" + roomID + ":meta" }

func ThreadSummaryKey(roomID, rootEventID string) string {
	return "threadsum:" + roomID + ":" + rootEventID
}

func ThreadSummaryPrefix(roomID string) string { return "threadsum:" + roomID + ":" }

func ReceiptsKey(roomID, eventID string) string { return "receipts:" + roomID + ":" + eventID }
