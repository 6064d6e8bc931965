package models

// ChunkState is the lifecycle state of a chunk. A chunk only ever leaves
// the active state inside a delete transaction, so readers never observe
// a deleting chunk.
type ChunkState string

const (
	ChunkActive   ChunkState = "active"
	ChunkDeleting ChunkState = "deleting"
)

// TimelineEvent is the positioned, displayable view of an event inside a
// chunk. It is owned by its chunk and cascades with it.
type TimelineEvent struct {
	// LocalID is a per-room monotonic ordinal, stable across the
	// local-echo to synced transition.
	LocalID      int64  `json:"local_id"`
	EventID      string `json:"event_id"`
	DisplayIndex int    `json:"display_index"`
	// Sender snapshot at display time, decoupled from the live profile.
	SenderName         string   `json:"sender_name,omitempty"`
	SenderAvatar       string   `json:"sender_avatar,omitempty"`
	OwnedByThreadChunk bool     `json:"owned_by_thread_chunk,omitempty"`
	ReadReceipts       []string `json:"read_receipts,omitempty"`
}

// Chunk is a contiguous ordered slice of a room's history, a node of the
// room's doubly linked chunk list. Links are stored as chunk ids rather
// than pointers so cascade deletion is an explicit walk over ids.
type Chunk struct {
	ChunkID string     `json:"chunk_id"`
	RoomID  string     `json:"room_id"`
	State   ChunkState `json:"state,omitempty"`

	PrevToken string `json:"prev_token,omitempty"`
	NextToken string `json:"next_token,omitempty"`

	PrevChunkID string `json:"prev_chunk_id,omitempty"`
	NextChunkID string `json:"next_chunk_id,omitempty"`

	IsLastForward       bool `json:"is_last_forward,omitempty"`
	IsLastBackward      bool `json:"is_last_backward,omitempty"`
	IsLastForwardThread bool `json:"is_last_forward_thread,omitempty"`
	// HasBeenLastForward marks a chunk that used to be the forward-most
	// one and has since been superseded (its NextToken may be empty).
	HasBeenLastForward bool `json:"has_been_last_forward,omitempty"`

	// RootThreadEventID is non-empty only for thread-scoped chunks.
	RootThreadEventID string `json:"root_thread_event_id,omitempty"`

	TimelineEvents []TimelineEvent `json:"timeline_events,omitempty"`
	StateEventIDs  []string        `json:"state_event_ids,omitempty"`
}

// IsThread reports whether this is a thread-scoped chunk.
func (c *Chunk) IsThread() bool { return c.RootThreadEventID != "" }

// FindTimelineEvent returns the index of the timeline event with the given
// event id, or -1.
func (c *Chunk) FindTimelineEvent(eventID string) int {
	for i := range c.TimelineEvents {
		if c.TimelineEvents[i].EventID == eventID {
			return i
		}
	}
	return -1
}

// Renumber reassigns display indices to match slice order.
func (c *Chunk) Renumber() {
	for i := range c.TimelineEvents {
		c.TimelineEvents[i].DisplayIndex = i
	}
}

// HasStateEvent reports whether the chunk holds the given state event id.
func (c *Chunk) HasStateEvent(eventID string) bool {
	for _, id := range c.StateEventIDs {
		if id == eventID {
			return true
		}
	}
	return false
}

// RoomMeta is per-room bookkeeping: membership, the ordinal counter and
// local-creation provenance.
type RoomMeta struct {
	RoomID      string `json:"room_id"`
	Membership  string `json:"membership,omitempty"`
	LocalCreate bool   `json:"local_create,omitempty"`
	CreatedTS   int64  `json:"created_ts,omitempty"`
	// LastOrdinal backs TimelineEvent.LocalID assignment.
	LastOrdinal int64 `json:"last_ordinal,omitempty"`
}

// ThreadSummary is the root-side rollup of a thread: message count and the
// latest thread event. It is removed before its root event in a cascade.
type ThreadSummary struct {
	RoomID            string `json:"room_id"`
	RootEventID       string `json:"root_event_id"`
	NumberOfThreads   int    `json:"number_of_threads"`
	LatestEventID     string `json:"latest_event_id,omitempty"`
	LatestEventTS     int64  `json:"latest_event_ts,omitempty"`
	LatestEventSender string `json:"latest_event_sender,omitempty"`
}
