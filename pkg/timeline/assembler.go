package timeline

import (
	"fmt"
	"time"

	"chronik/pkg/models"
	"chronik/pkg/store"
	"chronik/pkg/telemetry"
)

// Directions accepted by GetTimelinePage.
const (
	DirForwards  = "forwards"
	DirBackwards = "backwards"
)

// TimelineItem is one materialized timeline entry: the positioned view,
// the underlying event and its annotation summary (nil when none).
type TimelineItem struct {
	models.TimelineEvent
	Event       *models.Event                   `json:"event"`
	Annotations *models.EventAnnotationsSummary `json:"annotations,omitempty"`
}

// GetTimelinePage assembles an ordered, gap-aware page of a room's main
// timeline within a single snapshot. anchorEventID may be empty: backwards
// pages then start at the live edge, forwards pages at the oldest known
// event. Results are always returned oldest to newest.
func GetTimelinePage(roomID, anchorEventID, dir string, limit int) ([]TimelineItem, error) {
	if dir != DirForwards && dir != DirBackwards {
		return nil, fmt.Errorf("unknown direction %q", dir)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive")
	}
	started := time.Now()
	defer func() { telemetry.TimelinePageSeconds.Observe(time.Since(started).Seconds()) }()

	var items []TimelineItem
	err := store.View(func(s *store.Snap) error {
		chunks, err := RoomChunks(s, roomID)
		if err != nil {
			return err
		}
		byID := make(map[string]*models.Chunk, len(chunks))
		for i := range chunks {
			if !chunks[i].IsThread() {
				byID[chunks[i].ChunkID] = &chunks[i]
			}
		}
		if len(byID) == 0 {
			return nil
		}

		start, idx, err := anchorPosition(s, byID, roomID, anchorEventID, dir)
		if err != nil || start == nil {
			return err
		}

		if dir == DirForwards {
			items = walkForwards(s, byID, start, idx, limit)
		} else {
			items = walkBackwards(s, byID, start, idx, limit)
		}
		return nil
	})
	return items, err
}

// anchorPosition resolves the chunk and timeline index paging starts from.
func anchorPosition(s *store.Snap, byID map[string]*models.Chunk, roomID, anchorEventID, dir string) (*models.Chunk, int, error) {
	if anchorEventID != "" {
		raw, ok, err := s.Get(store.EventChunkKey(roomID, anchorEventID))
		if err != nil {
			return nil, 0, err
		}
		if !ok {
			return nil, 0, store.ErrNotFound
		}
		c, ok := byID[string(raw)]
		if !ok {
			return nil, 0, store.ErrNotFound
		}
		i := c.FindTimelineEvent(anchorEventID)
		if i < 0 {
			return nil, 0, store.ErrNotFound
		}
		return c, i, nil
	}

	if dir == DirBackwards {
		// live edge: the forward-most chunk's newest event
		for _, c := range byID {
			if c.IsLastForward {
				return c, len(c.TimelineEvents) - 1, nil
			}
		}
		return nil, 0, nil
	}
	// oldest edge: a chunk nothing links forward into
	pointedTo := make(map[string]struct{})
	for _, c := range byID {
		if c.NextChunkID != "" {
			pointedTo[c.NextChunkID] = struct{}{}
		}
	}
	for _, c := range byID {
		if c.IsLastBackward {
			return c, 0, nil
		}
	}
	for _, c := range byID {
		if _, linked := pointedTo[c.ChunkID]; !linked && c.PrevChunkID == "" {
			return c, 0, nil
		}
	}
	return nil, 0, nil
}

func walkForwards(s *store.Snap, byID map[string]*models.Chunk, c *models.Chunk, idx, limit int) []TimelineItem {
	var out []TimelineItem
	for c != nil && len(out) < limit {
		for ; idx < len(c.TimelineEvents) && len(out) < limit; idx++ {
			out = append(out, materialize(s, c.TimelineEvents[idx]))
		}
		c = byID[c.NextChunkID]
		idx = 0
	}
	return out
}

func walkBackwards(s *store.Snap, byID map[string]*models.Chunk, c *models.Chunk, idx, limit int) []TimelineItem {
	var rev []TimelineItem
	for c != nil && len(rev) < limit {
		for ; idx >= 0 && len(rev) < limit; idx-- {
			rev = append(rev, materialize(s, c.TimelineEvents[idx]))
		}
		c = byID[c.PrevChunkID]
		if c != nil {
			idx = len(c.TimelineEvents) - 1
		}
	}
	// restore oldest-to-newest order
	out := make([]TimelineItem, 0, len(rev))
	for i := len(rev) - 1; i >= 0; i-- {
		out = append(out, rev[i])
	}
	return out
}

func materialize(s *store.Snap, te models.TimelineEvent) TimelineItem {
	item := TimelineItem{TimelineEvent: te}
	if ev, err := store.GetEvent(s, te.EventID); err == nil {
		item.Event = ev
	}
	var sum models.EventAnnotationsSummary
	if ok, err := s.GetJSON(store.AnnKey(te.EventID), &sum); err == nil && ok {
		item.Annotations = &sum
	}
	return item
}

// GetThreadPage assembles a page of a thread's timeline, oldest to newest.
func GetThreadPage(roomID, rootEventID string, limit int) ([]TimelineItem, error) {
	var items []TimelineItem
	err := store.View(func(s *store.Snap) error {
		chunks, err := RoomChunks(s, roomID)
		if err != nil {
			return err
		}
		for i := range chunks {
			c := &chunks[i]
			if c.RootThreadEventID != rootEventID {
				continue
			}
			for _, te := range c.TimelineEvents {
				if limit > 0 && len(items) >= limit {
					return nil
				}
				items = append(items, materialize(s, te))
			}
		}
		return nil
	})
	return items, err
}
