package validation

import (
	"fmt"
	"sync"

	"chronik/pkg/models"
)

// Rules are the configurable constraints applied to incoming events before
// they enter the store. Malformed events are skipped, never fatal to a
// batch.
type Rules struct {
	MaxContentBytes int
	AllowedTypes    map[string]struct{}
}

var (
	mu    sync.RWMutex
	rules = Rules{}
)

// SetRules installs the active rule set (from config at startup).
func SetRules(r Rules) {
	mu.Lock()
	defer mu.Unlock()
	rules = r
}

// ValidateEvent checks the structural requirements of an event: id, type
// and sender are required; room id must match the batch room. Returns an
// error describing the first violation.
func ValidateEvent(roomID string, ev *models.Event) error {
	if ev.EventID == "" {
		return fmt.Errorf("missing event id")
	}
	if ev.Type == "" {
		return fmt.Errorf("missing type on %s", ev.EventID)
	}
	if ev.Sender == "" {
		return fmt.Errorf("missing sender on %s", ev.EventID)
	}
	if ev.RoomID != "" && ev.RoomID != roomID {
		return fmt.Errorf("event %s belongs to room %s, not %s", ev.EventID, ev.RoomID, roomID)
	}

	mu.RLock()
	r := rules
	mu.RUnlock()
	if r.MaxContentBytes > 0 && len(ev.Content) > r.MaxContentBytes {
		return fmt.Errorf("content of %s exceeds %d bytes", ev.EventID, r.MaxContentBytes)
	}
	if len(r.AllowedTypes) > 0 {
		if _, ok := r.AllowedTypes[ev.Type]; !ok {
			return fmt.Errorf("type %s not allowed", ev.Type)
		}
	}
	return nil
}
