package timeline

import (
	"testing"

	"chronik/pkg/models"
	"chronik/pkg/store"
)

func seedTwoLinkedChunks(t *testing.T, room string) {
	t.Helper()
	// old chunk [$1 $2], gap, new chunk [$4 $5], then bridge with $3
	if err := AppendForward(room, []models.Event{msg("$1", room, "@a", 10), msg("$2", room, "@a", 20)}, "tokA", "tokB"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := AppendForward(room, []models.Event{msg("$4", room, "@a", 40), msg("$5", room, "@a", 50)}, "tokY", ""); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := PrependBackward(room, []models.Event{msg("$3", room, "@a", 30)}, "tokB", "tokY"); err != nil {
		t.Fatalf("prepend: %v", err)
	}
}

func ids(items []TimelineItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.EventID
	}
	return out
}

func eq(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestTimelinePageBackwardsFromLiveEdge(t *testing.T) {
	openTestStore(t)
	room := "!r:srv"
	seedTwoLinkedChunks(t, room)

	items, err := GetTimelinePage(room, "", DirBackwards, 3)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if !eq(ids(items), []string{"$3", "$4", "$5"}) {
		t.Fatalf("wrong page: %v", ids(items))
	}
}

func TestTimelinePageCrossesChunkLink(t *testing.T) {
	openTestStore(t)
	room := "!r:srv"
	seedTwoLinkedChunks(t, room)

	items, err := GetTimelinePage(room, "", DirBackwards, 10)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if !eq(ids(items), []string{"$1", "$2", "$3", "$4", "$5"}) {
		t.Fatalf("page must walk across linked chunks: %v", ids(items))
	}
}

func TestTimelinePageForwardsFromAnchor(t *testing.T) {
	openTestStore(t)
	room := "!r:srv"
	seedTwoLinkedChunks(t, room)

	items, err := GetTimelinePage(room, "$2", DirForwards, 3)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if !eq(ids(items), []string{"$2", "$3", "$4"}) {
		t.Fatalf("wrong forward page: %v", ids(items))
	}
}

func TestTimelinePageUnknownAnchor(t *testing.T) {
	openTestStore(t)
	room := "!r:srv"
	seedTwoLinkedChunks(t, room)
	if _, err := GetTimelinePage(room, "$nope", DirBackwards, 3); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound for unknown anchor, got %v", err)
	}
}

func TestTimelinePageRejectsBadArgs(t *testing.T) {
	openTestStore(t)
	if _, err := GetTimelinePage("!r", "", "sideways", 3); err == nil {
		t.Fatalf("bad direction accepted")
	}
	if _, err := GetTimelinePage("!r", "", DirForwards, 0); err == nil {
		t.Fatalf("zero limit accepted")
	}
}

func TestTimelinePageMaterializesEvent(t *testing.T) {
	openTestStore(t)
	room := "!r:srv"
	seedTwoLinkedChunks(t, room)
	items, err := GetTimelinePage(room, "$1", DirForwards, 1)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	if len(items) != 1 || items[0].Event == nil {
		t.Fatalf("item missing event record: %+v", items)
	}
	if items[0].Event.Sender != "@a" || items[0].LocalID == 0 {
		t.Fatalf("materialized view incomplete: %+v", items[0])
	}
}

func TestLocalIDsIncreaseWithTimelineOrderPerBatch(t *testing.T) {
	openTestStore(t)
	room := "!r:srv"
	if err := AppendForward(room, []models.Event{msg("$1", room, "@a", 10), msg("$2", room, "@a", 20), msg("$3", room, "@a", 30)}, "", ""); err != nil {
		t.Fatalf("append: %v", err)
	}
	items, err := GetTimelinePage(room, "", DirBackwards, 10)
	if err != nil {
		t.Fatalf("page: %v", err)
	}
	for i := 1; i < len(items); i++ {
		if items[i].LocalID <= items[i-1].LocalID {
			t.Fatalf("ordinals must increase with batch order: %+v", items)
		}
	}
}

func TestThreadPage(t *testing.T) {
	openTestStore(t)
	room := "!r:srv"
	if err := AppendForward(room, []models.Event{msg("$root", room, "@a", 10)}, "", ""); err != nil {
		t.Fatalf("append: %v", err)
	}
	replies := []models.Event{msg("$t1", room, "@b", 20), msg("$t2", room, "@c", 30)}
	if err := AddThreadEvents(room, "$root", replies, ""); err != nil {
		t.Fatalf("thread add: %v", err)
	}
	items, err := GetThreadPage(room, "$root", 0)
	if err != nil {
		t.Fatalf("thread page: %v", err)
	}
	if !eq(ids(items), []string{"$t1", "$t2"}) {
		t.Fatalf("wrong thread page: %v", ids(items))
	}
}
