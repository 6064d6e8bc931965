package aggregation

import (
	"encoding/json"
	"fmt"
	"testing"

	"chronik/pkg/models"
	"chronik/pkg/store"
)

func openTestStore(t *testing.T) {
	t.Helper()
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
}

func storeEvent(t *testing.T, ev models.Event) {
	t.Helper()
	if err := store.Update(ev.RoomID, func(tx *store.Txn) error {
		return store.PutEvent(tx, &ev)
	}); err != nil {
		t.Fatalf("store event: %v", err)
	}
}

func reaction(id, room, sender, target, key string, ts int64) models.Event {
	return models.Event{
		EventID:        id,
		RoomID:         room,
		Type:           models.TypeReaction,
		Sender:         sender,
		OriginServerTS: ts,
		Content: json.RawMessage(fmt.Sprintf(
			`{"m.relates_to":{"rel_type":"m.annotation","event_id":"%s","key":"%s"}}`, target, key)),
	}
}

func edit(id, room, sender, target, body string, ts int64) models.Event {
	return models.Event{
		EventID:        id,
		RoomID:         room,
		Type:           models.TypeMessage,
		Sender:         sender,
		OriginServerTS: ts,
		Content: json.RawMessage(fmt.Sprintf(
			`{"m.relates_to":{"rel_type":"m.replace","event_id":"%s"},"m.new_content":{"body":"%s"}}`, target, body)),
	}
}

func summaryOf(t *testing.T, eventID string) *models.EventAnnotationsSummary {
	t.Helper()
	sum, err := GetAnnotations(eventID)
	if err != nil {
		t.Fatalf("annotations: %v", err)
	}
	return sum
}

func TestReactionCountEqualsDistinctSources(t *testing.T) {
	openTestStore(t)
	p := &Processor{UserID: "@me:srv"}
	room := "!r:srv"
	batch := []models.Event{
		reaction("$r1", room, "@a:srv", "$target", "👍", 10),
		reaction("$r2", room, "@b:srv", "$target", "👍", 20),
		reaction("$r1", room, "@a:srv", "$target", "👍", 10), // re-delivered
	}
	if err := p.ProcessBatch(room, batch); err != nil {
		t.Fatalf("process: %v", err)
	}
	sum := summaryOf(t, "$target")
	if sum == nil {
		t.Fatalf("no summary")
	}
	agg := sum.Reaction("👍")
	if agg == nil || agg.Count != 2 || len(agg.SourceEvents) != 2 {
		t.Fatalf("count must equal distinct sources: %+v", agg)
	}
	if agg.FirstTimestamp != 10 {
		t.Fatalf("first timestamp wrong: %d", agg.FirstTimestamp)
	}
	if agg.AddedByMe {
		t.Fatalf("addedByMe must track the session user only")
	}
}

func TestLocalEchoReconciliationNoDoubleCount(t *testing.T) {
	openTestStore(t)
	p := &Processor{UserID: "@me:srv"}
	room := "!r:srv"
	echo := reaction(models.LocalEchoPrefix+"e1", room, "@me:srv", "$target", "❤", 10)
	echo.SendState = models.SendStateSending
	echo.Unsigned = &models.UnsignedData{TransactionID: "txn1"}
	if err := p.ProcessBatch(room, []models.Event{echo}); err != nil {
		t.Fatalf("process echo: %v", err)
	}
	sum := summaryOf(t, "$target")
	agg := sum.Reaction("❤")
	if agg.Count != 1 || !agg.AddedByMe || len(agg.LocalEchoEvents) != 1 {
		t.Fatalf("echo not counted: %+v", agg)
	}

	confirmed := reaction("$real:srv", room, "@me:srv", "$target", "❤", 12)
	confirmed.Unsigned = &models.UnsignedData{TransactionID: "txn1"}
	if err := p.ProcessBatch(room, []models.Event{confirmed}); err != nil {
		t.Fatalf("process confirm: %v", err)
	}
	sum = summaryOf(t, "$target")
	agg = sum.Reaction("❤")
	if agg.Count != 1 {
		t.Fatalf("remote echo double counted: %+v", agg)
	}
	if len(agg.LocalEchoEvents) != 0 || len(agg.SourceEvents) != 1 || agg.SourceEvents[0] != "$real:srv" {
		t.Fatalf("echo not reconciled to source: %+v", agg)
	}
}

func TestLocalEchoRedeliveryCountsOnce(t *testing.T) {
	openTestStore(t)
	p := &Processor{UserID: "@me:srv"}
	room := "!r:srv"
	echo := reaction(models.LocalEchoPrefix+"e1", room, "@me:srv", "$target", "❤", 10)
	echo.SendState = models.SendStateSending
	echo.Unsigned = &models.UnsignedData{TransactionID: "txn1"}
	for i := 0; i < 2; i++ {
		if err := p.ProcessBatch(room, []models.Event{echo}); err != nil {
			t.Fatalf("process echo: %v", err)
		}
	}
	agg := summaryOf(t, "$target").Reaction("❤")
	if agg.Count != 1 || len(agg.LocalEchoEvents) != 1 {
		t.Fatalf("re-delivered echo counted twice: %+v", agg)
	}
}

func TestLocalEchoEditReconciledByTransactionID(t *testing.T) {
	openTestStore(t)
	p := &Processor{UserID: "@me:srv"}
	room := "!r:srv"
	// the local event id is a fresh uuid, unrelated to the transaction id
	echo := edit(models.LocalEchoPrefix+"4f2a9c", room, "@me:srv", "$orig", "draft", 100)
	echo.SendState = models.SendStateSending
	echo.Unsigned = &models.UnsignedData{TransactionID: "txn-edit"}
	if err := p.ProcessBatch(room, []models.Event{echo, echo}); err != nil {
		t.Fatalf("process echo: %v", err)
	}
	if sum := summaryOf(t, "$orig"); len(sum.Edit.Editions) != 1 {
		t.Fatalf("re-delivered echo duplicated: %+v", sum.Edit)
	}

	// server clock behind the client clock: the confirmed edit must still
	// replace the echo, not lose Latest() to it
	confirmed := edit("$confirmed", room, "@me:srv", "$orig", "final", 90)
	confirmed.Unsigned = &models.UnsignedData{TransactionID: "txn-edit"}
	if err := p.ProcessBatch(room, []models.Event{confirmed}); err != nil {
		t.Fatalf("process confirm: %v", err)
	}
	sum := summaryOf(t, "$orig")
	if len(sum.Edit.Editions) != 1 {
		t.Fatalf("confirmed edit appended instead of reconciling: %+v", sum.Edit)
	}
	e := sum.Edit.Editions[0]
	if e.IsLocalEcho || e.EventID != "$confirmed" || e.Timestamp != 90 {
		t.Fatalf("echo edition not replaced in place: %+v", e)
	}
	if string(sum.Edit.LatestContent) != `{"body":"final"}` {
		t.Fatalf("stale echo content won: %s", sum.Edit.LatestContent)
	}
}

func TestMalformedBatchEventsNeverAggregated(t *testing.T) {
	openTestStore(t)
	p := &Processor{UserID: "@me:srv"}
	room := "!r:srv"
	senderless := reaction("$bad", room, "", "$target", "👍", 10)
	foreign := reaction("$other", "!other:srv", "@a:srv", "$target", "👍", 20)
	if err := p.ProcessBatch(room, []models.Event{senderless, foreign}); err != nil {
		t.Fatalf("process: %v", err)
	}
	if sum := summaryOf(t, "$target"); sum != nil {
		t.Fatalf("malformed events must not touch summaries: %+v", sum)
	}
}

func TestRetractLastReactionDropsEntry(t *testing.T) {
	openTestStore(t)
	p := &Processor{UserID: "@me:srv"}
	room := "!r:srv"
	re := reaction("$r1", room, "@a:srv", "$target", "👍", 10)
	storeEvent(t, re)
	if err := p.ProcessBatch(room, []models.Event{re}); err != nil {
		t.Fatalf("process: %v", err)
	}
	redaction := models.Event{
		EventID: "$del", RoomID: room, Type: models.TypeRedaction,
		Sender: "@a:srv", Redacts: "$r1", OriginServerTS: 20,
	}
	if err := p.ProcessBatch(room, []models.Event{redaction}); err != nil {
		t.Fatalf("process redaction: %v", err)
	}
	if sum := summaryOf(t, "$target"); sum != nil && sum.Reaction("👍") != nil {
		t.Fatalf("retracting the last source must drop the entry: %+v", sum)
	}
}

func TestOneReactionPerSenderPolicy(t *testing.T) {
	openTestStore(t)
	p := &Processor{UserID: "@me:srv", OneReactionPerSender: true}
	room := "!r:srv"
	first := reaction("$r1", room, "@a:srv", "$target", "👍", 10)
	second := reaction("$r2", room, "@a:srv", "$target", "👍", 20)
	storeEvent(t, first)
	storeEvent(t, second)
	if err := p.ProcessBatch(room, []models.Event{first, second}); err != nil {
		t.Fatalf("process: %v", err)
	}
	agg := summaryOf(t, "$target").Reaction("👍")
	if agg.Count != 1 {
		t.Fatalf("same sender must count once under the policy: %+v", agg)
	}
}

func TestEditRejectedFromWrongSender(t *testing.T) {
	openTestStore(t)
	p := &Processor{UserID: "@me:srv"}
	room := "!r:srv"
	storeEvent(t, models.Event{EventID: "$orig", RoomID: room, Type: models.TypeMessage, Sender: "@author:srv", OriginServerTS: 5})

	forged := edit("$evil", room, "@mallory:srv", "$orig", "pwned", 10)
	if err := p.ProcessBatch(room, []models.Event{forged}); err != nil {
		t.Fatalf("process: %v", err)
	}
	if sum := summaryOf(t, "$orig"); sum != nil && sum.Edit != nil {
		t.Fatalf("forged edit accepted: %+v", sum.Edit)
	}
}

func TestEditCleanUpAfterTargetKnown(t *testing.T) {
	openTestStore(t)
	p := &Processor{UserID: "@me:srv"}
	room := "!r:srv"
	// edit arrives before its target, so the sender check cannot run
	early := edit("$early", room, "@mallory:srv", "$orig", "pwned", 10)
	good := edit("$good", room, "@author:srv", "$orig", "fixed", 20)
	if err := p.ProcessBatch(room, []models.Event{early, good}); err != nil {
		t.Fatalf("process: %v", err)
	}
	if sum := summaryOf(t, "$orig"); len(sum.Edit.Editions) != 2 {
		t.Fatalf("expected both editions before cleanup: %+v", sum.Edit)
	}

	// target lands, cleanup purges the forged edition
	err := store.Update(room, func(tx *store.Txn) error {
		return p.CleanUp(tx, "$orig", "@author:srv")
	})
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	sum := summaryOf(t, "$orig")
	if len(sum.Edit.Editions) != 1 || sum.Edit.Editions[0].EventID != "$good" {
		t.Fatalf("cleanup kept wrong editions: %+v", sum.Edit)
	}
	if string(sum.Edit.LatestContent) != `{"body":"fixed"}` {
		t.Fatalf("latest not recomputed: %s", sum.Edit.LatestContent)
	}
}

func TestEditTieBreakDeterministic(t *testing.T) {
	openTestStore(t)
	p := &Processor{UserID: "@me:srv"}
	room := "!r:srv"
	a := edit("$a", room, "@u:srv", "$orig", "first", 100)
	b := edit("$b", room, "@u:srv", "$orig", "second", 100)

	if err := p.ProcessBatch(room, []models.Event{a, b}); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := summaryOf(t, "$orig").Edit.LatestContent; string(got) != `{"body":"second"}` {
		t.Fatalf("tie must pick greatest event id: %s", got)
	}

	// opposite delivery order, same outcome
	if err := store.Update(room, func(tx *store.Txn) error {
		return DeleteSummary(tx, room, "$orig")
	}); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := p.ProcessBatch(room, []models.Event{b, a}); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := summaryOf(t, "$orig").Edit.LatestContent; string(got) != `{"body":"second"}` {
		t.Fatalf("winner depends on delivery order: %s", got)
	}
}

func TestEditRedactionRecomputesLatest(t *testing.T) {
	openTestStore(t)
	p := &Processor{UserID: "@me:srv"}
	room := "!r:srv"
	e1 := edit("$e1", room, "@u:srv", "$orig", "v1", 10)
	e2 := edit("$e2", room, "@u:srv", "$orig", "v2", 20)
	storeEvent(t, e1)
	storeEvent(t, e2)
	if err := p.ProcessBatch(room, []models.Event{e1, e2}); err != nil {
		t.Fatalf("process: %v", err)
	}
	redaction := models.Event{EventID: "$del", RoomID: room, Type: models.TypeRedaction, Sender: "@u:srv", Redacts: "$e2"}
	if err := p.ProcessBatch(room, []models.Event{redaction}); err != nil {
		t.Fatalf("redact: %v", err)
	}
	sum := summaryOf(t, "$orig")
	if string(sum.Edit.LatestContent) != `{"body":"v1"}` {
		t.Fatalf("latest must fall back to remaining edition: %s", sum.Edit.LatestContent)
	}

	redaction2 := models.Event{EventID: "$del2", RoomID: room, Type: models.TypeRedaction, Sender: "@u:srv", Redacts: "$e1"}
	if err := p.ProcessBatch(room, []models.Event{redaction2}); err != nil {
		t.Fatalf("redact: %v", err)
	}
	if sum := summaryOf(t, "$orig"); sum != nil && sum.Edit != nil {
		t.Fatalf("no edition left, aggregate must revert to original: %+v", sum.Edit)
	}
}

func TestRedactionEmptiesTargetRecord(t *testing.T) {
	openTestStore(t)
	p := &Processor{UserID: "@me:srv"}
	room := "!r:srv"
	msg := models.Event{EventID: "$m", RoomID: room, Type: models.TypeMessage, Sender: "@a:srv",
		Content: json.RawMessage(`{"body":"secret"}`)}
	storeEvent(t, msg)
	redaction := models.Event{EventID: "$del", RoomID: room, Type: models.TypeRedaction, Sender: "@a:srv", Redacts: "$m"}
	if err := p.ProcessBatch(room, []models.Event{redaction}); err != nil {
		t.Fatalf("redact: %v", err)
	}
	_ = store.View(func(s *store.Snap) error {
		got, err := store.GetEvent(s, "$m")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if string(got.Content) != "{}" {
			t.Fatalf("content survived redaction: %s", got.Content)
		}
		return nil
	})
}
