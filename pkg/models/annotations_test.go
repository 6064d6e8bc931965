package models

import (
	"encoding/json"
	"testing"
)

func TestEditLatestTieBreak(t *testing.T) {
	sum := EditAggregatedSummary{Editions: []EditionOfEvent{
		{EventID: "$b", Timestamp: 100, Content: json.RawMessage(`{"body":"b"}`)},
		{EventID: "$a", Timestamp: 100, Content: json.RawMessage(`{"body":"a"}`)},
	}}
	latest := sum.Latest()
	if latest == nil || latest.EventID != "$b" {
		t.Fatalf("tie must resolve to greatest event id, got %+v", latest)
	}

	// same editions, opposite arrival order, same winner
	rev := EditAggregatedSummary{Editions: []EditionOfEvent{sum.Editions[1], sum.Editions[0]}}
	if got := rev.Latest(); got == nil || got.EventID != "$b" {
		t.Fatalf("winner depends on delivery order: %+v", got)
	}
}

func TestEditLatestPrefersNewerTimestamp(t *testing.T) {
	sum := EditAggregatedSummary{Editions: []EditionOfEvent{
		{EventID: "$z", Timestamp: 50},
		{EventID: "$a", Timestamp: 200},
	}}
	if got := sum.Latest(); got.EventID != "$a" {
		t.Fatalf("expected newest timestamp to win, got %+v", got)
	}
}

func TestRecomputeClearsWhenEmpty(t *testing.T) {
	sum := EditAggregatedSummary{
		LatestContent: json.RawMessage(`{"body":"stale"}`),
		LastEditTS:    42,
	}
	sum.Recompute()
	if sum.LatestContent != nil || sum.LastEditTS != 0 {
		t.Fatalf("recompute kept stale state: %+v", sum)
	}
}

func TestVoteCountsExcludesLateVotes(t *testing.T) {
	closed := int64(1000)
	sum := PollResponseAggregatedSummary{
		ClosedTime: &closed,
		Votes: []VoteInfo{
			{UserID: "@a", Option: 0, Timestamp: 500},
			{UserID: "@b", Option: 1, Timestamp: 999},
			{UserID: "@c", Option: 1, Timestamp: 1500}, // after close, audit only
		},
	}
	counts := sum.VoteCounts()
	if counts[0] != 1 || counts[1] != 1 {
		t.Fatalf("late vote counted: %v", counts)
	}
	if len(sum.Votes) != 3 {
		t.Fatalf("late vote must stay recorded for audit")
	}
}

func TestLiveLocationActiveAt(t *testing.T) {
	share := LiveLocationShare{EndOfLiveTS: 2000}
	if !share.ActiveAt(1999) {
		t.Fatalf("share should be live before end")
	}
	if share.ActiveAt(2000) {
		t.Fatalf("share should be expired at end")
	}
	open := LiveLocationShare{}
	if !open.ActiveAt(999999) {
		t.Fatalf("share without end must stay live")
	}
}

func TestIsUselessStateEvent(t *testing.T) {
	key := "@a:server"
	same := Event{
		Type:        TypeMember,
		StateKey:    &key,
		Content:     json.RawMessage(`{"membership":"join","displayname":"A"}`),
		PrevContent: json.RawMessage(`{"displayname":"A","membership":"join"}`),
	}
	if !same.IsUseless() {
		t.Fatalf("identical content must be useless (key order ignored)")
	}
	changed := Event{
		Type:        TypeMember,
		StateKey:    &key,
		Content:     json.RawMessage(`{"membership":"leave"}`),
		PrevContent: json.RawMessage(`{"membership":"join"}`),
	}
	if changed.IsUseless() {
		t.Fatalf("changed content must not be useless")
	}
	message := Event{Type: TypeMessage, Content: json.RawMessage(`{"body":"x"}`)}
	if message.IsUseless() {
		t.Fatalf("non-state events are never useless")
	}
}

func TestParseRelationPrefersCleartext(t *testing.T) {
	ev := &Event{
		EventID: "$e",
		Type:    TypeReaction,
		Content: json.RawMessage(`{"ciphertext":"..."}`),
		Decryption: &DecryptionResult{
			Cleartext: json.RawMessage(`{"m.relates_to":{"rel_type":"m.annotation","event_id":"$t","key":"👍"}}`),
		},
	}
	rel, ok := ParseRelation(ev)
	if !ok {
		t.Fatalf("expected relation from cleartext")
	}
	r, ok := rel.(ReactionRelation)
	if !ok || r.Target != "$t" || r.Key != "👍" {
		t.Fatalf("unexpected relation: %+v", rel)
	}
}

func TestParseRelationMalformed(t *testing.T) {
	ev := &Event{EventID: "$e", Type: TypeReaction, Content: json.RawMessage(`{"m.relates_to":{"rel_type":"m.annotation","event_id":"$t"}}`)}
	if _, ok := ParseRelation(ev); ok {
		t.Fatalf("reaction without key must not parse")
	}
	undecryptable := &Event{EventID: "$u", Type: TypeMessage, Decryption: &DecryptionResult{ErrorCode: "OLM_ERR"}}
	if _, ok := ParseRelation(undecryptable); ok {
		t.Fatalf("decryption error must yield no relation")
	}
}
