package aggregation

import (
	"encoding/json"
	"fmt"
	"testing"

	"chronik/pkg/models"
)

func vote(id, room, sender, target string, option int, ts int64) models.Event {
	return models.Event{
		EventID:        id,
		RoomID:         room,
		Type:           models.TypePollResponse,
		Sender:         sender,
		OriginServerTS: ts,
		Content: json.RawMessage(fmt.Sprintf(
			`{"m.relates_to":{"rel_type":"m.response","event_id":"%s","option":%d},"nb_options":3}`, target, option)),
	}
}

func pollEnd(id, room, sender, target string, ts int64) models.Event {
	return models.Event{
		EventID:        id,
		RoomID:         room,
		Type:           models.TypePollEnd,
		Sender:         sender,
		OriginServerTS: ts,
		Content: json.RawMessage(fmt.Sprintf(
			`{"m.relates_to":{"rel_type":"m.reference","event_id":"%s"}}`, target)),
	}
}

func TestPollNewestVotePerUserWins(t *testing.T) {
	openTestStore(t)
	p := &Processor{UserID: "@me:srv"}
	room := "!r:srv"
	batch := []models.Event{
		vote("$v1", room, "@a:srv", "$poll", 0, 10),
		vote("$v2", room, "@a:srv", "$poll", 2, 30), // changes mind
		vote("$v3", room, "@b:srv", "$poll", 1, 20),
	}
	if err := p.ProcessBatch(room, batch); err != nil {
		t.Fatalf("process: %v", err)
	}
	poll := summaryOf(t, "$poll").Poll
	if poll == nil {
		t.Fatalf("no poll aggregate")
	}
	if poll.NbOptions != 3 {
		t.Fatalf("nb options not captured: %d", poll.NbOptions)
	}
	counts := poll.VoteCounts()
	if counts[0] != 0 || counts[2] != 1 || counts[1] != 1 {
		t.Fatalf("newest vote per user must win: %v", counts)
	}
}

func TestPollStaleVoteIgnored(t *testing.T) {
	openTestStore(t)
	p := &Processor{UserID: "@me:srv"}
	room := "!r:srv"
	batch := []models.Event{
		vote("$v2", room, "@a:srv", "$poll", 2, 30),
		vote("$v1", room, "@a:srv", "$poll", 0, 10), // older, delivered late
	}
	if err := p.ProcessBatch(room, batch); err != nil {
		t.Fatalf("process: %v", err)
	}
	counts := summaryOf(t, "$poll").Poll.VoteCounts()
	if counts[2] != 1 || counts[0] != 0 {
		t.Fatalf("stale vote overrode newer one: %v", counts)
	}
}

func TestPollCloseRetainsLateVotesForAudit(t *testing.T) {
	openTestStore(t)
	p := &Processor{UserID: "@me:srv"}
	room := "!r:srv"
	batch := []models.Event{
		vote("$v1", room, "@a:srv", "$poll", 0, 10),
		pollEnd("$end", room, "@owner:srv", "$poll", 100),
		vote("$late", room, "@b:srv", "$poll", 1, 200),
	}
	if err := p.ProcessBatch(room, batch); err != nil {
		t.Fatalf("process: %v", err)
	}
	poll := summaryOf(t, "$poll").Poll
	if poll.ClosedTime == nil || *poll.ClosedTime != 100 {
		t.Fatalf("close time not recorded: %+v", poll)
	}
	if len(poll.Votes) != 2 {
		t.Fatalf("late vote must be retained for audit: %+v", poll.Votes)
	}
	counts := poll.VoteCounts()
	if counts[1] != 0 || counts[0] != 1 {
		t.Fatalf("late vote must not count: %v", counts)
	}
}

func TestPollCloseTimeSetOnce(t *testing.T) {
	openTestStore(t)
	p := &Processor{UserID: "@me:srv"}
	room := "!r:srv"
	batch := []models.Event{
		pollEnd("$end1", room, "@owner:srv", "$poll", 100),
		pollEnd("$end2", room, "@owner:srv", "$poll", 500),
	}
	if err := p.ProcessBatch(room, batch); err != nil {
		t.Fatalf("process: %v", err)
	}
	poll := summaryOf(t, "$poll").Poll
	if poll.ClosedTime == nil || *poll.ClosedTime != 100 {
		t.Fatalf("first close must win: %+v", poll.ClosedTime)
	}
}

func TestPollMyVoteTracksSessionUser(t *testing.T) {
	openTestStore(t)
	p := &Processor{UserID: "@me:srv"}
	room := "!r:srv"
	batch := []models.Event{
		vote("$v1", room, "@a:srv", "$poll", 0, 10),
		vote("$v2", room, "@me:srv", "$poll", 2, 20),
	}
	if err := p.ProcessBatch(room, batch); err != nil {
		t.Fatalf("process: %v", err)
	}
	poll := summaryOf(t, "$poll").Poll
	if poll.MyVote == nil || *poll.MyVote != 2 {
		t.Fatalf("my vote not tracked: %+v", poll.MyVote)
	}
}

func TestLiveLocationKeepsLatestPerUser(t *testing.T) {
	openTestStore(t)
	p := &Processor{UserID: "@me:srv"}
	room := "!r:srv"
	beacon := func(id, sender string, ts int64, lat float64) models.Event {
		return models.Event{
			EventID:        id,
			RoomID:         room,
			Type:           models.TypeLiveLocation,
			Sender:         sender,
			OriginServerTS: ts,
			Content: json.RawMessage(fmt.Sprintf(
				`{"m.relates_to":{"rel_type":"m.reference","event_id":"$beaconinfo"},"location":{"lat":%g},"end_of_live_ts":5000}`, lat)),
		}
	}
	batch := []models.Event{
		beacon("$b1", "@a:srv", 10, 1.0),
		beacon("$b2", "@a:srv", 20, 2.0),
		beacon("$b0", "@a:srv", 5, 0.5), // out of order, stale
		beacon("$b3", "@b:srv", 15, 9.0),
	}
	if err := p.ProcessBatch(room, batch); err != nil {
		t.Fatalf("process: %v", err)
	}
	sum := summaryOf(t, "$beaconinfo")
	shares := sum.LiveLocations.Shares
	if len(shares) != 2 {
		t.Fatalf("one share per user: %+v", shares)
	}
	a := shares["@a:srv"]
	if a.LastUpdateTS != 20 || string(a.LastContent) != `{"lat":2}` {
		t.Fatalf("stale beacon overrode newest: %+v", a)
	}
	if !a.ActiveAt(4999) || a.ActiveAt(5000) {
		t.Fatalf("activity window wrong: %+v", a)
	}
}
