package models

import (
	"encoding/json"
	"sort"
)

// ReactionAggregatedSummary aggregates one reaction key on one target
// event. Count always equals the number of confirming source ids plus
// pending local-echo ids.
type ReactionAggregatedSummary struct {
	Key             string   `json:"key"`
	Count           int      `json:"count"`
	AddedByMe       bool     `json:"added_by_me,omitempty"`
	FirstTimestamp  int64    `json:"first_timestamp,omitempty"`
	SourceEvents    []string `json:"source_events,omitempty"`
	LocalEchoEvents []string `json:"local_echo_events,omitempty"`
}

// EditionOfEvent is one accepted edit of a target event.
type EditionOfEvent struct {
	SenderID    string          `json:"sender_id"`
	EventID     string          `json:"event_id"`
	Content     json.RawMessage `json:"content,omitempty"`
	Timestamp   int64           `json:"timestamp"`
	IsLocalEcho bool            `json:"is_local_echo,omitempty"`
}

// EditAggregatedSummary holds the accepted editions of a target event and
// the derived latest content.
type EditAggregatedSummary struct {
	Editions      []EditionOfEvent `json:"editions,omitempty"`
	LatestContent json.RawMessage  `json:"latest_content,omitempty"`
	LastEditTS    int64            `json:"last_edit_ts,omitempty"`
}

// Latest returns the winning edition: maximum timestamp, ties broken by
// the lexicographically greatest event id so the result is deterministic
// regardless of delivery order. Returns nil when there are no editions.
func (s *EditAggregatedSummary) Latest() *EditionOfEvent {
	if len(s.Editions) == 0 {
		return nil
	}
	best := 0
	for i := 1; i < len(s.Editions); i++ {
		e, b := &s.Editions[i], &s.Editions[best]
		if e.Timestamp > b.Timestamp || (e.Timestamp == b.Timestamp && e.EventID > b.EventID) {
			best = i
		}
	}
	return &s.Editions[best]
}

// Recompute refreshes LatestContent/LastEditTS from the edition list.
func (s *EditAggregatedSummary) Recompute() {
	if latest := s.Latest(); latest != nil {
		s.LatestContent = latest.Content
		s.LastEditTS = latest.Timestamp
	} else {
		s.LatestContent = nil
		s.LastEditTS = 0
	}
}

// ReferencesAggregatedSummary collects reference relations (poll starts,
// verification flows) and the latest associated content.
type ReferencesAggregatedSummary struct {
	SourceEvents    []string        `json:"source_events,omitempty"`
	LocalEchoEvents []string        `json:"local_echo_events,omitempty"`
	LatestContent   json.RawMessage `json:"latest_content,omitempty"`
}

// VoteInfo is one poll response vote.
type VoteInfo struct {
	UserID    string `json:"user_id"`
	Option    int    `json:"option"`
	Timestamp int64  `json:"timestamp"`
}

// PollResponseAggregatedSummary aggregates responses to a poll. Responses
// observed after ClosedTime stay in Votes for audit; VoteCounts excludes
// them.
type PollResponseAggregatedSummary struct {
	NbOptions       int        `json:"nb_options,omitempty"`
	Votes           []VoteInfo `json:"votes,omitempty"`
	ClosedTime      *int64     `json:"closed_time,omitempty"`
	MyVote          *int       `json:"my_vote,omitempty"`
	SourceEvents    []string   `json:"source_events,omitempty"`
	LocalEchoEvents []string   `json:"local_echo_events,omitempty"`
}

// VoteCounts tallies votes per option, excluding votes cast after the poll
// closed.
func (s *PollResponseAggregatedSummary) VoteCounts() map[int]int {
	out := make(map[int]int)
	for _, v := range s.Votes {
		if s.ClosedTime != nil && v.Timestamp > *s.ClosedTime {
			continue
		}
		out[v.Option]++
	}
	return out
}

// LiveLocationShare is the last-known live location of one sharing user.
type LiveLocationShare struct {
	UserID       string          `json:"user_id"`
	LastContent  json.RawMessage `json:"last_content,omitempty"`
	LastUpdateTS int64           `json:"last_update_ts,omitempty"`
	EndOfLiveTS  int64           `json:"end_of_live_ts,omitempty"`
}

// ActiveAt reports whether the share is still live at the given evaluation
// time. Activity is a read-time check, not a background timer.
func (l *LiveLocationShare) ActiveAt(nowMillis int64) bool {
	return l.EndOfLiveTS == 0 || nowMillis < l.EndOfLiveTS
}

// LiveLocationAggregatedSummary keys last-known shares by sharing user.
type LiveLocationAggregatedSummary struct {
	Shares map[string]LiveLocationShare `json:"shares,omitempty"`
}

// EventAnnotationsSummary is the per-target rollup of every derived
// relation. Sub-aggregates are nil until a related event arrives.
type EventAnnotationsSummary struct {
	RoomID        string                         `json:"room_id"`
	EventID       string                         `json:"event_id"`
	Reactions     []ReactionAggregatedSummary    `json:"reactions,omitempty"`
	Edit          *EditAggregatedSummary         `json:"edit,omitempty"`
	References    *ReferencesAggregatedSummary   `json:"references,omitempty"`
	Poll          *PollResponseAggregatedSummary `json:"poll,omitempty"`
	LiveLocations *LiveLocationAggregatedSummary `json:"live_locations,omitempty"`
}

// Reaction returns the aggregate for the given key, or nil.
func (s *EventAnnotationsSummary) Reaction(key string) *ReactionAggregatedSummary {
	for i := range s.Reactions {
		if s.Reactions[i].Key == key {
			return &s.Reactions[i]
		}
	}
	return nil
}

// DropReaction removes the aggregate entry for the given key.
func (s *EventAnnotationsSummary) DropReaction(key string) {
	for i := range s.Reactions {
		if s.Reactions[i].Key == key {
			s.Reactions = append(s.Reactions[:i], s.Reactions[i+1:]...)
			return
		}
	}
}

// IsEmpty reports whether the summary carries no aggregates at all.
func (s *EventAnnotationsSummary) IsEmpty() bool {
	return len(s.Reactions) == 0 && s.Edit == nil && s.References == nil &&
		s.Poll == nil && (s.LiveLocations == nil || len(s.LiveLocations.Shares) == 0)
}

// SortReactions orders reaction aggregates by first-seen timestamp, then
// key, for stable rendering.
func (s *EventAnnotationsSummary) SortReactions() {
	sort.SliceStable(s.Reactions, func(i, j int) bool {
		a, b := s.Reactions[i], s.Reactions[j]
		if a.FirstTimestamp != b.FirstTimestamp {
			return a.FirstTimestamp < b.FirstTimestamp
		}
		return a.Key < b.Key
	})
}
