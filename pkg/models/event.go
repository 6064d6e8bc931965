package models

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Event types understood by the history cache. Anything else is stored
// opaquely and surfaced as-is.
const (
	TypeMessage      = "m.room.message"
	TypeReaction     = "m.reaction"
	TypeRedaction    = "m.room.redaction"
	TypePollResponse = "m.poll.response"
	TypePollEnd      = "m.poll.end"
	TypeLiveLocation = "m.live_location"

	TypeCreate            = "m.room.create"
	TypeMember            = "m.room.member"
	TypePowerLevels       = "m.room.power_levels"
	TypeName              = "m.room.name"
	TypeTopic             = "m.room.topic"
	TypeHistoryVisibility = "m.room.history_visibility"
	TypeGuestAccess       = "m.room.guest_access"
	TypeJoinRules         = "m.room.join_rules"
)

// Relation types carried in event content under "m.relates_to".
const (
	RelAnnotation = "m.annotation"
	RelReplace    = "m.replace"
	RelReference  = "m.reference"
	RelResponse   = "m.response"
	RelThread     = "m.thread"
)

// LocalEchoPrefix marks client-synthesized event ids that have not been
// confirmed by the server yet.
const LocalEchoPrefix = "$local."

// SendState tracks the local-echo lifecycle of an event.
type SendState string

const (
	SendStateUnsent  SendState = "unsent"
	SendStateSending SendState = "sending"
	SendStateSynced  SendState = "synced"
	SendStateFailed  SendState = "failed"
)

// DecryptionResult is the opaque outcome attached by the decryption
// subsystem: either cleartext content or a structured error.
type DecryptionResult struct {
	Cleartext   json.RawMessage `json:"cleartext,omitempty"`
	ErrorCode   string          `json:"error_code,omitempty"`
	ErrorReason string          `json:"error_reason,omitempty"`
}

// UnsignedData carries client-side metadata that never goes over the wire.
type UnsignedData struct {
	TransactionID string `json:"transaction_id,omitempty"`
}

// Event is one raw protocol event as held by the event record store.
type Event struct {
	EventID        string            `json:"event_id"`
	RoomID         string            `json:"room_id"`
	Type           string            `json:"type"`
	StateKey       *string           `json:"state_key,omitempty"`
	Sender         string            `json:"sender"`
	OriginServerTS int64             `json:"origin_server_ts"`
	Content        json.RawMessage   `json:"content,omitempty"`
	PrevContent    json.RawMessage   `json:"prev_content,omitempty"`
	Redacts        string            `json:"redacts,omitempty"`
	SendState      SendState         `json:"send_state,omitempty"`
	Decryption     *DecryptionResult `json:"decryption,omitempty"`
	Unsigned       *UnsignedData     `json:"unsigned,omitempty"`
}

// IsState reports whether the event is a state event.
func (e *Event) IsState() bool { return e.StateKey != nil }

// IsLocalEcho reports whether the event id is a client-synthesized one.
func (e *Event) IsLocalEcho() bool {
	return strings.HasPrefix(e.EventID, LocalEchoPrefix) ||
		e.SendState == SendStateUnsent || e.SendState == SendStateSending
}

// TransactionID returns the client transaction id, if any.
func (e *Event) TransactionID() string {
	if e.Unsigned == nil {
		return ""
	}
	return e.Unsigned.TransactionID
}

// IsUseless reports whether the event carries no displayable change: its
// content resolves equal to its previous content (e.g. a duplicate
// membership update). The chunk store uses this to decide whether to
// surface the event on the timeline; the event record is stored regardless.
func (e *Event) IsUseless() bool {
	if !e.IsState() || len(e.PrevContent) == 0 || len(e.Content) == 0 {
		return false
	}
	var cur, prev any
	if json.Unmarshal(e.Content, &cur) != nil || json.Unmarshal(e.PrevContent, &prev) != nil {
		return false
	}
	cb, _ := json.Marshal(cur)
	pb, _ := json.Marshal(prev)
	return bytes.Equal(cb, pb)
}

// RelatesTo is the relation descriptor embedded in event content.
type RelatesTo struct {
	Type    string `json:"rel_type,omitempty"`
	EventID string `json:"event_id,omitempty"`
	Key     string `json:"key,omitempty"`
	Option  *int   `json:"option,omitempty"`
}

// relationContent is the subset of content the aggregator parses.
type relationContent struct {
	RelatesTo  *RelatesTo      `json:"m.relates_to,omitempty"`
	NewContent json.RawMessage `json:"m.new_content,omitempty"`
	// live location payload
	EndOfLiveTS int64           `json:"end_of_live_ts,omitempty"`
	Location    json.RawMessage `json:"location,omitempty"`
	// poll payloads
	NbOptions int `json:"nb_options,omitempty"`
}

// Relation is the tagged union of relation kinds the aggregator dispatches
// on. Exactly one concrete type is returned per event.
type Relation interface {
	TargetEventID() string
}

// ReactionRelation is a reaction add ("m.annotation").
type ReactionRelation struct {
	Target string
	Key    string
}

// ReplaceRelation is an edit ("m.replace").
type ReplaceRelation struct {
	Target     string
	NewContent json.RawMessage
}

// ReferenceRelation is a generic reference (polls start, verification, ...).
type ReferenceRelation struct {
	Target  string
	Content json.RawMessage
}

// ResponseRelation is a poll response.
type ResponseRelation struct {
	Target    string
	Option    int
	NbOptions int
}

// LiveLocationRelation is a live-location beacon update.
type LiveLocationRelation struct {
	Target      string
	Location    json.RawMessage
	EndOfLiveTS int64
}

func (r ReactionRelation) TargetEventID() string     { return r.Target }
func (r ReplaceRelation) TargetEventID() string      { return r.Target }
func (r ReferenceRelation) TargetEventID() string    { return r.Target }
func (r ResponseRelation) TargetEventID() string     { return r.Target }
func (r LiveLocationRelation) TargetEventID() string { return r.Target }

// ParseRelation extracts the relation carried by an event, if any. The
// second return is false when the event carries no (well-formed) relation.
func ParseRelation(e *Event) (Relation, bool) {
	content := e.Content
	if e.Decryption != nil && len(e.Decryption.Cleartext) > 0 {
		content = e.Decryption.Cleartext
	}
	if len(content) == 0 {
		return nil, false
	}
	var rc relationContent
	if err := json.Unmarshal(content, &rc); err != nil {
		return nil, false
	}
	if rc.RelatesTo == nil || rc.RelatesTo.EventID == "" {
		return nil, false
	}
	rel := rc.RelatesTo
	switch {
	case e.Type == TypeReaction && rel.Type == RelAnnotation:
		if rel.Key == "" {
			return nil, false
		}
		return ReactionRelation{Target: rel.EventID, Key: rel.Key}, true
	case rel.Type == RelReplace:
		if len(rc.NewContent) == 0 {
			return nil, false
		}
		return ReplaceRelation{Target: rel.EventID, NewContent: rc.NewContent}, true
	case e.Type == TypePollResponse || (rel.Type == RelResponse && rel.Option != nil):
		if rel.Option == nil {
			return nil, false
		}
		return ResponseRelation{Target: rel.EventID, Option: *rel.Option, NbOptions: rc.NbOptions}, true
	case e.Type == TypeLiveLocation && rel.Type == RelReference:
		return LiveLocationRelation{Target: rel.EventID, Location: rc.Location, EndOfLiveTS: rc.EndOfLiveTS}, true
	case rel.Type == RelReference:
		return ReferenceRelation{Target: rel.EventID, Content: content}, true
	}
	return nil, false
}
