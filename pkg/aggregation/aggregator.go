package aggregation

import (
	"chronik/pkg/logger"
	"chronik/pkg/models"
	"chronik/pkg/store"
	"chronik/pkg/telemetry"
	"chronik/pkg/validation"
)

// Processor derives per-target annotation summaries from related events.
// All of its state is explicit: the local user id (for addedByMe / myVote)
// and the reaction policy. The reference protocol leaves "one reaction per
// key per sender" unspecified, so it is a configuration choice here.
type Processor struct {
	UserID               string
	OneReactionPerSender bool
}

// ProcessBatch runs the aggregator over a batch of freshly stored events
// inside one room write transaction. Malformed events are skipped here the
// same way the chunk store skips them, so a batch the timeline layer
// rejected pieces of never mutates a summary either.
func (p *Processor) ProcessBatch(roomID string, events []models.Event) error {
	return store.Update(roomID, func(tx *store.Txn) error {
		for i := range events {
			if err := validation.ValidateEvent(roomID, &events[i]); err != nil {
				logger.Debug("aggregation_event_skipped", "error", err)
				continue
			}
			if err := p.Process(tx, &events[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Process dispatches one event by relation kind. Events that carry no
// relation, or a malformed one, are ignored: annotation aggregation never
// fails a pipeline, it degrades to "no summary for this event".
func (p *Processor) Process(tx *store.Txn, ev *models.Event) error {
	if ev.RoomID == "" || ev.EventID == "" {
		logger.Warn("aggregation_event_unidentified", "event", ev.EventID)
		return nil
	}
	if ev.Type == models.TypeRedaction {
		return p.handleRedaction(tx, ev)
	}

	rel, ok := models.ParseRelation(ev)
	if !ok {
		return nil
	}
	if ev.Type == models.TypePollEnd {
		return p.handlePollEnd(tx, ev, rel.TargetEventID())
	}
	switch r := rel.(type) {
	case models.ReactionRelation:
		return p.handleReaction(tx, ev, r)
	case models.ReplaceRelation:
		return p.handleReplace(tx, ev, r)
	case models.ResponseRelation:
		return p.handleResponse(tx, ev, r)
	case models.LiveLocationRelation:
		return p.handleLiveLocation(tx, ev, r)
	case models.ReferenceRelation:
		return p.handleReference(tx, ev, r)
	}
	return nil
}

// handleRedaction retracts whatever aggregate the redacted event had
// produced, then empties the redacted record.
func (p *Processor) handleRedaction(tx *store.Txn, ev *models.Event) error {
	if ev.Redacts == "" {
		return nil
	}
	target, err := store.GetEvent(tx, ev.Redacts)
	if err == store.ErrNotFound {
		logger.Debug("redaction_of_unknown_event", "event", ev.Redacts)
		return nil
	}
	if err != nil {
		return err
	}

	switch target.Type {
	case models.TypeReaction:
		if err := p.retractReaction(tx, target); err != nil {
			return err
		}
	default:
		if rel, ok := models.ParseRelation(target); ok {
			if r, isReplace := rel.(models.ReplaceRelation); isReplace {
				if err := p.retractEdition(tx, target, r.Target); err != nil {
					return err
				}
			}
		}
	}
	return store.MarkRedacted(tx, target.EventID)
}

func (p *Processor) handleReaction(tx *store.Txn, ev *models.Event, rel models.ReactionRelation) error {
	sum, err := getOrCreateSummary(tx, ev.RoomID, rel.Target)
	if err != nil {
		return err
	}
	isLocalEcho := ev.IsLocalEcho()
	echoID := localEchoID(ev)
	if isLocalEcho && ev.TransactionID() == "" {
		logger.Warn("local_echo_without_transaction_id", "event", ev.EventID)
	}

	agg := sum.Reaction(rel.Key)
	if agg == nil {
		entry := models.ReactionAggregatedSummary{
			Key:            rel.Key,
			Count:          1,
			FirstTimestamp: ev.OriginServerTS,
			AddedByMe:      ev.Sender == p.UserID,
		}
		if isLocalEcho {
			entry.LocalEchoEvents = append(entry.LocalEchoEvents, echoID)
		} else {
			entry.SourceEvents = append(entry.SourceEvents, ev.EventID)
		}
		sum.Reactions = append(sum.Reactions, entry)
	} else {
		if contains(agg.SourceEvents, ev.EventID) {
			return nil
		}
		if isLocalEcho && contains(agg.LocalEchoEvents, echoID) {
			// same optimistic reaction re-delivered, already counted
			return nil
		}
		switch {
		case !isLocalEcho && contains(agg.LocalEchoEvents, ev.TransactionID()):
			// remote echo of our optimistic reaction: already counted,
			// just confirm the source
			agg.LocalEchoEvents = remove(agg.LocalEchoEvents, ev.TransactionID())
			agg.SourceEvents = append(agg.SourceEvents, ev.EventID)
		default:
			if p.OneReactionPerSender && !isLocalEcho {
				dup, err := p.senderAlreadyReacted(tx, agg, ev.Sender)
				if err != nil {
					return err
				}
				if dup {
					logger.Debug("reaction_duplicate_sender", "key", rel.Key, "sender", ev.Sender)
					return nil
				}
			}
			agg.Count++
			if isLocalEcho {
				agg.LocalEchoEvents = append(agg.LocalEchoEvents, echoID)
			} else {
				agg.SourceEvents = append(agg.SourceEvents, ev.EventID)
			}
			agg.AddedByMe = agg.AddedByMe || ev.Sender == p.UserID
		}
		if ev.OriginServerTS > 0 && ev.OriginServerTS < agg.FirstTimestamp {
			agg.FirstTimestamp = ev.OriginServerTS
		}
	}
	return saveSummary(tx, sum)
}

// retractReaction undoes a redacted reaction event's contribution.
func (p *Processor) retractReaction(tx *store.Txn, reaction *models.Event) error {
	rel, ok := models.ParseRelation(reaction)
	if !ok {
		return nil
	}
	r, ok := rel.(models.ReactionRelation)
	if !ok {
		return nil
	}
	sum, err := loadSummary(tx, r.Target)
	if err != nil || sum == nil {
		return err
	}
	agg := sum.Reaction(r.Key)
	if agg == nil {
		logger.Warn("reaction_retract_unknown_key", "key", r.Key, "target", r.Target)
		return nil
	}
	if !contains(agg.SourceEvents, reaction.EventID) && !contains(agg.LocalEchoEvents, localEchoID(reaction)) {
		logger.Warn("reaction_retract_unknown_source", "event", reaction.EventID)
		return nil
	}
	agg.SourceEvents = remove(agg.SourceEvents, reaction.EventID)
	agg.LocalEchoEvents = remove(agg.LocalEchoEvents, localEchoID(reaction))
	agg.Count--
	if reaction.Sender == p.UserID {
		agg.AddedByMe = false
	}
	if agg.Count <= 0 {
		sum.DropReaction(r.Key)
	}
	return saveSummary(tx, sum)
}

func (p *Processor) handleReference(tx *store.Txn, ev *models.Event, rel models.ReferenceRelation) error {
	sum, err := getOrCreateSummary(tx, ev.RoomID, rel.Target)
	if err != nil {
		return err
	}
	if sum.References == nil {
		sum.References = &models.ReferencesAggregatedSummary{}
	}
	refs := sum.References
	if contains(refs.SourceEvents, ev.EventID) {
		return nil
	}
	isLocalEcho := ev.IsLocalEcho()
	txID := ev.TransactionID()
	if isLocalEcho && contains(refs.LocalEchoEvents, localEchoID(ev)) {
		return nil
	}
	if !isLocalEcho && contains(refs.LocalEchoEvents, txID) {
		refs.LocalEchoEvents = remove(refs.LocalEchoEvents, txID)
		refs.SourceEvents = append(refs.SourceEvents, ev.EventID)
	} else if isLocalEcho {
		refs.LocalEchoEvents = append(refs.LocalEchoEvents, localEchoID(ev))
	} else {
		refs.SourceEvents = append(refs.SourceEvents, ev.EventID)
	}
	refs.LatestContent = rel.Content
	return saveSummary(tx, sum)
}

// senderAlreadyReacted reports whether any confirmed source of the
// aggregate was sent by the given sender.
func (p *Processor) senderAlreadyReacted(tx *store.Txn, agg *models.ReactionAggregatedSummary, sender string) (bool, error) {
	for _, id := range agg.SourceEvents {
		src, err := store.GetEvent(tx, id)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return false, err
		}
		if src.Sender == sender {
			return true, nil
		}
	}
	return false, nil
}

// localEchoID is the id recorded for an unconfirmed relation: the client
// transaction id when present, else the local event id.
func localEchoID(ev *models.Event) string {
	if tx := ev.TransactionID(); tx != "" {
		return tx
	}
	return ev.EventID
}

func loadSummary(r store.Reader, eventID string) (*models.EventAnnotationsSummary, error) {
	var sum models.EventAnnotationsSummary
	ok, err := r.GetJSON(store.AnnKey(eventID), &sum)
	if err != nil || !ok {
		return nil, err
	}
	return &sum, nil
}

func getOrCreateSummary(tx *store.Txn, roomID, eventID string) (*models.EventAnnotationsSummary, error) {
	sum, err := loadSummary(tx, eventID)
	if err != nil {
		return nil, err
	}
	if sum == nil {
		sum = &models.EventAnnotationsSummary{RoomID: roomID, EventID: eventID}
	}
	return sum, nil
}

func saveSummary(tx *store.Txn, sum *models.EventAnnotationsSummary) error {
	telemetry.AnnotationUpdates.Inc()
	if sum.IsEmpty() {
		return DeleteSummary(tx, sum.RoomID, sum.EventID)
	}
	sum.SortReactions()
	if err := tx.SetJSON(store.AnnKey(sum.EventID), sum); err != nil {
		return err
	}
	return tx.Set(store.AnnRoomKey(sum.RoomID, sum.EventID), []byte(sum.EventID))
}

// DeleteSummary removes a target's annotation summary and its room index
// entry. Used here when a summary empties out and by cascade deletion.
func DeleteSummary(tx *store.Txn, roomID, eventID string) error {
	if err := tx.Delete(store.AnnKey(eventID)); err != nil {
		return err
	}
	return tx.Delete(store.AnnRoomKey(roomID, eventID))
}

// GetAnnotations returns the summary for a target event id, or nil.
func GetAnnotations(eventID string) (*models.EventAnnotationsSummary, error) {
	var sum *models.EventAnnotationsSummary
	err := store.View(func(s *store.Snap) error {
		var e error
		sum, e = loadSummary(s, eventID)
		return e
	})
	return sum, err
}

func contains(list []string, s string) bool {
	if s == "" {
		return false
	}
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func remove(list []string, s string) []string {
	if s == "" {
		return list
	}
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
