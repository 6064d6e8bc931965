package aggregation

import (
	"chronik/pkg/logger"
	"chronik/pkg/models"
	"chronik/pkg/store"
)

// handleResponse folds one poll response into the target poll's summary.
// One vote per user: a newer response from the same user replaces the
// older one. Responses observed after the poll closed are retained for
// audit but VoteCounts excludes them.
func (p *Processor) handleResponse(tx *store.Txn, ev *models.Event, rel models.ResponseRelation) error {
	if ev.OriginServerTS == 0 {
		logger.Debug("poll_response_without_timestamp", "event", ev.EventID)
		return nil
	}
	sum, err := getOrCreateSummary(tx, ev.RoomID, rel.Target)
	if err != nil {
		return err
	}
	if sum.Poll == nil {
		sum.Poll = &models.PollResponseAggregatedSummary{}
	}
	poll := sum.Poll

	if contains(poll.SourceEvents, ev.EventID) {
		return nil
	}
	isLocalEcho := ev.IsLocalEcho()
	txID := ev.TransactionID()
	if isLocalEcho && contains(poll.LocalEchoEvents, localEchoID(ev)) {
		return nil
	}
	if !isLocalEcho && contains(poll.LocalEchoEvents, txID) {
		poll.LocalEchoEvents = remove(poll.LocalEchoEvents, txID)
		poll.SourceEvents = append(poll.SourceEvents, ev.EventID)
		return saveSummary(tx, sum)
	}

	if rel.NbOptions > 0 {
		poll.NbOptions = rel.NbOptions
	}

	late := poll.ClosedTime != nil && ev.OriginServerTS > *poll.ClosedTime
	known, applied := false, false
	for i := range poll.Votes {
		if poll.Votes[i].UserID != ev.Sender {
			continue
		}
		known = true
		if poll.Votes[i].Timestamp < ev.OriginServerTS {
			poll.Votes[i] = models.VoteInfo{UserID: ev.Sender, Option: rel.Option, Timestamp: ev.OriginServerTS}
			applied = true
		} else {
			logger.Debug("poll_vote_older_than_known", "event", ev.EventID)
		}
		break
	}
	if !known {
		poll.Votes = append(poll.Votes, models.VoteInfo{UserID: ev.Sender, Option: rel.Option, Timestamp: ev.OriginServerTS})
		applied = true
	}
	if applied && ev.Sender == p.UserID && !late {
		opt := rel.Option
		poll.MyVote = &opt
	}

	if isLocalEcho {
		poll.LocalEchoEvents = append(poll.LocalEchoEvents, localEchoID(ev))
	} else {
		poll.SourceEvents = append(poll.SourceEvents, ev.EventID)
	}
	return saveSummary(tx, sum)
}

// handlePollEnd closes a poll. The first observed closing event wins;
// later responses stay queryable for audit only.
func (p *Processor) handlePollEnd(tx *store.Txn, ev *models.Event, targetID string) error {
	sum, err := getOrCreateSummary(tx, ev.RoomID, targetID)
	if err != nil {
		return err
	}
	if sum.Poll == nil {
		sum.Poll = &models.PollResponseAggregatedSummary{}
	}
	poll := sum.Poll

	isLocalEcho := ev.IsLocalEcho()
	txID := ev.TransactionID()
	if !isLocalEcho && contains(poll.LocalEchoEvents, txID) {
		poll.LocalEchoEvents = remove(poll.LocalEchoEvents, txID)
		poll.SourceEvents = append(poll.SourceEvents, ev.EventID)
	} else if isLocalEcho {
		if !contains(poll.LocalEchoEvents, localEchoID(ev)) {
			poll.LocalEchoEvents = append(poll.LocalEchoEvents, localEchoID(ev))
		}
	} else if !contains(poll.SourceEvents, ev.EventID) {
		poll.SourceEvents = append(poll.SourceEvents, ev.EventID)
	}

	if poll.ClosedTime == nil {
		ts := ev.OriginServerTS
		poll.ClosedTime = &ts
		logger.Info("poll_closed", "target", targetID, "closed_time", ts)
	}
	return saveSummary(tx, sum)
}
