package aggregation

import (
	"chronik/pkg/logger"
	"chronik/pkg/models"
	"chronik/pkg/store"
	"chronik/pkg/telemetry"
)

// handleReplace records an edit of the target event. Editions from a
// sender other than the target's original sender are rejected outright
// (anti-spoofing). The "latest" edition is recomputed from the full list:
// maximum timestamp, ties broken by greatest event id, so the outcome does
// not depend on delivery order.
func (p *Processor) handleReplace(tx *store.Txn, ev *models.Event, rel models.ReplaceRelation) error {
	target, err := store.GetEvent(tx, rel.Target)
	if err != nil && err != store.ErrNotFound {
		return err
	}
	if target != nil && target.Sender != ev.Sender {
		telemetry.EditionsRejected.Inc()
		logger.Warn("edition_rejected_wrong_sender", "target", rel.Target, "sender", ev.Sender, "expected", target.Sender)
		return nil
	}

	sum, err := getOrCreateSummary(tx, ev.RoomID, rel.Target)
	if err != nil {
		return err
	}
	if sum.Edit == nil {
		sum.Edit = &models.EditAggregatedSummary{}
	}
	edit := sum.Edit

	// Local-echo editions are recorded under localEchoID (the client
	// transaction id when present), so the confirmed edit can find them
	// regardless of the local event id the echo was synthesized with.
	isLocalEcho := ev.IsLocalEcho()
	echoID := localEchoID(ev)
	for i := range edit.Editions {
		e := &edit.Editions[i]
		if e.EventID == ev.EventID || (isLocalEcho && e.IsLocalEcho && e.EventID == echoID) {
			// already known, nothing to do
			return nil
		}
	}

	if !isLocalEcho {
		// a remote echo replaces the matching local-echo edition in place
		txID := ev.TransactionID()
		for i := range edit.Editions {
			e := &edit.Editions[i]
			if e.IsLocalEcho && e.EventID == txID {
				e.EventID = ev.EventID
				e.IsLocalEcho = false
				e.Timestamp = ev.OriginServerTS
				e.Content = rel.NewContent
				edit.Recompute()
				return saveSummary(tx, sum)
			}
		}
	}

	entryID := ev.EventID
	if isLocalEcho {
		entryID = echoID
	}
	edit.Editions = append(edit.Editions, models.EditionOfEvent{
		SenderID:    ev.Sender,
		EventID:     entryID,
		Content:     rel.NewContent,
		Timestamp:   ev.OriginServerTS,
		IsLocalEcho: isLocalEcho,
	})
	edit.Recompute()
	return saveSummary(tx, sum)
}

// retractEdition handles the redaction of an edit event: the edition is
// dropped and the latest content recomputed from what remains. When no
// edition remains the edit aggregate reverts to nothing (original
// content).
func (p *Processor) retractEdition(tx *store.Txn, edit *models.Event, targetID string) error {
	sum, err := loadSummary(tx, targetID)
	if err != nil || sum == nil || sum.Edit == nil {
		if sum == nil || err != nil {
			logger.Warn("edition_retract_unknown_target", "target", targetID)
		}
		return err
	}
	echoID := localEchoID(edit)
	kept := sum.Edit.Editions[:0]
	for _, e := range sum.Edit.Editions {
		if e.EventID == edit.EventID || (e.IsLocalEcho && e.EventID == echoID) {
			continue
		}
		kept = append(kept, e)
	}
	sum.Edit.Editions = kept
	if len(kept) == 0 {
		sum.Edit = nil
	} else {
		sum.Edit.Recompute()
	}
	return saveSummary(tx, sum)
}

// CleanUp removes editions whose sender differs from the target's original
// sender. It exists for the case where an unauthorized edit was inserted
// before its target event (and thus its sender) was known.
func (p *Processor) CleanUp(tx *store.Txn, targetEventID, originalSender string) error {
	sum, err := loadSummary(tx, targetEventID)
	if err != nil || sum == nil || sum.Edit == nil {
		return err
	}
	kept := sum.Edit.Editions[:0]
	dropped := 0
	for _, e := range sum.Edit.Editions {
		if e.SenderID == originalSender {
			kept = append(kept, e)
		} else {
			dropped++
		}
	}
	if dropped == 0 {
		return nil
	}
	telemetry.EditionsRejected.Add(float64(dropped))
	logger.Info("editions_cleaned", "target", targetEventID, "dropped", dropped)
	sum.Edit.Editions = kept
	if len(kept) == 0 {
		sum.Edit = nil
	} else {
		sum.Edit.Recompute()
	}
	return saveSummary(tx, sum)
}
