package aggregation

import (
	"chronik/pkg/models"
	"chronik/pkg/store"
)

// handleLiveLocation replaces the last-known location for the sharing
// user. Activity is never flipped by a timer: consumers evaluate
// LiveLocationShare.ActiveAt against their own clock at read time.
func (p *Processor) handleLiveLocation(tx *store.Txn, ev *models.Event, rel models.LiveLocationRelation) error {
	sum, err := getOrCreateSummary(tx, ev.RoomID, rel.Target)
	if err != nil {
		return err
	}
	if sum.LiveLocations == nil {
		sum.LiveLocations = &models.LiveLocationAggregatedSummary{}
	}
	if sum.LiveLocations.Shares == nil {
		sum.LiveLocations.Shares = make(map[string]models.LiveLocationShare)
	}

	share := sum.LiveLocations.Shares[ev.Sender]
	if ev.OriginServerTS < share.LastUpdateTS {
		// stale beacon delivered out of order
		return nil
	}
	share.UserID = ev.Sender
	share.LastContent = rel.Location
	share.LastUpdateTS = ev.OriginServerTS
	if rel.EndOfLiveTS != 0 {
		share.EndOfLiveTS = rel.EndOfLiveTS
	}
	sum.LiveLocations.Shares[ev.Sender] = share
	return saveSummary(tx, sum)
}
