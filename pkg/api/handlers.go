package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"chronik/pkg/aggregation"
	"chronik/pkg/lifecycle"
	"chronik/pkg/localroom"
	"chronik/pkg/logger"
	"chronik/pkg/models"
	"chronik/pkg/store"
	"chronik/pkg/timeline"
	"chronik/pkg/utils"
)

type syncRequest struct {
	Direction string              `json:"direction"` // forwards|backwards
	PrevToken string              `json:"prev_token"`
	NextToken string              `json:"next_token"`
	Events    []models.Event      `json:"events"`
	Receipts  map[string][]string `json:"receipts,omitempty"` // eventID -> userIDs
	// Membership carries a membership transition for the session user, when
	// the sync response included one.
	Membership string `json:"membership,omitempty"`
}

// ingestSync integrates one sync or pagination response into the room's
// chunk list, then runs annotation aggregation over the batch.
func (s *Server) ingestSync(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomID"]
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	var err error
	switch req.Direction {
	case "", timeline.DirForwards:
		err = timeline.AppendForward(roomID, req.Events, req.PrevToken, req.NextToken)
	case timeline.DirBackwards:
		err = timeline.PrependBackward(roomID, req.Events, req.PrevToken, req.NextToken)
	default:
		utils.JSONError(w, http.StatusBadRequest, "unknown direction")
		return
	}
	if err != nil {
		logger.Error("sync_ingest_failed", "room", roomID, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.Processor.ProcessBatch(roomID, req.Events); err != nil {
		logger.Error("aggregation_failed", "room", roomID, "error", err)
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if req.Membership != "" {
		if err := timeline.SetRoomMembership(roomID, req.Membership); err != nil {
			utils.JSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	for eventID, users := range req.Receipts {
		for _, u := range users {
			if err := timeline.AddReadReceipt(roomID, eventID, u); err != nil {
				logger.Warn("receipt_failed", "room", roomID, "event", eventID, "error", err)
			}
		}
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]int{"ingested": len(req.Events)})
}

type createLocalRoomRequest struct {
	Creator    string   `json:"creator"`
	Name       string   `json:"name,omitempty"`
	Topic      string   `json:"topic,omitempty"`
	Invites    []string `json:"invites,omitempty"`
	Visibility string   `json:"visibility,omitempty"`
}

func (s *Server) createLocalRoom(w http.ResponseWriter, r *http.Request) {
	var req createLocalRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Creator == "" {
		utils.JSONError(w, http.StatusBadRequest, "creator is required")
		return
	}
	roomID, err := localroom.CreateLocalRoom(localroom.CreateParams{
		Creator:    req.Creator,
		Name:       req.Name,
		Topic:      req.Topic,
		InviteIDs:  req.Invites,
		Visibility: req.Visibility,
	})
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := localroom.WaitForRoomReady(r.Context(), roomID, 0); err == store.ErrAwaitTimeout {
		utils.JSONError(w, http.StatusAccepted, "created but confirmation timed out")
		return
	} else if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusCreated, map[string]string{"room_id": roomID})
}

func (s *Server) getTimeline(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomID"]
	q := r.URL.Query()
	dir := q.Get("dir")
	if dir == "" {
		dir = timeline.DirBackwards
	}
	limit := 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			utils.JSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	items, err := timeline.GetTimelinePage(roomID, q.Get("anchor"), dir, limit)
	if err == store.ErrNotFound {
		utils.JSONError(w, http.StatusNotFound, "anchor event not found")
		return
	}
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]any{"events": items})
}

type threadIngestRequest struct {
	Events    []models.Event `json:"events"`
	NextToken string         `json:"next_token"`
}

func (s *Server) ingestThread(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	roomID, rootEventID := vars["roomID"], vars["rootEventID"]
	var req threadIngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := timeline.AddThreadEvents(roomID, rootEventID, req.Events, req.NextToken); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.Processor.ProcessBatch(roomID, req.Events); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]int{"ingested": len(req.Events)})
}

func (s *Server) getThread(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	roomID, rootEventID := vars["roomID"], vars["rootEventID"]
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	items, err := timeline.GetThreadPage(roomID, rootEventID, limit)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]any{"events": items}
	if sum, err := threadSummary(roomID, rootEventID); err == nil {
		resp["summary"] = sum
	}
	_ = utils.JSONWrite(w, http.StatusOK, resp)
}

func threadSummary(roomID, rootEventID string) (*models.ThreadSummary, error) {
	var sum *models.ThreadSummary
	err := store.View(func(snap *store.Snap) error {
		var e error
		sum, e = timeline.GetThreadSummary(snap, roomID, rootEventID)
		return e
	})
	return sum, err
}

type receiptRequest struct {
	EventID string `json:"event_id"`
	UserID  string `json:"user_id"`
}

func (s *Server) addReceipt(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomID"]
	var req receiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.EventID == "" || req.UserID == "" {
		utils.JSONError(w, http.StatusBadRequest, "event_id and user_id are required")
		return
	}
	if err := timeline.AddReadReceipt(roomID, req.EventID, req.UserID); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getAnnotations(w http.ResponseWriter, r *http.Request) {
	eventID := mux.Vars(r)["eventID"]
	sum, err := aggregation.GetAnnotations(eventID)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sum == nil {
		utils.JSONError(w, http.StatusNotFound, "no annotations for event")
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, sum)
}

func (s *Server) attachDecryption(w http.ResponseWriter, r *http.Request) {
	eventID := mux.Vars(r)["eventID"]
	var res models.DecryptionResult
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	ev, err := getEvent(eventID)
	if err == store.ErrNotFound {
		utils.JSONError(w, http.StatusNotFound, "event not found")
		return
	}
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	err = store.Update(ev.RoomID, func(tx *store.Txn) error {
		if err := store.SetDecryptionResult(tx, eventID, res); err != nil {
			return err
		}
		// cleartext may reveal a relation the encrypted envelope hid
		ev2, err := store.GetEvent(tx, eventID)
		if err != nil {
			return err
		}
		return s.Processor.Process(tx, ev2)
	})
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "ok"})
}

func getEvent(eventID string) (*models.Event, error) {
	var ev *models.Event
	err := store.View(func(s *store.Snap) error {
		var e error
		ev, e = store.GetEvent(s, eventID)
		return e
	})
	return ev, err
}

func (s *Server) deleteChunk(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	roomID, chunkID := vars["roomID"], vars["chunkID"]
	q := r.URL.Query()
	opts := lifecycle.DeleteOptions{
		DeleteStateEvents: q.Get("state_events") == "true",
		CanDeleteRoot:     q.Get("roots") != "false",
	}
	err := lifecycle.DeleteChunk(roomID, chunkID, opts)
	if err == store.ErrNotFound {
		utils.JSONError(w, http.StatusNotFound, "chunk not found")
		return
	}
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "deleted"})
}
