package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chronik/pkg/aggregation"
	"chronik/pkg/config"
	"chronik/pkg/store"
)

// Server bundles the handlers' collaborators: the aggregation processor
// carries the session identity and reaction policy.
type Server struct {
	Processor *aggregation.Processor
}

// NewRouter builds the HTTP surface. Rate limiting applies to every route
// except health and metrics.
func NewRouter(cfg *config.Config, srv *Server) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if !store.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"store not open"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(requestLogging)
	v1.Use(rateLimit(cfg.Security.RateLimit.RPS, cfg.Security.RateLimit.Burst))

	v1.HandleFunc("/rooms/{roomID}/sync", srv.ingestSync).Methods(http.MethodPost)
	v1.HandleFunc("/rooms/local", srv.createLocalRoom).Methods(http.MethodPost)
	v1.HandleFunc("/rooms/{roomID}/timeline", srv.getTimeline).Methods(http.MethodGet)
	v1.HandleFunc("/rooms/{roomID}/threads/{rootEventID}", srv.ingestThread).Methods(http.MethodPost)
	v1.HandleFunc("/rooms/{roomID}/threads/{rootEventID}", srv.getThread).Methods(http.MethodGet)
	v1.HandleFunc("/rooms/{roomID}/receipts", srv.addReceipt).Methods(http.MethodPost)
	v1.HandleFunc("/events/{eventID}/annotations", srv.getAnnotations).Methods(http.MethodGet)
	v1.HandleFunc("/events/{eventID}/decryption", srv.attachDecryption).Methods(http.MethodPost)
	v1.HandleFunc("/rooms/{roomID}/chunks/{chunkID}", srv.deleteChunk).Methods(http.MethodDelete)

	return r
}
