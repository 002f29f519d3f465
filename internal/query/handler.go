package query

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"Go2NetSession/internal/ingest"
)

// APIHandler holds the dependencies for API handlers.
type APIHandler struct {
	querier Querier
	log     logrus.FieldLogger
}

// NewRouter wires the session API routes onto a fresh mux router.
func NewRouter(q Querier, log logrus.FieldLogger) *mux.Router {
	h := &APIHandler{querier: q, log: log.WithField("component", "api")}

	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/sessions", h.listSessionsHandler).Methods(http.MethodGet)
	api.HandleFunc("/peers/{peer}/summary", h.peerSummaryHandler).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	return r
}

// listSessionsHandler handles GET /api/v1/sessions?peer=&run_id=&since=&until=&limit=.
func (h *APIHandler) listSessionsHandler(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sessions, err := h.querier.ListSessions(r.Context(), f)
	if err != nil {
		h.fail(w, "failed to query sessions", err)
		return
	}
	if sessions == nil {
		sessions = []StoredSession{}
	}
	h.writeJSON(w, map[string]any{"sessions": sessions})
}

// peerSummaryHandler handles GET /api/v1/peers/{peer}/summary.
func (h *APIHandler) peerSummaryHandler(w http.ResponseWriter, r *http.Request) {
	peer := mux.Vars(r)["peer"]
	stats, err := h.querier.PeerSummary(r.Context(), peer)
	if err != nil {
		h.fail(w, "failed to summarize peer", err)
		return
	}
	if stats == nil {
		stats = []PeerStat{}
	}
	h.writeJSON(w, map[string]any{"peer": peer, "counterparts": stats})
}

func parseFilter(r *http.Request) (Filter, error) {
	q := r.URL.Query()
	f := Filter{Peer: q.Get("peer"), RunID: q.Get("run_id")}
	var err error
	if v := q.Get("since"); v != "" {
		if f.Since, err = ingest.ParseTimestamp(v); err != nil {
			return f, fmt.Errorf("since: %w", err)
		}
	}
	if v := q.Get("until"); v != "" {
		if f.Until, err = ingest.ParseTimestamp(v); err != nil {
			return f, fmt.Errorf("until: %w", err)
		}
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit < 0 {
			return f, fmt.Errorf("limit: invalid value %q", v)
		}
	}
	return f, nil
}

func (h *APIHandler) fail(w http.ResponseWriter, msg string, err error) {
	if errors.Is(err, ErrBadFilter) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.log.Errorf("%s: %v", msg, err)
	http.Error(w, fmt.Sprintf("%s: %v", msg, err), http.StatusInternalServerError)
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warnf("Failed to write response: %v", err)
	}
}
