package query

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

// APIHandler serves stored results over HTTP.
type APIHandler struct {
	querier Querier
}

// NewRouter routes the results API:
//
//	GET /api/v1/runs
//	GET /api/v1/hosts/top?run=&limit=
//	GET /api/v1/conversations/slowest?run=&limit=
//	GET /api/v1/conversations/{key}?run=
func NewRouter(q Querier) *mux.Router {
	h := &APIHandler{querier: q}
	r := mux.NewRouter()
	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/runs", h.runsHandler).Methods("GET")
	api.HandleFunc("/hosts/top", h.topHostsHandler).Methods("GET")
	api.HandleFunc("/conversations/slowest", h.slowestHandler).Methods("GET")
	api.HandleFunc("/conversations/{key}", h.conversationHandler).Methods("GET")
	return r
}

func limitParam(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(v)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("invalid limit: %q", v)
	}
	return limit, nil
}

func (h *APIHandler) runsHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	runs, err := h.querier.Runs(r.Context(), limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to list runs: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"runs": runs})
}

func (h *APIHandler) topHostsHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	hosts, err := h.querier.TopHosts(r.Context(), r.URL.Query().Get("run"), limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to query hosts: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"hosts": hosts})
}

func (h *APIHandler) slowestHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	conversations, err := h.querier.SlowestHandshakes(r.Context(), r.URL.Query().Get("run"), limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to query conversations: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"conversations": conversations})
}

func (h *APIHandler) conversationHandler(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	c, err := h.querier.Conversation(r.Context(), r.URL.Query().Get("run"), key)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to query conversation: %v", err), http.StatusInternalServerError)
		return
	}
	if c == nil {
		http.Error(w, fmt.Sprintf("conversation %s not found", key), http.StatusNotFound)
		return
	}
	writeJSON(w, c)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}
