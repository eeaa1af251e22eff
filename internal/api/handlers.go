package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
)

type statusResponse struct {
	QueueDepth  int    `json:"queue_depth"`
	Paused      bool   `json:"paused"`
	PauseReason string `json:"pause_reason,omitempty"`
	GrantAmount uint64 `json:"grant_amount"`
	WindowCap   uint64 `json:"window_cap"`
	Window      string `json:"window"`
	MaxQueue    int    `json:"max_queue"`
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	paused, reason := a.faucet.Paused()
	writeJSON(w, statusResponse{
		QueueDepth:  a.faucet.QueueDepth(),
		Paused:      paused,
		PauseReason: reason,
		GrantAmount: a.config.GrantAmount,
		WindowCap:   a.config.WindowCap,
		Window:      a.config.Window.String(),
		MaxQueue:    a.config.MaxQueue,
	})
}

func (a *API) handlePause(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "paused by operator"
	}

	a.faucet.Pause(body.Reason)
	log.Printf("api: intake paused by %s", requestUser(r))
	writeJSON(w, map[string]string{"message": "paused"})
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	a.faucet.Resume()
	log.Printf("api: intake resumed by %s", requestUser(r))
	writeJSON(w, map[string]string{"message": "resumed"})
}

func (a *API) handleDispatches(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			http.Error(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := a.db.RecentDispatches(r.Context(), limit)
	if err != nil {
		log.Printf("api: failed to list dispatches: %v", err)
		http.Error(w, "failed to list dispatches", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{"dispatches": entries})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: failed to encode response: %v", err)
	}
}

func requestUser(r *http.Request) string {
	if claims, ok := r.Context().Value(claimsContextKey{}).(*Claims); ok {
		return claims.UserID
	}
	return "unknown"
}
