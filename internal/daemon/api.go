package daemon

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/nous-labs/pibot/internal/audit"
	"github.com/nous-labs/pibot/internal/commands"
)

// RegisterRoutes adds the agent endpoints to mux:
//
//	GET /v1/monitors  active monitor sessions
//	GET /v1/audit     recent audit entries (?limit=N, default 50)
//	GET /v1/commands  the command registry
func (a *Agent) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/monitors", a.handleMonitors)
	mux.HandleFunc("/v1/audit", a.handleAudit)
	mux.HandleFunc("/v1/commands", a.handleCommands)
}

// handleMonitors handles GET /v1/monitors.
func (a *Agent) handleMonitors(w http.ResponseWriter, r *http.Request) {
	if !requireGET(w, r) {
		return
	}
	if a.engine == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":"agent not initialized"}`)
		return
	}

	sessions := a.engine.Sessions()
	writeJSON(w, map[string]interface{}{
		"monitors": sessions,
		"count":    len(sessions),
	})
}

// handleAudit handles GET /v1/audit.
func (a *Agent) handleAudit(w http.ResponseWriter, r *http.Request) {
	if !requireGET(w, r) {
		return
	}
	if a.recorder == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":"agent not initialized"}`)
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed <= 0 {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"limit must be a positive integer"}`)
			return
		}
		limit = parsed
	}

	entries, err := a.recorder.Recent(r.Context(), limit)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

type commandInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Group       string `json:"group"`
	Destructive bool   `json:"destructive,omitempty"`
}

// handleCommands handles GET /v1/commands.
func (a *Agent) handleCommands(w http.ResponseWriter, r *http.Request) {
	if !requireGET(w, r) {
		return
	}
	all := commands.All()
	list := make([]commandInfo, 0, len(all))
	for _, c := range all {
		list = append(list, commandInfo{
			Name:        c.Name,
			Description: c.Description,
			Group:       c.Group.Token(),
			Destructive: c.Destructive,
		})
	}
	writeJSON(w, map[string]interface{}{"commands": list})
}

func requireGET(w http.ResponseWriter, r *http.Request) bool {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		fmt.Fprint(w, `{"error":"method not allowed"}`)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		slog.Warn("failed to encode API response", "error", err)
	}
}
