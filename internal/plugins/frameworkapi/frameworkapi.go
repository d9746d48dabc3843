// Package frameworkapi contributes the management HTTP surface: framework
// state, command execution, scheduled task CRUD, plugin status and health.
// Dropping it from the load list disables these endpoints.
package frameworkapi

import (
	"encoding/json"
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"filehelper/internal/plugin"
)

var timeHMRe = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

// Plugin wires the management routes. The stability callback reports the
// supervision loop's counters for /health and /stability.
type Plugin struct {
	stability func() map[string]any
}

func New(stability func() map[string]any) *Plugin {
	if stability == nil {
		stability = func() map[string]any { return map[string]any{} }
	}
	return &Plugin{stability: stability}
}

func (p *Plugin) Name() string { return "framework_api" }

func (p *Plugin) Setup(reg *plugin.Registry) error {
	routes := []plugin.Route{
		{Method: http.MethodGet, Path: "/framework/state", Name: "framework_state", Tags: []string{"Framework"}, Handler: p.handleState(reg)},
		{Method: http.MethodPost, Path: "/framework/chat_mode", Name: "framework_chat_mode", Tags: []string{"Framework"}, Handler: p.handleChatMode(reg)},
		{Method: http.MethodPost, Path: "/framework/execute", Name: "framework_execute", Tags: []string{"Framework"}, Handler: p.handleExecute(reg)},
		{Method: http.MethodGet, Path: "/framework/tasks", Name: "framework_tasks", Tags: []string{"Tasks"}, Handler: p.handleListTasks(reg)},
		{Method: http.MethodPost, Path: "/framework/tasks", Name: "framework_add_task", Tags: []string{"Tasks"}, Handler: p.handleAddTask(reg)},
		{Method: http.MethodDelete, Path: "/framework/tasks/{task_id}", Name: "framework_delete_task", Tags: []string{"Tasks"}, Handler: p.handleDeleteTask(reg)},
		{Method: http.MethodPost, Path: "/framework/tasks/{task_id}/enabled", Name: "framework_task_enabled", Tags: []string{"Tasks"}, Handler: p.handleTaskEnabled(reg)},
		{Method: http.MethodPost, Path: "/framework/tasks/{task_id}/run", Name: "framework_task_run", Tags: []string{"Tasks"}, Handler: p.handleTaskRun(reg)},
		{Method: http.MethodGet, Path: "/plugins", Name: "plugins_status", Tags: []string{"Plugins"}, Handler: p.handlePlugins(reg)},
		{Method: http.MethodPost, Path: "/plugins/reload", Name: "plugins_reload", Tags: []string{"Plugins"}, Handler: p.handlePluginsReload(reg)},
		{Method: http.MethodGet, Path: "/health", Name: "health", Tags: []string{"Health"}, Handler: p.handleHealth(reg)},
		{Method: http.MethodGet, Path: "/stability", Name: "stability", Tags: []string{"Health"}, Handler: p.handleStability(reg)},
	}
	for _, route := range routes {
		reg.AddRoute(route)
	}
	return nil
}

func (p *Plugin) handleState(reg *plugin.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, fw, _ := reg.Handles()
		writeJSON(w, http.StatusOK, fw.State())
	}
}

func (p *Plugin) handleChatMode(reg *plugin.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Enabled bool `json:"enabled"`
		}
		if !readJSON(w, r, &payload) {
			return
		}
		_, fw, _ := reg.Handles()
		fw.SetChatMode(payload.Enabled)
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "enabled": payload.Enabled})
	}
}

func (p *Plugin) handleExecute(reg *plugin.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Command  string `json:"command"`
			SendBack bool   `json:"send_back"`
		}
		if !readJSON(w, r, &payload) {
			return
		}
		if payload.Command == "" {
			writeError(w, http.StatusBadRequest, "command is required")
			return
		}

		bot, fw, _ := reg.Handles()
		result := fw.ExecuteCommandText(r.Context(), payload.Command, "api_execute")
		if payload.SendBack && result != "" {
			if _, err := bot.SendText(r.Context(), result); err != nil {
				log.Warn().Err(err).Msg("execute send_back failed")
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"command": payload.Command,
			"result":  result,
		})
	}
}

func (p *Plugin) handleListTasks(reg *plugin.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, _, tasks := reg.Handles()
		list := tasks.List()
		if list == nil {
			list = []plugin.Task{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": list})
	}
}

func (p *Plugin) handleAddTask(reg *plugin.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			TimeHM      string `json:"time_hm"`
			Command     string `json:"command"`
			Description string `json:"description"`
		}
		if !readJSON(w, r, &payload) {
			return
		}
		if !timeHMRe.MatchString(payload.TimeHM) {
			writeError(w, http.StatusBadRequest, "time_hm must match HH:MM")
			return
		}
		if payload.Command == "" {
			writeError(w, http.StatusBadRequest, "command is required")
			return
		}

		_, _, tasks := reg.Handles()
		task, err := tasks.Add(payload.TimeHM, payload.Command, payload.Description)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "task": task})
	}
}

func (p *Plugin) handleDeleteTask(reg *plugin.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "task_id")
		_, _, tasks := reg.Handles()
		if !tasks.Remove(id) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "task_id": id})
	}
}

func (p *Plugin) handleTaskEnabled(reg *plugin.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Enabled bool `json:"enabled"`
		}
		if !readJSON(w, r, &payload) {
			return
		}
		id := chi.URLParam(r, "task_id")
		_, _, tasks := reg.Handles()
		if !tasks.SetEnabled(id, payload.Enabled) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "task_id": id, "enabled": payload.Enabled})
	}
}

func (p *Plugin) handleTaskRun(reg *plugin.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "task_id")
		_, _, tasks := reg.Handles()
		if _, err := tasks.RunNow(r.Context(), id); err != nil {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "task_id": id, "trigger": "manual"})
	}
}

func (p *Plugin) handlePlugins(reg *plugin.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, fw, _ := reg.Handles()
		writeJSON(w, http.StatusOK, fw.PluginStatus())
	}
}

func (p *Plugin) handlePluginsReload(reg *plugin.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, fw, _ := reg.Handles()
		writeJSON(w, http.StatusOK, fw.ReloadPlugins())
	}
}

func (p *Plugin) handleHealth(reg *plugin.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bot, fw, _ := reg.Handles()
		loggedIn := bot.IsLoggedIn()
		status := "degraded"
		if loggedIn {
			status = "healthy"
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    status,
			"logged_in": loggedIn,
			"uptime":    int(fw.Uptime()),
			"stability": p.stability(),
		})
	}
}

func (p *Plugin) handleStability(reg *plugin.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, p.stability())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]any{"detail": detail})
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
