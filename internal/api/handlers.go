package api

import (
	"database/sql"
	"errors"
	"log"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/firebot-tibia/firebot-monitor/internal/alert"
	"github.com/firebot-tibia/firebot-monitor/internal/auth"
	"github.com/firebot-tibia/firebot-monitor/internal/backend"
	"github.com/firebot-tibia/firebot-monitor/internal/credential"
	"github.com/firebot-tibia/firebot-monitor/internal/domain"
	"github.com/firebot-tibia/firebot-monitor/internal/roster"
)

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// mapError translates domain errors into HTTP status codes
func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidRule):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, alert.ErrRuleNotFound), errors.Is(err, sql.ErrNoRows):
		writeError(w, http.StatusNotFound, "rule not found")
	case errors.Is(err, roster.ErrUnknownCharacter):
		writeError(w, http.StatusNotFound, "unknown character")
	case errors.Is(err, credential.ErrSignedOut):
		writeError(w, http.StatusUnauthorized, "session expired, sign in again")
	case errors.Is(err, backend.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "backend rejected credentials")
	case errors.Is(err, backend.ErrUpsertFailed):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// --- Auth ---

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Passcode string `json:"passcode"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := r.auth.Login(body.Passcode)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidPasscode) {
			writeError(w, http.StatusUnauthorized, "invalid passcode")
			return
		}
		mapError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// --- Roster ---

func (r *Router) handleGetRoster(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"characters":   r.manager.Roster().Snapshot(),
		"online_count": r.manager.Roster().OnlineCount(),
	})
}

func (r *Router) handleGetRosterGroups(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"groups":       r.manager.Roster().GroupByClassification(),
		"online_count": r.manager.Roster().OnlineCount(),
	})
}

func (r *Router) handleGetDeaths(w http.ResponseWriter, req *http.Request) {
	events := r.manager.Roster().RecentDeaths()
	if events == nil {
		events = []domain.DeathEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deaths": events})
}

func (r *Router) handleGetLevelChanges(w http.ResponseWriter, req *http.Request) {
	events := r.manager.Roster().RecentLevelChanges()
	if events == nil {
		events = []domain.LevelEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"level_changes": events})
}

// --- Monitor control ---

func (r *Router) handleGetStatus(w http.ResponseWriter, req *http.Request) {
	status, mode, world := r.manager.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"feed_status":      string(status),
		"mode":             string(mode),
		"world":            world,
		"online_count":     r.manager.Roster().OnlineCount(),
		"sound_permission": r.manager.SoundPermission(),
		"clients":          r.wsHub.ClientCount(),
	})
}

func (r *Router) handleSetTarget(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Mode  string `json:"mode"`
		World string `json:"world"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := r.manager.SetTarget(req.Context(), domain.MonitorMode(body.Mode), body.World); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"mode": body.Mode, "world": body.World})
}

func (r *Router) handleSetSoundPermission(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Granted bool `json:"granted"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := r.manager.SetSoundPermission(req.Context(), body.Granted); err != nil {
		mapError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"granted": body.Granted})
}

// --- Classification ---

func (r *Router) handleUpdatePlayer(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Name           string `json:"name"`
		Classification string `json:"classification"`
		Location       string `json:"location"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	if err := r.manager.UpdateClassification(req.Context(), body.Name, body.Classification, body.Location); err != nil {
		mapError(w, err)
		return
	}

	ch, _ := r.manager.Roster().Get(body.Name)
	writeJSON(w, http.StatusOK, ch)
}

func (r *Router) handleGetTags(w http.ResponseWriter, req *http.Request) {
	custom, err := r.manager.CustomTags(req.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	if custom == nil {
		custom = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"builtin": domain.BuiltinClassifications(),
		"custom":  custom,
	})
}

func (r *Router) handleAddTag(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Tag string `json:"tag"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := r.manager.AddCustomTag(req.Context(), body.Tag); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"tag": body.Tag})
}

// --- Alert rules ---

func (r *Router) handleGetRules(w http.ResponseWriter, req *http.Request) {
	rules := r.manager.Rules()
	if rules == nil {
		rules = []domain.AlertRule{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": rules})
}

func (r *Router) handleCreateRule(w http.ResponseWriter, req *http.Request) {
	var body struct {
		TimeRangeMinutes int    `json:"time_range_minutes"`
		Threshold        int    `json:"threshold"`
		Channel          string `json:"channel"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rule := domain.AlertRule{
		TimeRangeMinutes: body.TimeRangeMinutes,
		Threshold:        body.Threshold,
		Enabled:          true,
		Channel:          domain.AlertChannel(body.Channel),
		CreatedAt:        time.Now(),
	}

	created, err := r.manager.CreateRule(req.Context(), rule)
	if err != nil {
		mapError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

func (r *Router) handleDeleteRule(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if err := r.manager.DeleteRule(req.Context(), id); err != nil {
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleUpdateRule(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")

	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	if err := r.manager.SetRuleEnabled(req.Context(), id, *body.Enabled); err != nil {
		mapError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "enabled": *body.Enabled})
}

func (r *Router) handleResetRule(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if err := r.manager.ResetRule(id); err != nil {
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Health ---

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	status, _, _ := r.manager.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"feed_status": string(status),
		"time":        time.Now().UTC().Format(time.RFC3339),
	})
}
