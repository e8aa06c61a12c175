// Package rooms exposes the REST endpoints around the real-time core:
// group create/join, focus-session start/end with per-user minute
// aggregates, the group leaderboard, and chat history read-back.
package rooms

import (
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/ktirumal2006/Study-Hub/internal/history"
	"github.com/ktirumal2006/Study-Hub/internal/kvstore"
)

// DefaultLeaderboardLimit caps leaderboard responses when no limit is
// given.
const DefaultLeaderboardLimit = 10

// API serves the study-group CRUD endpoints.
type API struct {
	store    kvstore.Store
	messages *history.Store
}

// NewAPI creates the API on top of the shared store and the message
// history.
func NewAPI(store kvstore.Store, messages *history.Store) *API {
	return &API{store: store, messages: messages}
}

// Routes returns the handler tree for mounting under /api/.
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/groups", a.handleCreateGroup)
	mux.HandleFunc("/api/groups/join", a.handleJoinGroup)
	mux.HandleFunc("/api/sessions/start", a.handleStartSession)
	mux.HandleFunc("/api/sessions/end", a.handleEndSession)
	mux.HandleFunc("/api/leaderboard", a.handleLeaderboard)
	mux.HandleFunc("/api/history", a.handleHistory)
	return withCORS(mux)
}

// withCORS makes every response cross-origin readable and short-circuits
// preflights; the API serves browser clients on other origins.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "OPTIONS,GET,POST")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (a *API) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		GroupID   string `json:"groupId"`
		GroupName string `json:"groupName"`
		CreatedBy string `json:"createdBy"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.GroupID == "" || req.GroupName == "" || req.CreatedBy == "" {
		writeError(w, http.StatusUnprocessableEntity, "groupId, groupName, and createdBy are required")
		return
	}

	item := kvstore.Item{
		"group_id":   req.GroupID,
		"group_name": req.GroupName,
		"created_by": req.CreatedBy,
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}
	if err := a.store.Put(r.Context(), kvstore.TableGroups, req.GroupID, item); err != nil {
		log.Printf("[rooms] create group %s: %v", req.GroupID, err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Group created", "groupId": req.GroupID})
}

func (a *API) handleJoinGroup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		GroupID string `json:"groupId"`
		UserID  string `json:"userId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.GroupID == "" || req.UserID == "" {
		writeError(w, http.StatusUnprocessableEntity, "groupId and userId required")
		return
	}

	if _, err := a.store.Get(r.Context(), kvstore.TableGroups, req.GroupID); err != nil {
		writeError(w, http.StatusNotFound, "Group not found")
		return
	}

	// Rejoining a group resets the member's minute aggregates.
	item := kvstore.Item{
		"user_id":  req.UserID,
		"group_id": req.GroupID,
	}
	item.SetInt64("weekly_minutes", 0)
	item.SetInt64("total_minutes", 0)
	if err := a.store.Put(r.Context(), kvstore.TableUsers, req.UserID, item); err != nil {
		log.Printf("[rooms] join group %s user %s: %v", req.GroupID, req.UserID, err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Joined group", "groupId": req.GroupID})
}

func (a *API) handleStartSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		SessionID string `json:"sessionId"`
		UserID    string `json:"userId"`
		GroupID   string `json:"groupId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.UserID == "" || req.GroupID == "" {
		writeError(w, http.StatusUnprocessableEntity, "sessionId, userId, and groupId are required")
		return
	}

	item := kvstore.Item{
		"session_id": req.SessionID,
		"user_id":    req.UserID,
		"group_id":   req.GroupID,
		"start_time": time.Now().UTC().Format(time.RFC3339),
	}
	if err := a.store.Put(r.Context(), kvstore.TableSessions, req.SessionID, item); err != nil {
		log.Printf("[rooms] start session %s: %v", req.SessionID, err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Session started", "sessionId": req.SessionID})
}

// handleEndSession closes a focus session and credits the minutes to the
// user. The two writes hit unrelated records and are deliberately
// independent best-effort operations; there is no cross-record atomicity.
func (a *API) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		SessionID       string `json:"sessionId"`
		UserID          string `json:"userId"`
		DurationMinutes *int64 `json:"durationMinutes"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.UserID == "" || req.DurationMinutes == nil {
		writeError(w, http.StatusUnprocessableEntity, "sessionId, userId, and durationMinutes are required")
		return
	}
	minutes := *req.DurationMinutes

	set := map[string]string{
		"end_time": time.Now().UTC().Format(time.RFC3339),
	}
	set["duration_minutes"] = strconv.FormatInt(minutes, 10)
	sessionErr := a.store.Update(r.Context(), kvstore.TableSessions, req.SessionID, set, nil)
	if sessionErr != nil {
		log.Printf("[rooms] end session %s: %v", req.SessionID, sessionErr)
	}

	userErr := a.store.Update(r.Context(), kvstore.TableUsers, req.UserID, nil, map[string]int64{
		"weekly_minutes": minutes,
		"total_minutes":  minutes,
	})
	if userErr != nil {
		log.Printf("[rooms] credit minutes user %s: %v", req.UserID, userErr)
	}

	if sessionErr != nil && userErr != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":         "Session ended",
		"durationMinutes": minutes,
	})
}

func (a *API) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	group := r.URL.Query().Get("group")
	if group == "" {
		writeError(w, http.StatusUnprocessableEntity, "group parameter is required")
		return
	}
	limit := DefaultLeaderboardLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	items, err := a.store.Scan(r.Context(), kvstore.TableUsers, func(item kvstore.Item) bool {
		return item["group_id"] == group
	})
	if err != nil {
		log.Printf("[rooms] leaderboard %s: %v", group, err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	type entry struct {
		UserID        string `json:"userId"`
		WeeklyMinutes int64  `json:"weeklyMinutes"`
		TotalMinutes  int64  `json:"totalMinutes"`
	}
	entries := make([]entry, 0, len(items))
	for _, item := range items {
		entries = append(entries, entry{
			UserID:        item["user_id"],
			WeeklyMinutes: item.Int64("weekly_minutes"),
			TotalMinutes:  item.Int64("total_minutes"),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].WeeklyMinutes > entries[j].WeeklyMinutes
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"leaderboard": entries})
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	group := r.URL.Query().Get("group")
	if group == "" {
		writeError(w, http.StatusUnprocessableEntity, "group parameter is required")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	msgs, err := a.messages.Recent(r.Context(), group, limit)
	if err != nil {
		log.Printf("[rooms] history %s: %v", group, err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}
