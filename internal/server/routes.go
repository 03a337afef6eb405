package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

func (a *App) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /status", a.handleStatus)
	mux.HandleFunc("GET /ws", a.handleWS)

	mux.HandleFunc("POST /pair/create", a.handlePairCreate)
	mux.HandleFunc("POST /pair", a.handlePairExchange)
	mux.HandleFunc("GET /pair/status", a.handlePairStatus)
	mux.HandleFunc("POST /pair/lock", a.handlePairLock)
	mux.HandleFunc("POST /pair/unlock", a.handlePairUnlock)

	mux.HandleFunc("GET /sessions", a.handleListSessions)
	mux.HandleFunc("DELETE /sessions/{id}", a.handleRevokeSession)

	mux.HandleFunc("GET /trust-rules", a.handleListTrustRules)
	mux.HandleFunc("POST /trust-rules", a.handleUpsertTrustRule)
	mux.HandleFunc("DELETE /trust-rules/{id}", a.handleDeleteTrustRule)

	mux.HandleFunc("GET /actions/pending", a.handlePendingActions)
	mux.HandleFunc("POST /actions/{id}/approve", a.handleApproveAction)
	mux.HandleFunc("POST /actions/{id}/deny", a.handleDenyAction)

	mux.HandleFunc("GET /tasks", a.handleListTasks)
	mux.HandleFunc("POST /tasks", a.handleCreateTask)
	mux.HandleFunc("PATCH /tasks/{id}", a.handleUpdateTask)
	mux.HandleFunc("DELETE /tasks/{id}", a.handleDeleteTask)
	mux.HandleFunc("POST /tasks/{id}/enable", a.handleEnableTask)
	mux.HandleFunc("POST /tasks/{id}/disable", a.handleDisableTask)
	mux.HandleFunc("POST /tasks/{id}/run", a.handleRunTask)

	mux.HandleFunc("GET /webhooks", a.handleListWebhooks)
	mux.HandleFunc("POST /webhooks", a.handleCreateWebhook)
	mux.HandleFunc("DELETE /webhooks/{id}", a.handleDeleteWebhook)
	mux.HandleFunc("POST /webhooks/{id}/enable", a.handleEnableWebhook)
	mux.HandleFunc("POST /webhooks/{id}/disable", a.handleDisableWebhook)
	mux.HandleFunc("POST /hooks/{slug}", a.handleWebhookTrigger)

	mux.HandleFunc("GET /channels", a.handleListChannels)
	mux.HandleFunc("POST /channels/{type}/enable", a.handleEnableChannel)
	mux.HandleFunc("POST /channels/{type}/disable", a.handleDisableChannel)
	mux.HandleFunc("POST /channels/{type}/test", a.handleTestChannel)

	mux.HandleFunc("GET /hotkeys", a.handleListHotkeys)
	mux.HandleFunc("POST /hotkeys", a.handleCreateHotkey)
	mux.HandleFunc("DELETE /hotkeys/{id}", a.handleDeleteHotkey)
	mux.HandleFunc("POST /hotkeys/{id}/trigger", a.handleTriggerHotkey)

	mux.HandleFunc("GET /conversations", a.handleListConversations)
	mux.HandleFunc("GET /conversations/{id}/messages", a.handleListMessages)

	mux.HandleFunc("GET /audit", a.handleAudit)
}

// ipRateLimiter keeps a token bucket per client IP. Buckets are never
// evicted; pairing traffic is too small for that to matter.
type ipRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newIPRateLimiter(count int, per time.Duration) *ipRateLimiter {
	return &ipRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Every(per / time.Duration(count)),
		burst:    count,
	}
}

func (l *ipRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[ip] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}

// Status and pairing.

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	hostname, _ := os.Hostname()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        serverVersion,
		"hostname":       hostname,
		"uptime_seconds": int(time.Since(a.startedAt).Seconds()),
		"capabilities":   a.effectors.Types(),
	})
}

func (a *App) pairingEnabled() bool {
	value, ok := a.configValue(pairingEnabledConfigKey)
	if !ok {
		return true
	}
	return value == "true"
}

func (a *App) handlePairCreate(w http.ResponseWriter, r *http.Request) {
	if !a.pairLimiter.allow(clientIP(r.RemoteAddr)) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
		return
	}
	if !a.pairingEnabled() {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "pairing is locked"})
		return
	}

	token, err := newPairingToken()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	expiresAt := time.Now().UTC().Add(defaultPairingTokenTTL)

	a.pairingMu.Lock()
	a.pairingTokens[a.hashPairingToken(token)] = expiresAt
	a.pairingMu.Unlock()

	a.insertAudit("pairing_token_created", "", "{}")
	writeJSON(w, http.StatusCreated, map[string]string{
		"token":      token,
		"expires_at": expiresAt.Format(time.RFC3339Nano),
	})
}

// handlePairExchange trades a single-use pairing token for a long-lived
// session. The raw session token appears in this response and nowhere else;
// only its HMAC is stored.
func (a *App) handlePairExchange(w http.ResponseWriter, r *http.Request) {
	if !a.pairLimiter.allow(clientIP(r.RemoteAddr)) {
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
		return
	}

	var req struct {
		Token      string `json:"token"`
		DeviceName string `json:"device_name"`
	}
	if err := decodeJSON(r.Body, &req); err != nil || req.Token == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "token is required"})
		return
	}
	if req.DeviceName == "" {
		req.DeviceName = "unnamed device"
	}

	hash := a.hashPairingToken(req.Token)
	now := time.Now().UTC()

	a.pairingMu.Lock()
	expiresAt, ok := a.pairingTokens[hash]
	if ok {
		delete(a.pairingTokens, hash)
	}
	a.pairingMu.Unlock()

	if !ok || now.After(expiresAt) {
		a.insertAudit("pairing_rejected", "", "{}")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or expired pairing token"})
		return
	}

	sessionToken, err := newSessionToken()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	sessionID := newID("sess")
	sessionExpiry := now.Add(defaultSessionTokenTTL)
	nowStr := now.Format(time.RFC3339Nano)

	if _, err := a.db.ExecContext(r.Context(), `
		INSERT INTO sessions(id, token_hash, device_name, revoked, expires_at, last_seen_at, created_at)
		VALUES(?, ?, ?, 0, ?, ?, ?)
	`, sessionID, a.hashToken(sessionToken), req.DeviceName, sessionExpiry.Format(time.RFC3339Nano), nowStr, nowStr); err != nil {
		a.logger.Error("create session failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	a.insertAudit("session_created", sessionID, fmt.Sprintf(`{"device_name":%q}`, req.DeviceName))
	a.logger.Info("device paired", "session_id", sessionID, "device_name", req.DeviceName)
	writeJSON(w, http.StatusCreated, map[string]string{
		"session_id": sessionID,
		"token":      sessionToken,
		"expires_at": sessionExpiry.Format(time.RFC3339Nano),
	})
}

func (a *App) handlePairStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"pairing_enabled": a.pairingEnabled()})
}

// handlePairLock disables pairing and discards outstanding pairing tokens,
// so a token minted before the lock cannot be redeemed after it.
func (a *App) handlePairLock(w http.ResponseWriter, r *http.Request) {
	if err := a.setConfigValue(pairingEnabledConfigKey, "false"); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	a.pairingMu.Lock()
	a.pairingTokens = make(map[string]time.Time)
	a.pairingMu.Unlock()
	a.insertAudit("pairing_locked", "", "{}")
	writeJSON(w, http.StatusOK, map[string]bool{"pairing_enabled": false})
}

func (a *App) handlePairUnlock(w http.ResponseWriter, r *http.Request) {
	if err := a.setConfigValue(pairingEnabledConfigKey, "true"); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	a.insertAudit("pairing_unlocked", "", "{}")
	writeJSON(w, http.StatusOK, map[string]bool{"pairing_enabled": true})
}

// Sessions.

type Session struct {
	ID         string `json:"id"`
	DeviceName string `json:"device_name"`
	Revoked    bool   `json:"revoked"`
	ExpiresAt  string `json:"expires_at"`
	LastSeenAt string `json:"last_seen_at"`
	CreatedAt  string `json:"created_at"`
}

func (a *App) handleListSessions(w http.ResponseWriter, r *http.Request) {
	rows, err := a.db.QueryContext(r.Context(), `
		SELECT id, device_name, revoked, expires_at, last_seen_at, created_at
		FROM sessions
		ORDER BY created_at DESC
	`)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	defer rows.Close()

	sessions := make([]Session, 0)
	for rows.Next() {
		var s Session
		var revoked int
		if err := rows.Scan(&s.ID, &s.DeviceName, &revoked, &s.ExpiresAt, &s.LastSeenAt, &s.CreatedAt); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}
		s.Revoked = revoked != 0
		sessions = append(sessions, s)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// handleRevokeSession marks the session revoked and drops its live socket.
// The row stays for the audit trail.
func (a *App) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	res, err := a.db.ExecContext(r.Context(), `UPDATE sessions SET revoked = 1 WHERE id = ?`, sessionID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	a.registry.closeSession(sessionID)
	a.insertAudit("session_revoked", sessionID, "{}")
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// Trust rules.

type TrustRule struct {
	ID        string `json:"id"`
	Service   string `json:"service"`
	Action    string `json:"action"`
	Decision  string `json:"decision"`
	CreatedAt string `json:"created_at"`
}

func (a *App) handleListTrustRules(w http.ResponseWriter, r *http.Request) {
	rows, err := a.db.QueryContext(r.Context(), `
		SELECT id, service, action, decision, created_at
		FROM trust_rules
		ORDER BY service, action
	`)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	defer rows.Close()

	rules := make([]TrustRule, 0)
	for rows.Next() {
		var rule TrustRule
		if err := rows.Scan(&rule.ID, &rule.Service, &rule.Action, &rule.Decision, &rule.CreatedAt); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}
		rules = append(rules, rule)
	}
	writeJSON(w, http.StatusOK, map[string]any{"trust_rules": rules})
}

// handleUpsertTrustRule creates or replaces the rule for a (service, action)
// pair. There is at most one rule per pair, so a repost overwrites the
// decision in place.
func (a *App) handleUpsertTrustRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Service  string `json:"service"`
		Action   string `json:"action"`
		Decision string `json:"decision"`
	}
	if err := decodeJSON(r.Body, &req); err != nil || req.Service == "" || req.Action == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "service and action are required"})
		return
	}
	if !validDecision(req.Decision) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "decision must be auto_approve, auto_deny, or ask"})
		return
	}

	id := newID("rule")
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := a.db.ExecContext(r.Context(), `
		INSERT INTO trust_rules(id, service, action, decision, created_at)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(service, action) DO UPDATE SET decision = excluded.decision
	`, id, req.Service, req.Action, req.Decision, now); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	var rule TrustRule
	if err := a.db.QueryRowContext(r.Context(), `
		SELECT id, service, action, decision, created_at FROM trust_rules
		WHERE service = ? AND action = ?
	`, req.Service, req.Action).Scan(&rule.ID, &rule.Service, &rule.Action, &rule.Decision, &rule.CreatedAt); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	a.insertAudit("trust_rule_set", rule.ID, fmt.Sprintf(`{"service":%q,"action":%q,"decision":%q}`, rule.Service, rule.Action, rule.Decision))
	writeJSON(w, http.StatusOK, rule)
}

func (a *App) handleDeleteTrustRule(w http.ResponseWriter, r *http.Request) {
	ruleID := r.PathValue("id")
	res, err := a.db.ExecContext(r.Context(), `DELETE FROM trust_rules WHERE id = ?`, ruleID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "trust rule not found"})
		return
	}
	a.insertAudit("trust_rule_deleted", ruleID, "{}")
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Actions.

func (a *App) handlePendingActions(w http.ResponseWriter, r *http.Request) {
	actions, err := a.listActionsByStatus(r.Context(), actionPending)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

func (a *App) handleApproveAction(w http.ResponseWriter, r *http.Request) {
	a.resolveActionHTTP(w, r, true)
}

func (a *App) handleDenyAction(w http.ResponseWriter, r *http.Request) {
	a.resolveActionHTTP(w, r, false)
}

func (a *App) resolveActionHTTP(w http.ResponseWriter, r *http.Request, approve bool) {
	actionID := r.PathValue("id")
	action, err := a.loadAction(r.Context(), actionID)
	if errors.Is(err, errUnknownAction) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "action not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	ok, err := a.Resolve(r.Context(), actionID, approve)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "action is not pending",
			"status": action.Status,
		})
		return
	}

	action, err = a.loadAction(r.Context(), actionID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, action)
}

// Scheduled tasks.

func (a *App) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := a.listScheduledTasks(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (a *App) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name          string          `json:"name"`
		Cron          string          `json:"cron"`
		ActionType    string          `json:"action_type"`
		ActionPayload json.RawMessage `json:"action_payload"`
		Tier          string          `json:"tier"`
		Enabled       *bool           `json:"enabled"`
	}
	if err := decodeJSON(r.Body, &req); err != nil || req.Name == "" || req.Cron == "" || req.ActionType == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name, cron, and action_type are required"})
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	task, err := a.createScheduledTask(r.Context(), ScheduledTask{
		Name:          req.Name,
		Cron:          req.Cron,
		ActionType:    req.ActionType,
		ActionPayload: req.ActionPayload,
		Tier:          req.Tier,
		Enabled:       enabled,
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (a *App) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var patch TaskPatch
	if err := decodeJSON(r.Body, &patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	task, err := a.updateScheduledTask(r.Context(), r.PathValue("id"), patch)
	if errors.Is(err, errUnknownTask) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (a *App) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	err := a.deleteScheduledTask(r.Context(), r.PathValue("id"))
	if errors.Is(err, errUnknownTask) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (a *App) handleEnableTask(w http.ResponseWriter, r *http.Request) {
	a.setTaskEnabledHTTP(w, r, true)
}

func (a *App) handleDisableTask(w http.ResponseWriter, r *http.Request) {
	a.setTaskEnabledHTTP(w, r, false)
}

func (a *App) setTaskEnabledHTTP(w http.ResponseWriter, r *http.Request, enabled bool) {
	err := a.setTaskEnabled(r.Context(), r.PathValue("id"), enabled)
	if errors.Is(err, errUnknownTask) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
}

func (a *App) handleRunTask(w http.ResponseWriter, r *http.Request) {
	err := a.runTaskNow(r.Context(), r.PathValue("id"))
	if errors.Is(err, errUnknownTask) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

// Webhooks.

func (a *App) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	hooks, err := a.listWebhooks(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhooks": hooks})
}

func (a *App) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name          string          `json:"name"`
		Slug          string          `json:"slug"`
		ActionType    string          `json:"action_type"`
		ActionPayload json.RawMessage `json:"action_payload"`
		Tier          string          `json:"tier"`
		Secret        string          `json:"secret"`
		Enabled       *bool           `json:"enabled"`
	}
	if err := decodeJSON(r.Body, &req); err != nil || req.Name == "" || req.Slug == "" || req.ActionType == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name, slug, and action_type are required"})
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	hook, err := a.createWebhook(r.Context(), Webhook{
		Name:          req.Name,
		Slug:          req.Slug,
		ActionType:    req.ActionType,
		ActionPayload: req.ActionPayload,
		Tier:          req.Tier,
		Enabled:       enabled,
	}, req.Secret)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, hook)
}

func (a *App) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	err := a.deleteWebhook(r.Context(), r.PathValue("id"))
	if errors.Is(err, errUnknownWebhook) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "webhook not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (a *App) handleEnableWebhook(w http.ResponseWriter, r *http.Request) {
	a.setWebhookEnabledHTTP(w, r, true)
}

func (a *App) handleDisableWebhook(w http.ResponseWriter, r *http.Request) {
	a.setWebhookEnabledHTTP(w, r, false)
}

func (a *App) setWebhookEnabledHTTP(w http.ResponseWriter, r *http.Request, enabled bool) {
	err := a.setWebhookEnabled(r.Context(), r.PathValue("id"), enabled)
	if errors.Is(err, errUnknownWebhook) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "webhook not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
}

// Channels.

func (a *App) handleListChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"channels": a.channels.list()})
}

func (a *App) handleEnableChannel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Config map[string]string `json:"config"`
	}
	if err := decodeJSON(r.Body, &req); err != nil || req.Config == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "config object is required"})
		return
	}
	channelType := r.PathValue("type")
	err := a.channels.start(r.Context(), channelType, req.Config)
	if errors.Is(err, errUnknownChannel) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "channel type not registered"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	a.insertAudit("channel_enabled", channelType, "")
	writeJSON(w, http.StatusOK, map[string]any{"type": channelType, "enabled": true})
}

func (a *App) handleDisableChannel(w http.ResponseWriter, r *http.Request) {
	channelType := r.PathValue("type")
	err := a.channels.stop(r.Context(), channelType)
	if errors.Is(err, errUnknownChannel) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "channel type not registered"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	a.insertAudit("channel_disabled", channelType, "")
	writeJSON(w, http.StatusOK, map[string]any{"type": channelType, "enabled": false})
}

func (a *App) handleTestChannel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target  string `json:"target"`
		Message string `json:"message"`
	}
	if err := decodeJSON(r.Body, &req); err != nil || req.Target == "" || req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "target and message are required"})
		return
	}
	err := a.channels.send(r.Context(), r.PathValue("type"), req.Target, req.Message)
	if errors.Is(err, errUnknownChannel) || errors.Is(err, errChannelNotRunning) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"sent": true})
}

// Hotkeys.

func (a *App) handleListHotkeys(w http.ResponseWriter, r *http.Request) {
	hotkeys, err := a.listHotkeys(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hotkeys": hotkeys})
}

func (a *App) handleCreateHotkey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Combo         string          `json:"combo"`
		ActionType    string          `json:"action_type"`
		ActionPayload json.RawMessage `json:"action_payload"`
		Tier          string          `json:"tier"`
		Enabled       *bool           `json:"enabled"`
	}
	if err := decodeJSON(r.Body, &req); err != nil || req.Combo == "" || req.ActionType == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "combo and action_type are required"})
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	hk, err := a.createHotkey(r.Context(), Hotkey{
		Combo:         req.Combo,
		ActionType:    req.ActionType,
		ActionPayload: req.ActionPayload,
		Tier:          req.Tier,
		Enabled:       enabled,
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, hk)
}

func (a *App) handleDeleteHotkey(w http.ResponseWriter, r *http.Request) {
	err := a.deleteHotkey(r.Context(), r.PathValue("id"))
	if errors.Is(err, errUnknownHotkey) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "hotkey not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (a *App) handleTriggerHotkey(w http.ResponseWriter, r *http.Request) {
	result, err := a.triggerHotkey(r.Context(), r.PathValue("id"))
	if errors.Is(err, errUnknownHotkey) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "hotkey not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"action_id": result.Action.ID,
		"status":    result.Status,
	})
}

// Conversations and audit.

func (a *App) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := a.listConversations(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (a *App) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := a.listMessages(r.Context(), r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

type AuditEntry struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	EntityID  string          `json:"entity_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"created_at"`
}

func (a *App) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 1000 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 1000"})
			return
		}
		limit = parsed
	}

	rows, err := a.db.QueryContext(r.Context(), `
		SELECT id, event_type, entity_id, payload_json, created_at
		FROM audit_log
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	defer rows.Close()

	entries := make([]AuditEntry, 0, limit)
	for rows.Next() {
		var entry AuditEntry
		var payload string
		if err := rows.Scan(&entry.ID, &entry.EventType, &entry.EntityID, &payload, &entry.CreatedAt); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}
		entry.Payload = json.RawMessage(payload)
		entries = append(entries, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit": entries})
}
