package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Action statuses. Status is owned exclusively by the engine; resolved_at is
// set exactly once, on the transition out of pending.
const (
	actionPending  = "pending"
	actionApproved = "approved"
	actionDenied   = "denied"
	actionExpired  = "expired"
)

// Trust decisions.
const (
	decisionAutoApprove = "auto_approve"
	decisionAutoDeny    = "auto_deny"
	decisionAsk         = "ask"
)

// Tiers. A tier is a risk label only; execution gating comes from trust
// rules, never from the tier.
const (
	tierRed    = "red"
	tierYellow = "yellow"
	tierGreen  = "green"
)

var errUnknownAction = errors.New("action not found")

type Action struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Type           string          `json:"type"`
	Tier           string          `json:"tier"`
	Title          string          `json:"title"`
	Description    string          `json:"description,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Origin         string          `json:"origin"`
	Status         string          `json:"status"`
	ExecError      string          `json:"exec_error,omitempty"`
	CreatedAt      string          `json:"created_at"`
	ResolvedAt     string          `json:"resolved_at,omitempty"`
}

type ProposeInput struct {
	Type           string
	Tier           string
	Title          string
	Description    string
	Payload        json.RawMessage
	ConversationID string
	Origin         string // "live", "schedule", "webhook", "hotkey"
}

type ProposeResult struct {
	Status string
	Action Action
}

// Propose runs a requested action through the trust rules and creates its
// Action record. auto_approve executes through the effector registry
// immediately; auto_deny records the denial without execution; ask, or the
// absence of a rule, leaves the action pending and notifies any live
// connection. A missing policy is conservative-by-default, never an error.
func (a *App) Propose(ctx context.Context, in ProposeInput) (ProposeResult, error) {
	actionType := strings.TrimSpace(in.Type)
	if actionType == "" {
		return ProposeResult{}, errors.New("action type is required")
	}
	tier := normalizeTier(in.Tier)
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = actionType
	}
	payload := in.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	origin := in.Origin
	if origin == "" {
		origin = "live"
	}

	service, leaf := splitActionType(actionType)
	decision := a.trustDecision(service, leaf)

	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339Nano)

	action := Action{
		ID:             newID("act"),
		ConversationID: in.ConversationID,
		Type:           actionType,
		Tier:           tier,
		Title:          title,
		Description:    strings.TrimSpace(in.Description),
		Payload:        payload,
		Origin:         origin,
		CreatedAt:      nowStr,
	}

	switch decision {
	case decisionAutoApprove:
		action.Status = actionApproved
		action.ResolvedAt = nowStr
	case decisionAutoDeny:
		action.Status = actionDenied
		action.ResolvedAt = nowStr
	default:
		action.Status = actionPending
	}

	if _, err := a.db.ExecContext(ctx, `
		INSERT INTO actions(id, conversation_id, type, tier, title, description, payload, origin, status, created_at, resolved_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, action.ID, action.ConversationID, action.Type, action.Tier, action.Title,
		action.Description, string(action.Payload), action.Origin, action.Status,
		action.CreatedAt, action.ResolvedAt); err != nil {
		return ProposeResult{}, fmt.Errorf("insert action: %w", err)
	}
	a.insertAudit("action_proposed", action.ID, fmt.Sprintf(`{"type":%q,"origin":%q,"decision":%q}`, action.Type, action.Origin, decision))

	switch action.Status {
	case actionApproved:
		a.insertAudit("action_auto_approved", action.ID, "{}")
		a.executeAction(ctx, &action)
	case actionDenied:
		a.insertAudit("action_auto_denied", action.ID, "{}")
	default:
		a.notifyPendingAction(action)
	}

	a.logger.Info("action proposed",
		"action_id", action.ID,
		"type", action.Type,
		"tier", action.Tier,
		"origin", action.Origin,
		"status", action.Status,
	)
	return ProposeResult{Status: action.Status, Action: action}, nil
}

// Resolve transitions a pending action to approved or denied, returning false
// when the action does not exist or is no longer pending. A second call on
// the same id is a no-op failure, not an error; it never touches resolved_at.
func (a *App) Resolve(ctx context.Context, actionID string, approve bool) (bool, error) {
	status := actionDenied
	if approve {
		status = actionApproved
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := a.db.ExecContext(ctx, `
		UPDATE actions
		SET status = ?, resolved_at = ?
		WHERE id = ? AND status = ?
	`, status, now, actionID, actionPending)
	if err != nil {
		return false, fmt.Errorf("resolve action: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}

	a.insertAudit("action_"+status, actionID, "{}")

	if approve {
		action, err := a.loadAction(ctx, actionID)
		if err != nil {
			return true, err
		}
		a.executeAction(ctx, &action)
	}
	return true, nil
}

// ExpireStale bulk-transitions pending actions created before the threshold
// to expired. Running it twice in a row expires zero additional rows.
func (a *App) ExpireStale(olderThan time.Duration) (int, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-olderThan).Format(time.RFC3339Nano)

	rows, err := a.db.Query(`
		SELECT id FROM actions
		WHERE status = ? AND created_at < ?
	`, actionPending, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale actions: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	nowStr := now.Format(time.RFC3339Nano)
	expired := 0
	for _, id := range ids {
		res, err := a.db.Exec(`
			UPDATE actions
			SET status = ?, resolved_at = ?
			WHERE id = ? AND status = ?
		`, actionExpired, nowStr, id, actionPending)
		if err != nil {
			return expired, fmt.Errorf("expire action %s: %w", id, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return expired, err
		}
		if affected == 0 {
			continue
		}
		a.insertAudit("action_expired", id, "{}")
		expired++
	}
	return expired, nil
}

// executeAction invokes the effector for an approved action. Effector
// failures never crash the engine or change the action's status: the action
// stays approved with the error attached as detail.
func (a *App) executeAction(ctx context.Context, action *Action) {
	result, err := a.effectors.Execute(ctx, action.Type, action.Payload)
	if err != nil {
		action.ExecError = err.Error()
		if _, updateErr := a.db.ExecContext(ctx, `
			UPDATE actions SET exec_error = ? WHERE id = ?
		`, action.ExecError, action.ID); updateErr != nil {
			a.logger.Error("record effector error failed", "action_id", action.ID, "error", updateErr)
		}
		a.insertAudit("action_execution_failed", action.ID, fmt.Sprintf(`{"error":%q}`, err.Error()))
		a.logger.Warn("effector failed", "action_id", action.ID, "type", action.Type, "error", err)
		return
	}

	payload := "{}"
	if len(result) > 0 {
		payload = string(result)
	}
	a.insertAudit("action_executed", action.ID, payload)
	a.logger.Info("action executed", "action_id", action.ID, "type", action.Type, "origin", action.Origin)
}

// notifyPendingAction pushes a notification.action frame to every live
// connection. A missing connection is not an error, just a no-op.
// notifyPendingAction pushes the approval request to every live connection.
// With nobody connected it falls back to the messaging channels, so a pending
// action is never silently parked.
func (a *App) notifyPendingAction(action Action) {
	delivered := a.registry.broadcast(newFrame(frameNotificationAction, action.ID, notificationActionPayload{
		ActionID:    action.ID,
		Type:        action.Type,
		Tier:        action.Tier,
		Title:       action.Title,
		Description: action.Description,
	}))
	if delivered > 0 {
		return
	}
	message := fmt.Sprintf("Approval needed for %s [%s]: %s", action.Type, action.Tier, action.Title)
	sent, err := a.channels.notifyAll(context.Background(), message)
	if err != nil {
		a.logger.Warn("channel notify failed", "action_id", action.ID, "error", err)
	}
	if sent > 0 {
		a.logger.Debug("pending action routed to channels", "action_id", action.ID, "channels", sent)
	}
}

func (a *App) trustDecision(service, leaf string) string {
	var decision string
	err := a.db.QueryRow(`
		SELECT decision FROM trust_rules
		WHERE service = ? AND action = ?
	`, service, leaf).Scan(&decision)
	if err != nil {
		return decisionAsk
	}
	switch decision {
	case decisionAutoApprove, decisionAutoDeny, decisionAsk:
		return decision
	default:
		return decisionAsk
	}
}

func (a *App) loadAction(ctx context.Context, actionID string) (Action, error) {
	var action Action
	var payload string
	err := a.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, type, tier, title, description, payload, origin, status, exec_error, created_at, resolved_at
		FROM actions WHERE id = ?
	`, actionID).Scan(
		&action.ID, &action.ConversationID, &action.Type, &action.Tier,
		&action.Title, &action.Description, &payload, &action.Origin,
		&action.Status, &action.ExecError, &action.CreatedAt, &action.ResolvedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Action{}, errUnknownAction
	}
	if err != nil {
		return Action{}, fmt.Errorf("load action: %w", err)
	}
	action.Payload = json.RawMessage(payload)
	return action, nil
}

func (a *App) listActionsByStatus(ctx context.Context, status string) ([]Action, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, conversation_id, type, tier, title, description, payload, origin, status, exec_error, created_at, resolved_at
		FROM actions
		WHERE status = ?
		ORDER BY created_at ASC
	`, status)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	actions := make([]Action, 0)
	for rows.Next() {
		var action Action
		var payload string
		if err := rows.Scan(
			&action.ID, &action.ConversationID, &action.Type, &action.Tier,
			&action.Title, &action.Description, &payload, &action.Origin,
			&action.Status, &action.ExecError, &action.CreatedAt, &action.ResolvedAt,
		); err != nil {
			return nil, err
		}
		action.Payload = json.RawMessage(payload)
		actions = append(actions, action)
	}
	return actions, rows.Err()
}

// splitActionType derives the trust-rule key from a dotted action type:
// "power.shutdown" → ("power", "shutdown"). A type with no namespace keys on
// itself with an empty leaf, which simply never matches a rule and falls
// through to ask.
func splitActionType(actionType string) (service, leaf string) {
	idx := strings.Index(actionType, ".")
	if idx < 0 {
		return actionType, ""
	}
	return actionType[:idx], actionType[idx+1:]
}

func normalizeTier(tier string) string {
	switch strings.ToLower(strings.TrimSpace(tier)) {
	case tierRed:
		return tierRed
	case tierGreen:
		return tierGreen
	default:
		return tierYellow
	}
}

func validDecision(decision string) bool {
	switch decision {
	case decisionAutoApprove, decisionAutoDeny, decisionAsk:
		return true
	}
	return false
}
