package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"
)

var (
	errUnknownWebhook  = errors.New("webhook not found")
	errBadSignature    = errors.New("invalid webhook signature")
	errWebhookDisabled = errors.New("webhook disabled")

	webhookSlugRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,63}$`)
)

type Webhook struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Slug            string          `json:"slug"`
	ActionType      string          `json:"action_type"`
	ActionPayload   json.RawMessage `json:"action_payload"`
	Tier            string          `json:"tier"`
	HasSecret       bool            `json:"has_secret"`
	Enabled         bool            `json:"enabled"`
	LastTriggeredAt string          `json:"last_triggered_at,omitempty"`
	CreatedAt       string          `json:"created_at"`
}

// handleWebhookTrigger serves POST /hooks/{slug}. The route is public;
// webhooks with a secret authenticate the caller via an HMAC-SHA256 of the
// raw request body in X-Webhook-Signature. An unknown slug and a bad
// signature are indistinguishable to the caller.
func (a *App) handleWebhookTrigger(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	result, err := a.triggerWebhook(r.Context(), slug, body, r.Header.Get("X-Webhook-Signature"))
	switch {
	case errors.Is(err, errUnknownWebhook), errors.Is(err, errBadSignature):
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	case errors.Is(err, errWebhookDisabled):
		http.Error(w, "webhook disabled", http.StatusGone)
		return
	case err != nil:
		a.logger.Error("webhook trigger failed", "slug", slug, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"action_id": result.Action.ID,
		"status":    result.Status,
	})
}

// triggerWebhook validates the signature and proposes the webhook's bound
// action. The inbound body, when it is valid JSON, is merged into the action
// payload under "event" so the action carries what triggered it.
func (a *App) triggerWebhook(ctx context.Context, slug string, body []byte, signature string) (ProposeResult, error) {
	hook, secret, err := a.loadWebhookBySlug(ctx, slug)
	if err != nil {
		return ProposeResult{}, err
	}
	if secret != "" {
		if !verifyWebhookSignature(secret, body, signature) {
			a.insertAudit("webhook_rejected", hook.ID, `{"reason":"bad_signature"}`)
			return ProposeResult{}, errBadSignature
		}
	}
	if !hook.Enabled {
		return ProposeResult{}, errWebhookDisabled
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := a.db.ExecContext(ctx, `UPDATE webhooks SET last_triggered_at = ? WHERE id = ?`, now, hook.ID); err != nil {
		a.logger.Error("stamp last_triggered_at failed", "webhook_id", hook.ID, "error", err)
	}

	payload := hook.ActionPayload
	if len(body) > 0 && json.Valid(body) {
		merged := map[string]json.RawMessage{}
		_ = json.Unmarshal(hook.ActionPayload, &merged)
		merged["event"] = json.RawMessage(body)
		if raw, err := json.Marshal(merged); err == nil {
			payload = raw
		}
	}

	a.insertAudit("webhook_triggered", hook.ID, fmt.Sprintf(`{"slug":%q}`, hook.Slug))
	return a.Propose(ctx, ProposeInput{
		Type:        hook.ActionType,
		Tier:        hook.Tier,
		Title:       hook.Name,
		Description: "webhook " + hook.Slug,
		Payload:     payload,
		Origin:      "webhook",
	})
}

func verifyWebhookSignature(secret string, body []byte, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), got)
}

func (a *App) createWebhook(ctx context.Context, hook Webhook, secret string) (Webhook, error) {
	if !webhookSlugRe.MatchString(hook.Slug) {
		return Webhook{}, fmt.Errorf("invalid slug %q", hook.Slug)
	}
	hook.ID = newID("hook")
	hook.Tier = normalizeTier(hook.Tier)
	hook.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	if len(hook.ActionPayload) == 0 {
		hook.ActionPayload = json.RawMessage(`{}`)
	}
	enabled := 0
	if hook.Enabled {
		enabled = 1
	}
	if _, err := a.db.ExecContext(ctx, `
		INSERT INTO webhooks(id, name, slug, action_type, action_payload, tier, secret, enabled, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, hook.ID, hook.Name, hook.Slug, hook.ActionType, string(hook.ActionPayload), hook.Tier, secret, enabled, hook.CreatedAt); err != nil {
		return Webhook{}, fmt.Errorf("insert webhook: %w", err)
	}
	hook.HasSecret = secret != ""
	a.insertAudit("webhook_created", hook.ID, fmt.Sprintf(`{"slug":%q}`, hook.Slug))
	return hook, nil
}

func (a *App) setWebhookEnabled(ctx context.Context, webhookID string, enabled bool) error {
	val := 0
	if enabled {
		val = 1
	}
	res, err := a.db.ExecContext(ctx, `UPDATE webhooks SET enabled = ? WHERE id = ?`, val, webhookID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errUnknownWebhook
	}
	return nil
}

func (a *App) deleteWebhook(ctx context.Context, webhookID string) error {
	res, err := a.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = ?`, webhookID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errUnknownWebhook
	}
	a.insertAudit("webhook_deleted", webhookID, "{}")
	return nil
}

func (a *App) loadWebhookBySlug(ctx context.Context, slug string) (Webhook, string, error) {
	var hook Webhook
	var payload, secret string
	var enabled int
	err := a.db.QueryRowContext(ctx, `
		SELECT id, name, slug, action_type, action_payload, tier, secret, enabled, last_triggered_at, created_at
		FROM webhooks WHERE slug = ?
	`, slug).Scan(
		&hook.ID, &hook.Name, &hook.Slug, &hook.ActionType, &payload,
		&hook.Tier, &secret, &enabled, &hook.LastTriggeredAt, &hook.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Webhook{}, "", errUnknownWebhook
	}
	if err != nil {
		return Webhook{}, "", err
	}
	hook.ActionPayload = json.RawMessage(payload)
	hook.Enabled = enabled != 0
	hook.HasSecret = secret != ""
	return hook, secret, nil
}

func (a *App) listWebhooks(ctx context.Context) ([]Webhook, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, name, slug, action_type, action_payload, tier, secret, enabled, last_triggered_at, created_at
		FROM webhooks
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	hooks := make([]Webhook, 0)
	for rows.Next() {
		var hook Webhook
		var payload, secret string
		var enabled int
		if err := rows.Scan(
			&hook.ID, &hook.Name, &hook.Slug, &hook.ActionType, &payload,
			&hook.Tier, &secret, &enabled, &hook.LastTriggeredAt, &hook.CreatedAt,
		); err != nil {
			return nil, err
		}
		hook.ActionPayload = json.RawMessage(payload)
		hook.Enabled = enabled != 0
		hook.HasSecret = secret != ""
		hooks = append(hooks, hook)
	}
	return hooks, rows.Err()
}
