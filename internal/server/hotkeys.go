package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var errUnknownHotkey = errors.New("hotkey not found")

type Hotkey struct {
	ID            string          `json:"id"`
	Combo         string          `json:"combo"`
	ActionType    string          `json:"action_type"`
	ActionPayload json.RawMessage `json:"action_payload"`
	Tier          string          `json:"tier"`
	Enabled       bool            `json:"enabled"`
	CreatedAt     string          `json:"created_at"`
}

func (a *App) createHotkey(ctx context.Context, hk Hotkey) (Hotkey, error) {
	if hk.Combo == "" {
		return Hotkey{}, errors.New("combo is required")
	}
	hk.ID = newID("hk")
	hk.Tier = normalizeTier(hk.Tier)
	hk.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	if len(hk.ActionPayload) == 0 {
		hk.ActionPayload = json.RawMessage(`{}`)
	}
	enabled := 0
	if hk.Enabled {
		enabled = 1
	}
	if _, err := a.db.ExecContext(ctx, `
		INSERT INTO hotkeys(id, combo, action_type, action_payload, tier, enabled, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
	`, hk.ID, hk.Combo, hk.ActionType, string(hk.ActionPayload), hk.Tier, enabled, hk.CreatedAt); err != nil {
		return Hotkey{}, fmt.Errorf("insert hotkey: %w", err)
	}
	a.insertAudit("hotkey_created", hk.ID, fmt.Sprintf(`{"combo":%q}`, hk.Combo))
	return hk, nil
}

func (a *App) deleteHotkey(ctx context.Context, hotkeyID string) error {
	res, err := a.db.ExecContext(ctx, `DELETE FROM hotkeys WHERE id = ?`, hotkeyID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errUnknownHotkey
	}
	a.insertAudit("hotkey_deleted", hotkeyID, "{}")
	return nil
}

// triggerHotkey proposes the action bound to a hotkey. Hotkey presses go
// through the engine like every other origin; a binding to a guarded action
// still waits for approval.
func (a *App) triggerHotkey(ctx context.Context, hotkeyID string) (ProposeResult, error) {
	hk, err := a.loadHotkey(ctx, hotkeyID)
	if err != nil {
		return ProposeResult{}, err
	}
	if !hk.Enabled {
		return ProposeResult{}, fmt.Errorf("hotkey %s is disabled", hotkeyID)
	}
	a.insertAudit("hotkey_triggered", hk.ID, fmt.Sprintf(`{"combo":%q}`, hk.Combo))
	return a.Propose(ctx, ProposeInput{
		Type:        hk.ActionType,
		Tier:        hk.Tier,
		Title:       hk.Combo,
		Description: "hotkey " + hk.Combo,
		Payload:     hk.ActionPayload,
		Origin:      "hotkey",
	})
}

func (a *App) loadHotkey(ctx context.Context, hotkeyID string) (Hotkey, error) {
	var hk Hotkey
	var payload string
	var enabled int
	err := a.db.QueryRowContext(ctx, `
		SELECT id, combo, action_type, action_payload, tier, enabled, created_at
		FROM hotkeys WHERE id = ?
	`, hotkeyID).Scan(&hk.ID, &hk.Combo, &hk.ActionType, &payload, &hk.Tier, &enabled, &hk.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Hotkey{}, errUnknownHotkey
	}
	if err != nil {
		return Hotkey{}, err
	}
	hk.ActionPayload = json.RawMessage(payload)
	hk.Enabled = enabled != 0
	return hk, nil
}

func (a *App) listHotkeys(ctx context.Context) ([]Hotkey, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, combo, action_type, action_payload, tier, enabled, created_at
		FROM hotkeys
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	hotkeys := make([]Hotkey, 0)
	for rows.Next() {
		var hk Hotkey
		var payload string
		var enabled int
		if err := rows.Scan(&hk.ID, &hk.Combo, &hk.ActionType, &payload, &hk.Tier, &enabled, &hk.CreatedAt); err != nil {
			return nil, err
		}
		hk.ActionPayload = json.RawMessage(payload)
		hk.Enabled = enabled != 0
		hotkeys = append(hotkeys, hk)
	}
	return hotkeys, rows.Err()
}
