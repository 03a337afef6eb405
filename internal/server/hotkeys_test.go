package server

import (
	"context"
	"net/http"
	"testing"
)

func TestHotkeyTriggerGoesThroughEngine(t *testing.T) {
	t.Parallel()
	app, srv := newTestServer(t)
	token := bootstrapAuthToken(t, srv.URL)

	hk := createTestHotkey(t, srv.URL, token, "cmd+shift+p", "media.play")

	resp := doRequest(t, http.MethodPost, srv.URL+"/hotkeys/"+hk.ID+"/trigger", token, nil)
	if resp.StatusCode != http.StatusAccepted {
		resp.Body.Close()
		t.Fatalf("trigger status: %d", resp.StatusCode)
	}
	var out struct {
		ActionID string `json:"action_id"`
		Status   string `json:"status"`
	}
	decodeResponse(t, resp, &out)
	if out.Status != actionPending {
		t.Fatalf("status: %q", out.Status)
	}

	action, err := app.loadAction(context.Background(), out.ActionID)
	if err != nil {
		t.Fatalf("load action: %v", err)
	}
	if action.Origin != "hotkey" {
		t.Fatalf("origin: %q", action.Origin)
	}
}

func TestHotkeyTriggerHonorsAutoApprove(t *testing.T) {
	t.Parallel()
	app, srv := newTestServer(t)
	token := bootstrapAuthToken(t, srv.URL)
	seedTrustRule(t, app, "media", "play", decisionAutoApprove)

	hk := createTestHotkey(t, srv.URL, token, "cmd+shift+p", "media.play")
	resp := doRequest(t, http.MethodPost, srv.URL+"/hotkeys/"+hk.ID+"/trigger", token, nil)
	var out struct {
		Status string `json:"status"`
	}
	decodeResponse(t, resp, &out)
	if out.Status != actionApproved {
		t.Fatalf("status: %q", out.Status)
	}
}

func TestHotkeyDelete(t *testing.T) {
	t.Parallel()
	_, srv := newTestServer(t)
	token := bootstrapAuthToken(t, srv.URL)

	hk := createTestHotkey(t, srv.URL, token, "cmd+k", "media.play")
	resp := doRequest(t, http.MethodDelete, srv.URL+"/hotkeys/"+hk.ID, token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status: %d", resp.StatusCode)
	}

	resp = doRequest(t, http.MethodPost, srv.URL+"/hotkeys/"+hk.ID+"/trigger", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("trigger after delete status: %d", resp.StatusCode)
	}
}

func TestDuplicateHotkeyComboRejected(t *testing.T) {
	t.Parallel()
	_, srv := newTestServer(t)
	token := bootstrapAuthToken(t, srv.URL)

	createTestHotkey(t, srv.URL, token, "cmd+k", "media.play")
	resp := doRequest(t, http.MethodPost, srv.URL+"/hotkeys", token, map[string]string{
		"combo":       "cmd+k",
		"action_type": "media.pause",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("duplicate combo status: %d", resp.StatusCode)
	}
}

func createTestHotkey(t *testing.T, baseURL, token, combo, actionType string) Hotkey {
	t.Helper()
	resp := doRequest(t, http.MethodPost, baseURL+"/hotkeys", token, map[string]string{
		"combo":       combo,
		"action_type": actionType,
		"tier":        tierGreen,
	})
	if resp.StatusCode != http.StatusCreated {
		resp.Body.Close()
		t.Fatalf("create hotkey status: %d", resp.StatusCode)
	}
	var hk Hotkey
	decodeResponse(t, resp, &hk)
	return hk
}
