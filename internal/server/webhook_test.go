package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"testing"
)

func TestWebhookTriggerWithValidSignature(t *testing.T) {
	t.Parallel()
	app, srv := newTestServer(t)
	token := bootstrapAuthToken(t, srv.URL)

	createTestWebhook(t, srv.URL, token, "doorbell", "doorbell", "media.play", "s3cret")

	body := []byte(`{"ring":true}`)
	resp := postHook(t, srv.URL, "doorbell", body, signHookBody("s3cret", body))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status: %d", resp.StatusCode)
	}

	var out struct {
		ActionID string `json:"action_id"`
		Status   string `json:"status"`
	}
	decodeResponse(t, resp, &out)
	if out.Status != actionPending {
		t.Fatalf("action status: %q", out.Status)
	}

	action, err := app.loadAction(context.Background(), out.ActionID)
	if err != nil {
		t.Fatalf("load action: %v", err)
	}
	if action.Origin != "webhook" {
		t.Fatalf("origin: %q", action.Origin)
	}
	// The inbound body rides along under "event".
	if !bytes.Contains([]byte(action.Payload), []byte(`"ring":true`)) {
		t.Fatalf("payload: %s", action.Payload)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	t.Parallel()
	_, srv := newTestServer(t)
	token := bootstrapAuthToken(t, srv.URL)

	createTestWebhook(t, srv.URL, token, "doorbell", "doorbell", "media.play", "s3cret")

	body := []byte(`{"ring":true}`)
	resp := postHook(t, srv.URL, "doorbell", body, signHookBody("wrong-secret", body))
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}

func TestWebhookAcceptsUppercaseHexSignature(t *testing.T) {
	t.Parallel()
	_, srv := newTestServer(t)
	token := bootstrapAuthToken(t, srv.URL)

	createTestWebhook(t, srv.URL, token, "doorbell", "doorbell", "media.play", "s3cret")

	body := []byte(`{"ring":true}`)
	resp := postHook(t, srv.URL, "doorbell", body, strings.ToUpper(signHookBody("s3cret", body)))
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}

func TestWebhookRejectsMalformedSignature(t *testing.T) {
	t.Parallel()
	_, srv := newTestServer(t)
	token := bootstrapAuthToken(t, srv.URL)

	createTestWebhook(t, srv.URL, token, "doorbell", "doorbell", "media.play", "s3cret")

	resp := postHook(t, srv.URL, "doorbell", []byte(`{}`), "not-hex-at-all")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	t.Parallel()
	_, srv := newTestServer(t)
	token := bootstrapAuthToken(t, srv.URL)

	createTestWebhook(t, srv.URL, token, "doorbell", "doorbell", "media.play", "s3cret")

	resp := postHook(t, srv.URL, "doorbell", []byte(`{}`), "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}

func TestWebhookWithoutSecretSkipsSignature(t *testing.T) {
	t.Parallel()
	_, srv := newTestServer(t)
	token := bootstrapAuthToken(t, srv.URL)

	createTestWebhook(t, srv.URL, token, "open", "open", "media.play", "")

	resp := postHook(t, srv.URL, "open", []byte(`{}`), "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}

func TestWebhookUnknownSlug(t *testing.T) {
	t.Parallel()
	_, srv := newTestServer(t)

	resp := postHook(t, srv.URL, "nope", []byte(`{}`), "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}

func TestDisabledWebhookDoesNotFire(t *testing.T) {
	t.Parallel()
	app, srv := newTestServer(t)
	token := bootstrapAuthToken(t, srv.URL)

	hook := createTestWebhook(t, srv.URL, token, "doorbell", "doorbell", "media.play", "")
	resp := doRequest(t, http.MethodPost, srv.URL+"/webhooks/"+hook.ID+"/disable", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disable status: %d", resp.StatusCode)
	}

	resp = postHook(t, srv.URL, "doorbell", []byte(`{}`), "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusGone {
		t.Fatalf("status: %d", resp.StatusCode)
	}

	actions, err := app.listActionsByStatus(context.Background(), actionPending)
	if err != nil {
		t.Fatalf("list actions: %v", err)
	}
	if len(actions) != 0 {
		t.Fatalf("disabled webhook proposed actions: %+v", actions)
	}
}

func TestWebhookSlugValidation(t *testing.T) {
	t.Parallel()
	_, srv := newTestServer(t)
	token := bootstrapAuthToken(t, srv.URL)

	resp := doRequest(t, http.MethodPost, srv.URL+"/webhooks", token, map[string]string{
		"name":        "bad",
		"slug":        "Not Valid!",
		"action_type": "media.play",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}

func TestWebhookListHidesSecret(t *testing.T) {
	t.Parallel()
	_, srv := newTestServer(t)
	token := bootstrapAuthToken(t, srv.URL)

	createTestWebhook(t, srv.URL, token, "doorbell", "doorbell", "media.play", "s3cret")

	resp := doRequest(t, http.MethodGet, srv.URL+"/webhooks", token, nil)
	var out struct {
		Webhooks []Webhook `json:"webhooks"`
	}
	decodeResponse(t, resp, &out)
	if len(out.Webhooks) != 1 {
		t.Fatalf("webhooks: %d", len(out.Webhooks))
	}
	if !out.Webhooks[0].HasSecret {
		t.Fatalf("has_secret should be true")
	}
}

func TestWebhookDelete(t *testing.T) {
	t.Parallel()
	_, srv := newTestServer(t)
	token := bootstrapAuthToken(t, srv.URL)

	hook := createTestWebhook(t, srv.URL, token, "doorbell", "doorbell", "media.play", "")
	resp := doRequest(t, http.MethodDelete, srv.URL+"/webhooks/"+hook.ID, token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status: %d", resp.StatusCode)
	}

	resp = postHook(t, srv.URL, "doorbell", []byte(`{}`), "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("trigger after delete status: %d", resp.StatusCode)
	}
}

func createTestWebhook(t *testing.T, baseURL, token, name, slug, actionType, secret string) Webhook {
	t.Helper()
	resp := doRequest(t, http.MethodPost, baseURL+"/webhooks", token, map[string]string{
		"name":        name,
		"slug":        slug,
		"action_type": actionType,
		"secret":      secret,
		"tier":        tierYellow,
	})
	if resp.StatusCode != http.StatusCreated {
		resp.Body.Close()
		t.Fatalf("create webhook status: %d", resp.StatusCode)
	}
	var hook Webhook
	decodeResponse(t, resp, &hook)
	return hook
}

func postHook(t *testing.T, baseURL, slug string, body []byte, signature string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, baseURL+"/hooks/"+slug, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("X-Webhook-Signature", signature)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post hook: %v", err)
	}
	return resp
}

func signHookBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
