package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestProposeWithoutRuleStaysPending(t *testing.T) {
	t.Parallel()
	app := newTestApp(t)

	result := proposeTestAction(t, app, "media.play", tierGreen)
	if result.Status != actionPending {
		t.Fatalf("status: %q", result.Status)
	}
	if result.Action.ResolvedAt != "" {
		t.Fatalf("pending action has resolved_at: %q", result.Action.ResolvedAt)
	}

	action, err := app.loadAction(context.Background(), result.Action.ID)
	if err != nil {
		t.Fatalf("load action: %v", err)
	}
	if action.Status != actionPending {
		t.Fatalf("persisted status: %q", action.Status)
	}
}

func TestProposeAutoApproveExecutes(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var executed []string
	effectors := NewEffectorRegistry()
	effectors.Register("media.play", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		mu.Lock()
		executed = append(executed, string(payload))
		mu.Unlock()
		return json.RawMessage(`{"playing":true}`), nil
	})
	app := newTestAppWithConfig(t, AppConfig{Effectors: effectors})
	seedTrustRule(t, app, "media", "play", decisionAutoApprove)

	result, err := app.Propose(context.Background(), ProposeInput{
		Type:    "media.play",
		Tier:    tierGreen,
		Title:   "play music",
		Payload: json.RawMessage(`{"track":"song"}`),
	})
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if result.Status != actionApproved {
		t.Fatalf("status: %q", result.Status)
	}
	if result.Action.ResolvedAt == "" {
		t.Fatalf("approved action has no resolved_at")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(executed) != 1 || executed[0] != `{"track":"song"}` {
		t.Fatalf("effector calls: %v", executed)
	}
}

func TestProposeAutoDenyDoesNotExecute(t *testing.T) {
	t.Parallel()

	effectors := NewEffectorRegistry()
	called := false
	effectors.Register("power.shutdown", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		called = true
		return nil, nil
	})
	app := newTestAppWithConfig(t, AppConfig{Effectors: effectors})
	seedTrustRule(t, app, "power", "shutdown", decisionAutoDeny)

	result := proposeTestAction(t, app, "power.shutdown", tierRed)
	if result.Status != actionDenied {
		t.Fatalf("status: %q", result.Status)
	}
	if called {
		t.Fatalf("denied action was executed")
	}
}

func TestExplicitAskRuleStaysPending(t *testing.T) {
	t.Parallel()
	app := newTestApp(t)
	seedTrustRule(t, app, "power", "shutdown", decisionAsk)

	result := proposeTestAction(t, app, "power.shutdown", tierRed)
	if result.Status != actionPending {
		t.Fatalf("status: %q", result.Status)
	}
}

func TestEffectorErrorKeepsActionApproved(t *testing.T) {
	t.Parallel()

	effectors := NewEffectorRegistry()
	effectors.Register("media.play", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("speaker offline")
	})
	app := newTestAppWithConfig(t, AppConfig{Effectors: effectors})
	seedTrustRule(t, app, "media", "play", decisionAutoApprove)

	result := proposeTestAction(t, app, "media.play", tierGreen)
	if result.Status != actionApproved {
		t.Fatalf("status: %q", result.Status)
	}

	action, err := app.loadAction(context.Background(), result.Action.ID)
	if err != nil {
		t.Fatalf("load action: %v", err)
	}
	if action.Status != actionApproved {
		t.Fatalf("status after effector failure: %q", action.Status)
	}
	if action.ExecError != "speaker offline" {
		t.Fatalf("exec_error: %q", action.ExecError)
	}
}

func TestApproveWithoutEffectorRecordsError(t *testing.T) {
	t.Parallel()
	app := newTestApp(t)

	result := proposeTestAction(t, app, "media.play", tierGreen)
	ok, err := app.Resolve(context.Background(), result.Action.ID, true)
	if err != nil || !ok {
		t.Fatalf("resolve: ok=%v err=%v", ok, err)
	}

	action, err := app.loadAction(context.Background(), result.Action.ID)
	if err != nil {
		t.Fatalf("load action: %v", err)
	}
	if action.Status != actionApproved {
		t.Fatalf("status: %q", action.Status)
	}
	if action.ExecError == "" {
		t.Fatalf("expected exec_error for missing effector")
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	t.Parallel()
	app := newTestApp(t)

	result := proposeTestAction(t, app, "media.play", tierYellow)
	ok, err := app.Resolve(context.Background(), result.Action.ID, false)
	if err != nil || !ok {
		t.Fatalf("first resolve: ok=%v err=%v", ok, err)
	}

	before, err := app.loadAction(context.Background(), result.Action.ID)
	if err != nil {
		t.Fatalf("load action: %v", err)
	}

	ok, err = app.Resolve(context.Background(), result.Action.ID, true)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if ok {
		t.Fatalf("second resolve succeeded")
	}

	after, err := app.loadAction(context.Background(), result.Action.ID)
	if err != nil {
		t.Fatalf("load action: %v", err)
	}
	if after.Status != actionDenied || after.ResolvedAt != before.ResolvedAt {
		t.Fatalf("second resolve mutated the action: %+v", after)
	}
}

func TestConcurrentProposalsGetDistinctIDs(t *testing.T) {
	t.Parallel()
	app := newTestApp(t)

	a := proposeTestAction(t, app, "media.play", tierGreen)
	b := proposeTestAction(t, app, "media.play", tierGreen)
	if a.Action.ID == b.Action.ID {
		t.Fatalf("duplicate action id %q", a.Action.ID)
	}
}

func TestExpireStale(t *testing.T) {
	t.Parallel()
	app := newTestApp(t)

	old := proposeTestAction(t, app, "media.play", tierGreen)
	backdateAction(t, app, old.Action.ID, -48*time.Hour)
	fresh := proposeTestAction(t, app, "media.pause", tierGreen)

	count, err := app.ExpireStale(24 * time.Hour)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if count != 1 {
		t.Fatalf("expired count: %d", count)
	}

	expired, err := app.loadAction(context.Background(), old.Action.ID)
	if err != nil {
		t.Fatalf("load action: %v", err)
	}
	if expired.Status != actionExpired || expired.ResolvedAt == "" {
		t.Fatalf("expired action: %+v", expired)
	}

	// A resolved action is out of reach for the sweeper, and a second sweep
	// finds nothing.
	pending, err := app.loadAction(context.Background(), fresh.Action.ID)
	if err != nil {
		t.Fatalf("load action: %v", err)
	}
	if pending.Status != actionPending {
		t.Fatalf("fresh action: %q", pending.Status)
	}

	count, err = app.ExpireStale(24 * time.Hour)
	if err != nil {
		t.Fatalf("second expire: %v", err)
	}
	if count != 0 {
		t.Fatalf("second expire count: %d", count)
	}
}

func TestExpiredActionCannotBeResolved(t *testing.T) {
	t.Parallel()
	app := newTestApp(t)

	result := proposeTestAction(t, app, "media.play", tierGreen)
	backdateAction(t, app, result.Action.ID, -48*time.Hour)
	if _, err := app.ExpireStale(24 * time.Hour); err != nil {
		t.Fatalf("expire: %v", err)
	}

	ok, err := app.Resolve(context.Background(), result.Action.ID, true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ok {
		t.Fatalf("resolved an expired action")
	}
}

func TestSplitActionType(t *testing.T) {
	t.Parallel()

	service, leaf := splitActionType("power.shutdown")
	if service != "power" || leaf != "shutdown" {
		t.Fatalf("got %q %q", service, leaf)
	}
	service, leaf = splitActionType("shell.session.exec")
	if service != "shell" || leaf != "session.exec" {
		t.Fatalf("got %q %q", service, leaf)
	}
	service, leaf = splitActionType("reboot")
	if service != "reboot" || leaf != "" {
		t.Fatalf("got %q %q", service, leaf)
	}
}

func seedTrustRule(t *testing.T, app *App, service, action, decision string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := app.db.Exec(`
		INSERT INTO trust_rules(id, service, action, decision, created_at)
		VALUES(?, ?, ?, ?, ?)
	`, newID("rule"), service, action, decision, now); err != nil {
		t.Fatalf("seed trust rule: %v", err)
	}
}

func backdateAction(t *testing.T, app *App, actionID string, offset time.Duration) {
	t.Helper()
	createdAt := time.Now().UTC().Add(offset).Format(time.RFC3339Nano)
	if _, err := app.db.Exec(`UPDATE actions SET created_at = ? WHERE id = ?`, createdAt, actionID); err != nil {
		t.Fatalf("backdate action: %v", err)
	}
}
