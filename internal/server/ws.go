package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Close code sent when the socket's token is missing, revoked, or expired.
const closeUnauthorized = websocket.StatusCode(4001)

// liveConn is one authenticated session socket. Writes are serialized
// through writeMu; the read loop is the only reader.
type liveConn struct {
	sessionID string
	conn      *websocket.Conn

	writeMu sync.Mutex

	chatMu     sync.Mutex
	chatCancel context.CancelFunc
	chatFrame  string

	shells *shellManager
}

func (c *liveConn) send(ctx context.Context, f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsjson.Write(ctx, c.conn, f)
}

// cancelChat stops the in-flight chat stream, if any, and returns the frame
// id it was answering. The generation goroutine observes the cancel and
// emits its own terminal frame.
func (c *liveConn) cancelChat() string {
	c.chatMu.Lock()
	defer c.chatMu.Unlock()
	if c.chatCancel == nil {
		return ""
	}
	id := c.chatFrame
	c.chatCancel()
	c.chatCancel = nil
	c.chatFrame = ""
	return id
}

// sessionRegistry tracks the live socket for each session. A session has at
// most one: adding a new one closes and supersedes the old.
type sessionRegistry struct {
	mu    sync.Mutex
	conns map[string]*liveConn
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{conns: make(map[string]*liveConn)}
}

// add registers the connection, returning the one it displaced, if any.
func (r *sessionRegistry) add(c *liveConn) *liveConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.conns[c.sessionID]
	r.conns[c.sessionID] = c
	return old
}

// remove drops the connection only if it is still the current one for its
// session. A superseded connection must not evict its replacement.
func (r *sessionRegistry) remove(c *liveConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[c.sessionID] == c {
		delete(r.conns, c.sessionID)
	}
}

func (r *sessionRegistry) get(sessionID string) *liveConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[sessionID]
}

// broadcast sends the frame to every live connection and returns how many
// received it.
func (r *sessionRegistry) broadcast(f frame) int {
	r.mu.Lock()
	conns := make([]*liveConn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	delivered := 0
	for _, c := range conns {
		if err := c.send(context.Background(), f); err == nil {
			delivered++
		}
	}
	return delivered
}

func (r *sessionRegistry) closeAll() {
	r.mu.Lock()
	conns := make([]*liveConn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[string]*liveConn)
	r.mu.Unlock()
	for _, c := range conns {
		c.cancelChat()
		c.shells.killAll()
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// closeSession forcibly closes the live socket for a session, if any. Used
// when the session itself is revoked.
func (r *sessionRegistry) closeSession(sessionID string) {
	r.mu.Lock()
	c := r.conns[sessionID]
	delete(r.conns, sessionID)
	r.mu.Unlock()
	if c != nil {
		c.cancelChat()
		c.shells.killAll()
		_ = c.conn.Close(closeUnauthorized, "session revoked")
	}
}

// handleWS upgrades the session socket. The token rides the query string
// because browser WebSocket clients cannot set headers; a bad token gets an
// explicit 4001 close rather than a silent drop so clients can distinguish
// auth failure from a network blip.
func (a *App) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Warn("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(1 << 20)

	token := r.URL.Query().Get("token")
	sessionID, err := a.validateAndTouchSession(token)
	if err != nil {
		_ = conn.Close(closeUnauthorized, "unauthorized")
		return
	}

	c := &liveConn{
		sessionID: sessionID,
		conn:      conn,
		shells:    newShellManager(a.logger),
	}
	if old := a.registry.add(c); old != nil {
		old.cancelChat()
		old.shells.killAll()
		_ = old.conn.Close(websocket.StatusPolicyViolation, "superseded by new connection")
	}
	a.insertAudit("ws_connected", sessionID, "{}")
	a.logger.Info("websocket connected", "session_id", sessionID)

	defer func() {
		a.registry.remove(c)
		c.cancelChat()
		c.shells.killAll()
		a.insertAudit("ws_disconnected", sessionID, "{}")
		a.logger.Info("websocket disconnected", "session_id", sessionID)
	}()

	ctx := r.Context()
	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				return
			}
			a.logger.Debug("websocket read ended", "session_id", sessionID, "error", err)
			return
		}
		a.dispatchFrame(ctx, c, f)
	}
}

// dispatchFrame routes one inbound frame. Malformed payloads and unknown
// types answer with an error frame on the same id; they never kill the
// connection.
func (a *App) dispatchFrame(ctx context.Context, c *liveConn, f frame) {
	switch f.Type {
	case framePing:
		_ = c.send(ctx, newFrame(framePong, f.ID, struct{}{}))

	case frameChatSend:
		var p chatSendPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil || p.Content == "" {
			a.sendError(ctx, c, f.ID, "chat.send requires content")
			return
		}
		a.startChat(c, f.ID, p)

	case frameChatCancel:
		c.cancelChat()

	case frameActionApprove, frameActionDeny:
		var p actionResolvePayload
		if err := json.Unmarshal(f.Payload, &p); err != nil || p.ActionID == "" {
			a.sendError(ctx, c, f.ID, "action_id is required")
			return
		}
		ok, err := a.Resolve(ctx, p.ActionID, f.Type == frameActionApprove)
		if err != nil {
			a.sendError(ctx, c, f.ID, "failed to resolve action")
			return
		}
		if !ok {
			a.sendError(ctx, c, f.ID, "action is not pending")
			return
		}
		verb := "approved"
		if f.Type == frameActionDeny {
			verb = "denied"
		}
		_ = c.send(ctx, newFrame(frameNotificationInfo, f.ID, notificationInfoPayload{
			Message: "action " + p.ActionID + " " + verb,
		}))

	case frameShellExec:
		var p shellExecPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil || p.TabID == "" {
			a.sendError(ctx, c, f.ID, "shell.exec requires tab_id")
			return
		}
		if err := c.shells.exec(c, p); err != nil {
			a.sendError(ctx, c, f.ID, err.Error())
		}

	case frameShellInput:
		var p shellInputPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil || p.TabID == "" {
			a.sendError(ctx, c, f.ID, "shell.input requires tab_id")
			return
		}
		if err := c.shells.input(p.TabID, p.Data); err != nil {
			a.sendError(ctx, c, f.ID, err.Error())
		}

	case frameShellResize:
		var p shellResizePayload
		if err := json.Unmarshal(f.Payload, &p); err != nil || p.TabID == "" {
			a.sendError(ctx, c, f.ID, "shell.resize requires tab_id")
			return
		}
		if err := c.shells.resize(p.TabID, p.Cols, p.Rows); err != nil {
			a.sendError(ctx, c, f.ID, err.Error())
		}

	case frameShellKill:
		var p shellKillPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil || p.TabID == "" {
			a.sendError(ctx, c, f.ID, "shell.kill requires tab_id")
			return
		}
		c.shells.kill(p.TabID)

	case frameScreenCapture:
		var p screenCapturePayload
		_ = json.Unmarshal(f.Payload, &p)
		result, err := a.effectors.Execute(ctx, frameScreenCapture, f.Payload)
		if err != nil {
			a.sendError(ctx, c, f.ID, "screen capture unavailable")
			return
		}
		var fp screenFramePayload
		if err := json.Unmarshal(result, &fp); err != nil {
			a.sendError(ctx, c, f.ID, "screen capture returned malformed frame")
			return
		}
		_ = c.send(ctx, newFrame(frameScreenFrame, f.ID, fp))

	default:
		a.sendError(ctx, c, f.ID, "unknown frame type: "+f.Type)
	}
}

func (a *App) sendError(ctx context.Context, c *liveConn, id, message string) {
	_ = c.send(ctx, newFrame(frameError, id, errorPayload{Message: message}))
}
