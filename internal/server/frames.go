package server

import (
	"encoding/json"
	"time"
)

// Frame types, client → server.
const (
	frameChatSend      = "chat.send"
	frameChatCancel    = "chat.cancel"
	frameActionApprove = "action.approve"
	frameActionDeny    = "action.deny"
	frameShellExec     = "shell.exec"
	frameShellInput    = "shell.input"
	frameShellResize   = "shell.resize"
	frameShellKill     = "shell.kill"
	frameScreenCapture = "screen.capture"
	framePing          = "ping"
)

// Frame types, server → client.
const (
	frameChatToken          = "chat.token"
	frameChatDone           = "chat.done"
	frameChatError          = "chat.error"
	frameShellOutput        = "shell.output"
	frameShellExit          = "shell.exit"
	frameScreenFrame        = "screen.frame"
	frameNotificationAction = "notification.action"
	frameNotificationInfo   = "notification.info"
	framePong               = "pong"
	frameError              = "error"
)

// frame is the envelope for every message on the session socket, in both
// directions. ID correlates a response stream with the request that started
// it; server-initiated frames carry a fresh id.
type frame struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

func newFrame(frameType, id string, payload any) frame {
	if id == "" {
		id = newID("frm")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = json.RawMessage(`{}`)
	}
	return frame{
		Type:      frameType,
		ID:        id,
		Payload:   raw,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

type chatSendPayload struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Content        string `json:"content"`
}

type chatTokenPayload struct {
	ConversationID string `json:"conversation_id"`
	Token          string `json:"token"`
}

type chatDonePayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Content        string `json:"content"`
	Model          string `json:"model,omitempty"`
	TokensUsed     int    `json:"tokens_used,omitempty"`
}

type chatErrorPayload struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
}

type actionResolvePayload struct {
	ActionID string `json:"action_id"`
}

type shellExecPayload struct {
	TabID   string `json:"tab_id"`
	Command string `json:"command,omitempty"`
	Cols    int    `json:"cols,omitempty"`
	Rows    int    `json:"rows,omitempty"`
}

type shellInputPayload struct {
	TabID string `json:"tab_id"`
	Data  string `json:"data"`
}

type shellResizePayload struct {
	TabID string `json:"tab_id"`
	Cols  int    `json:"cols"`
	Rows  int    `json:"rows"`
}

type shellKillPayload struct {
	TabID string `json:"tab_id"`
}

type shellOutputPayload struct {
	TabID string `json:"tab_id"`
	Data  string `json:"data"`
}

type shellExitPayload struct {
	TabID    string `json:"tab_id"`
	ExitCode int    `json:"exit_code"`
	Signal   string `json:"signal,omitempty"`
}

type screenCapturePayload struct {
	Display int `json:"display,omitempty"`
}

type screenFramePayload struct {
	Image  string `json:"image"`
	Format string `json:"format"`
}

type notificationActionPayload struct {
	ActionID    string `json:"action_id"`
	Type        string `json:"type"`
	Tier        string `json:"tier"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type notificationInfoPayload struct {
	Message string `json:"message"`
}

type errorPayload struct {
	Message string `json:"message"`
}
