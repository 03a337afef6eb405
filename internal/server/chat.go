package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PromptedProjects/FutureBuddy/internal/provider"
)

type Conversation struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type ChatMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role"`
	Content        string `json:"content"`
	Model          string `json:"model,omitempty"`
	TokensUsed     int    `json:"tokens_used,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// startChat begins a generation for one chat.send frame. A second chat.send
// while a stream is in flight cancels the first; the superseded stream
// terminates itself with a single chat.error, so every stream still ends
// with exactly one terminal frame.
func (a *App) startChat(c *liveConn, frameID string, p chatSendPayload) {
	ctx, cancel := context.WithCancel(context.Background())

	c.chatMu.Lock()
	if c.chatCancel != nil {
		c.chatCancel()
	}
	c.chatCancel = cancel
	c.chatFrame = frameID
	c.chatMu.Unlock()

	go func() {
		defer func() {
			c.chatMu.Lock()
			if c.chatFrame == frameID {
				c.chatCancel = nil
				c.chatFrame = ""
			}
			c.chatMu.Unlock()
			cancel()
		}()
		a.runChat(ctx, c, frameID, p)
	}()
}

// runChat persists the user message, streams the reply token by token, and
// finishes with chat.done or chat.error. The terminal frame is sent from
// here and nowhere else.
func (a *App) runChat(ctx context.Context, c *liveConn, frameID string, p chatSendPayload) {
	convID, err := a.ensureConversation(ctx, p.ConversationID, p.Content)
	if err != nil {
		a.logger.Error("chat setup failed", "error", err)
		a.sendChatError(c, frameID, p.ConversationID, "failed to start conversation")
		return
	}

	if _, err := a.insertMessage(ctx, convID, "user", p.Content, "", 0); err != nil {
		a.logger.Error("persist user message failed", "error", err)
		a.sendChatError(c, frameID, convID, "failed to record message")
		return
	}

	history, err := a.conversationHistory(ctx, convID, chatHistoryLimit)
	if err != nil {
		a.logger.Error("load history failed", "error", err)
		a.sendChatError(c, frameID, convID, "failed to load conversation history")
		return
	}

	result, err := a.provider.Stream(ctx, provider.Request{
		ConversationID: convID,
		Messages:       history,
	}, func(token string) error {
		return c.send(ctx, newFrame(frameChatToken, frameID, chatTokenPayload{
			ConversationID: convID,
			Token:          token,
		}))
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			msg := "cancelled"
			c.chatMu.Lock()
			if c.chatFrame != "" && c.chatFrame != frameID {
				msg = "superseded"
			}
			c.chatMu.Unlock()
			a.sendChatError(c, frameID, convID, msg)
			return
		}
		a.logger.Error("chat stream failed", "conversation_id", convID, "error", err)
		a.sendChatError(c, frameID, convID, "generation failed")
		return
	}

	msgID, err := a.insertMessage(context.Background(), convID, "assistant", result.Content, result.Model, result.TokensUsed)
	if err != nil {
		a.logger.Error("persist assistant message failed", "error", err)
		a.sendChatError(c, frameID, convID, "failed to record reply")
		return
	}

	_ = c.send(context.Background(), newFrame(frameChatDone, frameID, chatDonePayload{
		ConversationID: convID,
		MessageID:      msgID,
		Content:        result.Content,
		Model:          result.Model,
		TokensUsed:     result.TokensUsed,
	}))
}

func (a *App) sendChatError(c *liveConn, frameID, convID, message string) {
	_ = c.send(context.Background(), newFrame(frameChatError, frameID, chatErrorPayload{
		ConversationID: convID,
		Message:        message,
	}))
}

// ensureConversation resolves or creates the conversation for a chat.send.
// A new conversation takes its title from the first message, truncated on a
// rune boundary.
func (a *App) ensureConversation(ctx context.Context, convID, firstMessage string) (string, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if convID != "" {
		var id string
		err := a.db.QueryRowContext(ctx, `SELECT id FROM conversations WHERE id = ?`, convID).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("conversation %s not found", convID)
		}
		if err != nil {
			return "", err
		}
		_, err = a.db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, now, id)
		return id, err
	}

	id := newID("conv")
	if _, err := a.db.ExecContext(ctx, `
		INSERT INTO conversations(id, title, created_at, updated_at)
		VALUES(?, ?, ?, ?)
	`, id, conversationTitle(firstMessage), now, now); err != nil {
		return "", err
	}
	return id, nil
}

func (a *App) insertMessage(ctx context.Context, convID, role, content, model string, tokensUsed int) (string, error) {
	id := newID("msg")
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := a.db.ExecContext(ctx, `
		INSERT INTO messages(id, conversation_id, role, content, model, tokens_used, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
	`, id, convID, role, content, model, tokensUsed, now); err != nil {
		return "", err
	}
	if _, err := a.db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, now, convID); err != nil {
		return "", err
	}
	return id, nil
}

// conversationHistory returns the most recent messages in chronological
// order, capped at limit so long conversations stay inside the model's
// context.
func (a *App) conversationHistory(ctx context.Context, convID string, limit int) ([]provider.Message, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT role, content FROM (
			SELECT role, content, created_at FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC
			LIMIT ?
		) ORDER BY created_at ASC
	`, convID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := make([]provider.Message, 0, limit)
	for rows.Next() {
		var m provider.Message
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, err
		}
		history = append(history, m)
	}
	return history, rows.Err()
}

func (a *App) listConversations(ctx context.Context) ([]Conversation, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, title, created_at, updated_at FROM conversations
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	convs := make([]Conversation, 0)
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

func (a *App) listMessages(ctx context.Context, convID string) ([]ChatMessage, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, model, tokens_used, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC
	`, convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := make([]ChatMessage, 0)
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Model, &m.TokensUsed, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func conversationTitle(firstMessage string) string {
	title := strings.TrimSpace(firstMessage)
	if title == "" {
		return "New conversation"
	}
	if utf8.RuneCountInString(title) <= conversationTitleLimit {
		return title
	}
	runes := []rune(title)
	return string(runes[:conversationTitleLimit-1]) + "…"
}
