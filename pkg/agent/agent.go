// Package agent orchestrates one conversational turn: resolve the
// session, build the upstream context, and record the exchange.
package agent

import (
	"context"
	"fmt"

	"github.com/voxlab/voicebot/pkg/logger"
	"github.com/voxlab/voicebot/pkg/session"
	"github.com/voxlab/voicebot/pkg/upstream"
	"github.com/voxlab/voicebot/pkg/utils"
)

// Reply is the outcome of one turn.
type Reply struct {
	Text       string
	SessionID  string
	TokensUsed int
}

// Agent drives conversations against a chat provider.
type Agent struct {
	sessions *session.Store
	chat     upstream.ChatProvider
}

func New(sessions *session.Store, chat upstream.ChatProvider) *Agent {
	return &Agent{sessions: sessions, chat: chat}
}

// Respond runs one turn. The returned SessionID may differ from the
// given one when the session was absent or expired.
func (a *Agent) Respond(ctx context.Context, sessionID, userText string) (*Reply, error) {
	sess, id := a.sessions.GetOrCreate(sessionID)

	messages := buildMessages(sess.Turns, userText)

	result, err := a.chat.Chat(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("session %s (input %q): %w", id, utils.Truncate(userText, 80), err)
	}

	tokens := int(result.TotalTokens)
	if !a.sessions.AppendExchange(id, userText, result.Content, tokens) {
		// session expired between resolve and append; re-home the
		// exchange so the reply is not lost
		_, id = a.sessions.GetOrCreate("")
		a.sessions.AppendExchange(id, userText, result.Content, tokens)
		logger.WarnCF("agent", "Session expired mid-turn, re-homed exchange", map[string]any{
			"session_id": id,
		})
	}

	logger.InfoCF("agent", "Turn complete", map[string]any{
		"session_id": id,
		"tokens":     tokens,
		"history":    len(sess.Turns),
	})

	return &Reply{
		Text:       result.Content,
		SessionID:  id,
		TokensUsed: tokens,
	}, nil
}

func buildMessages(turns []session.Turn, userText string) []upstream.Message {
	messages := make([]upstream.Message, 0, len(turns)+2)
	messages = append(messages, upstream.Message{Role: upstream.RoleSystem, Content: systemPrompt})
	for _, turn := range turns {
		messages = append(messages, upstream.Message{Role: turn.Role, Content: turn.Content})
	}
	messages = append(messages, upstream.Message{Role: upstream.RoleUser, Content: userText})
	return messages
}
