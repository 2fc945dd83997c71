package engine

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/maxpert/syncbridge/common"
	"github.com/maxpert/syncbridge/counter"
	"github.com/maxpert/syncbridge/encoding"
	"github.com/maxpert/syncbridge/mirror"
	"github.com/rs/zerolog/log"
)

const (
	MaxMessageRunes = 4000
	MaxAttachments  = 10
)

// Attachment references an uploaded file; the bytes live elsewhere
type Attachment struct {
	Name        string
	URL         string
	ContentType string
	Size        int64
}

func (a Attachment) payload() map[string]interface{} {
	return map[string]interface{}{
		"name":        a.Name,
		"url":         a.URL,
		"contentType": a.ContentType,
		"size":        a.Size,
	}
}

// Message is a stored chat message
type Message struct {
	ID          string
	ChatID      string
	SenderID    string
	Text        string
	Attachments []Attachment
	SentAt      int64  // unix ms, mirror clock
	EventSeq    uint64 // seq of the chat.sent event, 0 if it was not appended
}

// SendChatMessage appends a message under chats/{chat}/messages, updates the
// chat summary and the unread counters of the other participants, then
// publishes chat.sent. The message is durable once the push succeeds: a later
// failure to append the event is returned together with the stored message.
func (e *Engine) SendChatMessage(ctx context.Context, caller common.Caller, chatID, senderID, text string, attachments ...Attachment) (Message, error) {
	if err := e.guard(ctx, caller, ActionChatSend, chatID); err != nil {
		return Message{}, err
	}
	if err := validateMessage(chatID, senderID, text, attachments); err != nil {
		return Message{}, err
	}

	files := make([]interface{}, 0, len(attachments))
	for _, a := range attachments {
		files = append(files, a.payload())
	}

	pushCtx, cancel := e.storeCtx(ctx)
	id, node, err := e.mirror.Push(pushCtx, common.ChatMessagesPath(chatID), mirror.Write{
		Data: common.Payload{
			"senderId":    senderID,
			"text":        text,
			"attachments": files,
			"sentAt":      mirror.ServerTimestamp,
		},
		Origin: common.OriginPrimary,
	})
	cancel()
	if err != nil {
		return Message{}, fmt.Errorf("store message in %s: %w", chatID, err)
	}

	sentAt, ok := encoding.ToInt64(node.Data["sentAt"])
	if !ok {
		sentAt = node.MirroredAt.UnixMilli()
	}
	msg := Message{
		ID:          id,
		ChatID:      chatID,
		SenderID:    senderID,
		Text:        text,
		Attachments: attachments,
		SentAt:      sentAt,
	}

	e.updateChatSummary(ctx, msg)

	ev, err := e.fanout.Publish(ctx, common.Event{
		Kind:      common.KindChatSent,
		SubjectID: chatID,
		Data: common.Payload{
			"chatId":      chatID,
			"messageId":   id,
			"senderId":    senderID,
			"text":        text,
			"attachments": int64(len(attachments)),
		},
	})
	if err != nil {
		return msg, err
	}
	msg.EventSeq = ev.Seq
	return msg, nil
}

// updateChatSummary is best effort: the message itself is already stored
func (e *Engine) updateChatSummary(ctx context.Context, msg Message) {
	setCtx, cancel := e.storeCtx(ctx)
	defer cancel()
	if _, err := e.mirror.Set(setCtx, common.ChatLastMessagePath(msg.ChatID), mirror.Write{
		Data: common.Payload{
			"messageId": msg.ID,
			"senderId":  msg.SenderID,
			"text":      msg.Text,
			"sentAt":    msg.SentAt,
		},
		Origin: common.OriginPrimary,
	}); err != nil {
		log.Warn().Err(err).Str("chat", msg.ChatID).Msg("Failed to update last message")
	}

	if err := e.join(ctx, msg.ChatID, msg.SenderID); err != nil {
		log.Warn().Err(err).Str("chat", msg.ChatID).Str("user", msg.SenderID).Msg("Failed to register sender")
	}

	listCtx, cancelList := e.storeCtx(ctx)
	participants, err := e.mirror.ChildKeys(listCtx, common.ChatParticipantsPath(msg.ChatID))
	cancelList()
	if err != nil {
		log.Warn().Err(err).Str("chat", msg.ChatID).Msg("Failed to list participants")
		return
	}
	for _, user := range participants {
		if user == msg.SenderID {
			continue
		}
		if _, err := e.counter.Apply(ctx, common.ChatUnreadPath(msg.ChatID, user), 1, counter.StockClamp()); err != nil {
			log.Warn().Err(err).Str("chat", msg.ChatID).Str("user", user).Msg("Failed to bump unread counter")
		}
	}
}

// JoinChat adds userID to the participants of chatID
func (e *Engine) JoinChat(ctx context.Context, caller common.Caller, chatID, userID string) error {
	if err := e.guard(ctx, caller, ActionChatJoin, chatID); err != nil {
		return err
	}
	if err := common.ValidateSegment("chat", chatID); err != nil {
		return err
	}
	if err := common.ValidateSegment("user", userID); err != nil {
		return err
	}
	return e.join(ctx, chatID, userID)
}

// join is idempotent: an existing participant keeps its joinedAt
func (e *Engine) join(ctx context.Context, chatID, userID string) error {
	path := common.JoinPath(common.ChatParticipantsPath(chatID), userID)
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	_, _, err := e.mirror.Transaction(ctx, path, func(cur mirror.Node) (mirror.Write, bool, error) {
		if cur.Exists() {
			return mirror.Write{}, true, nil
		}
		return mirror.Write{
			Data:   common.Payload{"joinedAt": mirror.ServerTimestamp},
			Origin: common.OriginPrimary,
		}, false, nil
	})
	return err
}

// MarkChatRead resets the unread counter of userID in chatID
func (e *Engine) MarkChatRead(ctx context.Context, caller common.Caller, chatID, userID string) error {
	if err := e.guard(ctx, caller, ActionChatRead, chatID); err != nil {
		return err
	}
	if err := common.ValidateSegment("chat", chatID); err != nil {
		return err
	}
	if err := common.ValidateSegment("user", userID); err != nil {
		return err
	}
	_, err := e.counter.Reset(ctx, common.ChatUnreadPath(chatID, userID))
	return err
}

// UnreadCount returns the unread counter of userID in chatID
func (e *Engine) UnreadCount(ctx context.Context, chatID, userID string) (int64, error) {
	return e.counter.Value(ctx, common.ChatUnreadPath(chatID, userID))
}

func validateMessage(chatID, senderID, text string, attachments []Attachment) error {
	if err := common.ValidateSegment("chat", chatID); err != nil {
		return err
	}
	if err := common.ValidateSegment("sender", senderID); err != nil {
		return err
	}
	if text == "" && len(attachments) == 0 {
		return common.Invalid("message", "", "needs text or attachments")
	}
	if !utf8.ValidString(text) {
		return common.Invalid("text", "", "must be valid UTF-8")
	}
	if n := utf8.RuneCountInString(text); n > MaxMessageRunes {
		return common.Invalid("text", "", fmt.Sprintf("has %d characters, limit is %d", n, MaxMessageRunes))
	}
	if len(attachments) > MaxAttachments {
		return common.Invalid("attachments", "", fmt.Sprintf("limit is %d", MaxAttachments))
	}
	for _, a := range attachments {
		if a.URL == "" {
			return common.Invalid("attachment", a.Name, "url is required")
		}
	}
	return nil
}
