package dispatch

import (
	"strconv"
	"strings"
	"time"

	"chatpush/internal/push"
)

const (
	ChannelID = "chat_message_channel"
	Priority  = "high"

	MessageTypeText  = "text"
	MessageTypeImage = "image"
	MessageTypeFile  = "file"

	imageBody = "Te envió una imagen"
	fileBody  = "Te envió un archivo"
)

// Event is a newly created chat message addressed to RecipientID.
type Event struct {
	SenderID       string    `json:"senderId"`
	SenderName     string    `json:"senderName"`
	RecipientID    string    `json:"receiverId"`
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId,omitempty"`
	Text           string    `json:"text"`
	MessageType    string    `json:"messageType,omitempty"`
	CreatedAt      time.Time `json:"createdAt,omitempty"`
}

func (e Event) Validate() error {
	if strings.TrimSpace(e.RecipientID) == "" {
		return ErrNoRecipient
	}
	return nil
}

// BuildMessage renders the notification for ev. The endpoint is filled in
// per attempt.
func BuildMessage(ev Event, now time.Time) push.Message {
	kind := ev.MessageType
	if kind == "" {
		kind = MessageTypeText
	}
	ts := ev.CreatedAt
	if ts.IsZero() {
		ts = now
	}
	return push.Message{
		Notification: push.Notification{
			Title: ev.SenderName + " te envió un mensaje",
			Body:  body(ev.Text, kind),
		},
		Data: map[string]string{
			"senderId":       ev.SenderID,
			"senderName":     ev.SenderName,
			"conversationId": ev.ConversationID,
			"messageType":    kind,
			"timestamp":      strconv.FormatInt(ts.UnixMilli(), 10),
		},
		Android: push.Android{ChannelID: ChannelID, Priority: Priority},
	}
}

func body(text, kind string) string {
	if strings.TrimSpace(text) != "" {
		return text
	}
	// Empty bodies are media; only known non-image types say otherwise.
	if kind == MessageTypeFile {
		return fileBody
	}
	return imageBody
}
