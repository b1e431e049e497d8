package wa

import (
	"github.com/matheus3301/wafleet/internal/conn"
	"github.com/matheus3301/wafleet/internal/store"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waWeb"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// ParsedMessage is a normalized message ready for ingestion.
type ParsedMessage struct {
	ChatJID     string
	MsgID       string
	SenderJID   string
	SenderName  string
	Body        string
	MessageType string
	FromMe      bool
	Timestamp   int64
}

// NormalizeJID strips the device and agent parts so the same peer maps to one
// thread no matter which of its devices sent a message. Unparseable input is
// returned as is.
func NormalizeJID(jid string) string {
	if jid == "" {
		return ""
	}
	parsed, err := types.ParseJID(jid)
	if err != nil || parsed.User == "" {
		return jid
	}
	return parsed.ToNonAD().String()
}

// ParseLiveMessage normalizes a live whatsmeow message event.
func ParseLiveMessage(evt *events.Message) *ParsedMessage {
	return &ParsedMessage{
		ChatJID:     evt.Info.Chat.ToNonAD().String(),
		MsgID:       evt.Info.ID,
		SenderJID:   evt.Info.Sender.ToNonAD().String(),
		SenderName:  evt.Info.PushName,
		Body:        extractTextBody(evt.Message),
		MessageType: detectMessageType(evt.Message),
		FromMe:      evt.Info.IsFromMe,
		Timestamp:   evt.Info.Timestamp.UnixMilli(),
	}
}

// ParseHistoryMessage normalizes one message of a history sync conversation.
// Returns nil for entries without content.
func ParseHistoryMessage(chatJID string, wmsg *waWeb.WebMessageInfo) *ParsedMessage {
	if wmsg == nil || wmsg.GetMessage() == nil {
		return nil
	}
	key := wmsg.GetKey()
	sender := key.GetParticipant()
	if sender == "" && !key.GetFromMe() {
		sender = chatJID
	}
	return &ParsedMessage{
		ChatJID:     NormalizeJID(chatJID),
		MsgID:       key.GetID(),
		SenderJID:   NormalizeJID(sender),
		SenderName:  wmsg.GetPushName(),
		Body:        extractTextBody(wmsg.GetMessage()),
		MessageType: detectMessageType(wmsg.GetMessage()),
		FromMe:      key.GetFromMe(),
		Timestamp:   int64(wmsg.GetMessageTimestamp()) * 1000,
	}
}

// ToStoreMessage converts a ParsedMessage into a stored message of accountID.
func (p *ParsedMessage) ToStoreMessage(accountID, source string) *store.Message {
	direction, status := store.DirectionIn, "received"
	if p.FromMe {
		direction, status = store.DirectionOut, "sent"
	}
	return &store.Message{
		ThreadID:         store.ThreadID(accountID, p.ChatJID),
		AccountID:        accountID,
		NetworkMessageID: p.MsgID,
		Direction:        direction,
		Sender:           p.SenderJID,
		Body:             p.Body,
		MessageType:      p.MessageType,
		Status:           status,
		Source:           source,
		Timestamp:        p.Timestamp,
	}
}

// ToHistoryMessage converts a ParsedMessage into a history fetch result.
func (p *ParsedMessage) ToHistoryMessage() conn.HistoryMessage {
	return conn.HistoryMessage{
		NetworkMessageID: p.MsgID,
		FromMe:           p.FromMe,
		Sender:           p.SenderJID,
		Body:             p.Body,
		MessageType:      p.MessageType,
		Timestamp:        p.Timestamp,
	}
}

func extractTextBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if img := msg.GetImageMessage(); img != nil {
		return img.GetCaption()
	}
	if vid := msg.GetVideoMessage(); vid != nil {
		return vid.GetCaption()
	}
	return ""
}

func detectMessageType(msg *waE2E.Message) string {
	if msg == nil {
		return "unknown"
	}
	switch {
	case msg.GetConversation() != "" || msg.GetExtendedTextMessage() != nil:
		return "text"
	case msg.GetImageMessage() != nil:
		return "image"
	case msg.GetVideoMessage() != nil:
		return "video"
	case msg.GetAudioMessage() != nil:
		return "audio"
	case msg.GetDocumentMessage() != nil:
		return "document"
	case msg.GetStickerMessage() != nil:
		return "sticker"
	case msg.GetContactMessage() != nil:
		return "contact"
	case msg.GetLocationMessage() != nil:
		return "location"
	default:
		return "unknown"
	}
}
