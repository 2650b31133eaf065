package domain

type MessageID string

const (
	MaxMessageLen     = 2000
	MaxClientMsgIDLen = 128
)

// Message is the raw wire/storage shape. Seq is the room-scoped total
// order; consumers must order and dedupe by Seq and ID, never by arrival.
type Message struct {
	Seq      int64     `json:"seq"`
	ID       MessageID `json:"id"`
	TS       int64     `json:"ts"`
	From     string    `json:"from"`
	FromID   MemberID  `json:"fromId"`
	Avatar   string    `json:"avatar,omitempty"`
	Text     string    `json:"text"`
	ServerID string    `json:"serverId"`
}

// DisplayMessage is the field-renamed variant some clients consume.
// Semantically identical to Message; keep the two in sync.
type DisplayMessage struct {
	ID         MessageID `json:"id"`
	SenderID   MemberID  `json:"senderId"`
	SenderName string    `json:"senderName"`
	Avatar     string    `json:"avatar,omitempty"`
	Content    string    `json:"content"`
	Timestamp  int64     `json:"timestamp"`
	Seq        int64     `json:"seq"`
}

func (m Message) Display() DisplayMessage {
	return DisplayMessage{
		ID:         m.ID,
		SenderID:   m.FromID,
		SenderName: m.From,
		Avatar:     m.Avatar,
		Content:    m.Text,
		Timestamp:  m.TS,
		Seq:        m.Seq,
	}
}
