package ws

import (
	"encoding/json"
	"time"

	"github.com/pliu/relaychat/internal/models"
)

// Frame types exchanged over the socket.
const (
	TypeJoinChat       = "join_chat"
	TypeSendMessage    = "send_message"
	TypeJoinedChat     = "joined_chat"
	TypeReceiveMessage = "receive_message"
	TypeError          = "error"
)

// Error codes carried by error frames.
const (
	CodeInvalidFrame   = "invalid_frame"
	CodeInvalidPayload = "invalid_payload"
	CodeUnsupported    = "unsupported_type"
	CodeRateLimited    = "rate_limited"
)

// createdAtLayout is ISO-8601 in UTC with millisecond precision.
const createdAtLayout = "2006-01-02T15:04:05.000Z07:00"

// Frame is the envelope of every websocket message.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type JoinChatPayload struct {
	OtherUserID string `json:"otherUserId"`
}

type SendMessagePayload struct {
	OtherUserID string `json:"otherUserId"`
	Text        string `json:"text"`
}

type JoinedChatPayload struct {
	RoomID string `json:"roomId"`
}

// ReceiveMessagePayload is the wire form of models.Message.
type ReceiveMessagePayload struct {
	RoomID     string `json:"roomId"`
	FromUserID string `json:"fromUserId"`
	ToUserID   string `json:"toUserId"`
	Text       string `json:"text"`
	CreatedAt  string `json:"createdAt"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func encodeFrame(frameType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: frameType, Payload: raw})
}

func messageFrame(m models.Message) ([]byte, error) {
	return encodeFrame(TypeReceiveMessage, ReceiveMessagePayload{
		RoomID:     m.RoomID,
		FromUserID: m.FromUserID,
		ToUserID:   m.ToUserID,
		Text:       m.Text,
		CreatedAt:  m.CreatedAt.UTC().Format(createdAtLayout),
	})
}

func errorFrame(code, message string) []byte {
	b, _ := encodeFrame(TypeError, ErrorPayload{Code: code, Message: message})
	return b
}

// timestamp normalizes t to the precision carried on the wire.
func timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
