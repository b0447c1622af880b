package models

import "time"

type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// OTP is a pending one-time code. CodeHash is the bcrypt hash of the code;
// the plain code is never stored.
type OTP struct {
	Email     string
	CodeHash  []byte
	ExpiresAt time.Time
}

// Expired reports whether the code is past its validity window at now.
func (o *OTP) Expired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

type Message struct {
	RoomID     string    `json:"roomId"`
	FromUserID string    `json:"fromUserId"`
	ToUserID   string    `json:"toUserId"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"createdAt"`
}
