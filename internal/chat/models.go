package chat

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

func ValidRole(role string) bool {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// DefaultTitle is the placeholder title a session carries until its first
// user message arrives.
const DefaultTitle = "New Chat"

type Session struct {
	ID        string    `gorm:"primaryKey;size:26" json:"id"`
	UserID    uint64    `gorm:"index;not null" json:"-"`
	Title     string    `gorm:"size:191;not null" json:"title"`
	Model     string    `gorm:"type:varchar(32);not null" json:"model"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Session) TableName() string { return "chat_sessions" }

type Message struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID      string    `gorm:"size:26;not null;index:idx_chat_msg_user_session,priority:2;index:uniq_chat_msg_idempo,unique,priority:2" json:"chat_id"`
	UserID         uint64    `gorm:"not null;index:idx_chat_msg_user_session,priority:1;index:uniq_chat_msg_idempo,unique,priority:1" json:"-"`
	Role           string    `gorm:"type:varchar(16);index;not null" json:"role"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	IdempotencyKey *string   `gorm:"type:varchar(128);index:uniq_chat_msg_idempo,unique,priority:3" json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }
