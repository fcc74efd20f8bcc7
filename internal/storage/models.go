package storage

import "time"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"

	ParticipantOwner  = "owner"
	ParticipantMember = "member"

	MaxTitleLength = 255
)

type Conversation struct {
	ID           int64
	Title        string
	PromptID     *int64
	CreatedAt    time.Time
	Exchanges    []Exchange
	Participants []Participant
}

// Exchange is one message turn. Rows are append-only.
type Exchange struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	UserID         *int64    `json:"user_id,omitempty"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
	Author         *string   `json:"author,omitempty"`
}

type Participant struct {
	ID             int64
	ConversationID int64
	UserID         int64
	Handle         string
	Role           string
	JoinedAt       time.Time
}

type User struct {
	ID           int64
	Handle       string
	PasswordHash string
}

type Prompt struct {
	ID      int64
	Name    string
	Content string
	Version int
}

type Session struct {
	ID             int64
	UserID         int64
	ConnectedAt    time.Time
	DisconnectedAt *time.Time
}

type NewConversation struct {
	Title string
	// Personalization is a prompt name or numeric id; blank means none.
	Personalization string
	OwnerID         int64
}

type TopicCount struct {
	Topic string
	Count int
}
