package transport

import "context"

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

// Message is an inbound chat message as seen by the core.
// FromID is 0 for messages authored by the bot itself.
type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

// MediaKind selects how Content.MediaRef is sent.
type MediaKind string

const (
	MediaNone     MediaKind = ""
	MediaPhoto    MediaKind = "photo"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
)

type Button struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// Content is everything a single outbound message can carry.
// At least one of Text, MediaRef or Buttons must be set.
type Content struct {
	Text      string    `json:"text,omitempty"`
	MediaRef  string    `json:"media_ref,omitempty"` // platform file id or URL
	MediaKind MediaKind `json:"media_kind,omitempty"`
	Buttons   []Button  `json:"buttons,omitempty"`
	ThreadID  int       `json:"thread_id,omitempty"`
	ParseMode string    `json:"parse_mode,omitempty"`
}

func (c Content) Empty() bool {
	return c.Text == "" && c.MediaRef == "" && len(c.Buttons) == 0
}

type MemberRole string

const (
	RoleCreator       MemberRole = "creator"
	RoleAdministrator MemberRole = "administrator"
	RoleMember        MemberRole = "member"
	RoleRestricted    MemberRole = "restricted"
	RoleLeft          MemberRole = "left"
	RoleKicked        MemberRole = "kicked"
)

type ChatMember struct {
	UserID int64
	Role   MemberRole
}

// IsAdmin reports whether the member can moderate the chat.
func (m ChatMember) IsAdmin() bool {
	return m.Role == RoleCreator || m.Role == RoleAdministrator
}

// Platform is the messaging-platform RPC surface used by the core.
// Errors are returned as *ClassifiedError whenever the adapter can tell what went wrong.
type Platform interface {
	SendMessage(ctx context.Context, chatID int64, c Content) (MessageRef, error)
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	GetChatMember(ctx context.Context, chatID, userID int64) (ChatMember, error)
}

// Adapter is a Platform that also delivers inbound updates.
type Adapter interface {
	Platform

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
	// BotID is the numeric id of the bot account (0 before Start).
	BotID() int64
}
