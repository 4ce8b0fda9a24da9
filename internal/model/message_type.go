package model

import (
	"fmt"
	"strings"
	"time"
)

// MessageType tags a bot message with the auto-delete timeout class it belongs to.
type MessageType int

const (
	TypeDefault MessageType = iota
	TypeCommand
	TypeKeyword
	TypeBroadcast
	TypeRanking
	TypeError
	TypeWarning
	TypeHelp
	TypeFeedback
	TypeInteraction

	messageTypeCount
)

var messageTypeNames = [messageTypeCount]string{
	TypeDefault:     "default",
	TypeCommand:     "command",
	TypeKeyword:     "keyword",
	TypeBroadcast:   "broadcast",
	TypeRanking:     "ranking",
	TypeError:       "error",
	TypeWarning:     "warning",
	TypeHelp:        "help",
	TypeFeedback:    "feedback",
	TypeInteraction: "interaction",
}

// defaultTimeouts is used when neither the group nor the process config sets a timeout.
var defaultTimeouts = [messageTypeCount]time.Duration{
	TypeDefault:     5 * time.Minute,
	TypeCommand:     5 * time.Minute,
	TypeKeyword:     5 * time.Minute,
	TypeBroadcast:   24 * time.Hour,
	TypeRanking:     5 * time.Minute,
	TypeError:       time.Minute,
	TypeWarning:     time.Minute,
	TypeHelp:        5 * time.Minute,
	TypeFeedback:    5 * time.Minute,
	TypeInteraction: 5 * time.Minute,
}

func (t MessageType) String() string {
	if t < 0 || t >= messageTypeCount {
		return fmt.Sprintf("MessageType(%d)", int(t))
	}
	return messageTypeNames[t]
}

func (t MessageType) Valid() bool { return t >= 0 && t < messageTypeCount }

// DefaultTimeout returns the built-in timeout for t.
func (t MessageType) DefaultTimeout() time.Duration {
	if !t.Valid() {
		return defaultTimeouts[TypeDefault]
	}
	return defaultTimeouts[t]
}

// ParseMessageType maps a config/storage name back to its MessageType.
func ParseMessageType(s string) (MessageType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range messageTypeNames {
		if name == s {
			return MessageType(i), nil
		}
	}
	return TypeDefault, fmt.Errorf("unknown message type %q", s)
}

// MessageTypes lists every type in declaration order.
func MessageTypes() []MessageType {
	out := make([]MessageType, 0, messageTypeCount)
	for i := MessageType(0); i < messageTypeCount; i++ {
		out = append(out, i)
	}
	return out
}

func (t MessageType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid message type %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *MessageType) UnmarshalText(b []byte) error {
	v, err := ParseMessageType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
