// Package fake provides an in-memory transport.Platform for tests.
package fake

import (
	"context"
	"sync"

	"groupkeeper/internal/transport"
)

type Sent struct {
	ChatID  int64
	Content transport.Content
	Ref     transport.MessageRef
}

type Deleted struct {
	ChatID    int64
	MessageID int
}

// Platform records every call. Hooks, when set, decide the outcome of a call.
type Platform struct {
	mu      sync.Mutex
	nextID  int
	sent    []Sent
	deleted []Deleted
	members map[[2]int64]transport.ChatMember

	memberCalls int
	sendCalls   int

	// SendHook returns the error for the n-th send call (1-based, failures included).
	SendHook func(n int, chatID int64, c transport.Content) error
	// DeleteHook returns the error for a delete attempt.
	DeleteHook func(chatID int64, messageID int) error
	// MemberErr, when set, fails every GetChatMember call.
	MemberErr error

	// Deletes receives every successful delete when non-nil.
	Deletes chan Deleted
}

func NewPlatform() *Platform {
	return &Platform{nextID: 1000, members: map[[2]int64]transport.ChatMember{}}
}

func (p *Platform) SetMember(chatID int64, m transport.ChatMember) {
	p.mu.Lock()
	p.members[[2]int64{chatID, m.UserID}] = m
	p.mu.Unlock()
}

func (p *Platform) SendMessage(_ context.Context, chatID int64, c transport.Content) (transport.MessageRef, error) {
	p.mu.Lock()
	p.sendCalls++
	n := p.sendCalls
	hook := p.SendHook
	p.mu.Unlock()
	if hook != nil {
		if err := hook(n, chatID, c); err != nil {
			return transport.MessageRef{}, err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	ref := transport.MessageRef{ChatID: chatID, ThreadID: c.ThreadID, MessageID: p.nextID}
	p.sent = append(p.sent, Sent{ChatID: chatID, Content: c, Ref: ref})
	return ref, nil
}

func (p *Platform) DeleteMessage(_ context.Context, chatID int64, messageID int) error {
	p.mu.Lock()
	hook := p.DeleteHook
	p.mu.Unlock()
	if hook != nil {
		if err := hook(chatID, messageID); err != nil {
			return err
		}
	}
	d := Deleted{ChatID: chatID, MessageID: messageID}
	p.mu.Lock()
	p.deleted = append(p.deleted, d)
	ch := p.Deletes
	p.mu.Unlock()
	if ch != nil {
		ch <- d
	}
	return nil
}

func (p *Platform) GetChatMember(_ context.Context, chatID, userID int64) (transport.ChatMember, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.memberCalls++
	if p.MemberErr != nil {
		return transport.ChatMember{}, p.MemberErr
	}
	if m, ok := p.members[[2]int64{chatID, userID}]; ok {
		return m, nil
	}
	return transport.ChatMember{UserID: userID, Role: transport.RoleMember}, nil
}

func (p *Platform) Sent() []Sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Sent(nil), p.sent...)
}

func (p *Platform) Deleted() []Deleted {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Deleted(nil), p.deleted...)
}

func (p *Platform) MemberCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.memberCalls
}
