package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"groupkeeper/internal/transport"
)

// ChatSender posts a message to a chat. transport.Platform satisfies it.
type ChatSender interface {
	SendMessage(ctx context.Context, chatID int64, c transport.Content) (transport.MessageRef, error)
}

const (
	chatQueueSize   = 256
	chatSendTimeout = 10 * time.Second
	// Telegram caps a message at 4096 characters.
	chatMaxLen   = 3500
	chatFieldLen = 600
	chatStackLen = 900
)

type chatLine struct {
	chatID   int64
	threadID int
	text     string
}

// chatSink is the zerolog writer behind the log chat output. Writes never
// block: a line is formatted, rate limited and queued for a single worker.
type chatSink struct {
	sender ChatSender
	queue  chan chatLine

	mu       sync.Mutex
	chatID   int64
	threadID int
	minLevel Level
	limiter  *rate.Limiter

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}

	dropped atomic.Uint64
}

func newChatSink(sender ChatSender) *chatSink {
	return &chatSink{sender: sender, queue: make(chan chatLine, chatQueueSize), done: make(chan struct{})}
}

func (c *chatSink) configure(cfg ChatConfig) {
	rps := max(1, cfg.RatePerSec)
	c.mu.Lock()
	c.chatID = cfg.ChatID
	c.threadID = cfg.ThreadID
	c.minLevel = ParseLevel(cfg.MinLevel, LevelWarn)
	c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	c.mu.Unlock()

	if cfg.Enabled && c.sender != nil {
		c.startOnce.Do(func() {
			ctx, cancel := context.WithCancel(context.Background())
			c.cancel = cancel
			go c.run(ctx)
		})
	}
}

func (c *chatSink) run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case l := <-c.queue:
			sctx, cancel := context.WithTimeout(ctx, chatSendTimeout)
			_, _ = c.sender.SendMessage(sctx, l.chatID, transport.Content{Text: l.text, ThreadID: l.threadID})
			cancel()
		}
	}
}

func (c *chatSink) stop() {
	c.stopOnce.Do(func() {
		// No worker can start once stop has run.
		c.startOnce.Do(func() {})
		if c.cancel != nil {
			c.cancel()
			<-c.done
		}
	})
}

func (c *chatSink) Write(p []byte) (int, error) { return c.WriteLevel(LevelInfo, p) }

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	chatID, threadID, minLevel, lim := c.chatID, c.threadID, c.minLevel, c.limiter
	c.mu.Unlock()

	if chatID == 0 || c.sender == nil || level < minLevel {
		return len(p), nil
	}
	if lim != nil && !lim.Allow() {
		c.dropped.Add(1)
		return len(p), nil
	}
	text := formatChatLine(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case c.queue <- chatLine{chatID: chatID, threadID: threadID, text: text}:
	default:
		c.dropped.Add(1)
	}
	return len(p), nil
}

// formatChatLine turns a zerolog JSON line into a short chat message:
//
//	[WARN] deletion failed
//	- chat_id=-100123
//	- err=forbidden
//
// Fields are sorted by key, the caller goes last and a stack is cut short.
// Input that is not JSON is sent as is.
func formatChatLine(p []byte) string {
	p = bytes.TrimSpace(p)
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return clip(string(p), chatMaxLen)
	}

	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName, zerolog.CallerFieldName, "stack":
			continue
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(m[k]), chatFieldLen))
	}
	if caller, _ := m[zerolog.CallerFieldName].(string); caller != "" {
		fmt.Fprintf(&b, "\n@ %s", caller)
	}
	if stack, ok := m["stack"]; ok {
		fmt.Fprintf(&b, "\n%s", clip(fmt.Sprint(stack), chatStackLen))
	}
	return clip(b.String(), chatMaxLen)
}

// clip cuts s to at most n bytes on a rune boundary.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
