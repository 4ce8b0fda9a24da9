package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupkeeper/internal/transport"
)

type chatRecorder struct {
	mu   sync.Mutex
	sent []transport.Content
}

func (r *chatRecorder) SendMessage(_ context.Context, _ int64, c transport.Content) (transport.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, c)
	return transport.MessageRef{MessageID: len(r.sent)}, nil
}

func (r *chatRecorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.sent {
		out = append(out, c.Text)
	}
	return out
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "deletion"))
	log.Debug("hidden")
	log.Warn("deletion failed", Chat(-100, 7), Err(errors.New("forbidden")), Err(nil))

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "deletion failed", line["message"])
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "deletion", line["comp"])
	assert.Equal(t, float64(-100), line["chat_id"])
	assert.Equal(t, float64(7), line["message_id"])
	assert.Equal(t, "forbidden", line["err"])
	assert.Contains(t, line["caller"], "logx_test.go:")
	assert.False(t, log.Enabled(LevelDebug))
}

func TestWithDoesNotShareFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	base := NewWriter(&buf, "debug").With(String("a", "1"))
	_ = base.With(String("b", "2"))
	c := base.With(String("c", "3"))
	c.Info("x")
	assert.NotContains(t, buf.String(), `"b"`)
	assert.Contains(t, buf.String(), `"c":"3"`)
}

func TestZeroAndNop(t *testing.T) {
	t.Parallel()
	var zero Logger
	assert.True(t, zero.IsZero())
	assert.False(t, Nop().IsZero())
	zero.Error("dropped")
	Nop().Error("dropped")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	assert.Equal(t, LevelWarn, ParseLevel(" WARNING ", LevelInfo))
	assert.Equal(t, LevelTrace, ParseLevel("trace", LevelInfo))
	assert.Equal(t, LevelInfo, ParseLevel("verbose", LevelInfo))
}

func TestFormatChatLine(t *testing.T) {
	t.Parallel()
	got := formatChatLine([]byte(`{"level":"error","time":"x","caller":"engine.go:12","message":"deletion failed","type":"broadcast","chat_id":-100,"stack":"goroutine 1"}`))
	assert.Equal(t, "[ERROR] deletion failed\n- chat_id=-100\n- type=broadcast\n@ engine.go:12\ngoroutine 1", got)

	assert.Equal(t, "plain text", formatChatLine([]byte("  plain text\n")))

	long := formatChatLine([]byte(`{"level":"warn","message":"m","v":"` + strings.Repeat("é", 1000) + `"}`))
	assert.LessOrEqual(t, len(long), chatMaxLen)
	assert.True(t, strings.HasSuffix(long, "..."))
	assert.True(t, strings.ToValidUTF8(long, "?") == long)
}

func TestServiceChatOutput(t *testing.T) {
	rec := &chatRecorder{}
	svc, log := New(Config{Level: "debug", Chat: ChatConfig{Enabled: true, ChatID: -500, RatePerSec: 1}}, rec)
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("below the chat level")
	log.Warn("broadcast send failed", String("id", "b1"))
	log.Error("over the rate limit")

	require.Eventually(t, func() bool { return len(rec.texts()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, rec.texts()[0], "[WARN] broadcast send failed")
	assert.Contains(t, rec.texts()[0], "- id=b1")
	assert.Equal(t, uint64(1), svc.ChatDropped())

	// Reload without the chat output: nothing more is posted.
	svc.Apply(Config{Level: "debug", Console: true})
	log.Error("console only")
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.texts(), 1)
}

func TestServiceChatWithoutTarget(t *testing.T) {
	rec := &chatRecorder{}
	svc, log := New(Config{Chat: ChatConfig{Enabled: true}}, rec)
	log.Error("nowhere to go")
	require.NoError(t, svc.Close())
	assert.Empty(t, rec.texts())
}
