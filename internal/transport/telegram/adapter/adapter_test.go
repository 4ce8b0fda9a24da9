package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"groupkeeper/internal/observability"
	kit "groupkeeper/internal/transport"
	logx "groupkeeper/pkg/logx"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		err   error
		kind  kit.ErrorKind
		after time.Duration
	}{
		{name: "gone", err: tele.ErrNotFoundToDelete, kind: kit.KindNotFound},
		{name: "chat gone", err: fmt.Errorf("send: %w", tele.ErrChatNotFound), kind: kit.KindNotFound},
		{name: "no rights", err: tele.ErrNoRightsToDelete, kind: kit.KindForbidden},
		{name: "kicked", err: tele.ErrKickedFromGroup, kind: kit.KindForbidden},
		{name: "403", err: &tele.Error{Code: 403, Description: "Forbidden: something new"}, kind: kit.KindForbidden},
		{name: "429 without hint", err: &tele.Error{Code: 429, Description: "Too Many Requests"}, kind: kit.KindRateLimited},
		{name: "flood", err: tele.FloodError{RetryAfter: 7}, kind: kit.KindRateLimited, after: 7 * time.Second},
		{name: "breaker open", err: gobreaker.ErrOpenState, kind: kit.KindTimeout},
		{name: "deadline", err: context.DeadlineExceeded, kind: kit.KindTimeout},
		{name: "other api error", err: &tele.Error{Code: 400, Description: "Bad Request: message can't be deleted"}, kind: kit.KindOther},
		{name: "plain", err: errors.New("boom"), kind: kit.KindOther},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ce := kit.Classify(classify(tt.err))
			require.NotNil(t, ce)
			assert.Equal(t, tt.kind, ce.Kind)
			assert.Equal(t, tt.after, ce.RetryAfter)
		})
	}
	assert.NoError(t, classify(nil))
}

func TestBreakerIgnoresAPIAnswers(t *testing.T) {
	t.Parallel()
	assert.False(t, isBreakerFailure(nil))
	assert.False(t, isBreakerFailure(tele.ErrNoRightsToDelete))
	assert.False(t, isBreakerFailure(tele.ErrNotFoundToDelete))
	assert.False(t, isBreakerFailure(tele.FloodError{RetryAfter: 3}))
	assert.True(t, isBreakerFailure(context.DeadlineExceeded))
	assert.True(t, isBreakerFailure(errors.New("connection reset")))
}

func TestToMessage(t *testing.T) {
	t.Parallel()
	assert.Nil(t, toMessage(nil))

	m := toMessage(&tele.Message{
		ID:      9,
		Chat:    &tele.Chat{ID: -100, Type: tele.ChatSuperGroup},
		Sender:  &tele.User{ID: 42, Username: "ann"},
		Caption: "look",
	})
	require.NotNil(t, m)
	assert.Equal(t, kit.Message{ID: 9, ChatID: -100, FromID: 42, FromUsername: "ann", Text: "look", IsGroup: true}, *m)

	private := toMessage(&tele.Message{ID: 1, Chat: &tele.Chat{ID: 5, Type: tele.ChatPrivate}, Text: "hi"})
	require.NotNil(t, private)
	assert.False(t, private.IsGroup)
	assert.Zero(t, private.FromID)
}

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{""}, splitTelegramText("", 10, ""))
	assert.Equal(t, []string{"short"}, splitTelegramText("short", 10, ""))

	chunks := splitTelegramText("aaaa\nbbbb\ncccc", 10, "")
	assert.Equal(t, []string{"aaaa\nbbbb", "cccc"}, chunks)

	long := strings.Repeat("x", 25)
	chunks = splitTelegramText(long, 10, "")
	require.Len(t, chunks, 3)
	assert.Equal(t, long, strings.Join(chunks, ""))

	html := splitTelegramText("abcdefgh<b>x</b>", 10, "HTML")
	assert.Equal(t, []string{"abcdefgh", "<b>x</b>"}, html)
}

func TestPayload(t *testing.T) {
	t.Parallel()
	a := &Adapter{}
	what, opts := a.payload(kit.Content{Text: "hi", ThreadID: 3, Buttons: []kit.Button{{Text: "Go", URL: "https://example.org"}}})
	assert.Equal(t, "hi", what)
	assert.Equal(t, 3, opts.ThreadID)
	require.NotNil(t, opts.ReplyMarkup)
	require.Len(t, opts.ReplyMarkup.InlineKeyboard, 1)

	what, _ = a.payload(kit.Content{Text: "cap", MediaRef: "https://example.org/a.mp4", MediaKind: kit.MediaVideo})
	v, ok := what.(*tele.Video)
	require.True(t, ok)
	assert.Equal(t, "cap", v.Caption)
	assert.Equal(t, "https://example.org/a.mp4", v.FileURL)

	what, _ = a.payload(kit.Content{MediaRef: "AgACfileid"})
	p, ok := what.(*tele.Photo)
	require.True(t, ok)
	assert.Equal(t, "AgACfileid", p.FileID)
}

func TestDeliverDropsWhenQueueFull(t *testing.T) {
	t.Parallel()
	a := &Adapter{log: logx.Nop(), metrics: observability.NewMetrics(nil)}
	up := kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ID: 1}}

	a.deliver(up)
	assert.Nil(t, a.Supervisor())
	require.NoError(t, a.Stop(context.Background()))

	out := make(chan kit.Update, 1)
	ss := &session{out: out}
	a.live.Store(ss)
	a.deliver(up)
	a.deliver(up)

	assert.Len(t, out, 1)
	assert.Equal(t, uint64(1), ss.dropped.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.UpdatesDropped))
}
