package telegram

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/pibot/pkg/channel"
	"github.com/nous-labs/pibot/pkg/chunk"
)

type fakeBot struct {
	updates chan tgbotapi.Update

	mu       sync.Mutex
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	stopped  bool
}

func newFakeBot() *fakeBot {
	return &fakeBot{updates: make(chan tgbotapi.Update, 8)}
}

func (f *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeBot) StopReceivingUpdates() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, nil
}

func (f *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func newTestChannel() (*Channel, *fakeBot) {
	bot := newFakeBot()
	c := New(Config{Token: "test"})
	c.bot = bot
	return c, bot
}

func commandMessage(text string, cmdLen int) *tgbotapi.Message {
	return &tgbotapi.Message{
		Text:     text,
		Date:     1700000000,
		Chat:     &tgbotapi.Chat{ID: 100},
		From:     &tgbotapi.User{ID: 42},
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: cmdLen}},
	}
}

func TestFromMessage_Command(t *testing.T) {
	msg, ok := fromMessage(commandMessage("/ping@pibot example.com", len("/ping@pibot")))
	require.True(t, ok)
	assert.Equal(t, "telegram", msg.Source)
	assert.Equal(t, "100", msg.ChatID)
	assert.Equal(t, "42", msg.SenderID)
	assert.Equal(t, "ping", msg.Command)
	assert.Equal(t, "example.com", msg.Args)
	assert.Equal(t, int64(1700000000000), msg.Timestamp)
}

func TestFromMessage_WithoutEntity(t *testing.T) {
	m := &tgbotapi.Message{Text: "/echo hi", Chat: &tgbotapi.Chat{ID: 5}}
	msg, ok := fromMessage(m)
	require.True(t, ok)
	assert.Equal(t, "echo", msg.Command)
	assert.Equal(t, "hi", msg.Args)
}

func TestFromMessage_PlainAndEmpty(t *testing.T) {
	msg, ok := fromMessage(&tgbotapi.Message{Text: "hello", Chat: &tgbotapi.Chat{ID: 5}})
	require.True(t, ok)
	assert.Empty(t, msg.Command)

	_, ok = fromMessage(&tgbotapi.Message{Text: "  ", Chat: &tgbotapi.Chat{ID: 5}})
	assert.False(t, ok)
	_, ok = fromMessage(&tgbotapi.Message{Text: "/start"})
	assert.False(t, ok, "no chat")
}

func TestHandleUpdate_CallbackAnswered(t *testing.T) {
	c, bot := newTestChannel()
	var got []channel.Message
	c.handler = func(_ context.Context, m channel.Message) error {
		got = append(got, m)
		return nil
	}

	c.handleUpdate(context.Background(), tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb1",
		From:    &tgbotapi.User{ID: 42},
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 100}},
		Data:    "network",
	}})

	require.Len(t, got, 1)
	assert.True(t, got[0].IsCallback())
	assert.Equal(t, "network", got[0].Callback)
	assert.Equal(t, "100", got[0].ChatID)

	require.Len(t, bot.requests, 1)
	answer, ok := bot.requests[0].(tgbotapi.CallbackConfig)
	require.True(t, ok)
	assert.Equal(t, "cb1", answer.CallbackQueryID)
}

func TestSend_InlineKeyboard(t *testing.T) {
	c, bot := newTestChannel()
	err := c.Send(context.Background(), channel.Response{
		ChatID:  "100",
		Content: "Choose a command group:",
		Buttons: []channel.Button{{Label: "System", Data: "system"}, {Label: "Utility", Data: "utility"}},
	})
	require.NoError(t, err)

	require.Len(t, bot.sent, 1)
	cfg, ok := bot.sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, int64(100), cfg.ChatID)
	assert.Equal(t, "Choose a command group:", cfg.Text)

	markup, ok := cfg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok)
	require.Len(t, markup.InlineKeyboard, 1)
	row := markup.InlineKeyboard[0]
	require.Len(t, row, 2)
	assert.Equal(t, "System", row[0].Text)
	require.NotNil(t, row[1].CallbackData)
	assert.Equal(t, "utility", *row[1].CallbackData)
}

func TestSend_SplitsOnUTF16Units(t *testing.T) {
	c, bot := newTestChannel()
	// 3000 runes but 6000 UTF-16 code units.
	text := strings.Repeat("😀", 3000)
	err := c.Send(context.Background(), channel.Response{
		ChatID:  "100",
		Content: text,
		Buttons: []channel.Button{{Label: "Back", Data: "back"}},
	})
	require.NoError(t, err)

	require.Len(t, bot.sent, 2)
	var joined string
	for i, s := range bot.sent {
		cfg := s.(tgbotapi.MessageConfig)
		assert.LessOrEqual(t, chunk.UTF16Len(cfg.Text), maxMessageUnits)
		if i == 0 {
			assert.Nil(t, cfg.ReplyMarkup)
		} else {
			assert.NotNil(t, cfg.ReplyMarkup)
		}
		joined += cfg.Text
	}
	assert.Equal(t, text, joined)
}

func TestSend_Errors(t *testing.T) {
	assert.Error(t, New(Config{}).Send(context.Background(), channel.Response{ChatID: "1", Content: "x"}), "not started")

	c, bot := newTestChannel()
	assert.Error(t, c.Send(context.Background(), channel.Response{ChatID: "room", Content: "x"}))
	assert.Error(t, c.Send(context.Background(), channel.Response{ChatID: "1"}))
	assert.Empty(t, bot.sent)
}

func TestStart_DispatchesUntilCancelled(t *testing.T) {
	c, bot := newTestChannel()
	ctx, cancel := context.WithCancel(context.Background())

	received := make(chan channel.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.Start(ctx, func(_ context.Context, m channel.Message) error {
			received <- m
			return nil
		})
	}()

	bot.updates <- tgbotapi.Update{Message: commandMessage("/uptime", len("/uptime"))}
	select {
	case m := <-received:
		assert.Equal(t, "uptime", m.Command)
	case <-time.After(2 * time.Second):
		t.Fatal("update not dispatched")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return")
	}
	bot.mu.Lock()
	assert.True(t, bot.stopped)
	bot.mu.Unlock()
}

// botServer is a minimal Bot API endpoint. getMe fails with the queued
// responses first, then succeeds; getUpdates returns no updates.
type botServer struct {
	srv        *httptest.Server
	getMe      atomic.Int32
	getUpdates atomic.Int32

	mu         sync.Mutex
	meFailures []string
}

func newBotServer(t *testing.T, meFailures ...string) *botServer {
	t.Helper()
	b := &botServer{meFailures: meFailures}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			b.getMe.Add(1)
			b.mu.Lock()
			var fail string
			if len(b.meFailures) > 0 {
				fail, b.meFailures = b.meFailures[0], b.meFailures[1:]
			}
			b.mu.Unlock()
			if fail != "" {
				fmt.Fprint(w, fail)
				return
			}
			fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"pi","username":"pibot"}}`)
		case strings.HasSuffix(r.URL.Path, "/getUpdates"):
			b.getUpdates.Add(1)
			time.Sleep(10 * time.Millisecond)
			fmt.Fprint(w, `{"ok":true,"result":[]}`)
		default:
			fmt.Fprint(w, `{"ok":false,"error_code":404,"description":"Not Found"}`)
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *botServer) channel() *Channel {
	return New(Config{
		Token:        "123:abc",
		PollTimeout:  1,
		Endpoint:     b.srv.URL + "/bot%s/%s",
		RetryBackoff: 10 * time.Millisecond,
	})
}

func startChannel(ctx context.Context, c *Channel) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- c.Start(ctx, func(context.Context, channel.Message) error { return nil })
	}()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return")
		return nil
	}
}

func TestStop_AfterCancelledStartDoesNotPanic(t *testing.T) {
	b := newBotServer(t)
	c := b.channel()
	ctx, cancel := context.WithCancel(context.Background())
	done := startChannel(ctx, c)

	require.Eventually(t, func() bool { return b.getUpdates.Load() > 0 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitDone(t, done))

	assert.NotPanics(t, func() { require.NoError(t, c.Stop()) })
	assert.NotPanics(t, func() { require.NoError(t, c.Stop()) })
	assert.Error(t, c.Send(context.Background(), channel.Response{ChatID: "1", Content: "x"}), "bot dropped on stop")
}

func TestStop_WhilePollingThenCancel(t *testing.T) {
	b := newBotServer(t)
	c := b.channel()
	ctx, cancel := context.WithCancel(context.Background())
	done := startChannel(ctx, c)

	require.Eventually(t, func() bool { return b.getUpdates.Load() > 0 }, 5*time.Second, 5*time.Millisecond)
	assert.NotPanics(t, func() { require.NoError(t, c.Stop()) })
	cancel()
	assert.NoError(t, waitDone(t, done))
}

func TestStart_RetriesTransientConnectFailure(t *testing.T) {
	b := newBotServer(t, `{"ok":false,"error_code":502,"description":"Bad Gateway"}`, `not json`)
	c := b.channel()
	ctx, cancel := context.WithCancel(context.Background())
	done := startChannel(ctx, c)

	require.Eventually(t, func() bool { return b.getUpdates.Load() > 0 }, 5*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 3, b.getMe.Load())

	cancel()
	assert.NoError(t, waitDone(t, done))
	require.NoError(t, c.Stop())
}

func TestStart_InvalidTokenIsPermanent(t *testing.T) {
	b := newBotServer(t, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
	c := b.channel()

	err := waitDone(t, startChannel(context.Background(), c))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-retryable")
	assert.EqualValues(t, 1, b.getMe.Load())
	assert.Zero(t, b.getUpdates.Load())
}

func TestStart_CancelledWhileRetrying(t *testing.T) {
	failures := make([]string, 1000)
	for i := range failures {
		failures[i] = `{"ok":false,"error_code":500,"description":"Internal Server Error"}`
	}
	b := newBotServer(t, failures...)
	c := b.channel()
	ctx, cancel := context.WithCancel(context.Background())
	done := startChannel(ctx, c)

	require.Eventually(t, func() bool { return b.getMe.Load() >= 2 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, waitDone(t, done))
	assert.NoError(t, c.Stop())
}
