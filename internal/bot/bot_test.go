package bot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/go-cmp/cmp"

	"mention_radar/internal/digest"
)

type sentMsg struct {
	ChatID int64
	Text   string
}

type mockAPI struct {
	mu      sync.Mutex
	sent    []sentMsg
	failAt  int
	updates chan tgbotapi.Update
	stopped bool
}

func (m *mockAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAt > 0 && len(m.sent)+1 == m.failAt {
		return tgbotapi.Message{}, errors.New("Bad Request: chat not found")
	}
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		m.sent = append(m.sent, sentMsg{ChatID: msg.ChatID, Text: msg.Text})
	}
	return tgbotapi.Message{}, nil
}

func (m *mockAPI) GetUpdatesChan(_ tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return m.updates
}

func (m *mockAPI) StopReceivingUpdates() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

func (m *mockAPI) texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	for i, s := range m.sent {
		out[i] = s.Text
	}
	return out
}

func newTestNotifier(api *mockAPI) *Notifier {
	return newNotifier(api, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSend(t *testing.T) {
	api := &mockAPI{}
	n := newTestNotifier(api)

	err := n.Send(context.Background(), digest.Message{Recipient: "12345", Subject: "Digest", Body: "one mention"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	want := []sentMsg{{ChatID: 12345, Text: "Digest\n\none mention"}}
	if diff := cmp.Diff(want, api.sent); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
}

func TestSendInvalidRecipient(t *testing.T) {
	api := &mockAPI{}
	if err := newTestNotifier(api).Send(context.Background(), digest.Message{Recipient: "ana@example.com", Body: "x"}); err == nil {
		t.Fatal("expected error for a non-numeric chat id")
	}
	if len(api.sent) != 0 {
		t.Errorf("nothing should be sent, got %v", api.sent)
	}
}

func TestSendLongDigestInParts(t *testing.T) {
	api := &mockAPI{}
	line := strings.Repeat("x", 99) + "\n"
	body := strings.Repeat(line, 100)

	if err := newTestNotifier(api).Send(context.Background(), digest.Message{Recipient: "-100", Body: body}); err != nil {
		t.Fatalf("send: %v", err)
	}
	texts := api.texts()
	if len(texts) != 3 {
		t.Fatalf("expected 3 parts, got %d", len(texts))
	}
	if got := strings.Join(texts, ""); got != body {
		t.Error("parts do not reassemble into the original body")
	}
	for _, s := range texts {
		if utf8.RuneCountInString(s) > MaxMessageLength {
			t.Errorf("part of %d characters exceeds the limit", utf8.RuneCountInString(s))
		}
	}
}

func TestSendFailure(t *testing.T) {
	api := &mockAPI{failAt: 2}
	body := strings.Repeat(strings.Repeat("y", 99)+"\n", 50)

	err := newTestNotifier(api).Send(context.Background(), digest.Message{Recipient: "7", Body: body})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(api.sent) != 1 {
		t.Errorf("expected only the first part to go out, got %d", len(api.sent))
	}
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{name: "fits", text: "abc", limit: 5, want: []string{"abc"}},
		{name: "line boundaries", text: "ab\ncd\nef", limit: 6, want: []string{"ab\ncd\n", "ef"}},
		{name: "long line", text: "abcdefgh", limit: 3, want: []string{"abc", "def", "gh"}},
		{name: "runes", text: "ааааа", limit: 2, want: []string{"аа", "аа", "а"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, Split(tt.text, tt.limit)); diff != "" {
				t.Errorf("Split() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRunRepliesWithChatID(t *testing.T) {
	api := &mockAPI{updates: make(chan tgbotapi.Update, 2)}
	n := newTestNotifier(api)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Run(ctx)
		close(done)
	}()

	api.updates <- tgbotapi.Update{Message: &tgbotapi.Message{
		Text:     "/start",
		Chat:     &tgbotapi.Chat{ID: 555},
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 6}},
	}}

	deadline := time.Now().Add(2 * time.Second)
	for len(api.texts()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	texts := api.texts()
	if len(texts) != 1 || !strings.Contains(texts[0], "Recipient ID: 555") {
		t.Errorf("unexpected reply: %v", texts)
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	if !api.stopped {
		t.Error("expected long polling to be stopped on cancel")
	}
}
