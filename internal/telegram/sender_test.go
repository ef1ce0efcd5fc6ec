package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func fakeBotAPI(t *testing.T) (*httptest.Server, func() []map[string]any) {
	t.Helper()
	var (
		mu   sync.Mutex
		sent []map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			_, _ = io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"relay","username":"relay_bot"}}`)
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			body, _ := io.ReadAll(r.Body)
			var m map[string]any
			_ = json.Unmarshal(body, &m)
			mu.Lock()
			sent = append(sent, m)
			mu.Unlock()
			_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"supergroup"},"text":"x"}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, func() []map[string]any {
		mu.Lock()
		defer mu.Unlock()
		return append([]map[string]any(nil), sent...)
	}
}

func TestSendAlert(t *testing.T) {
	srv, sent := fakeBotAPI(t)
	s, err := New(Config{Token: "123:abc", ChatID: 42, ThreadID: 9, APIURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.SendAlert(context.Background(), "feed source failing"); err != nil {
		t.Fatalf("SendAlert: %v", err)
	}
	got := sent()
	if len(got) != 1 {
		t.Fatalf("sent %d messages, want 1", len(got))
	}
	if got[0]["text"] != "feed source failing" {
		t.Fatalf("text = %v", got[0]["text"])
	}
	if chat, _ := got[0]["chat_id"].(string); chat != "42" {
		t.Fatalf("chat_id = %v", got[0]["chat_id"])
	}
}

func TestSendAlertCancelled(t *testing.T) {
	srv, sent := fakeBotAPI(t)
	s, err := New(Config{Token: "123:abc", ChatID: 42, APIURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.SendAlert(ctx, "x"); err == nil {
		t.Fatalf("expected context error")
	}
	if n := len(sent()); n != 0 {
		t.Fatalf("sent %d messages after cancel", n)
	}
}

func TestNewRequiresTokenAndChat(t *testing.T) {
	if _, err := New(Config{ChatID: 1}); err == nil {
		t.Fatalf("missing token accepted")
	}
	if _, err := New(Config{Token: "1:a"}); err == nil {
		t.Fatalf("missing chat accepted")
	}
}
