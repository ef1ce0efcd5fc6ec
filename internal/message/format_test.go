package message

import (
	"strings"
	"testing"

	"bilirelay/internal/model"
)

func allEvents() []model.Event {
	return []model.Event{
		model.NewPost{Author: "A", Title: "t", Content: "c", URL: "u"},
		model.ForwardedPost{Forwarder: "A", Title: "t", OriginalAuthor: "B", URL: "u", OriginalURL: "o"},
		model.ForwardedVideo{Forwarder: "A", Title: "t", OriginalAuthor: "B", URL: "u", OriginalVideoURL: "o"},
		model.NewVideo{Author: "A", Tab: "tab", Title: "t", CoverURL: "cover", URL: "u"},
		model.LiveStarted{Anchor: "A", Title: "t", URL: "u", CoverURL: "cover"},
		model.LiveEnded{Anchor: "A", Title: "t", URL: "u", CoverURL: "cover"},
	}
}

func TestFormatImageOnlyForCoveredEvents(t *testing.T) {
	t.Parallel()
	for _, ev := range allEvents() {
		ev := ev
		t.Run(string(ev.Kind()), func(t *testing.T) {
			t.Parallel()
			msg, ok := Format(ev)
			if !ok {
				t.Fatalf("Format(%s) returned no message", ev.Kind())
			}
			if msg.Text == "" {
				t.Fatalf("Format(%s) returned empty text", ev.Kind())
			}
			if got, want := msg.ImageRef != "", HasImage(ev.Kind()); got != want {
				t.Fatalf("Format(%s) image=%v, want %v", ev.Kind(), got, want)
			}
		})
	}
}

func TestFormatNoEvent(t *testing.T) {
	t.Parallel()
	if _, ok := Format(model.NoEvent{Reason: "not newer"}); ok {
		t.Fatal("NoEvent must not produce a message")
	}
	if _, ok := Format(nil); ok {
		t.Fatal("nil event must not produce a message")
	}
}

func TestFormatTemplates(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		ev   model.Event
		want string
	}{
		{
			name: "new video",
			ev:   model.NewVideo{Author: "UP", Tab: "tab", Title: "T", CoverURL: "C", URL: "U"},
			want: "【视频通知】\n【UP】更新了新视频\ntab\n《T》\n视频地址:U",
		},
		{
			name: "new post",
			ev:   model.NewPost{Author: "UP", Title: "T", Content: "body", URL: "U"},
			want: "【动态通知】\n【UP】发布了新动态\nT\nbody\n动态地址:U",
		},
		{
			name: "forwarded video",
			ev:   model.ForwardedVideo{Forwarder: "UP", Title: "wow", OriginalAuthor: "O", URL: "U", OriginalVideoURL: "V"},
			want: "【转发视频通知】\nUP转发了O的视频\nwow\n动态地址:U\n原视频地址:V",
		},
		{
			name: "live started",
			ev:   model.LiveStarted{Anchor: "UP", Title: "T", URL: "https://live.bilibili.com/1", CoverURL: "C"},
			want: "【直播通知】\nUP开播啦！\nT\n直播地址：https://live.bilibili.com/1",
		},
		{
			name: "live ended",
			ev:   model.LiveEnded{Anchor: "UP", Title: "T", URL: "https://live.bilibili.com/1", CoverURL: "C"},
			want: "【下播通知】\nUP下播啦！\nT\n直播地址：https://live.bilibili.com/1",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msg, _ := Format(tt.ev)
			if msg.Text != tt.want {
				t.Fatalf("text = %q, want %q", msg.Text, tt.want)
			}
		})
	}
}

func TestFormatDropsEmptyOptionalLines(t *testing.T) {
	t.Parallel()
	msg, _ := Format(model.NewPost{Author: "UP", URL: "U"})
	if strings.Contains(msg.Text, "\n\n") || strings.Contains(msg.Text, "None") {
		t.Fatalf("empty fields leaked into text: %q", msg.Text)
	}
	if msg.Text != "【动态通知】\n【UP】发布了新动态\n动态地址:U" {
		t.Fatalf("text = %q", msg.Text)
	}
}
