// Package message renders notification events into the text (and optional
// cover image) pasted into chat windows.
package message

import (
	"strings"

	"bilirelay/internal/model"
)

// Format maps ev to a deliverable message. It returns false for NoEvent
// (and nil), meaning no job should be produced.
//
// Only video uploads and live transitions carry an image.
func Format(ev model.Event) (model.Message, bool) {
	switch e := ev.(type) {
	case model.NewPost:
		return model.Message{Text: lines(
			"【动态通知】",
			"【"+e.Author+"】发布了新动态",
			opt(e.Title),
			opt(e.Content),
			"动态地址:"+e.URL,
		)}, true
	case model.ForwardedPost:
		return model.Message{Text: lines(
			"【转发动态通知】",
			e.Forwarder+"转发了"+e.OriginalAuthor+"的动态",
			opt(e.Title),
			"动态地址:"+e.URL,
			"原动态地址:"+e.OriginalURL,
		)}, true
	case model.ForwardedVideo:
		return model.Message{Text: lines(
			"【转发视频通知】",
			e.Forwarder+"转发了"+e.OriginalAuthor+"的视频",
			opt(e.Title),
			"动态地址:"+e.URL,
			"原视频地址:"+e.OriginalVideoURL,
		)}, true
	case model.NewVideo:
		title := ""
		if e.Title != "" {
			title = "《" + e.Title + "》"
		}
		return model.Message{Text: lines(
			"【视频通知】",
			"【"+e.Author+"】更新了新视频",
			opt(e.Tab),
			title,
			"视频地址:"+e.URL,
		), ImageRef: e.CoverURL}, true
	case model.LiveStarted:
		return model.Message{Text: lines(
			"【直播通知】",
			e.Anchor+"开播啦！",
			opt(e.Title),
			"直播地址："+e.URL,
		), ImageRef: e.CoverURL}, true
	case model.LiveEnded:
		return model.Message{Text: lines(
			"【下播通知】",
			e.Anchor+"下播啦！",
			opt(e.Title),
			"直播地址："+e.URL,
		), ImageRef: e.CoverURL}, true
	default:
		return model.Message{}, false
	}
}

// HasImage reports whether events of kind k carry a cover image.
func HasImage(k model.EventKind) bool {
	switch k {
	case model.EventNewVideo, model.EventLiveStarted, model.EventLiveEnded:
		return true
	default:
		return false
	}
}

func opt(s string) string { return strings.TrimSpace(s) }

// lines joins the non-empty parts with newlines.
func lines(parts ...string) string {
	out := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n")
}
