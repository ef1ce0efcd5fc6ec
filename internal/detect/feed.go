// Package detect turns two successive snapshots into at most one
// notification event. Everything here is pure: no I/O, no hidden state.
package detect

import (
	"strings"

	"bilirelay/internal/model"
)

const opusURLPrefix = "https://www.bilibili.com/opus/"

// MaxTimestamp returns the greatest PublishTS in snap and the index of the
// first item carrying it. The accumulator starts at 0, so items stamped 0
// never win; idx is -1 when no item does.
func MaxTimestamp(snap model.FeedSnapshot) (ts int64, idx int) {
	idx = -1
	for i, it := range snap.Items {
		if it.PublishTS > ts {
			ts = it.PublishTS
			idx = i
		}
	}
	return ts, idx
}

// ClassifyFeed compares the previous and current timeline pages and reports
// what, if anything, the newest item announces.
//
// Order of checks matters: a forward nests the real content one level down
// in Orig, so it is recognised before the top-level post/video checks.
func ClassifyFeed(prev, cur model.FeedSnapshot) model.Event {
	curTS, idx := MaxTimestamp(cur)
	prevTS, _ := MaxTimestamp(prev)
	if curTS <= prevTS || idx < 0 {
		return model.NoEvent{Reason: "not newer"}
	}

	item := cur.Items[idx]
	actor := item.AuthorName
	if actor == "" && len(cur.Items) > 0 {
		actor = cur.Items[0].AuthorName
	}

	switch {
	case item.Kind == model.KindForward:
		return classifyForward(item, actor)
	case item.Major != nil && item.Major.LiveRcmd:
		return model.NoEvent{Reason: "live recommendation"}
	case item.HasJumpURL || item.JumpURL != "":
		ev := model.NewPost{Author: actor}
		if op := opusOf(&item); op != nil {
			ev.Title = op.Title
			ev.Content = op.Summary
			ev.URL = trimScheme(op.JumpURL)
		}
		if ev.URL == "" {
			ev.URL = trimScheme(item.JumpURL)
		}
		return ev
	default:
		ev := model.NewVideo{Author: actor, Tab: item.Desc}
		if ar := archiveOf(&item); ar != nil {
			ev.Title = ar.Title
			ev.CoverURL = ar.Cover
			ev.URL = trimScheme(ar.JumpURL)
		}
		return ev
	}
}

func classifyForward(item model.FeedItem, actor string) model.Event {
	url := ""
	if item.ID != "" {
		url = opusURLPrefix + item.ID
	}

	var origAuthor string
	if item.Orig != nil {
		origAuthor = item.Orig.AuthorName
	}

	if item.Orig.IsVideo() {
		ev := model.ForwardedVideo{
			Forwarder:      actor,
			Title:          item.Desc,
			OriginalAuthor: origAuthor,
			URL:            url,
		}
		if ar := archiveOf(item.Orig); ar != nil {
			ev.OriginalVideoURL = trimScheme(ar.JumpURL)
		}
		return ev
	}

	ev := model.ForwardedPost{
		Forwarder:      actor,
		Title:          item.Desc,
		OriginalAuthor: origAuthor,
		URL:            url,
	}
	if item.Orig != nil {
		if op := opusOf(item.Orig); op != nil {
			ev.OriginalURL = trimScheme(op.JumpURL)
		}
		if ev.OriginalURL == "" {
			ev.OriginalURL = trimScheme(item.Orig.JumpURL)
		}
	}
	return ev
}

func opusOf(it *model.FeedItem) *model.Opus {
	if it == nil || it.Major == nil {
		return nil
	}
	return it.Major.Opus
}

func archiveOf(it *model.FeedItem) *model.Archive {
	if it == nil || it.Major == nil {
		return nil
	}
	return it.Major.Archive
}

// trimScheme drops the leading "//" of protocol-relative links.
func trimScheme(u string) string {
	return strings.TrimPrefix(u, "//")
}
