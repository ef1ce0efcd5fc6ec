package detect

import (
	"strconv"

	"bilirelay/internal/model"
)

// FeedKey identifies the newest item of cur by id and publish time. Two
// posts with identical text still get distinct keys.
func FeedKey(cur model.FeedSnapshot) string {
	ts, idx := MaxTimestamp(cur)
	if idx < 0 {
		return ""
	}
	return cur.Items[idx].ID + "@" + strconv.FormatInt(ts, 10)
}

// LiveKey identifies a session transition by the start marker of the
// session it opens or closes.
func LiveKey(prev, cur model.LiveRoomSnapshot) string {
	if c := marker(cur.LiveStartTime); c != model.Offline {
		return "start:" + c
	}
	return "end:" + marker(prev.LiveStartTime)
}
