package detect

import "bilirelay/internal/model"

const liveURLPrefix = "https://live.bilibili.com/"

// ClassifyLive reports a broadcast session transition.
//
// LiveStartTime is compared as an opaque string: any change to a non-"0"
// value is a new session, whatever the numbers say.
func ClassifyLive(prev, cur model.LiveRoomSnapshot) model.Event {
	curT := marker(cur.LiveStartTime)
	prevT := marker(prev.LiveStartTime)

	switch {
	case curT == model.Offline && prevT != model.Offline:
		return model.LiveEnded{
			Anchor:   cur.AnchorName,
			Title:    cur.Title,
			URL:      RoomURL(cur.RoomID),
			CoverURL: cur.CoverURL,
		}
	case curT == model.Offline:
		return model.NoEvent{Reason: "still offline"}
	case curT == prevT:
		return model.NoEvent{Reason: "still live"}
	default:
		return model.LiveStarted{
			Anchor:   cur.AnchorName,
			Title:    cur.Title,
			URL:      RoomURL(cur.RoomID),
			CoverURL: cur.CoverURL,
		}
	}
}

// RoomURL is the public address of a live room.
func RoomURL(roomID string) string {
	return liveURLPrefix + roomID
}

// An absent marker is treated as offline.
func marker(s string) string {
	if s == "" {
		return model.Offline
	}
	return s
}
