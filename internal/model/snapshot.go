// Package model holds the typed values that flow through the relay pipeline:
// decoded snapshots, notification events, delivery targets and jobs.
package model

// ItemKind tags a feed item as a plain post/upload or a forward of another item.
type ItemKind int

const (
	KindPlain ItemKind = iota
	KindForward
)

func (k ItemKind) String() string {
	if k == KindForward {
		return "forward"
	}
	return "plain"
}

// Dynamic item type tags used by the feed API.
const (
	TypeForward  = "DYNAMIC_TYPE_FORWARD"
	TypeVideo    = "DYNAMIC_TYPE_AV"
	TypeLiveRcmd = "DYNAMIC_TYPE_LIVE_RCMD"
)

// FeedItem is one entry of the watched account's dynamic timeline.
//
// Every optional field decodes to its zero value when absent.
type FeedItem struct {
	ID         string
	Type       string
	Kind       ItemKind
	PublishTS  int64
	AuthorName string

	// JumpURL is the item's basic jump link; only post/opus items carry one.
	// HasJumpURL records that the key was present, even if empty.
	JumpURL    string
	HasJumpURL bool
	// Desc is the free text attached to the item (forward commentary, video tab line).
	Desc  string
	Major *Major
	// Orig is the wrapped item of a forward.
	Orig *FeedItem
}

// Major is the main content block of a feed item.
type Major struct {
	Type     string
	Archive  *Archive
	Opus     *Opus
	LiveRcmd bool
}

// Archive is a video upload.
type Archive struct {
	Title   string
	Cover   string
	JumpURL string
	Desc    string
}

// Opus is a text/picture post.
type Opus struct {
	Title   string
	Summary string
	JumpURL string
}

// IsVideo reports whether the item is a video upload.
func (it *FeedItem) IsVideo() bool {
	if it == nil {
		return false
	}
	if it.Type == TypeVideo {
		return true
	}
	return it.Type == "" && it.Major != nil && it.Major.Archive != nil
}

// FeedSnapshot is the full timeline page captured in one poll cycle.
// Items are not sorted by PublishTS.
type FeedSnapshot struct {
	Items []FeedItem
}

// LiveRoomSnapshot is the state of the live room captured in one poll cycle.
//
// LiveStartTime is an opaque marker: "0" means offline; any other value only
// ever gets compared for equality.
type LiveRoomSnapshot struct {
	LiveStartTime string
	Title         string
	AnchorName    string
	RoomID        string
	CoverURL      string
}

// Offline is the LiveStartTime marker of a room that is not broadcasting.
const Offline = "0"

// IsLive reports whether the snapshot describes an ongoing broadcast.
func (s LiveRoomSnapshot) IsLive() bool {
	return s.LiveStartTime != "" && s.LiveStartTime != Offline
}
