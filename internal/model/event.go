package model

// EventKind names an Event variant for logs and audit records.
type EventKind string

const (
	EventNone           EventKind = "none"
	EventNewPost        EventKind = "new_post"
	EventForwardedPost  EventKind = "forwarded_post"
	EventForwardedVideo EventKind = "forwarded_video"
	EventNewVideo       EventKind = "new_video"
	EventLiveStarted    EventKind = "live_started"
	EventLiveEnded      EventKind = "live_ended"
)

// Event is the result of classifying two successive snapshots.
// The set of variants is closed; NoEvent is an explicit value, never nil.
type Event interface {
	Kind() EventKind
	isEvent()
}

// NoEvent means nothing actionable changed. Reason is for logs only.
type NoEvent struct {
	Reason string
}

type NewPost struct {
	Author  string
	Title   string
	Content string
	URL     string
}

type ForwardedPost struct {
	Forwarder      string
	Title          string
	OriginalAuthor string
	URL            string
	OriginalURL    string
}

type ForwardedVideo struct {
	Forwarder        string
	Title            string
	OriginalAuthor   string
	URL              string
	OriginalVideoURL string
}

type NewVideo struct {
	Author   string
	Tab      string
	Title    string
	CoverURL string
	URL      string
}

type LiveStarted struct {
	Anchor   string
	Title    string
	URL      string
	CoverURL string
}

type LiveEnded struct {
	Anchor   string
	Title    string
	URL      string
	CoverURL string
}

func (NoEvent) Kind() EventKind        { return EventNone }
func (NewPost) Kind() EventKind        { return EventNewPost }
func (ForwardedPost) Kind() EventKind  { return EventForwardedPost }
func (ForwardedVideo) Kind() EventKind { return EventForwardedVideo }
func (NewVideo) Kind() EventKind       { return EventNewVideo }
func (LiveStarted) Kind() EventKind    { return EventLiveStarted }
func (LiveEnded) Kind() EventKind      { return EventLiveEnded }

func (NoEvent) isEvent()        {}
func (NewPost) isEvent()        {}
func (ForwardedPost) isEvent()  {}
func (ForwardedVideo) isEvent() {}
func (NewVideo) isEvent()       {}
func (LiveStarted) isEvent()    {}
func (LiveEnded) isEvent()      {}

// IsNoEvent reports whether ev carries nothing to deliver.
func IsNoEvent(ev Event) bool {
	if ev == nil {
		return true
	}
	_, ok := ev.(NoEvent)
	return ok
}

// Message is the formatted, deliverable form of an Event.
// ImageRef is empty when the event has no cover.
type Message struct {
	Text     string
	ImageRef string
}
