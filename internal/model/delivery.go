package model

import "time"

// Generation distinguishes the two chat-client generations, which need
// different focus and input-injection techniques.
type Generation int

const (
	Legacy Generation = iota
	Modern
)

func (g Generation) String() string {
	if g == Modern {
		return "modern"
	}
	return "legacy"
}

// ParseGeneration maps a config string to a Generation.
func ParseGeneration(s string) (Generation, bool) {
	switch s {
	case "legacy":
		return Legacy, true
	case "modern":
		return Modern, true
	default:
		return Legacy, false
	}
}

// Target is one chat window resolved for a single job. Handles are not
// stable across process lifetimes, so targets are never cached.
type Target struct {
	Handle     uintptr
	Title      string
	Class      string
	Generation Generation
}

// Job is one message bound for an ordered list of targets.
type Job struct {
	ID         string
	Source     string
	Event      EventKind
	Text       string
	ImageRef   string
	MentionAll bool
	Targets    []Target
}

// Step names one state of the per-target interaction state machine.
type Step string

const (
	StepActivate   Step = "activate"
	StepMentionAll Step = "mention_all"
	StepPasteText  Step = "paste_text"
	StepPasteImage Step = "paste_image"
	StepSubmit     Step = "submit"
)

// Status is the result of running one target.
type Status string

const (
	Delivered Status = "delivered"
	Skipped   Status = "skipped"
	Failed    Status = "failed"
)

// Outcome is the per-target result of a job.
type Outcome struct {
	Target Target
	Status Status
	Reason string
	Steps  []Step
}

// Report is the result of executing a Job.
type Report struct {
	JobID    string
	Source   string
	Status   Status // Skipped when no target ran; otherwise Delivered if any target was.
	Reason   string
	Outcomes []Outcome
	Image    bool
	Took     time.Duration
}

// Counts returns the number of delivered and failed targets.
func (r Report) Counts() (ok, fail int) {
	for _, o := range r.Outcomes {
		switch o.Status {
		case Delivered:
			ok++
		case Failed:
			fail++
		}
	}
	return ok, fail
}
