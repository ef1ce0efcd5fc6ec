// Package window enumerates chat windows and injects input into them.
//
// All OS side effects go through Driver so the delivery state machine can run
// against the Win32 implementation, a dry-run recorder or a test fake.
package window

import (
	"context"
	"errors"
	"strings"

	"bilirelay/internal/model"
)

// ErrUnsupported is returned by the system driver on platforms without a
// window system it can drive.
var ErrUnsupported = errors.New("window: system driver not supported on this platform")

// Virtual-key codes used by the delivery engine.
const (
	KeyReturn  uint16 = 0x0D
	KeyControl uint16 = 0x11
	KeyMenu    uint16 = 0x12 // Alt
	KeyV       uint16 = 0x56
)

// Window is one visible top-level window as enumerated by a Driver.
type Window struct {
	Handle uintptr
	Title  string
	Class  string
}

// Driver performs the OS-level operations used during delivery.
//
// Enumerate returns visible top-level windows in OS enumeration order.
type Driver interface {
	Enumerate(ctx context.Context) ([]Window, error)

	// Show restores and shows h without necessarily focusing it.
	Show(h uintptr) error
	// Foreground forces h to the foreground.
	Foreground(h uintptr) error

	SetClipboardText(s string) error
	// SetClipboardDIB places a packed device-independent bitmap (no file header).
	SetClipboardDIB(dib []byte) error

	// PostPaste asks h to paste the clipboard directly (legacy clients).
	PostPaste(h uintptr) error
	// PostEnter delivers a Return key press directly to h (legacy clients).
	PostEnter(h uintptr) error
	// SendChord synthesizes the given keys as global input: all pressed in
	// order, released in reverse.
	SendChord(keys ...uint16) error
}

// Match is an allow-list: a window is kept when its class is listed and its
// title contains at least one of Titles.
type Match struct {
	Titles  []string
	Classes map[string]model.Generation
}

// Empty reports whether the allow-list can never match anything.
func (m Match) Empty() bool {
	return len(m.Titles) == 0 || len(m.Classes) == 0
}

// Resolve filters windows against m, preserving enumeration order.
func Resolve(windows []Window, m Match) []model.Target {
	var out []model.Target
	for _, w := range windows {
		gen, ok := m.Classes[w.Class]
		if !ok {
			continue
		}
		if !titleMatches(w.Title, m.Titles) {
			continue
		}
		out = append(out, model.Target{
			Handle:     w.Handle,
			Title:      w.Title,
			Class:      w.Class,
			Generation: gen,
		})
	}
	return out
}

func titleMatches(title string, allow []string) bool {
	for _, s := range allow {
		if s != "" && strings.Contains(title, s) {
			return true
		}
	}
	return false
}

// Resolver looks targets up fresh on every call.
type Resolver struct {
	drv Driver
}

func NewResolver(drv Driver) *Resolver {
	return &Resolver{drv: drv}
}

// Resolve enumerates once and filters. Zero targets is not an error.
func (r *Resolver) Resolve(ctx context.Context, m Match) ([]model.Target, error) {
	if m.Empty() {
		return nil, nil
	}
	ws, err := r.drv.Enumerate(ctx)
	if err != nil {
		return nil, err
	}
	return Resolve(ws, m), nil
}
