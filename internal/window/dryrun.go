package window

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Call is one recorded driver operation.
type Call struct {
	Op     string
	Handle uintptr
	Detail string
}

func (c Call) String() string {
	if c.Detail == "" {
		return fmt.Sprintf("%s(%#x)", c.Op, c.Handle)
	}
	return fmt.Sprintf("%s(%#x, %s)", c.Op, c.Handle, c.Detail)
}

// DryRun records every operation instead of touching the OS.
//
// Enumerate returns the simulated windows when any are set, otherwise it
// delegates to Base (if non-nil) so real targets can be resolved without
// injecting input into them.
type DryRun struct {
	Base Driver

	// Fail, when set, is consulted before every operation; a non-nil result
	// is returned as that operation's error.
	Fail func(op string, h uintptr) error

	mu        sync.Mutex
	windows   []Window
	calls     []Call
	clipboard string
}

func NewDryRun(base Driver, simulated []Window) *DryRun {
	d := &DryRun{Base: base}
	d.SetWindows(simulated)
	return d
}

// SetWindows replaces the simulated window list.
func (d *DryRun) SetWindows(ws []Window) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.windows = append([]Window(nil), ws...)
}

// Calls returns a copy of the recorded operations.
func (d *DryRun) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

// Reset drops the recorded operations.
func (d *DryRun) Reset() {
	d.mu.Lock()
	d.calls = nil
	d.mu.Unlock()
}

// Clipboard returns the last text or a bitmap marker placed on the clipboard.
func (d *DryRun) Clipboard() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clipboard
}

func (d *DryRun) record(op string, h uintptr, detail string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Fail != nil {
		if err := d.Fail(op, h); err != nil {
			return err
		}
	}
	d.calls = append(d.calls, Call{Op: op, Handle: h, Detail: detail})
	return nil
}

func (d *DryRun) Enumerate(ctx context.Context) ([]Window, error) {
	if err := d.record("enumerate", 0, ""); err != nil {
		return nil, err
	}
	d.mu.Lock()
	ws := append([]Window(nil), d.windows...)
	d.mu.Unlock()
	if len(ws) == 0 && d.Base != nil {
		return d.Base.Enumerate(ctx)
	}
	return ws, nil
}

func (d *DryRun) Show(h uintptr) error       { return d.record("show", h, "") }
func (d *DryRun) Foreground(h uintptr) error { return d.record("foreground", h, "") }
func (d *DryRun) PostPaste(h uintptr) error  { return d.record("post_paste", h, "") }
func (d *DryRun) PostEnter(h uintptr) error  { return d.record("post_enter", h, "") }

func (d *DryRun) SetClipboardText(s string) error {
	if err := d.record("clipboard_text", 0, fmt.Sprintf("%q", s)); err != nil {
		return err
	}
	d.mu.Lock()
	d.clipboard = s
	d.mu.Unlock()
	return nil
}

func (d *DryRun) SetClipboardDIB(dib []byte) error {
	marker := fmt.Sprintf("dib:%d", len(dib))
	if err := d.record("clipboard_dib", 0, marker); err != nil {
		return err
	}
	d.mu.Lock()
	d.clipboard = marker
	d.mu.Unlock()
	return nil
}

func (d *DryRun) SendChord(keys ...uint16) error {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%#x", k))
	}
	return d.record("chord", 0, strings.Join(parts, "+"))
}
