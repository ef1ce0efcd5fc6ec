//go:build !windows

package window

import "context"

type unsupported struct{}

// NewSystem returns the platform driver. Outside Windows every call fails
// with ErrUnsupported; use the dry-run driver instead.
func NewSystem() Driver { return unsupported{} }

func (unsupported) Enumerate(context.Context) ([]Window, error) { return nil, ErrUnsupported }
func (unsupported) Show(uintptr) error                          { return ErrUnsupported }
func (unsupported) Foreground(uintptr) error                    { return ErrUnsupported }
func (unsupported) SetClipboardText(string) error               { return ErrUnsupported }
func (unsupported) SetClipboardDIB([]byte) error                { return ErrUnsupported }
func (unsupported) PostPaste(uintptr) error                     { return ErrUnsupported }
func (unsupported) PostEnter(uintptr) error                     { return ErrUnsupported }
func (unsupported) SendChord(...uint16) error                   { return ErrUnsupported }
