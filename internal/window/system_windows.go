//go:build windows

package window

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	user32   = windows.NewLazySystemDLL("user32.dll")
	kernel32 = windows.NewLazySystemDLL("kernel32.dll")

	procEnumWindows         = user32.NewProc("EnumWindows")
	procGetWindowTextW      = user32.NewProc("GetWindowTextW")
	procGetClassNameW       = user32.NewProc("GetClassNameW")
	procIsWindow            = user32.NewProc("IsWindow")
	procIsWindowVisible     = user32.NewProc("IsWindowVisible")
	procShowWindow          = user32.NewProc("ShowWindow")
	procSetForegroundWindow = user32.NewProc("SetForegroundWindow")
	procSendMessageW        = user32.NewProc("SendMessageW")
	procKeybdEvent          = user32.NewProc("keybd_event")
	procOpenClipboard       = user32.NewProc("OpenClipboard")
	procCloseClipboard      = user32.NewProc("CloseClipboard")
	procEmptyClipboard      = user32.NewProc("EmptyClipboard")
	procSetClipboardData    = user32.NewProc("SetClipboardData")

	procGlobalAlloc  = kernel32.NewProc("GlobalAlloc")
	procGlobalFree   = kernel32.NewProc("GlobalFree")
	procGlobalLock   = kernel32.NewProc("GlobalLock")
	procGlobalUnlock = kernel32.NewProc("GlobalUnlock")
)

const (
	swShow    = 5
	swRestore = 9

	wmKeyDown = 0x0100
	wmKeyUp   = 0x0101
	wmPaste   = 0x0302

	keyEventKeyUp = 0x0002

	cfDIB         = 8
	cfUnicodeText = 13
	gmemMoveable  = 0x0002

	clipboardAttempts = 10
)

// EnumWindows callbacks are a finite resource; one is shared for the process.
var (
	enumMu   sync.Mutex
	enumOut  []Window
	enumProc = windows.NewCallback(func(h, _ uintptr) uintptr {
		if v, _, _ := procIsWindowVisible.Call(h); v == 0 {
			return 1
		}
		title := windowText(procGetWindowTextW, h, 512)
		if title == "" {
			return 1
		}
		enumOut = append(enumOut, Window{
			Handle: h,
			Title:  title,
			Class:  windowText(procGetClassNameW, h, 256),
		})
		return 1
	})
)

func windowText(p *windows.LazyProc, h uintptr, n int) string {
	buf := make([]uint16, n)
	r, _, _ := p.Call(h, uintptr(unsafe.Pointer(&buf[0])), uintptr(n))
	if r == 0 {
		return ""
	}
	return windows.UTF16ToString(buf[:r])
}

type system struct{}

// NewSystem returns the Win32 driver.
func NewSystem() Driver { return system{} }

func (system) Enumerate(ctx context.Context) ([]Window, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	enumMu.Lock()
	defer enumMu.Unlock()
	enumOut = nil
	r, _, err := procEnumWindows.Call(enumProc, 0)
	if r == 0 {
		return nil, fmt.Errorf("EnumWindows: %w", err)
	}
	out := enumOut
	enumOut = nil
	return out, nil
}

func alive(h uintptr) error {
	if r, _, _ := procIsWindow.Call(h); r == 0 {
		return fmt.Errorf("window %#x no longer exists", h)
	}
	return nil
}

func (system) Show(h uintptr) error {
	if err := alive(h); err != nil {
		return err
	}
	procShowWindow.Call(h, swRestore)
	procShowWindow.Call(h, swShow)
	return nil
}

func (s system) Foreground(h uintptr) error {
	if err := alive(h); err != nil {
		return err
	}
	// A synthetic Alt press lets a background process take the foreground.
	if err := s.SendChord(KeyMenu); err != nil {
		return err
	}
	if r, _, err := procSetForegroundWindow.Call(h); r == 0 {
		return fmt.Errorf("SetForegroundWindow: %w", err)
	}
	return nil
}

func (system) SetClipboardText(s string) error {
	u, err := windows.UTF16FromString(s)
	if err != nil {
		return err
	}
	size := uintptr(len(u)) * 2
	return setClipboard(cfUnicodeText, unsafe.Slice((*byte)(unsafe.Pointer(&u[0])), size))
}

func (system) SetClipboardDIB(dib []byte) error {
	if len(dib) == 0 {
		return fmt.Errorf("empty bitmap")
	}
	return setClipboard(cfDIB, dib)
}

func setClipboard(format uintptr, data []byte) error {
	if err := openClipboard(); err != nil {
		return err
	}
	defer procCloseClipboard.Call()

	if r, _, err := procEmptyClipboard.Call(); r == 0 {
		return fmt.Errorf("EmptyClipboard: %w", err)
	}
	hMem, _, err := procGlobalAlloc.Call(gmemMoveable, uintptr(len(data)))
	if hMem == 0 {
		return fmt.Errorf("GlobalAlloc: %w", err)
	}
	ptr, _, err := procGlobalLock.Call(hMem)
	if ptr == 0 {
		procGlobalFree.Call(hMem)
		return fmt.Errorf("GlobalLock: %w", err)
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(ptr)), len(data)), data)
	procGlobalUnlock.Call(hMem)

	if r, _, err := procSetClipboardData.Call(format, hMem); r == 0 {
		procGlobalFree.Call(hMem)
		return fmt.Errorf("SetClipboardData: %w", err)
	}
	// The clipboard owns hMem from here on.
	return nil
}

func openClipboard() error {
	var lastErr error
	for i := 0; i < clipboardAttempts; i++ {
		r, _, err := procOpenClipboard.Call(0)
		if r != 0 {
			return nil
		}
		lastErr = err
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("OpenClipboard: clipboard busy: %w", lastErr)
}

func (system) PostPaste(h uintptr) error {
	if err := alive(h); err != nil {
		return err
	}
	procSendMessageW.Call(h, wmPaste, 0, 0)
	return nil
}

func (system) PostEnter(h uintptr) error {
	if err := alive(h); err != nil {
		return err
	}
	procSendMessageW.Call(h, wmKeyDown, uintptr(KeyReturn), 0)
	procSendMessageW.Call(h, wmKeyUp, uintptr(KeyReturn), 0)
	return nil
}

func (system) SendChord(keys ...uint16) error {
	for _, k := range keys {
		procKeybdEvent.Call(uintptr(k), 0, 0, 0)
	}
	for i := len(keys) - 1; i >= 0; i-- {
		procKeybdEvent.Call(uintptr(keys[i]), 0, keyEventKeyUp, 0)
	}
	return nil
}
